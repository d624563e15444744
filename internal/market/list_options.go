package market

import (
	"context"
	"sort"
	"time"
)

// SortOrder defines how results should be ordered when listing tasks.
type SortOrder int

const (
	// SortByCreatedDesc orders tasks by CreationTime descending (most recent first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders tasks by CreationTime ascending (oldest first).
	SortByCreatedAsc
)

// ListOptions controls how tasks are selected when querying the market.
type ListOptions struct {
	Limit      int
	Statuses   []Status
	CreatedGTE int64
	CreatedLTE int64
	Order      SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithStatuses filters tasks by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithCreatedSince filters tasks created after the provided instant (inclusive).
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedGTE = 0
			return
		}
		opts.CreatedGTE = ts.Unix()
	}
}

// WithCreatedUntil filters tasks created before the provided instant (inclusive).
func WithCreatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedLTE = 0
			return
		}
		opts.CreatedLTE = ts.Unix()
	}
}

// WithSortOrder changes the returned order of tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.CreatedGTE > 0 && task.CreationTime < opts.CreatedGTE {
		return false
	}
	if opts.CreatedLTE > 0 && task.CreationTime > opts.CreatedLTE {
		return false
	}
	return true
}

// List returns tasks matching the provided options.
func (m *Market) List(_ context.Context, opts ...ListOption) []*Task {
	options := buildListOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, options) {
			continue
		}
		results = append(results, task.clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if options.Order == SortByCreatedAsc {
			if results[i].CreationTime == results[j].CreationTime {
				return results[i].ID < results[j].ID
			}
			return results[i].CreationTime < results[j].CreationTime
		}
		if results[i].CreationTime == results[j].CreationTime {
			return results[i].ID > results[j].ID
		}
		return results[i].CreationTime > results[j].CreationTime
	})

	if len(results) > options.Limit {
		results = results[:options.Limit]
	}
	return results
}
