// Package metrics keeps process metrics in memory and renders them in
// Prometheus text exposition format. The surface is intentionally small:
// HTTP request counters and latencies plus core event counters.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type labelKey struct {
	handler string
	method  string
	code    string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Values above the last bound only show up in the +Inf bucket via h.count.
}

type collector struct {
	mu       sync.Mutex
	requests map[labelKey]uint64
	errors   map[labelKey]uint64
	latency  map[labelKey]*histogram
	events   map[string]uint64
}

var registry = &collector{
	requests: make(map[labelKey]uint64),
	errors:   make(map[labelKey]uint64),
	latency:  make(map[labelKey]*histogram),
	events:   make(map[string]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.requests[labelKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	if status >= 500 {
		registry.errors[labelKey{handler: handler, method: method}]++
	}

	latKey := labelKey{handler: handler, method: method}
	hist := registry.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		registry.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

// CountEvent increments the counter for a core event type.
func CountEvent(eventType string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.events[eventType]++
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, registry.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP agentmesh_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE agentmesh_http_requests_total counter\n")
	for _, key := range sortedKeys(c.requests) {
		builder.WriteString(fmt.Sprintf("agentmesh_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			key.handler, key.method, key.code, c.requests[key]))
	}

	builder.WriteString("# HELP agentmesh_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE agentmesh_http_request_errors_total counter\n")
	for _, key := range sortedKeys(c.errors) {
		builder.WriteString(fmt.Sprintf("agentmesh_http_request_errors_total{handler=%q,method=%q} %d\n",
			key.handler, key.method, c.errors[key]))
	}

	builder.WriteString("# HELP agentmesh_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE agentmesh_http_request_duration_seconds histogram\n")
	latKeys := make([]labelKey, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sortKeys(latKeys)
	for _, key := range latKeys {
		hist := c.latency[key]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("agentmesh_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				key.handler, key.method, formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("agentmesh_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			key.handler, key.method, hist.count))
		builder.WriteString(fmt.Sprintf("agentmesh_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			key.handler, key.method, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("agentmesh_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			key.handler, key.method, hist.count))
	}

	builder.WriteString("# HELP agentmesh_events_total Total number of core state change events by type.\n")
	builder.WriteString("# TYPE agentmesh_events_total counter\n")
	eventTypes := make([]string, 0, len(c.events))
	for eventType := range c.events {
		eventTypes = append(eventTypes, eventType)
	}
	sort.Strings(eventTypes)
	for _, eventType := range eventTypes {
		builder.WriteString(fmt.Sprintf("agentmesh_events_total{type=%q} %d\n",
			eventType, c.events[eventType]))
	}

	return builder.String()
}

func sortedKeys(m map[labelKey]uint64) []labelKey {
	keys := make([]labelKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []labelKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].code < keys[j].code
	})
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
