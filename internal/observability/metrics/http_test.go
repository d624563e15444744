package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRenderExposesCounters(t *testing.T) {
	ObserveHTTPRequest("tasks", http.MethodPost, http.StatusCreated, 12*time.Millisecond)
	ObserveHTTPRequest("tasks", http.MethodPost, http.StatusInternalServerError, 30*time.Millisecond)
	CountEvent("TaskCreated")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		`agentmesh_http_requests_total{handler="tasks",method="POST",code="201"} 1`,
		`agentmesh_http_requests_total{handler="tasks",method="POST",code="500"} 1`,
		`agentmesh_http_request_errors_total{handler="tasks",method="POST"} 1`,
		`agentmesh_http_request_duration_seconds_count{handler="tasks",method="POST"} 2`,
		`agentmesh_events_total{type="TaskCreated"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type: %q", ct)
	}
}

func TestHistogramBuckets(t *testing.T) {
	hist := newHistogram()
	hist.observe(0.03)
	hist.observe(0.2)
	hist.observe(42)

	if hist.count != 3 {
		t.Fatalf("expected count 3, got %d", hist.count)
	}
	// 0.03 落在首个桶，0.2 落在 0.25 桶，42 只计入 +Inf。
	if hist.counts[0] != 1 {
		t.Fatalf("unexpected first bucket: %d", hist.counts[0])
	}
	if hist.counts[len(hist.counts)-1] != 2 {
		t.Fatalf("unexpected last finite bucket: %d", hist.counts[len(hist.counts)-1])
	}
}
