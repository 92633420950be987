package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("listTasks", 200, 15*time.Millisecond)
	r.Observe("listTasks", 503, 35*time.Millisecond)
	r.IncCode("access_denied")
	r.IncCode("access_denied")
	r.IncCacheState("hit")
	r.ObserveVerifier("jwks", false)
	r.ObserveVerifier("tokeninfo", true)
	r.SetGauge("background_dropped", 3)

	snap := r.Snapshot()
	stat, ok := snap.Routes["listTasks"]
	if !ok {
		t.Fatal("missing route metric")
	}
	if stat.Count != 2 || stat.ErrorCount != 1 || stat.MaxMillis != 35 {
		t.Fatalf("unexpected route stat %+v", stat)
	}
	if snap.Codes["access_denied"] != 2 {
		t.Fatalf("expected access_denied=2 got=%d", snap.Codes["access_denied"])
	}
	if snap.CacheStates["HIT"] != 1 {
		t.Fatalf("expected HIT=1 got=%d", snap.CacheStates["HIT"])
	}
	if snap.Verifier["jwks|fail"] != 1 || snap.Verifier["tokeninfo|ok"] != 1 {
		t.Fatalf("unexpected verifier totals %v", snap.Verifier)
	}
	if snap.Gauges["background_dropped"] != 3 {
		t.Fatalf("expected gauge=3 got=%v", snap.Gauges["background_dropped"])
	}
	if len(snap.Latency) != 1 || snap.Latency[0].Count != 2 {
		t.Fatalf("unexpected latency snapshot %+v", snap.Latency)
	}
}

func TestLatencyBucketsAreCumulative(t *testing.T) {
	r := NewLatencyRegistry()
	r.Observe("session", 3*time.Millisecond)
	r.Observe("session", 40*time.Millisecond)
	r.Observe("getAttachment", time.Second)
	snaps := r.Snapshots()
	if len(snaps) != 2 || snaps[0].Route != "getAttachment" {
		t.Fatalf("expected snapshots sorted by route, got %+v", snaps)
	}
	session := snaps[1]
	for _, b := range session.Buckets {
		switch {
		case b.Le < 0.005 && b.Count != 0:
			t.Fatalf("bucket %v: unexpected count %d", b.Le, b.Count)
		case b.Le == 0.005 && b.Count != 1:
			t.Fatalf("bucket %v: expected 1 got %d", b.Le, b.Count)
		case b.Le >= 0.05 && b.Count != 2:
			t.Fatalf("bucket %v: expected 2 got %d", b.Le, b.Count)
		}
	}
	if session.P95 != 0.05 {
		t.Fatalf("expected p95 bucket 0.05, got %v", session.P95)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("createTask", 200, 12*time.Millisecond)
	r.Observe("createTask", 500, 20*time.Millisecond)
	r.IncCode("store_unavailable")
	r.IncCacheState("BYPASS")
	r.ObserveVerifier("jwks", true)
	r.SetGauge("background_inflight", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`shiftflow_route_requests_total{route="createTask"} 2`,
		`shiftflow_route_errors_total{route="createTask"} 1`,
		`shiftflow_error_code_total{code="store_unavailable"} 1`,
		`shiftflow_cache_state_total{state="BYPASS"} 1`,
		`shiftflow_verifier_total{strategy="jwks",outcome="ok"} 1`,
		`shiftflow_gauge{name="background_inflight"} 7.000`,
		`shiftflow_latency_seconds_count{route="createTask"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncCode("")
	r.IncCacheState(" ")
	r.SetGauge("", 5)
	r.Observe("session", 200, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
