package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu         sync.RWMutex
	route      map[string]*RouteStat
	code       map[string]int64
	cacheState map[string]int64
	verifier   map[string]int64
	gauges     map[string]float64
	latency    *LatencyRegistry
}

type RouteStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string               `json:"generated_at"`
	Routes      map[string]RouteStat `json:"routes"`
	Codes       map[string]int64     `json:"error_codes"`
	CacheStates map[string]int64     `json:"cache_states"`
	Verifier    map[string]int64     `json:"verifier"`
	Gauges      map[string]float64   `json:"gauges"`
	Latency     []LatencySnapshot    `json:"latency,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		route:      map[string]*RouteStat{},
		code:       map[string]int64{},
		cacheState: map[string]int64{},
		verifier:   map[string]int64{},
		gauges:     map[string]float64{},
		latency:    NewLatencyRegistry(),
	}
}

// Observe records one handled request for route.
func (r *Registry) Observe(route string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.latency.Observe(route, d)
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.route[route]
	if !ok {
		stat = &RouteStat{}
		r.route[route] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncCode(code string) {
	r.inc(r.code, code)
}

func (r *Registry) IncCacheState(state string) {
	r.inc(r.cacheState, strings.ToUpper(state))
}

// ObserveVerifier counts one verification attempt by strategy and outcome.
func (r *Registry) ObserveVerifier(strategy string, ok bool) {
	outcome := "fail"
	if ok {
		outcome = "ok"
	}
	r.inc(r.verifier, strategy+"|"+outcome)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) inc(m map[string]int64, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Routes:      make(map[string]RouteStat, len(r.route)),
		Codes:       copyCounts(r.code),
		CacheStates: copyCounts(r.cacheState),
		Verifier:    copyCounts(r.verifier),
		Gauges:      make(map[string]float64, len(r.gauges)),
		Latency:     r.latency.Snapshots(),
	}
	for k, v := range r.route {
		out.Routes[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP shiftflow_route_requests_total requests by route\n")
		b.WriteString("# TYPE shiftflow_route_requests_total counter\n")
		for _, route := range SortedKeys(snap.Routes) {
			fmt.Fprintf(b, "shiftflow_route_requests_total{route=%q} %d\n", route, snap.Routes[route].Count)
		}
		b.WriteString("# HELP shiftflow_route_errors_total error responses by route\n")
		b.WriteString("# TYPE shiftflow_route_errors_total counter\n")
		for _, route := range SortedKeys(snap.Routes) {
			fmt.Fprintf(b, "shiftflow_route_errors_total{route=%q} %d\n", route, snap.Routes[route].ErrorCount)
		}
		b.WriteString("# HELP shiftflow_route_max_millis slowest request by route in milliseconds\n")
		b.WriteString("# TYPE shiftflow_route_max_millis gauge\n")
		for _, route := range SortedKeys(snap.Routes) {
			fmt.Fprintf(b, "shiftflow_route_max_millis{route=%q} %d\n", route, snap.Routes[route].MaxMillis)
		}
		b.WriteString("# HELP shiftflow_error_code_total error responses by code\n")
		b.WriteString("# TYPE shiftflow_error_code_total counter\n")
		for _, code := range SortedKeys(snap.Codes) {
			fmt.Fprintf(b, "shiftflow_error_code_total{code=%q} %d\n", code, snap.Codes[code])
		}
		b.WriteString("# HELP shiftflow_cache_state_total responses by cache state\n")
		b.WriteString("# TYPE shiftflow_cache_state_total counter\n")
		for _, state := range SortedKeys(snap.CacheStates) {
			fmt.Fprintf(b, "shiftflow_cache_state_total{state=%q} %d\n", state, snap.CacheStates[state])
		}
		b.WriteString("# HELP shiftflow_verifier_total token verification attempts by strategy and outcome\n")
		b.WriteString("# TYPE shiftflow_verifier_total counter\n")
		for _, key := range SortedKeys(snap.Verifier) {
			strategy, outcome, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "shiftflow_verifier_total{strategy=%q,outcome=%q} %d\n", strategy, outcome, snap.Verifier[key])
		}
		b.WriteString("# HELP shiftflow_gauge operational gauges\n")
		b.WriteString("# TYPE shiftflow_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "shiftflow_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP shiftflow_latency_seconds request latency by route\n")
		b.WriteString("# TYPE shiftflow_latency_seconds histogram\n")
		for _, h := range snap.Latency {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "shiftflow_latency_seconds_bucket{route=%q,le=\"%.3f\"} %d\n", h.Route, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "shiftflow_latency_seconds_bucket{route=%q,le=\"+Inf\"} %d\n", h.Route, h.Count)
			fmt.Fprintf(b, "shiftflow_latency_seconds_sum{route=%q} %.6f\n", h.Route, h.Sum)
			fmt.Fprintf(b, "shiftflow_latency_seconds_count{route=%q} %d\n", h.Route, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
