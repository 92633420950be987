package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Bucket counts observations at or below Le seconds.
type Bucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

var latencyBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

type latency struct {
	mu      sync.Mutex
	buckets []Bucket
	sum     float64
	count   int64
}

func newLatency() *latency {
	buckets := make([]Bucket, len(latencyBounds))
	for i, le := range latencyBounds {
		buckets[i] = Bucket{Le: le}
	}
	return &latency{buckets: buckets}
}

func (l *latency) observe(d time.Duration) {
	sec := d.Seconds()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sum += sec
	l.count++
	for i := range l.buckets {
		if sec <= l.buckets[i].Le {
			l.buckets[i].Count++
		}
	}
}

type LatencySnapshot struct {
	Route   string   `json:"route"`
	Buckets []Bucket `json:"buckets"`
	Sum     float64  `json:"sum"`
	Count   int64    `json:"count"`
	P95     float64  `json:"p95"`
}

func (l *latency) snapshot(route string) LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := LatencySnapshot{
		Route:   route,
		Buckets: append([]Bucket(nil), l.buckets...),
		Sum:     l.sum,
		Count:   l.count,
	}
	target := int64(math.Ceil(0.95 * float64(l.count)))
	for _, b := range l.buckets {
		if l.count > 0 && b.Count >= target {
			snap.P95 = b.Le
			break
		}
	}
	return snap
}

// LatencyRegistry keeps one latency histogram per route.
type LatencyRegistry struct {
	mu     sync.RWMutex
	routes map[string]*latency
}

func NewLatencyRegistry() *LatencyRegistry {
	return &LatencyRegistry{routes: map[string]*latency{}}
}

func (r *LatencyRegistry) Observe(route string, d time.Duration) {
	r.mu.RLock()
	l, ok := r.routes[route]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if l, ok = r.routes[route]; !ok {
			l = newLatency()
			r.routes[route] = l
		}
		r.mu.Unlock()
	}
	l.observe(d)
}

// Snapshots returns every route's histogram ordered by route.
func (r *LatencyRegistry) Snapshots() []LatencySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LatencySnapshot, 0, len(r.routes))
	for route, l := range r.routes {
		out = append(out, l.snapshot(route))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}
