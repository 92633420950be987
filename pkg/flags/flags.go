// Package flags holds the gateway's boolean feature flags. Defaults are
// compiled in; overrides live in the key-value store as a JSON map.
package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"shiftflow/pkg/clock"
	"shiftflow/pkg/logging"
	"shiftflow/pkg/store"
)

const (
	CacheSession      = "cache_session"
	CacheListTasks    = "cache_listTasks"
	CacheListMessages = "cache_listMessages"
	CacheListMembers  = "cache_listMembers"
	Attachments       = "attachments"
	RateLimit         = "rate_limit"
)

// GlobalKey is where overrides are stored.
const GlobalKey = "flags:global"

const DefaultRefresh = 30 * time.Second

var defaults = map[string]bool{
	CacheSession:      true,
	CacheListTasks:    true,
	CacheListMessages: true,
	CacheListMembers:  true,
	Attachments:       true,
	RateLimit:         false,
}

// Known reports whether name is a recognized flag.
func Known(name string) bool {
	_, ok := defaults[name]
	return ok
}

// Names lists recognized flags in sorted order.
func Names() []string {
	out := make([]string, 0, len(defaults))
	for k := range defaults {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Set struct {
	kv      store.KV
	refresh time.Duration
	clock   clock.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	effective map[string]bool
	loadedAt  time.Time
}

type Option func(*Set)

func WithClock(c clock.Clock) Option { return func(s *Set) { s.clock = clock.OrReal(c) } }

func WithLogger(l *zap.Logger) Option { return func(s *Set) { s.logger = logging.OrNop(l) } }

func New(kv store.KV, refresh time.Duration, opts ...Option) *Set {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	s := &Set{kv: kv, refresh: refresh, clock: clock.Real(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports the effective value of name. Unknown names are off.
func (s *Set) Enabled(ctx context.Context, name string) bool {
	return s.All(ctx)[name]
}

// All returns the effective flag map. Store failures fall back to the
// compiled defaults.
func (s *Set) All(ctx context.Context) map[string]bool {
	now := s.clock.Now()
	s.mu.Lock()
	if s.effective != nil && now.Sub(s.loadedAt) < s.refresh {
		out := copyFlags(s.effective)
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	overrides, err := s.overrides(ctx)
	if err != nil {
		s.logger.Warn("flag overrides unavailable, using defaults", zap.Error(err))
	}
	effective := merge(overrides)

	s.mu.Lock()
	s.effective = effective
	s.loadedAt = now
	s.mu.Unlock()
	return copyFlags(effective)
}

// Update merges recognized entries of changes into the stored overrides and
// returns the new effective map. Unrecognized names are ignored.
func (s *Set) Update(ctx context.Context, changes map[string]bool) (map[string]bool, error) {
	overrides, err := s.overrides(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range changes {
		if Known(k) {
			overrides[k] = v
		}
	}
	raw, err := json.Marshal(overrides)
	if err != nil {
		return nil, fmt.Errorf("encode flag overrides: %w", err)
	}
	if err := s.kv.Set(ctx, GlobalKey, string(raw), 0); err != nil {
		return nil, fmt.Errorf("store flag overrides: %w", err)
	}
	effective := merge(overrides)
	s.mu.Lock()
	s.effective = effective
	s.loadedAt = s.clock.Now()
	s.mu.Unlock()
	return copyFlags(effective), nil
}

func (s *Set) overrides(ctx context.Context) (map[string]bool, error) {
	out := map[string]bool{}
	raw, err := s.kv.Get(ctx, GlobalKey)
	if errors.Is(err, store.ErrMiss) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("load flag overrides: %w", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return out, fmt.Errorf("decode flag overrides: %w", err)
	}
	for k, v := range parsed {
		b, ok := v.(bool)
		if ok && Known(k) {
			out[k] = b
		}
	}
	return out, nil
}

func merge(overrides map[string]bool) map[string]bool {
	out := copyFlags(defaults)
	for k, v := range overrides {
		if Known(k) {
			out[k] = v
		}
	}
	return out
}

func copyFlags(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
