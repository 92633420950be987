// Package respcache stores whole responses of allow-listed read routes per
// caller identity and drops them when a dependent write succeeds. Every
// failure is logged and swallowed.
package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shiftflow/pkg/clock"
	"shiftflow/pkg/logging"
	"shiftflow/pkg/store"
)

const (
	StateHit    = "HIT"
	StateMiss   = "MISS"
	StateBypass = "BYPASS"
)

// Anonymous is the identity of a caller with neither email nor subject.
const Anonymous = "anonymous"

// generationTTL outlives any single read, so a marker cannot expire between
// Generation and Store.
const generationTTL = 10 * time.Minute

type Entry struct {
	Status      int       `json:"status"`
	Body        string    `json:"body"`
	ContentType string    `json:"contentType"`
	StoredAt    time.Time `json:"storedAt"`
}

// Policy makes a read route cacheable. Flag gates it at runtime.
type Policy struct {
	Flag string
	TTL  time.Duration
}

type FlagSource interface {
	Enabled(ctx context.Context, name string) bool
}

type Cache struct {
	kv          store.KV
	flags       FlagSource
	policies    map[string]Policy
	invalidates map[string][]string
	clock       clock.Clock
	logger      *zap.Logger
}

type Option func(*Cache)

func WithClock(c clock.Clock) Option { return func(rc *Cache) { rc.clock = clock.OrReal(c) } }

func WithLogger(l *zap.Logger) Option { return func(rc *Cache) { rc.logger = logging.OrNop(l) } }

// New builds a cache for the given read policies and write-to-read
// invalidation map. A nil flag source treats every policy as enabled.
func New(kv store.KV, flags FlagSource, policies map[string]Policy, invalidates map[string][]string, opts ...Option) *Cache {
	c := &Cache{
		kv:          kv,
		flags:       flags,
		policies:    policies,
		invalidates: invalidates,
		clock:       clock.Real(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key is the storage key for route and identity.
func Key(route, identity string) string {
	return "cache:" + route + ":" + strings.ToLower(identity)
}

func generationKey(route, identity string) string {
	return "cachegen:" + route + ":" + strings.ToLower(identity)
}

// Identity prefers email, then subject, then Anonymous.
func Identity(email, subject string) string {
	if e := strings.TrimSpace(email); e != "" {
		return strings.ToLower(e)
	}
	if s := strings.TrimSpace(subject); s != "" {
		return strings.ToLower(s)
	}
	return Anonymous
}

// Eligible reports whether route is allow-listed and its flag is on.
func (c *Cache) Eligible(ctx context.Context, route string) bool {
	p, ok := c.policies[route]
	if !ok || p.TTL <= 0 {
		return false
	}
	if p.Flag == "" || c.flags == nil {
		return true
	}
	return c.flags.Enabled(ctx, p.Flag)
}

// Lookup returns the stored entry for an eligible route.
func (c *Cache) Lookup(ctx context.Context, route, identity string) (Entry, bool) {
	if !c.Eligible(ctx, route) {
		return Entry{}, false
	}
	raw, err := c.kv.Get(ctx, Key(route, identity))
	if errors.Is(err, store.ErrMiss) {
		return Entry{}, false
	}
	if err != nil {
		c.logger.Warn("response cache read failed", zap.String("route", route), zap.Error(err))
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.logger.Warn("response cache entry unreadable", zap.String("route", route), zap.Error(err))
		return Entry{}, false
	}
	return e, true
}

// Generation returns the invalidation marker for route and identity. Read it
// before the handler loads its data and hand it to Store. A missing marker is
// the empty string.
func (c *Cache) Generation(ctx context.Context, route, identity string) string {
	gen, err := c.kv.Get(ctx, generationKey(route, identity))
	if err != nil && !errors.Is(err, store.ErrMiss) {
		c.logger.Warn("response cache generation read failed", zap.String("route", route), zap.Error(err))
	}
	return gen
}

// Store records a successful response. Non-2xx statuses are ignored. gen is
// the marker read before the response was built; if an invalidation has
// replaced it since, the entry is dropped again and Store reports false.
func (c *Cache) Store(ctx context.Context, route, identity, gen string, e Entry) bool {
	if e.Status < 200 || e.Status > 299 || !c.Eligible(ctx, route) {
		return false
	}
	e.StoredAt = c.clock.Now()
	raw, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("response cache encode failed", zap.String("route", route), zap.Error(err))
		return false
	}
	key := Key(route, identity)
	if err := c.kv.Set(ctx, key, string(raw), c.policies[route].TTL); err != nil {
		c.logger.Warn("response cache write failed", zap.String("route", route), zap.Error(err))
		return false
	}
	// The entry is written before the marker is checked. A write that changed
	// the marker after this check deletes the entry itself.
	current, err := c.kv.Get(ctx, generationKey(route, identity))
	if (err == nil && current == gen) || (errors.Is(err, store.ErrMiss) && gen == "") {
		return true
	}
	if err := c.kv.Del(ctx, key); err != nil {
		c.logger.Warn("response cache stale entry not dropped", zap.String("route", route), zap.Error(err))
	}
	return false
}

// Invalidates lists the read routes a successful call to route must drop.
func (c *Cache) Invalidates(route string) []string {
	return c.invalidates[route]
}

// Invalidate drops the identity's entries for every read route that
// mutating route invalidates. The generation marker of each read route is
// replaced first, so a fill that began earlier cannot keep its entry. Flags
// are not consulted so that disabling a route's cache cannot strand an old
// entry.
func (c *Cache) Invalidate(ctx context.Context, route, identity string) {
	targets := c.invalidates[route]
	if len(targets) == 0 {
		return
	}
	gen := uuid.NewString()
	keys := make([]string, 0, len(targets))
	for _, t := range targets {
		if err := c.kv.Set(ctx, generationKey(t, identity), gen, generationTTL); err != nil {
			c.logger.Warn("response cache generation write failed", zap.String("route", t), zap.Error(err))
		}
		keys = append(keys, Key(t, identity))
	}
	if err := c.kv.Del(ctx, keys...); err != nil {
		c.logger.Warn("response cache invalidation failed", zap.String("route", route), zap.Strings("keys", keys), zap.Error(err))
	}
}
