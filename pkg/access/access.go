// Package access resolves a verified identity into the caller's standing in
// the organization: whether they may proceed, with which role and why not.
package access

import (
	"context"
	"errors"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"shiftflow/pkg/auth"
	"shiftflow/pkg/background"
	"shiftflow/pkg/clock"
	"shiftflow/pkg/logging"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPending   Status = "pending"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
	RoleGuest   Role = "guest"
)

type Source string

const (
	SourceStore    Source = "store"
	SourceFallback Source = "fallback"
)

const (
	ReasonSubjectMismatch  = "subject_mismatch"
	ReasonNotRegistered    = "not_registered"
	ReasonNoMembership     = "no_membership"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonMissingIdentity  = "missing_identity"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 4096
	expiryMargin    = 5 * time.Second
)

// ErrNoUser is returned by a Directory when no user row matches the email.
var ErrNoUser = errors.New("access: no user for email")

// Context is the resolved standing of a caller. Allowed implies
// Status == StatusActive.
type Context struct {
	Allowed      bool   `json:"allowed"`
	Status       Status `json:"status"`
	Role         Role   `json:"role"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	Reason       string `json:"reason,omitempty"`
	Source       Source `json:"source"`
	UserID       string `json:"userId,omitempty"`
	MembershipID string `json:"membershipId,omitempty"`
	OrgID        string `json:"orgId,omitempty"`
}

// HasRole reports whether the context's role is one of roles.
func (c Context) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if c.Role == r {
			return true
		}
	}
	return false
}

// Entry is the user/membership pair a Directory returns for an email. The
// directory prefers an active membership, then the earliest created one.
// Membership fields are empty when the user has none.
type Entry struct {
	UserID           string
	Email            string
	DisplayName      string
	UserStatus       string
	ExternalSubject  string
	MembershipID     string
	OrgID            string
	Role             string
	MembershipStatus string
}

type Directory interface {
	LookupByEmail(ctx context.Context, email string) (Entry, error)
	BindSubject(ctx context.Context, userID, subject string) error
}

// Scheduler runs deferred work off the request path.
type Scheduler interface {
	Go(ctx context.Context, name string, task background.Task) bool
}

type cached struct {
	ctx       Context
	expiresAt time.Time
}

type Resolver struct {
	dir       Directory
	ttl       time.Duration
	cache     *lru.Cache[string, cached]
	clock     clock.Clock
	logger    *zap.Logger
	scheduler Scheduler
}

type Option func(*Resolver)

func WithClock(c clock.Clock) Option { return func(r *Resolver) { r.clock = clock.OrReal(c) } }

func WithLogger(l *zap.Logger) Option { return func(r *Resolver) { r.logger = logging.OrNop(l) } }

func WithScheduler(s Scheduler) Option { return func(r *Resolver) { r.scheduler = s } }

func NewResolver(dir Directory, ttl time.Duration, capacity int, opts ...Option) (*Resolver, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, cached](capacity)
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		dir:    dir,
		ttl:    ttl,
		cache:  cache,
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CacheKey is the subject, or the lowercased email when there is none.
func CacheKey(c auth.Claims) string {
	if sub := strings.TrimSpace(c.Sub); sub != "" {
		return sub
	}
	return strings.ToLower(strings.TrimSpace(c.Email))
}

// Resolve never fails open: a directory failure yields a denied context
// with Source == SourceFallback.
func (r *Resolver) Resolve(ctx context.Context, claims auth.Claims) Context {
	key := CacheKey(claims)
	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if key == "" || email == "" {
		return Context{Status: StatusPending, Role: RoleGuest, Reason: ReasonMissingIdentity, Source: SourceStore}
	}
	now := r.clock.Now()
	if hit, ok := r.cache.Get(key); ok {
		if now.Before(hit.expiresAt) {
			return hit.ctx
		}
		r.cache.Remove(key)
	}

	entry, err := r.dir.LookupByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNoUser):
		return Context{
			Status:      StatusPending,
			Role:        RoleGuest,
			Email:       email,
			DisplayName: claims.Name,
			Reason:      ReasonNotRegistered,
			Source:      SourceStore,
		}
	case err != nil:
		r.logger.Error("access lookup failed", zap.String("email", email), zap.Error(err))
		return Context{
			Status:      StatusPending,
			Role:        RoleGuest,
			Email:       email,
			DisplayName: claims.Name,
			Reason:      ReasonStoreUnavailable,
			Source:      SourceFallback,
		}
	}

	out := evaluate(entry, claims)
	if !out.Allowed {
		return out
	}
	if entry.ExternalSubject == "" && claims.Sub != "" {
		r.bind(ctx, entry.UserID, claims.Sub)
	}
	if ttl := r.cacheTTL(now, claims); ttl > 0 {
		r.cache.Add(key, cached{ctx: out, expiresAt: now.Add(ttl)})
	}
	return out
}

// Purge drops every cached context. Membership changes made by one caller
// can affect any other caller's standing.
func (r *Resolver) Purge() { r.cache.Purge() }

func (r *Resolver) Len() int { return r.cache.Len() }

func (r *Resolver) cacheTTL(now time.Time, claims auth.Claims) time.Duration {
	ttl := r.ttl
	if claims.Exp > 0 {
		if untilExpiry := claims.ExpiresAt().Add(-expiryMargin).Sub(now); untilExpiry < ttl {
			ttl = untilExpiry
		}
	}
	return ttl
}

func (r *Resolver) bind(ctx context.Context, userID, subject string) {
	task := func(ctx context.Context) error {
		return r.dir.BindSubject(ctx, userID, subject)
	}
	if r.scheduler == nil {
		if err := task(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("subject binding failed", zap.String("user_id", userID), zap.Error(err))
		}
		return
	}
	r.scheduler.Go(ctx, "bind_subject", task)
}

func evaluate(e Entry, claims auth.Claims) Context {
	out := Context{
		Role:         normalizeRole(e.Role),
		Email:        strings.ToLower(strings.TrimSpace(e.Email)),
		DisplayName:  e.DisplayName,
		Source:       SourceStore,
		UserID:       e.UserID,
		MembershipID: e.MembershipID,
		OrgID:        e.OrgID,
	}
	if out.Email == "" {
		out.Email = strings.ToLower(strings.TrimSpace(claims.Email))
	}
	if out.DisplayName == "" {
		out.DisplayName = claims.Name
	}
	if e.MembershipID == "" {
		out.Status = StatusPending
		out.Role = RoleGuest
		out.Reason = ReasonNoMembership
		return out
	}
	out.Status = combine(e.UserStatus, e.MembershipStatus)
	if e.ExternalSubject != "" && claims.Sub != "" && e.ExternalSubject != claims.Sub {
		out.Reason = ReasonSubjectMismatch
		return out
	}
	if out.Status != StatusActive {
		out.Reason = "status_" + string(out.Status)
		return out
	}
	out.Allowed = true
	return out
}

// combine merges user and membership status. A user-level block (any
// status other than active) wins over the membership; an active user defers
// to the membership, so suspending a membership always takes effect. When
// neither is known the result is pending.
func combine(user, membership string) Status {
	u, uok := parseStatus(user)
	m, mok := parseStatus(membership)
	switch {
	case uok && u != StatusActive:
		return u
	case mok:
		return m
	case uok:
		return u
	default:
		return StatusPending
	}
}

func parseStatus(v string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(v))) {
	case StatusActive:
		return StatusActive, true
	case StatusPending:
		return StatusPending, true
	case StatusSuspended:
		return StatusSuspended, true
	case StatusRevoked:
		return StatusRevoked, true
	}
	return "", false
}

// ParseStatus validates a status supplied by a caller.
func ParseStatus(v string) (Status, bool) { return parseStatus(v) }

// ParseRole maps a stored role onto a known role; anything unknown is guest.
func ParseRole(v string) Role { return normalizeRole(v) }

// Rank orders roles by authority, guest lowest.
func (r Role) Rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleManager:
		return 2
	case RoleMember:
		return 1
	}
	return 0
}

func normalizeRole(v string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(v))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleManager:
		return RoleManager
	case RoleMember:
		return RoleMember
	}
	return RoleGuest
}
