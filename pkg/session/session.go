// Package session stores browser sessions in the KV store. A session is
// addressed by an opaque id and proven by a random secret whose SHA-256 is
// the only form that is ever persisted.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shiftflow/pkg/clock"
	"shiftflow/pkg/logging"
	"shiftflow/pkg/store"
)

const keyPrefix = "sessions:"

var (
	// ErrInvalid covers malformed cookies, unknown ids and secret mismatches.
	ErrInvalid = errors.New("session invalid")
	// ErrExpired is returned when the idle or absolute window has passed.
	ErrExpired = errors.New("session expired")
	// ErrReauthRequired is returned when provider tokens can no longer be
	// refreshed and the user must sign in again.
	ErrReauthRequired = errors.New("session requires re-authentication")
)

// User is the identity bound to a session at sign-in.
type User struct {
	Subject     string `json:"subject"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Picture     string `json:"picture,omitempty"`
}

// ProviderTokens is the identity provider's token bundle.
type ProviderTokens struct {
	IDToken       string `json:"idToken,omitempty"`
	AccessToken   string `json:"accessToken,omitempty"`
	RefreshToken  string `json:"refreshToken,omitempty"`
	ExpiryEpochMs int64  `json:"expiryEpochMs,omitempty"`
	Scope         string `json:"scope,omitempty"`
}

// Expiry returns the provider token expiry, or zero when unknown.
func (t ProviderTokens) Expiry() time.Time {
	if t.ExpiryEpochMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.ExpiryEpochMs).UTC()
}

type Session struct {
	ID           string         `json:"id"`
	SecretHash   string         `json:"secretHash"`
	User         User           `json:"user"`
	Tokens       ProviderTokens `json:"providerTokens"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	LastAccessAt time.Time      `json:"lastAccessAt"`
}

// Refresher exchanges a refresh token for a new provider token bundle.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (ProviderTokens, error)
}

type Config struct {
	AbsoluteTTL   time.Duration
	IdleTTL       time.Duration
	RefreshWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		AbsoluteTTL:   24 * time.Hour,
		IdleTTL:       2 * time.Hour,
		RefreshWindow: 60 * time.Second,
	}
}

// Verdict is the outcome of timeout evaluation.
type Verdict int

const (
	Valid Verdict = iota
	IdleExpired
	AbsoluteExpired
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case IdleExpired:
		return "idle_expired"
	case AbsoluteExpired:
		return "absolute_expired"
	}
	return "unknown"
}

// EvaluateTimeouts reports whether a session created at createdAt and last
// used at lastAccessAt is still inside both windows at now.
func (c Config) EvaluateTimeouts(createdAt, lastAccessAt, now time.Time) Verdict {
	if !now.Before(createdAt.Add(c.AbsoluteTTL)) {
		return AbsoluteExpired
	}
	if !now.Before(lastAccessAt.Add(c.IdleTTL)) {
		return IdleExpired
	}
	return Valid
}

type Store struct {
	kv        store.KV
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	refresher Refresher
}

type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = clock.OrReal(c) } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = logging.OrNop(l) } }

func WithRefresher(r Refresher) Option { return func(s *Store) { s.refresher = r } }

func NewStore(kv store.KV, cfg Config, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.AbsoluteTTL <= 0 {
		cfg.AbsoluteTTL = def.AbsoluteTTL
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = def.RefreshWindow
	}
	s := &Store{kv: kv, cfg: cfg, clock: clock.Real(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Config() Config { return s.cfg }

// Create persists a new session and returns the id and the clear secret.
// The secret is not recoverable afterwards.
func (s *Store) Create(ctx context.Context, user User, tokens ProviderTokens) (string, string, error) {
	secret, err := newSecret()
	if err != nil {
		return "", "", err
	}
	now := s.clock.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		SecretHash:   hashSecret(secret),
		User:         user,
		Tokens:       tokens,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastAccessAt: now,
	}
	if err := s.save(ctx, sess); err != nil {
		return "", "", err
	}
	return sess.ID, secret, nil
}

// Verify resolves a cookie value to its session. Sessions past either
// timeout are destroyed before ErrExpired is returned.
func (s *Store) Verify(ctx context.Context, cookieValue string) (*Session, error) {
	id, secret, ok := SplitCookieValue(cookieValue)
	if !ok {
		return nil, ErrInvalid
	}
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	presented := hashSecret(secret)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(sess.SecretHash)) != 1 {
		return nil, ErrInvalid
	}
	if verdict := s.cfg.EvaluateTimeouts(sess.CreatedAt, sess.LastAccessAt, s.clock.Now()); verdict != Valid {
		if err := s.Destroy(ctx, id); err != nil {
			s.logger.Warn("destroy expired session", zap.String("session_id", id), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s", ErrExpired, verdict)
	}
	return sess, nil
}

// Touch extends the idle window without rotating the secret. It reloads
// the stored record and advances only lastAccessAt, so tokens written by a
// concurrent refresh are kept. sess is updated to the stored state.
func (s *Store) Touch(ctx context.Context, sess *Session) error {
	current, err := s.load(ctx, sess.ID)
	if err != nil {
		return err
	}
	if current.SecretHash != sess.SecretHash {
		return ErrInvalid
	}
	current.LastAccessAt = s.clock.Now()
	if err := s.save(ctx, current); err != nil {
		return err
	}
	*sess = *current
	return nil
}

func (s *Store) Destroy(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return s.kv.Del(ctx, keyPrefix+id)
}

// NeedsRefresh reports whether the provider token is inside the refresh
// window or already expired.
func (s *Store) NeedsRefresh(sess *Session) bool {
	exp := sess.Tokens.Expiry()
	if exp.IsZero() {
		return false
	}
	return !s.clock.Now().Before(exp.Add(-s.cfg.RefreshWindow))
}

// Refresh renews the provider tokens when they are about to expire. Any
// failure destroys the session and yields ErrReauthRequired.
func (s *Store) Refresh(ctx context.Context, sess *Session) (*Session, error) {
	if !s.NeedsRefresh(sess) {
		return sess, nil
	}
	now := s.clock.Now()
	if sess.Tokens.RefreshToken == "" || s.refresher == nil {
		if now.Before(sess.Tokens.Expiry()) {
			return sess, nil
		}
		s.destroyQuietly(ctx, sess.ID)
		return nil, fmt.Errorf("%w: provider token expired", ErrReauthRequired)
	}
	fresh, err := s.refresher.Refresh(ctx, sess.Tokens.RefreshToken)
	if err != nil {
		s.logger.Info("provider token refresh failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		s.destroyQuietly(ctx, sess.ID)
		return nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = sess.Tokens.RefreshToken
	}
	if fresh.IDToken == "" {
		fresh.IDToken = sess.Tokens.IDToken
	}
	if fresh.Scope == "" {
		fresh.Scope = sess.Tokens.Scope
	}
	updated := *sess
	updated.Tokens = fresh
	updated.UpdatedAt = s.clock.Now()
	if err := s.save(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) destroyQuietly(ctx context.Context, id string) {
	if err := s.Destroy(ctx, id); err != nil {
		s.logger.Warn("destroy session", zap.String("session_id", id), zap.Error(err))
	}
}

// save writes the record with a TTL equal to its remaining absolute lifetime.
func (s *Store) save(ctx context.Context, sess *Session) error {
	remaining := sess.CreatedAt.Add(s.cfg.AbsoluteTTL).Sub(s.clock.Now())
	if remaining <= 0 {
		return ErrExpired
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.kv.Set(ctx, keyPrefix+sess.ID, string(raw), remaining); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.kv.Get(ctx, keyPrefix+id)
	if errors.Is(err, store.ErrMiss) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("%w: corrupt record", ErrInvalid)
	}
	if sess.ID != id {
		return nil, ErrInvalid
	}
	return &sess, nil
}

// SplitCookieValue parses "<id>.<secret>".
func SplitCookieValue(v string) (string, string, bool) {
	id, secret, ok := strings.Cut(strings.TrimSpace(v), ".")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

func CookieValue(id, secret string) string { return id + "." + secret }

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
