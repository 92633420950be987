// Package auth verifies identity-provider ID tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"shiftflow/pkg/clock"
	"shiftflow/pkg/logging"
)

const (
	StrategyJWKS      = "jwks"
	StrategyTokenInfo = "tokeninfo"
)

// Config selects and parameterizes the verification strategies.
type Config struct {
	// Strategy is the primary strategy. jwks falls back to tokeninfo when a
	// tokeninfo endpoint is configured.
	Strategy     string
	ClientID     string
	Issuers      []string
	JWKSURL      string
	TokenInfoURL string
	// AuthDomain bounds the hosts the IdP client may be redirected to.
	AuthDomain string
	Timeout    time.Duration
	Skew       time.Duration
}

// VerificationError carries a human-readable reason for a rejected token.
type VerificationError struct {
	Strategy string
	Reason   string
	// Transport is set when the issuer could not be reached at all.
	Transport bool
	Err       error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Strategy, e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Redirected reports whether the issuer redirected somewhere it should not.
func (e *VerificationError) Redirected() bool {
	return errors.Is(e.Err, ErrUnexpectedRedirect)
}

// Observer is notified of each strategy outcome.
type Observer func(strategy string, ok bool)

// Verifier turns bearer tokens into Claims.
type Verifier struct {
	cfg       Config
	rules     claimRules
	jwks      *jwksCache
	tokenInfo *tokenInfo
	clock     clock.Clock
	logger    *zap.Logger
	observe   Observer
}

type Option func(*Verifier)

func WithClock(c clock.Clock) Option {
	return func(v *Verifier) { v.clock = clock.OrReal(c) }
}

func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) { v.logger = logging.OrNop(l) }
}

// WithHTTPClient overrides the transport used for both strategies. Redirect
// policy is always applied on top of it.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) {
		client := NewIdPClient(c, v.cfg.AuthDomain)
		if v.jwks != nil {
			v.jwks.client = client
		}
		if v.tokenInfo != nil {
			v.tokenInfo.client = client
		}
	}
}

func WithObserver(o Observer) Option {
	return func(v *Verifier) { v.observe = o }
}

func NewVerifier(cfg Config, opts ...Option) (*Verifier, error) {
	cfg.Strategy = strings.ToLower(strings.TrimSpace(cfg.Strategy))
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyJWKS
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("auth: client id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Skew <= 0 {
		cfg.Skew = DefaultSkew
	}
	v := &Verifier{
		cfg:    cfg,
		rules:  claimRules{audience: cfg.ClientID, issuers: cfg.Issuers, skew: cfg.Skew},
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	client := NewIdPClient(&http.Client{Timeout: cfg.Timeout}, cfg.AuthDomain)
	switch cfg.Strategy {
	case StrategyJWKS:
		if cfg.JWKSURL == "" {
			return nil, errors.New("auth: jwks strategy requires a jwks url")
		}
		v.jwks = newJWKSCache(cfg.JWKSURL, client, nil)
	case StrategyTokenInfo:
	default:
		return nil, fmt.Errorf("auth: unsupported strategy %q", cfg.Strategy)
	}
	if cfg.TokenInfoURL != "" {
		v.tokenInfo = &tokenInfo{url: cfg.TokenInfoURL, client: client}
	} else if cfg.Strategy == StrategyTokenInfo {
		return nil, errors.New("auth: tokeninfo strategy requires a tokeninfo url")
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.jwks != nil {
		v.jwks.clock = v.clock
	}
	return v, nil
}

// Verify validates token and returns its normalized claims. A jwks failure
// falls back to tokeninfo before the token is rejected.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, &VerificationError{Strategy: v.cfg.Strategy, Reason: "empty token"}
	}
	if v.jwks != nil {
		claims, errA := v.verifyJWKS(ctx, token)
		v.record(StrategyJWKS, errA == nil)
		if errA == nil {
			return claims, nil
		}
		if v.tokenInfo == nil {
			return Claims{}, errA
		}
		v.logger.Debug("jwks verification failed, falling back to tokeninfo", zap.String("reason", errA.Reason))
		claims, errB := v.verifyTokenInfo(ctx, token)
		v.record(StrategyTokenInfo, errB == nil)
		if errB == nil {
			return claims, nil
		}
		return Claims{}, pickFailure(errA, errB)
	}
	claims, err := v.verifyTokenInfo(ctx, token)
	v.record(StrategyTokenInfo, err == nil)
	if err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// pickFailure reports the most informative of two strategy failures. A
// redirect rejection always wins; a token-level rejection beats an
// unreachable issuer.
func pickFailure(a, b *VerificationError) *VerificationError {
	if b.Redirected() {
		return b
	}
	if !a.Transport {
		return a
	}
	return b
}

func (v *Verifier) record(strategy string, ok bool) {
	if v.observe != nil {
		v.observe(strategy, ok)
	}
}

func (v *Verifier) verifyJWKS(ctx context.Context, token string) (Claims, *VerificationError) {
	var fetchErr error
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("kid required")
		}
		key, err := v.jwks.key(ctx, kid)
		if err != nil {
			fetchErr = err
			return nil, err
		}
		return key, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		var te *transportError
		return Claims{}, &VerificationError{
			Strategy:  StrategyJWKS,
			Reason:    reasonOf(err),
			Transport: errors.As(fetchErr, &te),
			Err:       err,
		}
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, &VerificationError{Strategy: StrategyJWKS, Reason: "unexpected claims type"}
	}
	claims, err := checkClaims(map[string]any(mc), v.clock.Now(), v.rules)
	if err != nil {
		return Claims{}, &VerificationError{Strategy: StrategyJWKS, Reason: err.Error(), Err: err}
	}
	return claims, nil
}

func (v *Verifier) verifyTokenInfo(ctx context.Context, token string) (Claims, *VerificationError) {
	raw, err := v.tokenInfo.introspect(ctx, token)
	if err != nil {
		var te *transportError
		return Claims{}, &VerificationError{
			Strategy:  StrategyTokenInfo,
			Reason:    reasonOf(err),
			Transport: errors.As(err, &te),
			Err:       err,
		}
	}
	claims, err := checkClaims(raw, v.clock.Now(), v.rules)
	if err != nil {
		return Claims{}, &VerificationError{Strategy: StrategyTokenInfo, Reason: err.Error(), Err: err}
	}
	return claims, nil
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrUnexpectedRedirect):
		return "identity provider redirected outside the authentication domain"
	case errors.Is(err, errKidNotFound):
		return "signing key not published by issuer"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature invalid"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "token unverifiable"
	}
	return err.Error()
}
