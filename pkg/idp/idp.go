// Package idp drives the OAuth authorization-code flow against the identity
// provider: login initiation with PKCE, callback exchange and token refresh.
package idp

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"shiftflow/pkg/auth"
	"shiftflow/pkg/clock"
	"shiftflow/pkg/logging"
	"shiftflow/pkg/session"
	"shiftflow/pkg/store"
)

const (
	stateKeyPrefix = "auth_init:"
	// StateTTL bounds how long a login may sit at the provider's consent screen.
	StateTTL = 5 * time.Minute
)

var (
	// ErrStateInvalid is returned for unknown, expired or replayed state values.
	ErrStateInvalid = errors.New("login state invalid or expired")
	// ErrNoIDToken is returned when the token response carries no id_token.
	ErrNoIDToken = errors.New("token response missing id_token")
)

// TokenVerifier validates the id_token returned by the exchange.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Claims, error)
}

type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	AuthDomain   string
	Timeout      time.Duration
}

type Client struct {
	oauth    *oauth2.Config
	http     *http.Client
	domain   string
	kv       store.KV
	verifier TokenVerifier
	clock    clock.Clock
	logger   *zap.Logger
}

type Option func(*Client)

func WithClock(c clock.Clock) Option { return func(cl *Client) { cl.clock = clock.OrReal(c) } }

func WithLogger(l *zap.Logger) Option { return func(cl *Client) { cl.logger = logging.OrNop(l) } }

// WithHTTPClient sets the transport; the IdP redirect policy is applied on top.
func WithHTTPClient(h *http.Client) Option {
	return func(cl *Client) { cl.http = auth.NewIdPClient(h, cl.domain) }
}

func New(cfg Config, kv store.KV, verifier TokenVerifier, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("idp: client id is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("idp: auth and token urls are required")
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cl := &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		domain:   strings.TrimSpace(cfg.AuthDomain),
		kv:       kv,
		verifier: verifier,
		clock:    clock.Real(),
		logger:   zap.NewNop(),
	}
	cl.http = auth.NewIdPClient(&http.Client{Timeout: timeout}, cl.domain)
	for _, opt := range opts {
		opt(cl)
	}
	return cl, nil
}

type loginState struct {
	Verifier  string    `json:"verifier"`
	ReturnTo  string    `json:"returnTo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// BeginLogin records a PKCE verifier under a fresh state and returns the
// provider authorization URL.
func (c *Client) BeginLogin(ctx context.Context, returnTo string) (string, error) {
	state, err := randomState()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()
	raw, err := json.Marshal(loginState{Verifier: verifier, ReturnTo: returnTo, CreatedAt: c.clock.Now()})
	if err != nil {
		return "", err
	}
	ok, err := c.kv.SetNX(ctx, stateKeyPrefix+state, string(raw), StateTTL)
	if err != nil {
		return "", fmt.Errorf("persist login state: %w", err)
	}
	if !ok {
		return "", errors.New("login state collision")
	}
	return c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	), nil
}

// Result is a completed login.
type Result struct {
	Claims   auth.Claims
	Tokens   session.ProviderTokens
	ReturnTo string
}

// Complete consumes the state, exchanges the code and verifies the id_token.
func (c *Client) Complete(ctx context.Context, state, code string) (Result, error) {
	state = strings.TrimSpace(state)
	if state == "" || strings.TrimSpace(code) == "" {
		return Result{}, ErrStateInvalid
	}
	raw, err := c.kv.GetDel(ctx, stateKeyPrefix+state)
	if errors.Is(err, store.ErrMiss) {
		return Result{}, ErrStateInvalid
	}
	if err != nil {
		return Result{}, fmt.Errorf("load login state: %w", err)
	}
	var ls loginState
	if err := json.Unmarshal([]byte(raw), &ls); err != nil || ls.Verifier == "" {
		return Result{}, ErrStateInvalid
	}
	tok, err := c.oauth.Exchange(c.ctx(ctx), code, oauth2.VerifierOption(ls.Verifier))
	if err != nil {
		return Result{}, fmt.Errorf("exchange code: %w", err)
	}
	tokens := providerTokens(tok)
	if tokens.IDToken == "" {
		return Result{}, ErrNoIDToken
	}
	claims, err := c.verifier.Verify(ctx, tokens.IDToken)
	if err != nil {
		return Result{}, err
	}
	return Result{Claims: claims, Tokens: tokens, ReturnTo: ls.ReturnTo}, nil
}

// Refresh exchanges a refresh token for a new bundle.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (session.ProviderTokens, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return session.ProviderTokens{}, errors.New("refresh token required")
	}
	// An already-expired seed forces the source to hit the token endpoint.
	src := c.oauth.TokenSource(c.ctx(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return session.ProviderTokens{}, fmt.Errorf("refresh provider token: %w", err)
	}
	c.logger.Debug("provider token refreshed", zap.Time("expiry", tok.Expiry))
	return providerTokens(tok), nil
}

func (c *Client) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func providerTokens(tok *oauth2.Token) session.ProviderTokens {
	out := session.ProviderTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		out.ExpiryEpochMs = tok.Expiry.UnixMilli()
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}
	return out
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("login state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
