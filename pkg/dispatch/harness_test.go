package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"shiftflow/pkg/access"
	"shiftflow/pkg/attachment"
	"shiftflow/pkg/auth"
	"shiftflow/pkg/clock"
	"shiftflow/pkg/flags"
	"shiftflow/pkg/httpx"
	"shiftflow/pkg/metrics"
	"shiftflow/pkg/objectstore"
	"shiftflow/pkg/respcache"
	"shiftflow/pkg/session"
	"shiftflow/pkg/store"
)

const (
	testOrg      = "6f1c1d2e-0000-4000-8000-000000000001"
	testOrigin   = "https://app.example.com"
	adminMemb    = "6f1c1d2e-0000-4000-8000-0000000000a1"
	managerMemb  = "6f1c1d2e-0000-4000-8000-0000000000a2"
	memberMemb   = "6f1c1d2e-0000-4000-8000-0000000000a3"
	pendingMemb  = "6f1c1d2e-0000-4000-8000-0000000000a4"
	testMaxBytes = 2 << 20
)

type harness struct {
	t        *testing.T
	srv      *Server
	handler  http.Handler
	clock    *clock.Fake
	dir      *fakeDirectory
	repo     *fakeRepo
	blobs    *recordingBlobs
	sessions *session.Store
	flags    *flags.Set
	verifier *fakeVerifier
	sink     *recordingSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisKV := store.NewRedisKV(client)

	dir := &fakeDirectory{entries: map[string]access.Entry{}}
	for _, e := range []access.Entry{
		{UserID: "u-admin", Email: "admin@example.com", MembershipID: adminMemb, OrgID: testOrg, Role: "admin", UserStatus: "active", MembershipStatus: "active"},
		{UserID: "u-manager", Email: "manager@example.com", MembershipID: managerMemb, OrgID: testOrg, Role: "manager", UserStatus: "active", MembershipStatus: "active"},
		{UserID: "u-member", Email: "member@example.com", MembershipID: memberMemb, OrgID: testOrg, Role: "member", UserStatus: "active", MembershipStatus: "active"},
		{UserID: "u-pending", Email: "pending@example.com", MembershipID: pendingMemb, OrgID: testOrg, Role: "member", UserStatus: "active", MembershipStatus: "pending"},
	} {
		dir.entries[e.Email] = e
	}
	fr := newFakeRepo(dir)

	exp := clk.Now().Add(time.Hour).Unix()
	verifier := &fakeVerifier{claims: map[string]auth.Claims{}, errs: map[string]error{}}
	for _, who := range []string{"admin", "manager", "member", "pending"} {
		verifier.claims[who] = auth.Claims{Sub: "sub-" + who, Email: who + "@example.com", EmailVerified: true, Name: who, Exp: exp}
	}
	verifier.claims["unverified"] = auth.Claims{Sub: "sub-x", Email: "member@example.com", EmailVerified: false, Exp: exp}

	resolver, err := access.NewResolver(dir, access.DefaultTTL, 64, access.WithClock(clk))
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	flagSet := flags.New(redisKV, flags.DefaultRefresh, flags.WithClock(clk))
	blobs := &recordingBlobs{Memory: objectstore.NewMemory()}
	sessions := session.NewStore(store.NewMemoryKV(clk), session.DefaultConfig(), session.WithClock(clk))
	sink := &recordingSink{}

	srv := &Server{
		Verifier:      verifier,
		Sessions:      sessions,
		Cookies:       session.NewCookieIssuer("example.com", session.DefaultConfig()),
		Access:        resolver,
		Store:         fr,
		Attachments:   attachment.NewManager(blobs, fr, attachment.Config{MaxBytes: testMaxBytes}, attachment.WithClock(clk)),
		Cache:         respcache.New(redisKV, flagSet, CachePolicies(time.Minute), Invalidations(), respcache.WithClock(clk)),
		Flags:         flagSet,
		Metrics:       metrics.NewRegistry(),
		Diagnostics:   sink,
		Origins:       httpx.NewOriginPolicy([]string{testOrigin}),
		Clock:         clk,
		ListingPolicy: DegradeFail,
	}
	return &harness{
		t:        t,
		srv:      srv,
		handler:  srv.Router(),
		clock:    clk,
		dir:      dir,
		repo:     fr,
		blobs:    blobs,
		sessions: sessions,
		flags:    flagSet,
		verifier: verifier,
		sink:     sink,
	}
}

type reqOpt func(*http.Request)

func withOrigin(o string) reqOpt { return func(r *http.Request) { r.Header.Set("Origin", o) } }

func withContext(ctx context.Context) reqOpt {
	return func(r *http.Request) { *r = *r.WithContext(ctx) }
}

func withCookie(v string) reqOpt {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: session.CookieName, Value: v}) }
}

func (h *harness) do(method, path, token string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				h.t.Fatalf("encode body: %v", err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["ok"] != false || body["code"] != code {
		t.Fatalf("expected code %s, got %#v", code, body)
	}
	if id := rr.Header().Get(httpx.HeaderRequestID); id == "" || body["requestId"] != id {
		t.Fatalf("request id mismatch: header %q body %v", id, body["requestId"])
	}
	return body
}

func (h *harness) newSession(email string) string {
	h.t.Helper()
	id, secret, err := h.sessions.Create(context.Background(), session.User{
		Subject: "sub-" + email,
		Email:   email,
	}, session.ProviderTokens{AccessToken: "at", ExpiryEpochMs: h.clock.Now().Add(time.Hour).UnixMilli()})
	if err != nil {
		h.t.Fatalf("create session: %v", err)
	}
	return session.CookieValue(id, secret)
}

func sessionCookie(rr *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == session.CookieName {
			return c
		}
	}
	return nil
}
