package dispatch

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"shiftflow/pkg/apperr"
	"shiftflow/pkg/auth"
	"shiftflow/pkg/idp"
	"shiftflow/pkg/session"
)

func TestSafeReturnTo(t *testing.T) {
	cases := map[string]string{
		"/tasks?id=1":          "/tasks?id=1",
		"":                     "",
		"tasks":                "",
		"//evil.example":       "",
		"https://evil.example": "",
		`/\evil.example`:       "",
	}
	for in, want := range cases {
		if got := safeReturnTo(in); got != want {
			t.Fatalf("safeReturnTo(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoginRedirectsToProvider(t *testing.T) {
	h := newHarness(t)
	h.srv.Login = &fakeLogin{}
	h.handler = h.srv.Router()

	rr := h.do(http.MethodGet, "/auth/login?returnTo=//evil.example", "", nil)
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://accounts.example.com/auth") || strings.Contains(loc, "evil") {
		t.Fatalf("unexpected redirect %q", loc)
	}
}

func TestLoginWithoutFlowConfigured(t *testing.T) {
	h := newHarness(t)
	expectError(t, h.do(http.MethodGet, "/auth/login", "", nil), http.StatusNotImplemented, "route_unimplemented")
}

func TestCallbackCreatesSession(t *testing.T) {
	h := newHarness(t)
	h.srv.Login = &fakeLogin{result: idp.Result{
		Claims: auth.Claims{Sub: "sub-manager", Email: "Manager@Example.com", EmailVerified: true, Name: "Mina"},
		Tokens: session.ProviderTokens{
			IDToken:       "id-token",
			AccessToken:   "access-token",
			RefreshToken:  "refresh-token",
			ExpiryEpochMs: h.clock.Now().Add(time.Hour).UnixMilli(),
		},
		ReturnTo: "/board",
	}}
	h.handler = h.srv.Router()

	rr := h.do(http.MethodGet, "/auth/callback?state=s1&code=c1", "", nil)
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/board" {
		t.Fatalf("expected redirect to /board, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
	cookie := sessionCookie(rr)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("expected a session cookie")
	}

	who := h.do(http.MethodGet, "/api/session", "", nil, withCookie(cookie.Value))
	if who.Code != http.StatusOK {
		t.Fatalf("session call: %d %s", who.Code, who.Body.String())
	}
	user, _ := decodeBody(t, who)["user"].(map[string]any)
	if user["email"] != "manager@example.com" {
		t.Fatalf("unexpected user %#v", user)
	}
}

func TestCallbackFailures(t *testing.T) {
	unverified := &fakeLogin{result: idp.Result{Claims: auth.Claims{Sub: "sub-x", Email: "x@example.com"}}}
	cases := map[string]struct {
		query  string
		login  *fakeLogin
		status int
		code   string
	}{
		"bad state":      {"?code=c1", &fakeLogin{}, http.StatusBadRequest, "invalid_payload"},
		"declined":       {"?error=access_denied", &fakeLogin{}, http.StatusUnauthorized, "token_verification_failed"},
		"exchange fails": {"?state=s&code=c", &fakeLogin{err: errors.New("dial tcp: timeout")}, http.StatusBadGateway, "idp_unavailable"},
		"no id token":    {"?state=s&code=c", &fakeLogin{err: idp.ErrNoIDToken}, http.StatusUnauthorized, "token_verification_failed"},
		"unverified":     {"?state=s&code=c", unverified, http.StatusForbidden, "email_unverified"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.srv.Login = tc.login
			h.handler = h.srv.Router()
			rr := h.do(http.MethodGet, "/auth/callback"+tc.query, "", nil)
			expectError(t, rr, tc.status, tc.code)
			if sessionCookie(rr) != nil {
				t.Fatal("failed login must not issue a cookie")
			}
		})
	}
}

func TestLogoutDestroysSession(t *testing.T) {
	h := newHarness(t)
	cookie := h.newSession("member@example.com")

	rr := h.do(http.MethodGet, "/auth/logout", "", nil, withCookie(cookie))
	expectError(t, rr, http.StatusMethodNotAllowed, "method_not_allowed")

	rr = h.do(http.MethodPost, "/auth/logout", "", nil, withCookie(cookie), withOrigin(testOrigin))
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: %d %s", rr.Code, rr.Body.String())
	}
	if cleared := sessionCookie(rr); cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("logout must clear the cookie, got %+v", cleared)
	}
	expectError(t, h.do(http.MethodGet, "/api/session", "", nil, withCookie(cookie)), http.StatusUnauthorized, "session_invalid")
}

func TestLogoutRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t)
	cookie := h.newSession("member@example.com")
	rr := h.do(http.MethodPost, "/auth/logout", "", nil, withCookie(cookie), withOrigin("https://evil.example.net"))
	expectError(t, rr, http.StatusForbidden, "origin_not_allowed")
	if rr := h.do(http.MethodGet, "/api/session", "", nil, withCookie(cookie)); rr.Code != http.StatusOK {
		t.Fatalf("session must survive a rejected logout, got %d", rr.Code)
	}
}

func TestCredentialErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err  error
		code string
	}{
		"plain":     {&auth.VerificationError{Reason: "expired"}, apperr.CodeTokenVerificationFailed},
		"transport": {&auth.VerificationError{Reason: "dial", Transport: true}, apperr.CodeIdPUnavailable},
		"redirect":  {&auth.VerificationError{Reason: "hop", Err: auth.ErrUnexpectedRedirect}, apperr.CodeIdPRedirectRejected},
		"untyped":   {errors.New("boom"), apperr.CodeTokenVerificationFailed},
	}
	for name, tc := range cases {
		if got := credentialError(tc.err); got.Code != tc.code {
			t.Fatalf("%s: got %s, want %s", name, got.Code, tc.code)
		}
	}
}
