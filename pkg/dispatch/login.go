package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shiftflow/pkg/apperr"
	"shiftflow/pkg/auth"
	"shiftflow/pkg/httpx"
	"shiftflow/pkg/idp"
	"shiftflow/pkg/session"
)

// safeReturnTo keeps only same-site paths so a login cannot be used as an
// open redirect.
func safeReturnTo(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return ""
	}
	return raw
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set(httpx.HeaderRequestID, requestID)
	if s.Login == nil {
		httpx.WriteError(w, requestID, apperr.New(apperr.CodeRouteUnimplemented, "login", "interactive login is not configured"))
		return
	}
	target, err := s.Login.BeginLogin(context.WithoutCancel(r.Context()), safeReturnTo(r.URL.Query().Get("returnTo")))
	if err != nil {
		s.logger().Error("begin login", zap.String("request_id", requestID), zap.Error(err))
		httpx.WriteError(w, requestID, apperr.Wrap(apperr.CodeStoreUnavailable, "login", "login could not be started", err))
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleCallback completes the code exchange, creates the session and
// issues its cookie.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set(httpx.HeaderRequestID, requestID)
	if s.Login == nil || s.Sessions == nil {
		httpx.WriteError(w, requestID, apperr.New(apperr.CodeRouteUnimplemented, "login", "interactive login is not configured"))
		return
	}
	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		httpx.WriteError(w, requestID, apperr.New(apperr.CodeTokenVerificationFailed, "login", "identity provider declined: "+reason))
		return
	}
	ctx := context.WithoutCancel(r.Context())
	res, err := s.Login.Complete(ctx, q.Get("state"), q.Get("code"))
	if err != nil {
		e := callbackError(err)
		s.logger().Info("login failed", zap.String("request_id", requestID), zap.String("code", e.Code), zap.Error(err))
		httpx.WriteError(w, requestID, e)
		return
	}
	if !res.Claims.EmailVerified {
		httpx.WriteError(w, requestID, apperr.New(apperr.CodeEmailUnverified, "login", "email address is not verified"))
		return
	}
	id, secret, err := s.Sessions.Create(ctx, session.User{
		Subject:     res.Claims.Sub,
		Email:       strings.ToLower(res.Claims.Email),
		DisplayName: res.Claims.Name,
		Picture:     res.Claims.Picture,
	}, res.Tokens)
	if err != nil {
		httpx.WriteError(w, requestID, apperr.Wrap(apperr.CodeStoreUnavailable, "session", "session could not be created", err))
		return
	}
	s.Cookies.Issue(w, session.CookieValue(id, secret))
	target := safeReturnTo(res.ReturnTo)
	if target == "" {
		target = s.LoginRedirect
	}
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func callbackError(err error) *apperr.Error {
	var ve *auth.VerificationError
	switch {
	case errors.Is(err, idp.ErrStateInvalid):
		return apperr.Wrap(apperr.CodeInvalidPayload, "login", "login state invalid or expired", err)
	case errors.As(err, &ve):
		return credentialError(err)
	case errors.Is(err, idp.ErrNoIDToken):
		return apperr.Wrap(apperr.CodeTokenVerificationFailed, "login", "identity provider returned no id token", err)
	default:
		return apperr.Wrap(apperr.CodeIdPUnavailable, "login", "code exchange failed", err)
	}
}

// handleLogout destroys the presented session, if valid, and always clears
// the cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set(httpx.HeaderRequestID, requestID)
	if s.Origins != nil {
		s.Origins.Apply(w, r)
		if origin := r.Header.Get("Origin"); !s.Origins.Allowed(origin) {
			httpx.WriteError(w, requestID, apperr.New(apperr.CodeOriginNotAllowed, "cors", "origin not allowed").With("origin", origin))
			return
		}
	}
	if httpx.IsPreflight(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httpx.WriteError(w, requestID, apperr.New(apperr.CodeMethodNotAllowed, "logout", "method not allowed"))
		return
	}
	if cookie := session.FromRequest(r); cookie != "" && s.Sessions != nil {
		ctx := context.WithoutCancel(r.Context())
		if sess, err := s.Sessions.Verify(ctx, cookie); err == nil {
			if err := s.Sessions.Destroy(ctx, sess.ID); err != nil {
				s.logger().Warn("destroy session on logout", zap.String("request_id", requestID), zap.Error(err))
			}
		}
	}
	s.Cookies.Clear(w)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "requestId": requestID})
}
