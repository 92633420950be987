package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"shiftflow/pkg/apperr"
	"shiftflow/pkg/auth"
	"shiftflow/pkg/session"
)

// principal is an authenticated caller. cookie is set when the caller
// presented a session and must be reissued.
type principal struct {
	claims auth.Claims
	sess   *session.Session
	cookie string
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// authenticate prefers a bearer token over the session cookie. A session
// that cannot be used any more has its cookie cleared on w.
func (s *Server) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (principal, *apperr.Error) {
	if token := bearerToken(r); token != "" {
		if s.Verifier == nil {
			return principal{}, apperr.New(apperr.CodeTokenVerificationFailed, "authenticate", "bearer tokens are not accepted")
		}
		claims, err := s.Verifier.Verify(ctx, token)
		if err != nil {
			return principal{}, credentialError(err)
		}
		if !claims.EmailVerified {
			return principal{}, apperr.New(apperr.CodeEmailUnverified, "authenticate", "email address is not verified")
		}
		return principal{claims: claims}, nil
	}

	cookie := session.FromRequest(r)
	if cookie == "" || s.Sessions == nil {
		return principal{}, apperr.New(apperr.CodeMissingCredentials, "authenticate", "bearer token or session cookie required")
	}
	sess, err := s.Sessions.Verify(ctx, cookie)
	if err != nil {
		e := sessionError(err)
		if e.Code != apperr.CodeStoreUnavailable {
			s.Cookies.Clear(w)
		}
		return principal{}, e
	}
	// Writes below must survive a client disconnect.
	detached := context.WithoutCancel(ctx)
	sess, err = s.Sessions.Refresh(detached, sess)
	if err != nil {
		e := sessionError(err)
		if e.Code != apperr.CodeStoreUnavailable {
			s.Cookies.Clear(w)
		}
		return principal{}, e
	}
	if err := s.Sessions.Touch(detached, sess); err != nil {
		s.logger().Warn("session touch failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return principal{claims: sessionClaims(sess), sess: sess, cookie: cookie}, nil
}

// sessionClaims rebuilds verified claims from a session. The email was
// verified when the session was created.
func sessionClaims(sess *session.Session) auth.Claims {
	c := auth.Claims{
		Sub:           sess.User.Subject,
		Email:         sess.User.Email,
		EmailVerified: true,
		Name:          sess.User.DisplayName,
		Picture:       sess.User.Picture,
		Iat:           sess.CreatedAt.Unix(),
	}
	if exp := sess.Tokens.Expiry(); !exp.IsZero() {
		c.Exp = exp.Unix()
	}
	return c
}

func credentialError(err error) *apperr.Error {
	const where = "authenticate"
	var ve *auth.VerificationError
	if !errors.As(err, &ve) {
		return apperr.Wrap(apperr.CodeTokenVerificationFailed, where, "token verification failed", err)
	}
	switch {
	case ve.Redirected():
		return apperr.Wrap(apperr.CodeIdPRedirectRejected, where, ve.Reason, err)
	case ve.Transport:
		return apperr.Wrap(apperr.CodeIdPUnavailable, where, ve.Reason, err)
	default:
		return apperr.Wrap(apperr.CodeTokenVerificationFailed, where, ve.Reason, err)
	}
}

func sessionError(err error) *apperr.Error {
	const where = "session"
	switch {
	case errors.Is(err, session.ErrInvalid):
		return apperr.Wrap(apperr.CodeSessionInvalid, where, "session is not valid", err)
	case errors.Is(err, session.ErrExpired):
		return apperr.Wrap(apperr.CodeSessionExpired, where, "session expired, sign in again", err)
	case errors.Is(err, session.ErrReauthRequired):
		return apperr.Wrap(apperr.CodeSessionRefreshFailed, where, "session could not be refreshed, sign in again", err)
	default:
		return apperr.Wrap(apperr.CodeStoreUnavailable, where, "session store unavailable", err)
	}
}
