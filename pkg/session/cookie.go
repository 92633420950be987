package session

import (
	"net/http"
	"strings"
)

// CookieName is the session cookie name.
const CookieName = "session"

// CookieIssuer renders the session cookie for a canonical domain.
type CookieIssuer struct {
	Domain string
	MaxAge int
}

func NewCookieIssuer(domain string, cfg Config) CookieIssuer {
	return CookieIssuer{Domain: strings.TrimSpace(domain), MaxAge: int(cfg.AbsoluteTTL.Seconds())}
}

func (c CookieIssuer) Issue(w http.ResponseWriter, value string) {
	http.SetCookie(w, c.cookie(value, c.MaxAge))
}

// Clear expires the cookie on the client.
func (c CookieIssuer) Clear(w http.ResponseWriter) {
	cookie := c.cookie("", 0)
	cookie.MaxAge = -1
	http.SetCookie(w, cookie)
}

func (c CookieIssuer) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	}
}

// FromRequest returns the session cookie value, if any.
func FromRequest(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
