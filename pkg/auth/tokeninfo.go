package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// MaxRedirects is the number of same-domain redirects followed when calling
// the identity provider.
const MaxRedirects = 4

// ErrUnexpectedRedirect is returned when the identity provider redirects
// outside its own domain or past MaxRedirects.
var ErrUnexpectedRedirect = errors.New("identity provider redirected unexpectedly")

// NewIdPClient returns an HTTP client that only follows redirects that stay
// within domain. An empty domain pins redirects to the original host.
func NewIdPClient(base *http.Client, domain string) *http.Client {
	client := &http.Client{}
	if base != nil {
		*client = *base
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > MaxRedirects {
			return fmt.Errorf("%w: more than %d redirects", ErrUnexpectedRedirect, MaxRedirects)
		}
		allowed := domain
		if allowed == "" && len(via) > 0 {
			allowed = strings.ToLower(via[0].URL.Hostname())
		}
		if !hostWithin(req.URL.Hostname(), allowed) {
			return fmt.Errorf("%w: %s", ErrUnexpectedRedirect, req.URL.Host)
		}
		return nil
	}
	return client
}

func hostWithin(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

type tokenInfo struct {
	url    string
	client *http.Client
}

// introspect asks the issuer to validate the token and returns its raw claims.
func (t *tokenInfo) introspect(ctx context.Context, token string) (map[string]any, error) {
	if t == nil || t.url == "" {
		return nil, errors.New("tokeninfo endpoint not configured")
	}
	endpoint, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("tokeninfo url: %w", err)
	}
	q := endpoint.Query()
	q.Set("id_token", token)
	endpoint.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrUnexpectedRedirect) {
			return nil, err
		}
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, &transportError{err: err}
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, &transportError{err: fmt.Errorf("tokeninfo status %d", resp.StatusCode)}
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return nil, fmt.Errorf("%w: status %d", ErrUnexpectedRedirect, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("tokeninfo rejected token: status %d", resp.StatusCode)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &transportError{err: fmt.Errorf("decode tokeninfo: %w", err)}
	}
	if msg := stringClaim(raw["error_description"]); msg != "" {
		return nil, fmt.Errorf("tokeninfo rejected token: %s", msg)
	}
	return raw, nil
}
