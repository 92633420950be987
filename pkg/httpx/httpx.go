// Package httpx holds the HTTP boundary helpers shared by the gateway:
// security headers, the origin allow-list, JSON envelopes and strict body
// decoding.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"shiftflow/pkg/apperr"
)

const (
	HeaderRequestID  = "X-Request-Id"
	HeaderCacheState = "Cache-State"
)

// DefaultMaxBody bounds JSON request bodies. Attachment payloads are base64
// and ride inside the JSON body.
const DefaultMaxBody = 16 << 20

// SecurityHeadersMiddleware applies baseline hardening headers to API responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// OriginPolicy is an explicit origin allow-list. The first configured
// origin is the default one, the only value ever echoed to a caller whose
// origin is not allowed.
type OriginPolicy struct {
	allowed  map[string]struct{}
	fallback string
}

func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: map[string]struct{}{}}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" || o == "*" {
			continue
		}
		if p.fallback == "" {
			p.fallback = o
		}
		p.allowed[o] = struct{}{}
	}
	return p
}

func (p *OriginPolicy) Default() string { return p.fallback }

// Allowed reports whether a request from origin may proceed. Requests with
// no Origin header are not cross-origin and always pass.
func (p *OriginPolicy) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	_, ok := p.allowed[strings.TrimRight(origin, "/")]
	return ok
}

// Apply writes the CORS response headers for r. A disallowed origin only
// ever sees the default origin.
func (p *OriginPolicy) Apply(w http.ResponseWriter, r *http.Request) {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	h := w.Header()
	h.Add("Vary", "Origin")
	if origin == "" {
		return
	}
	if !p.Allowed(origin) {
		if p.fallback != "" {
			h.Set("Access-Control-Allow-Origin", p.fallback)
		}
		return
	}
	h.Add("Vary", "Access-Control-Request-Method")
	h.Add("Vary", "Access-Control-Request-Headers")
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
	if reqHeaders == "" {
		reqHeaders = "Authorization,Content-Type"
	}
	h.Set("Access-Control-Allow-Headers", reqHeaders)
	h.Set("Access-Control-Expose-Headers", HeaderRequestID+","+HeaderCacheState)
	h.Set("Access-Control-Max-Age", "600")
}

// IsPreflight reports whether r is a CORS preflight.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders e as the error envelope with the request id.
func WriteError(w http.ResponseWriter, requestID string, e *apperr.Error) {
	if requestID != "" {
		w.Header().Set(HeaderRequestID, requestID)
	}
	WriteJSON(w, e.Status, e.Envelope(requestID))
}

// DecodeStrict reads one JSON object into dst, rejecting unknown fields,
// trailing data and bodies larger than maxBytes.
func DecodeStrict(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	const where = "handler"
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBody
	}
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperr.Wrap(apperr.CodeFileTooLarge, where, "request body too large", err).With("limitBytes", maxBytes)
		case errors.Is(err, io.EOF):
			return apperr.New(apperr.CodeInvalidPayload, where, "request body required")
		default:
			return apperr.Wrap(apperr.CodeInvalidPayload, where, fmt.Sprintf("invalid request body: %v", err), err)
		}
	}
	if dec.More() {
		return apperr.New(apperr.CodeInvalidPayload, where, "request body must contain a single JSON object")
	}
	return nil
}
