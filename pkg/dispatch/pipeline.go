package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shiftflow/pkg/access"
	"shiftflow/pkg/apperr"
	"shiftflow/pkg/auth"
	"shiftflow/pkg/diagnostics"
	"shiftflow/pkg/flags"
	"shiftflow/pkg/httpx"
	"shiftflow/pkg/respcache"
)

const jsonContentType = "application/json"

// call is the per-request state handed to a route handler.
type call struct {
	w         http.ResponseWriter
	r         *http.Request
	requestID string
	route     string
	claims    auth.Claims
	access    access.Context
	identity  string
	maxBody   int64
}

func (c *call) decode(dst any) error {
	return httpx.DecodeStrict(c.w, c.r, c.maxBody, dst)
}

// outcome summarizes a finished request for metrics, logs and diagnostics.
type outcome struct {
	status     int
	code       string
	cacheState string
	identity   string
	err        error
}

// ServeAPI runs one call through the pipeline. The route is the last path
// segment.
func (s *Server) ServeAPI(w http.ResponseWriter, r *http.Request) {
	start := s.clock().Now()
	requestID := uuid.NewString()
	name := routeName(r)
	w.Header().Set(httpx.HeaderRequestID, requestID)

	out := s.dispatch(w, r, requestID, name)
	s.finish(r, name, requestID, start, out)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, requestID, name string) outcome {
	ctx := r.Context()

	// CheckOrigin
	if s.Origins != nil {
		s.Origins.Apply(w, r)
		if origin := r.Header.Get("Origin"); !s.Origins.Allowed(origin) {
			return s.fail(w, requestID, apperr.New(apperr.CodeOriginNotAllowed, "cors", "origin not allowed").With("origin", origin))
		}
	}
	if httpx.IsPreflight(r) {
		w.WriteHeader(http.StatusNoContent)
		return outcome{status: http.StatusNoContent}
	}

	rt, ok := routes[name]
	if !ok {
		return s.fail(w, requestID, apperr.New(apperr.CodeRouteUnimplemented, "dispatch", "route is not implemented").With("route", name))
	}
	if r.Method != rt.method {
		w.Header().Set("Allow", rt.method)
		return s.fail(w, requestID, apperr.New(apperr.CodeMethodNotAllowed, "dispatch", "method not allowed").With("allow", rt.method))
	}

	// Authenticate
	p, aerr := s.authenticate(ctx, w, r)
	if aerr != nil {
		return s.fail(w, requestID, aerr)
	}
	if p.cookie != "" {
		s.Cookies.Issue(w, p.cookie)
	}

	// ResolveAccess
	ac := s.Access.Resolve(ctx, p.claims)
	email := ac.Email
	if email == "" {
		email = p.claims.Email
	}
	identity := respcache.Identity(email, p.claims.Sub)
	if ac.Source == access.SourceFallback {
		out := s.fail(w, requestID, apperr.New(apperr.CodeStoreUnavailable, "access", "access could not be resolved, try again"))
		out.identity = identity
		return out
	}
	if !ac.Allowed {
		e := apperr.New(apperr.CodeAccessDenied, "access", denialReason(ac)).With("status", string(ac.Status))
		if ac.Reason != "" {
			e.With("detail", ac.Reason)
		}
		out := s.fail(w, requestID, e)
		out.identity = identity
		return out
	}

	// CheckPermission
	if !Permitted(name, ac.Role) {
		out := s.fail(w, requestID, apperr.New(apperr.CodeRoleForbidden, "permission", "role may not call this route").With("role", string(ac.Role)))
		out.identity = identity
		return out
	}
	if e := s.checkRate(ctx, w, identity); e != nil {
		out := s.fail(w, requestID, e)
		out.identity = identity
		return out
	}

	// CacheLookup
	state := respcache.StateBypass
	var gen string
	if s.Cache != nil && s.Cache.Eligible(ctx, name) {
		if hit, ok := s.Cache.Lookup(ctx, name, identity); ok {
			s.writeBody(w, hit.Status, hit.ContentType, []byte(hit.Body), requestID, respcache.StateHit)
			return outcome{status: hit.Status, cacheState: respcache.StateHit, identity: identity}
		}
		state = respcache.StateMiss
		gen = s.Cache.Generation(ctx, name, identity)
	}

	// Invoke
	hctx := ctx
	mutating := rt.method != http.MethodGet
	if mutating {
		hctx = context.WithoutCancel(ctx)
	}
	c := &call{
		w:         w,
		r:         r,
		requestID: requestID,
		route:     name,
		claims:    p.claims,
		access:    ac,
		identity:  identity,
		maxBody:   s.maxBody(),
	}
	status, body, err := rt.handle(s, hctx, c)
	if err != nil {
		e := apperr.From(err, "handler")
		if !rt.listing || !s.degradeListings() || e.Code != apperr.CodeStoreUnavailable {
			out := s.fail(w, requestID, e)
			out.identity = identity
			return out
		}
		s.logger().Warn("listing degraded",
			zap.String("request_id", requestID),
			zap.String("route", name),
			zap.Error(err),
		)
		status, body, state = http.StatusOK, map[string]any{"ok": true, "items": []any{}, "degraded": true}, respcache.StateBypass
	}
	raw, err := json.Marshal(body)
	if err != nil {
		out := s.fail(w, requestID, apperr.Wrap(apperr.CodeInternal, "respond", "response could not be encoded", err))
		out.identity = identity
		return out
	}

	// CacheWriteOrInvalidate
	if s.Cache != nil {
		detached := context.WithoutCancel(ctx)
		if state == respcache.StateMiss {
			s.Cache.Store(detached, name, identity, gen, respcache.Entry{Status: status, Body: string(raw), ContentType: jsonContentType})
		}
		if mutating && status >= 200 && status < 300 {
			s.Cache.Invalidate(detached, name, identity)
		}
	}

	// Respond
	s.writeBody(w, status, jsonContentType, raw, requestID, state)
	return outcome{status: status, cacheState: state, identity: identity}
}

func denialReason(ac access.Context) string {
	switch ac.Reason {
	case access.ReasonSubjectMismatch:
		return "account is bound to a different identity"
	case access.ReasonNotRegistered:
		return "no account exists for this email"
	case access.ReasonNoMembership:
		return "account has no membership yet"
	case access.ReasonMissingIdentity:
		return "token carries no usable identity"
	}
	return "membership is " + string(ac.Status)
}

func (s *Server) checkRate(ctx context.Context, w http.ResponseWriter, identity string) *apperr.Error {
	if s.Limiter == nil || s.RateLimitPerMinute <= 0 || !s.flagEnabled(ctx, flags.RateLimit) {
		return nil
	}
	d := s.Limiter.Allow(ctx, identity, s.RateLimitPerMinute)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return nil
	}
	wait := d.RetryAfter(s.clock().Now())
	seconds := int(wait / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	return apperr.New(apperr.CodeRateLimited, "ratelimit", "too many requests").With("retryAfterSeconds", seconds)
}

func (s *Server) fail(w http.ResponseWriter, requestID string, e *apperr.Error) outcome {
	httpx.WriteError(w, requestID, e)
	return outcome{status: e.Status, code: e.Code, err: e}
}

// writeBody sends a JSON object body annotated with the request id.
func (s *Server) writeBody(w http.ResponseWriter, status int, contentType string, body []byte, requestID, state string) {
	if contentType == "" {
		contentType = jsonContentType
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set(httpx.HeaderCacheState, state)
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(annotate(body, requestID))
}

func annotate(body []byte, requestID string) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return body
	}
	id, _ := json.Marshal(requestID)
	obj["requestId"] = id
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

func (s *Server) finish(r *http.Request, name, requestID string, start time.Time, out outcome) {
	elapsed := s.clock().Now().Sub(start)
	label := name
	if _, ok := routes[name]; !ok {
		label = "unknown"
	}
	if s.Metrics != nil {
		s.Metrics.Observe(label, out.status, elapsed)
		if out.code != "" {
			s.Metrics.IncCode(out.code)
		}
		if out.cacheState != "" {
			s.Metrics.IncCacheState(out.cacheState)
		}
	}

	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("route", label),
		zap.String("method", r.Method),
		zap.Int("status", out.status),
		zap.String("code", out.code),
		zap.String("cache_state", out.cacheState),
		zap.Duration("duration", elapsed),
	}
	switch {
	case out.status >= 500:
		s.logger().Error("request failed", append(fields, zap.Error(out.err))...)
	case out.code != "":
		s.logger().Info("request rejected", fields...)
	default:
		s.logger().Info("request", fields...)
	}

	if s.Diagnostics == nil {
		return
	}
	ev := diagnostics.Event{
		RequestID:  requestID,
		Route:      label,
		Method:     r.Method,
		Status:     out.status,
		Code:       out.code,
		CacheState: out.cacheState,
		Identity:   out.identity,
		DurationMs: elapsed.Milliseconds(),
		At:         start,
	}
	sink := s.Diagnostics
	s.spawn(r.Context(), "diagnostics", func(ctx context.Context) error {
		return sink.Publish(ctx, ev)
	})
}
