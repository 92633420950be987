// Package apperr carries the gateway's tagged failures from the component
// that detects them to the response envelope.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeOriginNotAllowed        = "origin_not_allowed"
	CodeMissingCredentials      = "missing_credentials"
	CodeTokenVerificationFailed = "token_verification_failed"
	CodeIdPRedirectRejected     = "idp_redirect_rejected"
	CodeIdPUnavailable          = "idp_unavailable"
	CodeSessionInvalid          = "session_invalid"
	CodeSessionExpired          = "session_expired"
	CodeSessionRefreshFailed    = "session_refresh_failed"
	CodeEmailUnverified         = "email_unverified"
	CodeAccessDenied            = "access_denied"
	CodeRoleForbidden           = "role_forbidden"
	CodeRateLimited             = "rate_limited"
	CodeStoreUnavailable        = "store_unavailable"
	CodeObjectStoreUnavailable  = "object_store_unavailable"
	CodeUnsupportedMIMEType     = "unsupported_mime_type"
	CodeFileTooLarge            = "file_too_large"
	CodeInvalidEncoding         = "invalid_encoding"
	CodeInvalidPayload          = "invalid_payload"
	CodeNotFound                = "not_found"
	CodeAttachmentCorrupt       = "attachment_corrupt"
	CodeMethodNotAllowed        = "method_not_allowed"
	CodeRouteUnimplemented      = "route_unimplemented"
	CodeInternal                = "internal_error"
)

var defaultStatus = map[string]int{
	CodeOriginNotAllowed:        http.StatusForbidden,
	CodeMissingCredentials:      http.StatusUnauthorized,
	CodeTokenVerificationFailed: http.StatusUnauthorized,
	CodeIdPRedirectRejected:     http.StatusUnauthorized,
	CodeIdPUnavailable:          http.StatusBadGateway,
	CodeSessionInvalid:          http.StatusUnauthorized,
	CodeSessionExpired:          http.StatusUnauthorized,
	CodeSessionRefreshFailed:    http.StatusUnauthorized,
	CodeEmailUnverified:         http.StatusForbidden,
	CodeAccessDenied:            http.StatusForbidden,
	CodeRoleForbidden:           http.StatusForbidden,
	CodeRateLimited:             http.StatusTooManyRequests,
	CodeStoreUnavailable:        http.StatusInternalServerError,
	CodeObjectStoreUnavailable:  http.StatusBadGateway,
	CodeUnsupportedMIMEType:     http.StatusUnsupportedMediaType,
	CodeFileTooLarge:            http.StatusRequestEntityTooLarge,
	CodeInvalidEncoding:         http.StatusBadRequest,
	CodeInvalidPayload:          http.StatusBadRequest,
	CodeNotFound:                http.StatusNotFound,
	CodeAttachmentCorrupt:       http.StatusGone,
	CodeMethodNotAllowed:        http.StatusMethodNotAllowed,
	CodeRouteUnimplemented:      http.StatusNotImplemented,
	CodeInternal:                http.StatusInternalServerError,
}

// Error is a failure with a stable machine-readable code.
type Error struct {
	Code    string
	Status  int
	Where   string
	Reason  string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return e.Code + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// With attaches an envelope context field and returns e.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// New builds an Error with the default status for code.
func New(code, where, reason string) *Error {
	status, ok := defaultStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Status: status, Where: where, Reason: reason}
}

// Wrap is New with an underlying cause.
func Wrap(code, where, reason string, err error) *Error {
	e := New(code, where, reason)
	e.Err = err
	return e
}

// From returns the tagged error inside err, or an internal_error wrapping it.
func From(err error, where string) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		if tagged.Where == "" {
			tagged.Where = where
		}
		return tagged
	}
	return Wrap(CodeInternal, where, "internal error", err)
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var tagged *Error
	return errors.As(err, &tagged) && tagged.Code == code
}

// Envelope renders the wire shape of an error response.
func (e *Error) Envelope(requestID string) map[string]any {
	out := make(map[string]any, len(e.Context)+5)
	for k, v := range e.Context {
		out[k] = v
	}
	out["ok"] = false
	out["where"] = e.Where
	out["code"] = e.Code
	out["reason"] = e.Reason
	out["requestId"] = requestID
	return out
}
