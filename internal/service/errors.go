package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/wesm/github-mirror/internal/api"
	"github.com/wesm/github-mirror/internal/db"
	"github.com/wesm/github-mirror/internal/oauth"
	"github.com/wesm/github-mirror/internal/session"
)

// ErrorKind is the machine-readable category of a ServiceError
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindInvalid      ErrorKind = "invalid_request"
	KindOAuth        ErrorKind = "oauth"
	KindUpstream     ErrorKind = "upstream"
	KindRateLimit    ErrorKind = "rate_limit"
	KindTimeout      ErrorKind = "timeout"
	KindNotFound     ErrorKind = "not_found"
	KindStore        ErrorKind = "store"
	KindInternal     ErrorKind = "internal"
)

// ServiceError is the only error shape returned to callers of Service. It
// never carries an upstream response body; StatusCode is the upstream status
// when there was one.
type ServiceError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Err        error     `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

func invalid(format string, args ...any) *ServiceError {
	return &ServiceError{Kind: KindInvalid, Message: fmt.Sprintf(format, args...), StatusCode: http.StatusBadRequest}
}

// toServiceError maps err onto a ServiceError describing what failed in action
func toServiceError(action string, err error) *ServiceError {
	if err == nil {
		return nil
	}

	var serr *ServiceError
	if errors.As(err, &serr) {
		return serr
	}

	if errors.Is(err, session.ErrInvalidSession) {
		return &ServiceError{Kind: KindUnauthorized, Message: "invalid or expired session", StatusCode: http.StatusUnauthorized, Err: err}
	}

	var oerr *oauth.OAuthError
	if errors.As(err, &oerr) {
		return &ServiceError{
			Kind:       KindOAuth,
			Message:    fmt.Sprintf("%s failed: GitHub rejected the authorization code (%s)", action, oerr.Code),
			StatusCode: http.StatusBadRequest,
			Err:        err,
		}
	}

	var uerr *api.UpstreamError
	if errors.As(err, &uerr) {
		return upstreamError(action, uerr)
	}

	var merr *api.MalformedRecordError
	if errors.As(err, &merr) {
		return &ServiceError{
			Kind:       KindUpstream,
			Message:    fmt.Sprintf("%s failed: GitHub returned a %s without %s", action, merr.Kind, merr.Field),
			StatusCode: http.StatusBadGateway,
			Err:        err,
		}
	}

	var sterr *db.StoreError
	if errors.As(err, &sterr) {
		if sterr.Kind == db.KindTimeout {
			return &ServiceError{Kind: KindTimeout, Message: action + " failed: database timed out", StatusCode: http.StatusGatewayTimeout, Err: err}
		}
		return &ServiceError{Kind: KindStore, Message: action + " failed: database error", StatusCode: http.StatusInternalServerError, Err: err}
	}

	return &ServiceError{Kind: KindInternal, Message: action + " failed", StatusCode: http.StatusInternalServerError, Err: err}
}

func upstreamError(action string, uerr *api.UpstreamError) *ServiceError {
	serr := &ServiceError{Kind: KindUpstream, StatusCode: uerr.StatusCode, Err: uerr}

	switch uerr.Kind {
	case api.KindTimeout:
		serr.Kind = KindTimeout
		serr.Message = action + " failed: GitHub did not respond in time"
		if serr.StatusCode == 0 {
			serr.StatusCode = http.StatusGatewayTimeout
		}
		return serr
	case api.KindRateLimit:
		serr.Kind = KindRateLimit
		serr.Message = action + " failed: GitHub rate limit exceeded"
		return serr
	case api.KindNetwork, api.KindCanceled:
		serr.Message = action + " failed: could not reach GitHub"
		serr.StatusCode = http.StatusBadGateway
		return serr
	}

	switch {
	case uerr.StatusCode == http.StatusNotFound:
		serr.Kind = KindNotFound
		serr.Message = action + " failed: not found on GitHub"
	case uerr.StatusCode == http.StatusUnauthorized:
		serr.Kind = KindUnauthorized
		serr.Message = action + " failed: GitHub rejected the stored access token"
	case uerr.StatusCode != 0:
		serr.Message = fmt.Sprintf("%s failed: GitHub returned %d %s", action, uerr.StatusCode, http.StatusText(uerr.StatusCode))
	default:
		serr.Message = action + " failed: GitHub request failed"
		serr.StatusCode = http.StatusBadGateway
	}
	return serr
}
