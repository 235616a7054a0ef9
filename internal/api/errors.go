package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
)

// ErrorKind categorizes a failed upstream call
type ErrorKind string

const (
	KindUpstream  ErrorKind = "upstream"
	KindRateLimit ErrorKind = "rate_limit"
	KindNetwork   ErrorKind = "network"
	KindTimeout   ErrorKind = "timeout"
	KindCanceled  ErrorKind = "canceled"
)

// UpstreamError is returned by every GitHubClient call that fails. Message
// holds GitHub's parsed "message" field, never the raw response body.
type UpstreamError struct {
	Op         string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface
func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %s", e.Op, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether an idempotent request that failed this way may be retried
func (e *UpstreamError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindNetwork, KindTimeout:
		return true
	case KindUpstream:
		return e.StatusCode >= 500
	default:
		return false
	}
}

// IsNotFound reports whether err is an upstream 404
func IsNotFound(err error) bool {
	var uerr *UpstreamError
	return errors.As(err, &uerr) && uerr.StatusCode == http.StatusNotFound
}

// wrapError converts a go-github or transport error into an UpstreamError.
// parent is the caller's context, used to tell a per-call timeout apart from
// the caller going away.
func wrapError(parent context.Context, op string, err error) *UpstreamError {
	if err == nil {
		return nil
	}

	var uerr *UpstreamError
	if errors.As(err, &uerr) {
		return uerr
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &UpstreamError{
			Op:         op,
			Kind:       KindRateLimit,
			StatusCode: statusOf(rateErr.Response),
			Message:    fmt.Sprintf("rate limit exceeded, resets at %v", rateErr.Rate.Reset.Time),
			Cause:      err,
		}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &UpstreamError{
			Op:         op,
			Kind:       KindRateLimit,
			StatusCode: statusOf(abuseErr.Response),
			Message:    abuseErr.Message,
			Cause:      err,
		}
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		return &UpstreamError{
			Op:         op,
			Kind:       KindUpstream,
			StatusCode: statusOf(respErr.Response),
			Message:    respErr.Message,
			Cause:      err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		kind := KindTimeout
		if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
			kind = KindCanceled
		}
		return &UpstreamError{Op: op, Kind: kind, Message: "request timed out", Cause: err}
	}

	if errors.Is(err, context.Canceled) {
		return &UpstreamError{Op: op, Kind: KindCanceled, Message: "request canceled", Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &UpstreamError{Op: op, Kind: KindTimeout, Message: "request timed out", Cause: err}
		}
		return &UpstreamError{Op: op, Kind: KindNetwork, Message: netErr.Error(), Cause: err}
	}

	if isNetworkError(err) {
		return &UpstreamError{Op: op, Kind: KindNetwork, Message: err.Error(), Cause: err}
	}

	return &UpstreamError{Op: op, Kind: KindUpstream, Message: err.Error(), Cause: err}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// isNetworkError checks if an error is a network-related error
func isNetworkError(err error) bool {
	errStr := strings.ToLower(err.Error())
	networkKeywords := []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"no such host",
		"dial tcp",
		"eof",
	}

	for _, keyword := range networkKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}
	return false
}

// MalformedRecordError reports an upstream record that lacks a field needed
// to identify it. The record is skipped; the rest of the batch continues.
type MalformedRecordError struct {
	Kind       string
	ExternalID int64
	Field      string
}

// Error implements the error interface
func (e *MalformedRecordError) Error() string {
	if e.ExternalID != 0 {
		return fmt.Sprintf("malformed %s %d: missing %s", e.Kind, e.ExternalID, e.Field)
	}
	return fmt.Sprintf("malformed %s: missing %s", e.Kind, e.Field)
}

// IsMalformed reports whether err is a MalformedRecordError
func IsMalformed(err error) bool {
	var merr *MalformedRecordError
	return errors.As(err, &merr)
}
