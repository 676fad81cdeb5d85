package client

import (
	"errors"
	"fmt"
)

// Transport failure causes.
const (
	CauseTimeout           = "timeout"
	CauseConnectionRefused = "connection_refused"
	CauseTLSVerification   = "tls_verification"
	CauseDNS               = "dns_resolution"
	CauseConnection        = "connection"
)

// ValidationError reports caller arguments rejected before any network
// access: a missing required field, a wrong type, an enum value out of
// range, or an ambiguous TLS/port combination.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid tool arguments: %s", e.Reason)
}

// UpstreamError reports a response that was received from the target API
// with a non-2xx status. It is never retried: a received response is not
// ambiguous about having executed.
type UpstreamError struct {
	StatusCode int
	Body       string // truncated excerpt
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// TransportError reports that no response was received, categorized by cause.
type TransportError struct {
	Cause string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed (%s): %v", e.Cause, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsUpstreamError returns true if err is or wraps an UpstreamError.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// IsTransportError returns true if err is or wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
