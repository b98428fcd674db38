// Package protocol defines the error taxonomy shared by the ConnectedDrive
// client packages.
//
// Operations against the vendor service fail in ways that matter differently
// to callers: a rejected login is permanent until credentials change, a
// gateway timeout is worth retrying, and a remote service whose confirmation
// poll expired may still have been carried out by the vehicle. The Error
// interface captures those distinctions.
package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by an operation that
	// might have been executed anyway. For example, if a client exhausts its
	// confirmation polls after submitting a remote service, the vehicle may still
	// complete the service. (Not all timeouts mean the operation MayHaveSucceeded,
	// so the common Timeout() error interface is not appropriate here).
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient
	// condition and the operation can be retried as-is.
	Temporary() bool
}

var (
	// ErrAuthDenied indicates the authentication provider rejected the account
	// credentials. The session stays unusable until a later Login succeeds;
	// requests made in the meantime fail without network traffic.
	ErrAuthDenied = NewError("authentication provider denied access", false, false)

	// ErrBadLoginResponse indicates the authentication provider replied with a
	// redirect the client could not interpret.
	ErrBadLoginResponse = errors.New("unintelligible authentication response")
)

// CommandError wraps an error with the two properties remote operations care
// about: whether the operation might have gone through regardless, and whether
// retrying it is worthwhile.
type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

// NewError creates an error with the given properties.
func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// HttpError represents a response with an unexpected HTTP status code.
type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

// MayHaveSucceeded is false for client errors, which mean the service rejected
// the request outright, and for 503, which the gateway sends before dispatching
// anything to the vehicle. Other server-side failures leave the outcome unknown.
func (e *HttpError) MayHaveSucceeded() bool {
	if e.Code >= 400 && e.Code < 500 {
		return false
	}
	return e.Code != http.StatusServiceUnavailable
}

func (e *HttpError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable ||
		e.Code == http.StatusGatewayTimeout ||
		e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests
}

// MayHaveSucceeded returns true if err indicates the triggering operation may
// have been executed even though the client did not receive a confirmation.
func MayHaveSucceeded(err error) bool {
	var svcErr Error
	if errors.As(err, &svcErr) && svcErr.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err indicates a failure due to possibly transient
// conditions that do not require user action to resolve.
func Temporary(err error) bool {
	var svcErr Error
	if errors.As(err, &svcErr) && svcErr.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the client should retry the operation that
// triggered an error. Retrying an operation that may already have succeeded
// risks running a remote service twice, so those are never retried.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if MayHaveSucceeded(err) {
		return false
	}
	return Temporary(err)
}
