package controller

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the controller client.
var (
	// ErrControllerUnavailable matches every failure that means "skip this cycle":
	// no credential could be obtained or the controller could not be reached.
	ErrControllerUnavailable = errors.New("controller unavailable")
	ErrInvalidConfig         = errors.New("invalid controller config")
	ErrEmptyResponse         = errors.New("empty response body")
)

// AuthFailure reports that no authentication strategy yielded a token.
type AuthFailure struct {
	Attempts []error
}

func (failure *AuthFailure) Error() string {
	if len(failure.Attempts) == 0 {
		return "controller auth failed: no strategies attempted"
	}
	messages := make([]string, 0, len(failure.Attempts))
	for _, attemptError := range failure.Attempts {
		messages = append(messages, attemptError.Error())
	}
	return fmt.Sprintf("controller auth failed after %d attempts: %s", len(failure.Attempts), strings.Join(messages, "; "))
}

// Is lets AuthFailure match ErrControllerUnavailable.
func (failure *AuthFailure) Is(target error) bool {
	return target == ErrControllerUnavailable
}

// Unwrap exposes the individual attempt errors.
func (failure *AuthFailure) Unwrap() []error {
	return failure.Attempts
}

// NetworkFailure reports a transport error, timeout, or empty body.
type NetworkFailure struct {
	Endpoint string
	Err      error
}

func (failure *NetworkFailure) Error() string {
	return fmt.Sprintf("controller request %s failed: %v", failure.Endpoint, failure.Err)
}

// Is lets NetworkFailure match ErrControllerUnavailable.
func (failure *NetworkFailure) Is(target error) bool {
	return target == ErrControllerUnavailable
}

func (failure *NetworkFailure) Unwrap() error {
	return failure.Err
}

// ResponseShapeError reports a body that is not JSON.
type ResponseShapeError struct {
	Endpoint   string
	StatusCode int
	Snippet    string
	Err        error
}

func (shapeError *ResponseShapeError) Error() string {
	return fmt.Sprintf("controller response from %s (HTTP %d) is not JSON: %q", shapeError.Endpoint, shapeError.StatusCode, shapeError.Snippet)
}

func (shapeError *ResponseShapeError) Unwrap() error {
	return shapeError.Err
}

// RejectedError reports a decoded envelope whose success signal is negative.
type RejectedError struct {
	Endpoint   string
	StatusCode int
	Code       string
	Message    string
}

func (rejected *RejectedError) Error() string {
	return fmt.Sprintf("controller rejected %s (HTTP %d, code %q): %s", rejected.Endpoint, rejected.StatusCode, rejected.Code, rejected.Message)
}

// IsAuthFailure reports whether err carries an AuthFailure.
func IsAuthFailure(err error) bool {
	var failure *AuthFailure
	return errors.As(err, &failure)
}

// IsResponseShapeError reports whether err carries a ResponseShapeError.
func IsResponseShapeError(err error) bool {
	var shapeError *ResponseShapeError
	return errors.As(err, &shapeError)
}

func newRejectedError(endpoint string, envelope Envelope) *RejectedError {
	payload := envelopeObject(envelope)
	return &RejectedError{
		Endpoint:   endpoint,
		StatusCode: envelope.StatusCode,
		Code:       payload.String("retCode", "code", "errCode"),
		Message:    payload.String("msg", "message", "error", "errMsg"),
	}
}
