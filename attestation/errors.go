package attestation

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotImplemented is returned by ValidateRemoteAttestation. An unimplemented
// trust decision must never read as either a positive or a negative one.
var ErrNotImplemented = errors.New("attestation: not implemented")

type InvalidArgumentError struct {
	Argument string
	Message  string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Argument, e.Message)
}

type PlatformNotReadyError struct {
	Err error
}

func (e *PlatformNotReadyError) Error() string {
	return fmt.Sprintf("platform services not ready: %v", e.Err)
}

func (e *PlatformNotReadyError) Unwrap() error {
	return e.Err
}

type QuoteGenerationError struct {
	Err error
}

func (e *QuoteGenerationError) Error() string {
	return fmt.Sprintf("generating quote: %v", e.Err)
}

func (e *QuoteGenerationError) Unwrap() error {
	return e.Err
}

const (
	MessageBadRequest         = "Bad Request: Invalid Attestation Evidence Payload"
	MessageUnauthorized       = "Unauthorized: failed to authenticate"
	MessageInternalError      = "Internal Server Error"
	MessageServiceUnavailable = "Service Unavailable"
	MessageUnknown            = "Unknown Error"
	MessageInvalidResponse    = "Invalid Response"
)

// ResponseError is an unsuccessful outcome of a remote attestation request.
// Error returns exactly Message. StatusCode is zero when no response arrived.
type ResponseError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ResponseError) Error() string {
	return e.Message
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// Is matches any *ResponseError carrying the same message, so callers can test
// against ErrBadRequest and friends with errors.Is.
func (e *ResponseError) Is(target error) bool {
	other, ok := target.(*ResponseError)
	return ok && other.Message == e.Message
}

var (
	ErrBadRequest         = &ResponseError{StatusCode: http.StatusBadRequest, Message: MessageBadRequest}
	ErrUnauthorized       = &ResponseError{StatusCode: http.StatusUnauthorized, Message: MessageUnauthorized}
	ErrInternalError      = &ResponseError{StatusCode: http.StatusInternalServerError, Message: MessageInternalError}
	ErrServiceUnavailable = &ResponseError{StatusCode: http.StatusServiceUnavailable, Message: MessageServiceUnavailable}
	ErrUnknown            = &ResponseError{Message: MessageUnknown}
	ErrInvalidResponse    = &ResponseError{Message: MessageInvalidResponse}
)

// statusError maps every non-200 status code to its outcome.
func statusError(code int) error {
	switch code {
	case http.StatusBadRequest:
		return &ResponseError{StatusCode: code, Message: MessageBadRequest}
	case http.StatusUnauthorized:
		return &ResponseError{StatusCode: code, Message: MessageUnauthorized}
	case http.StatusInternalServerError:
		return &ResponseError{StatusCode: code, Message: MessageInternalError}
	case http.StatusServiceUnavailable:
		return &ResponseError{StatusCode: code, Message: MessageServiceUnavailable}
	default:
		return &ResponseError{StatusCode: code, Message: MessageUnknown}
	}
}
