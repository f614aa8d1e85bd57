package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

// Wire error codes.
const (
	CodeBadMessage        = "bad_message"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodePeerUnavailable   = "peer_unavailable"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal_error"
)

var (
	// ErrRateLimited is returned when an identity exceeds its signaling budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInboxLost reports an inbox subscription that could not be redialed.
	ErrInboxLost = errors.New("inbox connection lost")
)

// Error is an API error as carried on the wire. On the client side it unwraps
// to the matching sentinel, so errors.Is(err, callrecord.ErrNotFound) holds
// for a 404 from the server.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("signaling: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("signaling: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeBadMessage:
		return signal.ErrInvalidSignal
	case CodeUnauthorized:
		return auth.ErrInvalidCredentials
	case CodeForbidden:
		return callrecord.ErrForbidden
	case CodeNotFound:
		return callrecord.ErrNotFound
	case CodeInvalidTransition:
		return callrecord.ErrInvalidTransition
	case CodePeerUnavailable:
		return callrecord.ErrPeerUnavailable
	case CodeRateLimited:
		return ErrRateLimited
	default:
		return nil
	}
}

// apiError maps a domain error onto its HTTP status and wire code.
func apiError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, auth.ErrMissingCredentials),
		errors.Is(err, auth.ErrMissingIdentity),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrUnsupportedJWT):
		return &Error{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: err.Error()}
	case errors.Is(err, callrecord.ErrNotFound):
		return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, callrecord.ErrForbidden):
		return &Error{Status: http.StatusForbidden, Code: CodeForbidden, Message: err.Error()}
	case errors.Is(err, callrecord.ErrInvalidTransition):
		return &Error{Status: http.StatusConflict, Code: CodeInvalidTransition, Message: err.Error()}
	case errors.Is(err, callrecord.ErrInvalidRecord),
		errors.Is(err, signal.ErrInvalidSignal):
		return &Error{Status: http.StatusBadRequest, Code: CodeBadMessage, Message: err.Error()}
	case errors.Is(err, callrecord.ErrPeerUnavailable),
		errors.Is(err, relay.ErrHubClosed):
		return &Error{Status: http.StatusServiceUnavailable, Code: CodePeerUnavailable, Message: err.Error()}
	case errors.Is(err, ErrRateLimited):
		return &Error{Status: http.StatusTooManyRequests, Code: CodeRateLimited, Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Status: http.StatusServiceUnavailable, Code: CodeInternal, Message: err.Error()}
	default:
		return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error"}
	}
}
