package session

import (
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
)

var (
	// ErrPeerUnavailable reports that the call record could not be created or
	// updated, or that the other party is unreachable.
	ErrPeerUnavailable = errors.New("peer unavailable")
	// ErrTimeout covers ring timeouts, negotiation timeouts and peer
	// connections that fail or stay disconnected past the grace window.
	ErrTimeout      = errors.New("call timed out")
	ErrInvalidState = errors.New("operation not valid in current call state")
	ErrCanceled     = errors.New("call canceled")
	ErrClosed       = errors.New("session orchestrator closed")
)

func errProtocol(msg string) error {
	return fmt.Errorf("%w: %s", negotiation.ErrProtocolViolation, msg)
}
