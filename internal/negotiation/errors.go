package negotiation

import "errors"

var (
	// ErrMediaUnavailable is returned when negotiation starts without a local
	// stream to attach.
	ErrMediaUnavailable = errors.New("no local media stream attached")
	// ErrProtocolViolation covers out-of-sequence messages: a duplicate offer
	// or answer, or an answer without a prior offer. Callers log and drop.
	ErrProtocolViolation = errors.New("signaling protocol violation")
	ErrClosed            = errors.New("negotiation engine closed")
)
