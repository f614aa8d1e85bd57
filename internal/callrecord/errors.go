package callrecord

import "errors"

var (
	ErrNotFound          = errors.New("call not found")
	ErrInvalidTransition = errors.New("invalid call status transition")
	ErrForbidden         = errors.New("not a party to this call")
	ErrPeerUnavailable   = errors.New("peer unavailable")
	ErrInvalidRecord     = errors.New("invalid call record")
)
