package signal

import "errors"

// ErrInvalidSignal marks a malformed or unparseable message. It is never
// fatal to a call: the message is dropped.
var ErrInvalidSignal = errors.New("invalid signal")
