// Package session implements the per-identity call state machine. All inputs
// (user actions, relay notifications, timers, async completions) are
// serialized through one loop goroutine and a pure transition function.
package session

import "github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"

type State int

const (
	StateIdle State = iota
	StateInitiating
	StateRinging
	StateConnected
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "none"
	}
}

// EndReason explains the most recent return to idle.
type EndReason string

const (
	ReasonNone     EndReason = ""
	ReasonCanceled EndReason = "canceled"
	ReasonRejected EndReason = "rejected"
	ReasonEnded    EndReason = "ended"
	ReasonTimeout  EndReason = "timeout"
	ReasonMissed   EndReason = "missed"
	ReasonFailed   EndReason = "failed"
)

// Snapshot is an immutable view of the session for observers.
type Snapshot struct {
	State     State
	Role      Role
	CallID    string
	PeerID    string
	MediaKind callrecord.MediaKind
	// Reason is set on idle snapshots that follow a call.
	Reason EndReason
}
