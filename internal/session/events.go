package session

import (
	"encoding/json"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

type event interface{ isEvent() }

// User actions.
type (
	evStartCall struct {
		peerID string
		kind   callrecord.MediaKind
		waiter chan startResult
	}
	evAccept struct{}
	// evCancel covers both reject and cancel. startOnly limits it to a call
	// that is still being created.
	evCancel struct {
		startOnly bool
	}
	evEndCall struct{}
)

// Inputs from the relay and from async work started by effects. gen ties a
// completion to the session that started it.
type (
	evNotification struct {
		n signal.Notification
	}
	evRecordCreated struct {
		gen    uint64
		record callrecord.Record
		err    error
	}
	evMediaAcquired struct {
		gen    uint64
		stream *media.Stream
		err    error
	}
	evStatusUpdated struct {
		gen    uint64
		status callrecord.Status
		err    error
	}
	// Engine events also carry the attempt that started the engine, so a
	// discarded engine cannot steer its replacement.
	evEngineStarted struct {
		gen     uint64
		attempt uint64
		err     error
	}
	evPeerState struct {
		gen     uint64
		attempt uint64
		state   webrtc.PeerConnectionState
	}
	evRemoteTrack struct {
		gen     uint64
		attempt uint64
		track   *webrtc.TrackRemote
	}
	evTimer struct {
		kind  timerKind
		token uint64
	}
	// evInboxLost reports that the relay subscription died for good.
	evInboxLost struct {
		err error
	}
)

func (evStartCall) isEvent()     {}
func (evAccept) isEvent()        {}
func (evCancel) isEvent()        {}
func (evEndCall) isEvent()       {}
func (evNotification) isEvent()  {}
func (evRecordCreated) isEvent() {}
func (evMediaAcquired) isEvent() {}
func (evStatusUpdated) isEvent() {}
func (evEngineStarted) isEvent() {}
func (evPeerState) isEvent()     {}
func (evRemoteTrack) isEvent()   {}
func (evTimer) isEvent()         {}
func (evInboxLost) isEvent()     {}

type startResult struct {
	callID string
	err    error
}

type timerKind int

const (
	timerRing timerKind = iota
	timerNegotiation
	timerGrace
	timerCount
)

func (k timerKind) String() string {
	switch k {
	case timerRing:
		return "ring"
	case timerNegotiation:
		return "negotiation"
	case timerGrace:
		return "disconnect_grace"
	default:
		return "unknown"
	}
}

type effect interface{ isEffect() }

type (
	effNotifyState struct {
		snap Snapshot
	}
	effReportError struct {
		callID string
		err    error
	}
	effResolveStart struct {
		callID string
		err    error
	}
	effCreateRecord struct {
		gen    uint64
		peerID string
		kind   callrecord.MediaKind
	}
	effUpdateStatus struct {
		gen    uint64
		callID string
		status callrecord.Status
	}
	effAcquireMedia struct {
		gen  uint64
		kind callrecord.MediaKind
	}
	effKeepStream struct {
		stream *media.Stream
	}
	effReleaseStream struct {
		stream *media.Stream
	}
	effStartOfferer struct {
		gen     uint64
		attempt uint64
		callID  string
		peerID  string
	}
	effStartAnswerer struct {
		gen     uint64
		attempt uint64
		callID  string
		peerID  string
		offer   json.RawMessage
	}
	effApplySignal struct {
		env signal.Envelope
	}
	effStartTimer struct {
		kind  timerKind
		token uint64
	}
	effStopTimer struct {
		kind timerKind
	}
	// effDiscardEngine closes the engine without ending the session.
	effDiscardEngine struct{}
	// effCleanup closes the engine, releases media and stops every timer.
	effCleanup     struct{}
	effRemoteTrack struct {
		callID string
		track  *webrtc.TrackRemote
	}
	effLog struct {
		level  slog.Level
		msg    string
		callID string
		err    error
	}
)

func (effNotifyState) isEffect()   {}
func (effReportError) isEffect()   {}
func (effResolveStart) isEffect()  {}
func (effCreateRecord) isEffect()  {}
func (effUpdateStatus) isEffect()  {}
func (effAcquireMedia) isEffect()  {}
func (effKeepStream) isEffect()    {}
func (effReleaseStream) isEffect() {}
func (effStartOfferer) isEffect()  {}
func (effStartAnswerer) isEffect() {}
func (effApplySignal) isEffect()   {}
func (effStartTimer) isEffect()    {}
func (effStopTimer) isEffect()     {}
func (effDiscardEngine) isEffect() {}
func (effCleanup) isEffect()       {}
func (effRemoteTrack) isEffect()   {}
func (effLog) isEffect()           {}
