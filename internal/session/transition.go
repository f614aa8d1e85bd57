package session

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

const (
	// maxHeldSignals bounds envelopes held until the engine is ready.
	maxHeldSignals = 256
	// maxEarlyNotifications bounds notifications held while the call record
	// is still being created.
	maxEarlyNotifications = 64
)

// model is the session aggregate. It holds no resources; the executor owns
// the engine, stream and timers that effects refer to.
type model struct {
	state  State
	role   Role
	gen    uint64
	callID string
	peerID string
	kind   callrecord.MediaKind
	reason EndReason

	acceptSent    bool
	accepted      bool
	mediaReady    bool
	engineStarted bool
	engineReady   bool
	connected     bool

	// attempt counts engines started in this session.
	attempt uint64

	offer *signal.Envelope
	held  []signal.Envelope
	early []signal.Notification

	timers    [timerCount]uint64
	nextToken uint64
}

func (m model) snapshot() Snapshot {
	return Snapshot{
		State:     m.state,
		Role:      m.role,
		CallID:    m.callID,
		PeerID:    m.peerID,
		MediaKind: m.kind,
		Reason:    m.reason,
	}
}

func (m model) current(gen uint64) bool {
	return m.state != StateIdle && gen == m.gen
}

func (m model) currentEngine(gen, attempt uint64) bool {
	return m.current(gen) && attempt == m.attempt
}

func (m *model) startTimer(kind timerKind) effect {
	m.nextToken++
	m.timers[kind] = m.nextToken
	return effStartTimer{kind: kind, token: m.nextToken}
}

func (m *model) stopTimer(kind timerKind) []effect {
	if m.timers[kind] == 0 {
		return nil
	}
	m.timers[kind] = 0
	return []effect{effStopTimer{kind: kind}}
}

// begin opens a new session generation.
func (m model) begin(state State, role Role, callID, peerID string, kind callrecord.MediaKind) model {
	return model{
		state:     state,
		role:      role,
		gen:       m.gen + 1,
		callID:    callID,
		peerID:    peerID,
		kind:      kind,
		nextToken: m.nextToken,
	}
}

// terminate is the single exit path to idle. A connected session passes
// through ending. status, when set, is sent for the call record; err, when
// set, is reported to observers.
func (m model) terminate(status callrecord.Status, reason EndReason, err error) (model, []effect) {
	var effs []effect
	if m.state == StateConnected {
		m.state = StateEnding
		effs = append(effs, effNotifyState{snap: m.snapshot()})
	}
	if status != "" && m.callID != "" {
		effs = append(effs, effUpdateStatus{gen: m.gen, callID: m.callID, status: status})
	}
	effs = append(effs, effCleanup{})

	next := model{
		state:     StateIdle,
		gen:       m.gen + 1,
		reason:    reason,
		nextToken: m.nextToken,
	}
	effs = append(effs, effNotifyState{snap: next.snapshot()})
	if err != nil {
		effs = append(effs, effReportError{callID: m.callID, err: err})
	}
	return next, effs
}

func logEffect(level slog.Level, msg, callID string, err error) effect {
	return effLog{level: level, msg: msg, callID: callID, err: err}
}

// transition applies ev to m. The returned error is non-nil only for user
// actions that are not valid in the current state; in that case m is
// returned unchanged with no effects.
func transition(m model, ev event) (model, []effect, error) {
	switch ev := ev.(type) {
	case evStartCall:
		if m.state != StateIdle {
			return m, nil, fmt.Errorf("%w: start call while %s", ErrInvalidState, m.state)
		}
		m = m.begin(StateInitiating, RoleCaller, "", ev.peerID, ev.kind)
		return m, []effect{
			effCreateRecord{gen: m.gen, peerID: ev.peerID, kind: ev.kind},
			effNotifyState{snap: m.snapshot()},
		}, nil

	case evAccept:
		if m.state != StateRinging || m.role != RoleCallee || m.acceptSent {
			return m, nil, fmt.Errorf("%w: accept while %s as %s", ErrInvalidState, m.state, m.role)
		}
		m.acceptSent = true
		effs := m.stopTimer(timerRing)
		effs = append(effs,
			m.startTimer(timerNegotiation),
			effUpdateStatus{gen: m.gen, callID: m.callID, status: callrecord.StatusAccepted},
			effAcquireMedia{gen: m.gen, kind: m.kind},
		)
		return m, effs, nil

	case evCancel:
		switch {
		case m.state == StateInitiating:
			next, effs := m.terminate("", ReasonCanceled, nil)
			return next, append(effs, effResolveStart{err: ErrCanceled}), nil
		case ev.startOnly:
			return m, nil, nil
		case m.state == StateRinging:
			status, reason := callrecord.StatusRejected, ReasonRejected
			if m.role == RoleCaller {
				reason = ReasonCanceled
			}
			if m.acceptSent || m.accepted {
				status = callrecord.StatusEnded
			}
			next, effs := m.terminate(status, reason, nil)
			return next, effs, nil
		default:
			return m, nil, fmt.Errorf("%w: cancel while %s", ErrInvalidState, m.state)
		}

	case evEndCall:
		switch m.state {
		case StateIdle, StateEnding:
			return m, nil, nil
		case StateRinging, StateConnected:
			next, effs := m.terminate(callrecord.StatusEnded, ReasonEnded, nil)
			return next, effs, nil
		default:
			return m, nil, fmt.Errorf("%w: end call while %s", ErrInvalidState, m.state)
		}

	case evRecordCreated:
		return onRecordCreated(m, ev)

	case evMediaAcquired:
		if !m.current(ev.gen) {
			if ev.stream != nil {
				return m, []effect{effReleaseStream{stream: ev.stream}}, nil
			}
			return m, nil, nil
		}
		if ev.err != nil {
			next, effs := m.terminate(callrecord.StatusEnded, ReasonFailed, ev.err)
			return next, effs, nil
		}
		m.mediaReady = true
		effs := []effect{effKeepStream{stream: ev.stream}}
		m, more := m.maybeStartEngine()
		return m, append(effs, more...), nil

	case evStatusUpdated:
		if !m.current(ev.gen) || ev.status != callrecord.StatusAccepted {
			if ev.err != nil {
				return m, []effect{logEffect(slog.LevelWarn, "call status update failed", "", ev.err)}, nil
			}
			return m, nil, nil
		}
		if ev.err != nil {
			err := ev.err
			if !errors.Is(err, ErrPeerUnavailable) {
				err = fmt.Errorf("%w: %w", ErrPeerUnavailable, err)
			}
			next, effs := m.terminate("", ReasonFailed, err)
			return next, effs, nil
		}
		m.accepted = true
		m, effs := m.maybeConnected()
		return m, effs, nil

	case evEngineStarted:
		if !m.currentEngine(ev.gen, ev.attempt) {
			return m, nil, nil
		}
		if ev.err != nil {
			if m.role == RoleCallee && errors.Is(ev.err, signal.ErrInvalidSignal) {
				// The offer was unusable. Throw the engine away and wait for
				// the caller to send another one.
				m.offer = nil
				m.engineStarted = false
				return m, []effect{
					effDiscardEngine{},
					logEffect(slog.LevelWarn, "dropping signal", m.callID, ev.err),
				}, nil
			}
			next, effs := m.terminate(callrecord.StatusEnded, ReasonFailed, ev.err)
			return next, effs, nil
		}
		m.engineReady = true
		var effs []effect
		for _, env := range m.held {
			effs = append(effs, effApplySignal{env: env})
		}
		m.held = nil
		m, more := m.maybeConnected()
		return m, append(effs, more...), nil

	case evPeerState:
		if !m.currentEngine(ev.gen, ev.attempt) {
			return m, nil, nil
		}
		return onPeerState(m, ev.state)

	case evRemoteTrack:
		if !m.currentEngine(ev.gen, ev.attempt) {
			return m, nil, nil
		}
		return m, []effect{effRemoteTrack{callID: m.callID, track: ev.track}}, nil

	case evTimer:
		if ev.token == 0 || m.timers[ev.kind] != ev.token {
			return m, nil, nil
		}
		m.timers[ev.kind] = 0
		return onTimer(m, ev.kind)

	case evNotification:
		return onNotification(m, ev.n)

	case evInboxLost:
		if m.state == StateIdle {
			return m, []effect{logEffect(slog.LevelWarn, "inbox lost", "", ev.err)}, nil
		}
		// Without the inbox no answer, candidate or hangup can arrive.
		err := fmt.Errorf("%w: inbox lost: %w", ErrPeerUnavailable, ev.err)
		status := callrecord.StatusEnded
		if m.state == StateRinging && !m.acceptSent && !m.accepted {
			status = callrecord.StatusRejected
		}
		initiating := m.state == StateInitiating
		next, effs := m.terminate(status, ReasonFailed, err)
		if initiating {
			effs = append(effs, effResolveStart{err: err})
		}
		return next, effs, nil
	}
	return m, nil, nil
}

func onRecordCreated(m model, ev evRecordCreated) (model, []effect, error) {
	if !m.current(ev.gen) || m.state != StateInitiating {
		// The call was abandoned while its record was being created.
		if ev.err == nil && ev.record.ID != "" {
			return m, []effect{effUpdateStatus{gen: ev.gen, callID: ev.record.ID, status: callrecord.StatusRejected}}, nil
		}
		return m, nil, nil
	}
	if ev.err != nil {
		next, effs := m.terminate("", ReasonFailed, nil)
		return next, append(effs, effResolveStart{err: ev.err}), nil
	}

	m.state = StateRinging
	m.callID = ev.record.ID
	early := m.early
	m.early = nil
	effs := []effect{
		effResolveStart{callID: m.callID},
		m.startTimer(timerRing),
		effAcquireMedia{gen: m.gen, kind: m.kind},
		effNotifyState{snap: m.snapshot()},
	}
	for _, n := range early {
		var more []effect
		m, more, _ = transition(m, evNotification{n: n})
		effs = append(effs, more...)
	}
	return m, effs, nil
}

func onPeerState(m model, state webrtc.PeerConnectionState) (model, []effect, error) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.connected = true
		effs := m.stopTimer(timerGrace)
		m, more := m.maybeConnected()
		return m, append(effs, more...), nil
	case webrtc.PeerConnectionStateDisconnected:
		m.connected = false
		if m.state == StateConnected && m.timers[timerGrace] == 0 {
			return m, []effect{
				logEffect(slog.LevelWarn, "peer connection disconnected; waiting for recovery", m.callID, nil),
				m.startTimer(timerGrace),
			}, nil
		}
		return m, nil, nil
	case webrtc.PeerConnectionStateFailed:
		m.connected = false
		if m.state == StateConnected || m.engineStarted {
			next, effs := m.terminate(callrecord.StatusEnded, ReasonFailed, fmt.Errorf("%w: peer connection failed", ErrTimeout))
			return next, effs, nil
		}
	}
	return m, nil, nil
}

func onTimer(m model, kind timerKind) (model, []effect, error) {
	switch kind {
	case timerRing:
		if m.state != StateRinging {
			return m, nil, nil
		}
		if m.role == RoleCaller {
			next, effs := m.terminate(callrecord.StatusRejected, ReasonTimeout, fmt.Errorf("%w: no answer", ErrTimeout))
			return next, effs, nil
		}
		// An unanswered incoming call expires locally; the caller's own
		// timer settles the record.
		next, effs := m.terminate("", ReasonMissed, nil)
		return next, effs, nil
	case timerNegotiation:
		if m.state != StateRinging {
			return m, nil, nil
		}
		next, effs := m.terminate(callrecord.StatusEnded, ReasonTimeout, fmt.Errorf("%w: negotiation did not complete", ErrTimeout))
		return next, effs, nil
	case timerGrace:
		if m.state != StateConnected {
			return m, nil, nil
		}
		next, effs := m.terminate(callrecord.StatusEnded, ReasonTimeout, fmt.Errorf("%w: peer connection did not recover", ErrTimeout))
		return next, effs, nil
	}
	return m, nil, nil
}

func onNotification(m model, n signal.Notification) (model, []effect, error) {
	switch n.Type {
	case signal.NotificationIncomingCall:
		if n.IncomingCall == nil {
			return m, nil, nil
		}
		ic := *n.IncomingCall
		if m.state == StateIdle {
			m = m.begin(StateRinging, RoleCallee, ic.CallID, ic.CallerID, ic.MediaKind)
			return m, []effect{
				m.startTimer(timerRing),
				effNotifyState{snap: m.snapshot()},
			}, nil
		}
		if ic.CallID == m.callID {
			return m, nil, nil
		}
		// One session at a time: anything else is busy.
		return m, []effect{
			logEffect(slog.LevelInfo, "rejecting incoming call: busy", ic.CallID, nil),
			effUpdateStatus{callID: ic.CallID, status: callrecord.StatusRejected},
		}, nil

	case signal.NotificationCallStatus, signal.NotificationSignal:
		if m.state == StateInitiating {
			if len(m.early) >= maxEarlyNotifications {
				return m, []effect{logEffect(slog.LevelWarn, "dropping notification: early queue full", "", nil)}, nil
			}
			m.early = append(append([]signal.Notification(nil), m.early...), n)
			return m, nil, nil
		}
		if n.Type == signal.NotificationCallStatus {
			if n.CallStatus == nil {
				return m, nil, nil
			}
			return onCallStatus(m, *n.CallStatus)
		}
		if n.Signal == nil {
			return m, nil, nil
		}
		return onSignal(m, *n.Signal)
	}
	return m, nil, nil
}

func onCallStatus(m model, cs signal.CallStatus) (model, []effect, error) {
	if m.state == StateIdle || m.state == StateEnding || cs.CallID != m.callID {
		return m, nil, nil
	}
	switch cs.Status {
	case callrecord.StatusAccepted:
		if m.accepted {
			return m, nil, nil
		}
		m.accepted = true
		var effs []effect
		if m.role == RoleCaller {
			effs = append(effs, m.stopTimer(timerRing)...)
			effs = append(effs, m.startTimer(timerNegotiation))
		}
		m, more := m.maybeStartEngine()
		effs = append(effs, more...)
		m, more = m.maybeConnected()
		return m, append(effs, more...), nil
	case callrecord.StatusRejected:
		next, effs := m.terminate("", ReasonRejected, nil)
		return next, effs, nil
	case callrecord.StatusEnded:
		next, effs := m.terminate("", ReasonEnded, nil)
		return next, effs, nil
	}
	return m, nil, nil
}

func onSignal(m model, env signal.Envelope) (model, []effect, error) {
	if m.state == StateIdle || m.state == StateEnding || env.CallID != m.callID {
		return m, []effect{logEffect(slog.LevelDebug, "dropping signal for inactive call", env.CallID, nil)}, nil
	}
	if env.SenderID != "" && env.SenderID != m.peerID {
		return m, []effect{logEffect(slog.LevelWarn, "dropping signal from non-party", env.CallID, nil)}, nil
	}

	switch env.Kind {
	case signal.KindOffer:
		if m.role != RoleCallee {
			return m, []effect{logEffect(slog.LevelWarn, "dropping signal", m.callID, errProtocol("offer sent to caller"))}, nil
		}
		if m.offer != nil || m.engineStarted {
			return m, []effect{logEffect(slog.LevelWarn, "dropping signal", m.callID, errProtocol("duplicate offer"))}, nil
		}
		if _, err := signal.NormalizeDescription(signal.KindOffer, []byte(env.Payload)); err != nil {
			return m, []effect{logEffect(slog.LevelWarn, "dropping signal", m.callID, err)}, nil
		}
		m.offer = &env
		m, effs := m.maybeStartEngine()
		return m, effs, nil
	case signal.KindAnswer:
		if m.role != RoleCaller {
			return m, []effect{logEffect(slog.LevelWarn, "dropping signal", m.callID, errProtocol("answer sent to callee"))}, nil
		}
	}

	if m.engineReady {
		return m, []effect{effApplySignal{env: env}}, nil
	}
	if len(m.held) >= maxHeldSignals {
		return m, []effect{logEffect(slog.LevelWarn, "dropping signal: hold queue full", m.callID, nil)}, nil
	}
	m.held = append(append([]signal.Envelope(nil), m.held...), env)
	return m, nil, nil
}

func (m model) maybeStartEngine() (model, []effect) {
	if m.engineStarted || !m.mediaReady {
		return m, nil
	}
	switch m.role {
	case RoleCaller:
		if !m.accepted {
			return m, nil
		}
		m.engineStarted = true
		m.attempt++
		return m, []effect{effStartOfferer{gen: m.gen, attempt: m.attempt, callID: m.callID, peerID: m.peerID}}
	case RoleCallee:
		if !m.acceptSent || m.offer == nil {
			return m, nil
		}
		m.engineStarted = true
		m.attempt++
		return m, []effect{effStartAnswerer{gen: m.gen, attempt: m.attempt, callID: m.callID, peerID: m.peerID, offer: m.offer.Payload}}
	}
	return m, nil
}

// maybeConnected enters connected once the call is accepted and the engine
// reports a live peer connection.
func (m model) maybeConnected() (model, []effect) {
	if m.state != StateRinging || !m.accepted || !m.engineStarted || !m.connected {
		return m, nil
	}
	m.state = StateConnected
	effs := m.stopTimer(timerNegotiation)
	return m, append(effs, effNotifyState{snap: m.snapshot()})
}
