package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

const (
	DefaultRingTimeout        = 30 * time.Second
	DefaultNegotiationTimeout = 10 * time.Second
	DefaultDisconnectGrace    = 5 * time.Second

	shutdownStatusTimeout = 2 * time.Second
)

type Config struct {
	LocalID string

	Records RecordService
	Relay   Relay
	Media   MediaSource
	Engines EngineFactory
	Clock   Clock
	Logger  *slog.Logger

	RingTimeout        time.Duration
	NegotiationTimeout time.Duration
	DisconnectGrace    time.Duration
	Retry              RetryPolicy

	// Observers run on the orchestrator's loop goroutine. They must not
	// block or call back into blocking Orchestrator methods.
	OnStateChange func(Snapshot)
	OnError       func(callID string, err error)
	OnRemoteTrack func(callID string, track *webrtc.TrackRemote)
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

type request struct {
	ev    event
	reply chan error
}

// Orchestrator runs the call state machine for one local identity.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	events   chan request
	done     chan struct{}
	loopDone chan struct{}

	// ctx bounds async work started by effects.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	unsubscribe func()
	closeOnce   sync.Once

	snapMu sync.Mutex
	snap   Snapshot

	// Owned by the loop goroutine.
	m           model
	engine      Engine
	stream      *media.Stream
	timers      [timerCount]Timer
	startWaiter chan startResult
}

// New subscribes to the relay inbox for cfg.LocalID and starts the loop.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.LocalID == "" {
		return nil, errors.New("session: LocalID is required")
	}
	if cfg.Records == nil || cfg.Relay == nil || cfg.Media == nil || cfg.Engines == nil {
		return nil, errors.New("session: Records, Relay, Media and Engines are required")
	}
	cfg = cfg.withDefaults()

	runCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		log:      cfg.Logger.With("local_id", cfg.LocalID),
		events:   make(chan request, 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ctx:      runCtx,
		cancel:   cancel,
	}

	unsubscribe, err := cfg.Relay.Subscribe(ctx, cfg.LocalID, func(n signal.Notification) {
		o.post(evNotification{n: n})
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	o.unsubscribe = unsubscribe

	go o.run()
	return o, nil
}

// State returns the latest snapshot. Safe to call from observers.
func (o *Orchestrator) State() Snapshot {
	o.snapMu.Lock()
	defer o.snapMu.Unlock()
	return o.snap
}

// StartCall creates a call record for peerID and rings it. It returns once
// the record exists; the call then proceeds asynchronously. If ctx ends
// before the record is created the attempt is canceled. A nil error always
// means the call is ringing.
func (o *Orchestrator) StartCall(ctx context.Context, peerID string, kind callrecord.MediaKind) (string, error) {
	if peerID == "" {
		return "", fmt.Errorf("%w: empty peer id", ErrPeerUnavailable)
	}
	if peerID == o.cfg.LocalID {
		return "", fmt.Errorf("%w: cannot call self", ErrPeerUnavailable)
	}
	if _, err := callrecord.ParseMediaKind(string(kind)); err != nil {
		return "", err
	}

	waiter := make(chan startResult, 1)
	if err := o.dispatch(ctx, evStartCall{peerID: peerID, kind: kind, waiter: waiter}); err != nil {
		return "", err
	}
	select {
	case r := <-waiter:
		return r.callID, r.err
	case <-ctx.Done():
		// The loop resolves the waiter either way. A record created before
		// the cancel landed wins and the call keeps ringing.
		o.post(evCancel{startOnly: true})
		select {
		case r := <-waiter:
			if r.err == nil {
				return r.callID, nil
			}
		case <-o.done:
		}
		return "", ctx.Err()
	case <-o.done:
		return "", ErrClosed
	}
}

func (o *Orchestrator) Accept(ctx context.Context) error {
	return o.dispatch(ctx, evAccept{})
}

func (o *Orchestrator) Reject(ctx context.Context) error {
	return o.dispatch(ctx, evCancel{})
}

func (o *Orchestrator) Cancel(ctx context.Context) error {
	return o.dispatch(ctx, evCancel{})
}

// EndCall hangs up. It is a no-op when no call is active.
func (o *Orchestrator) EndCall(ctx context.Context) error {
	return o.dispatch(ctx, evEndCall{})
}

func (o *Orchestrator) SetAudioEnabled(ctx context.Context, enabled bool) error {
	return o.withStream(ctx, func(st *media.Stream) error {
		st.SetAudioEnabled(enabled)
		return nil
	})
}

func (o *Orchestrator) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return o.withStream(ctx, func(st *media.Stream) error {
		if !st.SetVideoEnabled(enabled) {
			return fmt.Errorf("%w: call has no video track", ErrInvalidState)
		}
		return nil
	})
}

// InboxLost ends any active call after the relay subscription is gone for
// good. Wire it to the relay's loss callback; it does not block.
func (o *Orchestrator) InboxLost(err error) {
	go o.post(evInboxLost{err: err})
}

// evStreamOp runs fn against the active stream on the loop goroutine.
type evStreamOp struct {
	fn func(*media.Stream) error
}

func (evStreamOp) isEvent() {}

func (o *Orchestrator) withStream(ctx context.Context, fn func(*media.Stream) error) error {
	return o.dispatch(ctx, evStreamOp{fn: fn})
}

// Close ends any active call, unsubscribes from the relay and waits for
// in-flight work to stop.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		close(o.done)
		<-o.loopDone
		o.cancel()
		o.wg.Wait()
		if o.unsubscribe != nil {
			o.unsubscribe()
		}
		o.drain()
	})
	return nil
}

// drain releases streams whose completions were queued but never handled.
func (o *Orchestrator) drain() {
	for {
		select {
		case req := <-o.events:
			if ev, ok := req.ev.(evMediaAcquired); ok && ev.stream != nil {
				o.releaseStream(ev.stream)
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev event) error {
	reply := make(chan error, 1)
	select {
	case o.events <- request{ev: ev, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return ErrClosed
	}
}

// post queues an event from a callback or async task.
// It reports false once the orchestrator is closed.
func (o *Orchestrator) post(ev event) bool {
	select {
	case o.events <- request{ev: ev}:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) async(fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.ctx)
	}()
}

func (o *Orchestrator) run() {
	defer close(o.loopDone)
	for {
		select {
		case req := <-o.events:
			o.handle(req)
		case <-o.done:
			o.shutdown()
			return
		}
	}
}

func (o *Orchestrator) handle(req request) {
	if op, ok := req.ev.(evStreamOp); ok {
		var err error
		if o.stream == nil {
			err = fmt.Errorf("%w: no active media", ErrInvalidState)
		} else {
			err = op.fn(o.stream)
		}
		req.reply <- err
		return
	}

	prev := o.m.state
	next, effs, err := transition(o.m, req.ev)
	if err != nil {
		if req.reply != nil {
			req.reply <- err
		}
		return
	}
	if start, ok := req.ev.(evStartCall); ok {
		o.startWaiter = start.waiter
	}
	o.m = next
	if prev != next.state {
		o.log.Debug("call state", "from", prev.String(), "to", next.state.String(), "call_id", next.callID)
	}
	for _, eff := range effs {
		o.apply(eff)
	}
	if req.reply != nil {
		req.reply <- nil
	}
}

func (o *Orchestrator) apply(eff effect) {
	switch e := eff.(type) {
	case effNotifyState:
		o.snapMu.Lock()
		o.snap = e.snap
		o.snapMu.Unlock()
		if o.cfg.OnStateChange != nil {
			o.cfg.OnStateChange(e.snap)
		}

	case effReportError:
		o.log.Warn("call failed", "call_id", e.callID, "err", e.err)
		if o.cfg.OnError != nil {
			o.cfg.OnError(e.callID, e.err)
		}

	case effResolveStart:
		if o.startWaiter != nil {
			o.startWaiter <- startResult{callID: e.callID, err: e.err}
			o.startWaiter = nil
		}

	case effCreateRecord:
		o.async(func(ctx context.Context) {
			var rec callrecord.Record
			err := o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
				var err error
				rec, err = o.cfg.Records.CreateCall(ctx, e.peerID, e.kind)
				return err
			})
			if err != nil && !errors.Is(err, ErrPeerUnavailable) {
				err = fmt.Errorf("%w: %w", ErrPeerUnavailable, err)
			}
			o.post(evRecordCreated{gen: e.gen, record: rec, err: err})
		})

	case effUpdateStatus:
		o.async(func(ctx context.Context) {
			err := o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
				return o.cfg.Records.UpdateCallStatus(ctx, e.callID, e.status)
			})
			if err != nil {
				o.log.Debug("call status update failed", "call_id", e.callID, "status", string(e.status), "err", err)
			}
			o.post(evStatusUpdated{gen: e.gen, status: e.status, err: err})
		})

	case effAcquireMedia:
		o.async(func(ctx context.Context) {
			st, err := o.cfg.Media.Acquire(ctx, e.kind)
			if !o.post(evMediaAcquired{gen: e.gen, stream: st, err: err}) && st != nil {
				o.releaseStream(st)
			}
		})

	case effKeepStream:
		if o.stream != nil && o.stream != e.stream {
			o.releaseStream(o.stream)
		}
		o.stream = e.stream

	case effReleaseStream:
		o.releaseStream(e.stream)

	case effStartOfferer:
		engine, ok := o.startEngine(e.gen, e.attempt, e.callID, e.peerID)
		if !ok {
			return
		}
		stream := o.stream
		o.async(func(ctx context.Context) {
			o.post(evEngineStarted{gen: e.gen, attempt: e.attempt, err: engine.AsOfferer(ctx, stream)})
		})

	case effStartAnswerer:
		engine, ok := o.startEngine(e.gen, e.attempt, e.callID, e.peerID)
		if !ok {
			return
		}
		stream := o.stream
		o.async(func(ctx context.Context) {
			o.post(evEngineStarted{gen: e.gen, attempt: e.attempt, err: engine.AsAnswerer(ctx, stream, e.offer)})
		})

	case effApplySignal:
		o.applySignal(e.env)

	case effStartTimer:
		if t := o.timers[e.kind]; t != nil {
			t.Stop()
		}
		kind, token := e.kind, e.token
		o.timers[kind] = o.cfg.Clock.AfterFunc(o.timeout(kind), func() {
			o.post(evTimer{kind: kind, token: token})
		})

	case effStopTimer:
		if t := o.timers[e.kind]; t != nil {
			t.Stop()
			o.timers[e.kind] = nil
		}

	case effDiscardEngine:
		o.closeEngine()

	case effCleanup:
		o.cleanup()

	case effRemoteTrack:
		if o.cfg.OnRemoteTrack != nil {
			o.cfg.OnRemoteTrack(e.callID, e.track)
		}

	case effLog:
		attrs := []any{"call_id", e.callID}
		if e.err != nil {
			attrs = append(attrs, "err", e.err)
		}
		o.log.Log(context.Background(), e.level, e.msg, attrs...)
	}
}

func (o *Orchestrator) timeout(kind timerKind) time.Duration {
	switch kind {
	case timerRing:
		return o.cfg.RingTimeout
	case timerNegotiation:
		return o.cfg.NegotiationTimeout
	default:
		return o.cfg.DisconnectGrace
	}
}

func (o *Orchestrator) startEngine(gen, attempt uint64, callID, peerID string) (Engine, bool) {
	engine, err := o.cfg.Engines.NewEngine(EngineConfig{
		CallID:   callID,
		LocalID:  o.cfg.LocalID,
		RemoteID: peerID,
		Sender:   retrySender{relay: o.cfg.Relay, policy: o.cfg.Retry},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			o.post(evPeerState{gen: gen, attempt: attempt, state: state})
		},
		OnTrack: func(track *webrtc.TrackRemote) {
			o.post(evRemoteTrack{gen: gen, attempt: attempt, track: track})
		},
	})
	if err != nil {
		o.async(func(context.Context) {
			o.post(evEngineStarted{gen: gen, attempt: attempt, err: fmt.Errorf("create negotiation engine: %w", err)})
		})
		return nil, false
	}
	o.engine = engine
	return engine, true
}

func (o *Orchestrator) applySignal(env signal.Envelope) {
	if o.engine == nil {
		return
	}
	var err error
	switch env.Kind {
	case signal.KindAnswer:
		err = o.engine.ApplyAnswer(env.Payload)
	case signal.KindCandidate:
		err = o.engine.ApplyCandidate(env.Payload)
	}
	if err != nil {
		o.log.Warn("dropping signal", "call_id", env.CallID, "kind", string(env.Kind), "err", err)
	}
}

func (o *Orchestrator) releaseStream(st *media.Stream) {
	if err := o.cfg.Media.Release(st); err != nil {
		o.log.Warn("release media failed", "err", err)
	}
}

// cleanup releases every session resource. Each step runs regardless of
// earlier failures.
func (o *Orchestrator) cleanup() {
	for i, t := range o.timers {
		if t != nil {
			t.Stop()
			o.timers[i] = nil
		}
	}
	o.closeEngine()
	if o.stream != nil {
		o.releaseStream(o.stream)
		o.stream = nil
	}
}

func (o *Orchestrator) closeEngine() {
	if o.engine == nil {
		return
	}
	if err := o.engine.Close(); err != nil {
		o.log.Warn("close negotiation engine failed", "err", err)
	}
	o.engine = nil
}

func (o *Orchestrator) shutdown() {
	m := o.m
	if m.callID != "" && (m.state == StateRinging || m.state == StateConnected) {
		status := callrecord.StatusEnded
		if m.state == StateRinging && !m.accepted && !m.acceptSent {
			status = callrecord.StatusRejected
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownStatusTimeout)
		if err := o.cfg.Records.UpdateCallStatus(ctx, m.callID, status); err != nil {
			o.log.Warn("final call status update failed", "call_id", m.callID, "err", err)
		}
		cancel()
	}
	o.cleanup()
	if o.startWaiter != nil {
		o.startWaiter <- startResult{err: ErrClosed}
		o.startWaiter = nil
	}
}
