// Package negotiation drives the SDP offer/answer exchange and trickle ICE
// for one call over a pion PeerConnection.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

const DefaultSendTimeout = 5 * time.Second

// Sender delivers signaling envelopes to the remote party.
type Sender interface {
	Send(ctx context.Context, env signal.Envelope) error
}

type Config struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	CallID   string
	LocalID  string
	RemoteID string
	Sender   Sender

	Logger *slog.Logger

	// MaxPendingCandidates bounds the remote candidates buffered before the
	// remote description is applied.
	MaxPendingCandidates int
	SendTimeout          time.Duration

	OnStateChange func(webrtc.PeerConnectionState)
	OnTrack       func(*webrtc.TrackRemote)
}

type role int

const (
	roleNone role = iota
	roleOfferer
	roleAnswerer
)

func (r role) String() string {
	switch r {
	case roleOfferer:
		return "offerer"
	case roleAnswerer:
		return "answerer"
	default:
		return "none"
	}
}

// Engine owns one PeerConnection. Remote candidates that arrive before the
// remote description are queued and applied in arrival order once it is set.
// Local candidates are never sent ahead of the local description.
type Engine struct {
	cfg Config
	log *slog.Logger
	pc  *webrtc.PeerConnection

	ctx    context.Context
	cancel context.CancelFunc

	pending *candidateQueue

	mu         sync.Mutex
	role       role
	localReady bool
	localSent  bool
	remoteSet  bool
	answered   bool
	closed     bool
	heldLocal  []webrtc.ICECandidateInit

	// applyMu orders remote description application against remote
	// candidates so the pending queue drains before later candidates.
	applyMu sync.Mutex
	// sendMu keeps outbound envelopes in generation order.
	sendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func New(cfg Config) (*Engine, error) {
	if cfg.API == nil {
		return nil, errors.New("negotiation: API is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("negotiation: Sender is required")
	}
	if cfg.CallID == "" || cfg.RemoteID == "" {
		return nil, errors.New("negotiation: call id and remote id are required")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		log:     logger.With("call_id", cfg.CallID, "remote_id", cfg.RemoteID),
		pc:      pc,
		ctx:     ctx,
		cancel:  cancel,
		pending: newCandidateQueue(cfg.MaxPendingCandidates),
	}

	pc.OnICECandidate(e.onLocalCandidate)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.log.Debug("peer connection state", "state", state.String())
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Debug("remote track", "kind", track.Kind().String(), "track_id", track.ID())
		if cfg.OnTrack != nil {
			cfg.OnTrack(track)
		}
	})

	return e, nil
}

func (e *Engine) Role() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role.String()
}

// PendingCandidates reports the remote candidates still waiting for the
// remote description.
func (e *Engine) PendingCandidates() int { return e.pending.Len() }

func (e *Engine) DroppedCandidates() uint64 { return e.pending.DropCount() }

func (e *Engine) ConnectionState() webrtc.PeerConnectionState {
	return e.pc.ConnectionState()
}

func (e *Engine) claimRole(r role) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.role != roleNone {
		return fmt.Errorf("%w: already negotiating as %s", ErrProtocolViolation, e.role)
	}
	e.role = r
	return nil
}

// AsOfferer attaches stream, creates the offer and sends it. Local
// candidates gathered meanwhile follow the offer.
func (e *Engine) AsOfferer(ctx context.Context, stream *media.Stream) error {
	if stream == nil {
		return ErrMediaUnavailable
	}
	if err := e.claimRole(roleOfferer); err != nil {
		return err
	}
	if err := e.attach(stream); err != nil {
		return err
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	e.mu.Lock()
	e.localReady = true
	e.mu.Unlock()

	return e.sendLocalDescription(ctx, signal.KindOffer, offer)
}

// AsAnswerer applies the remote offer (any accepted payload shape), flushes
// buffered candidates, then creates and sends the answer.
func (e *Engine) AsAnswerer(ctx context.Context, stream *media.Stream, offer any) error {
	if stream == nil {
		return ErrMediaUnavailable
	}
	desc, err := signal.NormalizeDescription(signal.KindOffer, offer)
	if err != nil {
		return err
	}
	if err := e.claimRole(roleAnswerer); err != nil {
		return err
	}
	if err := e.attach(stream); err != nil {
		return err
	}
	if err := e.applyRemoteDescription(desc); err != nil {
		return err
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	e.mu.Lock()
	e.localReady = true
	e.mu.Unlock()

	return e.sendLocalDescription(ctx, signal.KindAnswer, answer)
}

// ApplyAnswer sets the remote answer. An answer with no outstanding offer,
// or a second answer, is a protocol violation. An answer that fails to apply
// leaves the offer outstanding so a corrected answer can still land.
func (e *Engine) ApplyAnswer(answer any) error {
	desc, err := signal.NormalizeDescription(signal.KindAnswer, answer)
	if err != nil {
		return err
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	closed, offered, answered := e.closed, e.role == roleOfferer && e.localReady, e.answered
	e.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case !offered:
		return fmt.Errorf("%w: answer without a local offer", ErrProtocolViolation)
	case answered:
		return fmt.Errorf("%w: duplicate answer", ErrProtocolViolation)
	}

	if err := e.setRemoteDescription(desc); err != nil {
		return err
	}
	e.mu.Lock()
	e.answered = true
	e.mu.Unlock()
	return nil
}

// ApplyCandidate adds a remote candidate, or queues it while the remote
// description is unset. The end-of-candidates marker is ignored.
func (e *Engine) ApplyCandidate(candidate any) error {
	init, err := signal.NormalizeCandidate(candidate)
	if err != nil {
		return err
	}
	if init.Candidate == "" {
		return nil
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	closed, remoteSet := e.closed, e.remoteSet
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !remoteSet {
		if !e.pending.Enqueue(init) {
			e.log.Warn("dropping remote candidate: pending queue full", "dropped", e.pending.DropCount())
		}
		return nil
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (e *Engine) applyRemoteDescription(desc webrtc.SessionDescription) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	return e.setRemoteDescription(desc)
}

// setRemoteDescription applies desc and drains the pending candidate queue.
// The caller holds applyMu. pion rejecting the description means the peer
// sent something unusable, so the failure is reported as an invalid signal.
func (e *Engine) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote description: %v", signal.ErrInvalidSignal, err)
	}
	e.mu.Lock()
	e.remoteSet = true
	e.mu.Unlock()

	pending := e.pending.Drain()
	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.log.Warn("buffered remote candidate rejected", "err", err)
		}
	}
	if len(pending) > 0 {
		e.log.Debug("flushed buffered remote candidates", "count", len(pending))
	}
	return nil
}

func (e *Engine) attach(stream *media.Stream) error {
	tracks := stream.Tracks()
	if len(tracks) == 0 {
		return ErrMediaUnavailable
	}
	for _, track := range tracks {
		sender, err := e.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		// RTCP must be read for interceptors (NACK, reports) to run.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (e *Engine) sendLocalDescription(ctx context.Context, kind signal.Kind, desc webrtc.SessionDescription) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if err := e.send(ctx, kind, signal.DescriptionPayload(desc)); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}

	e.mu.Lock()
	e.localSent = true
	held := e.heldLocal
	e.heldLocal = nil
	e.mu.Unlock()

	for _, c := range held {
		if err := e.send(e.ctx, signal.KindCandidate, signal.CandidatePayload(c)); err != nil {
			e.log.Warn("send local candidate failed", "err", err)
		}
	}
	return nil
}

func (e *Engine) onLocalCandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if c == nil {
		return
	}
	init := c.ToJSON()

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if !e.localSent {
		e.heldLocal = append(e.heldLocal, init)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := e.send(e.ctx, signal.KindCandidate, signal.CandidatePayload(init)); err != nil {
		e.log.Warn("send local candidate failed", "err", err)
	}
}

func (e *Engine) send(ctx context.Context, kind signal.Kind, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	return e.cfg.Sender.Send(ctx, signal.Envelope{
		CallID:     e.cfg.CallID,
		SenderID:   e.cfg.LocalID,
		ReceiverID: e.cfg.RemoteID,
		Kind:       kind,
		Payload:    payload,
	})
}

// Close tears down the peer connection and discards buffered candidates.
// It is safe to call more than once and on a nil Engine.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.heldLocal = nil
		e.mu.Unlock()
		e.cancel()
		e.pending.Close()
		e.closeErr = e.pc.Close()
	})
	return e.closeErr
}
