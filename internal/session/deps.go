package session

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

// RecordService is the call record API as seen by one authenticated party.
type RecordService interface {
	CreateCall(ctx context.Context, receiverID string, kind callrecord.MediaKind) (callrecord.Record, error)
	UpdateCallStatus(ctx context.Context, callID string, status callrecord.Status) error
}

// Relay delivers envelopes to other parties and notifications to this one.
// Delivery is at most once with no cross-kind ordering.
type Relay interface {
	Send(ctx context.Context, env signal.Envelope) error
	Subscribe(ctx context.Context, localID string, fn func(signal.Notification)) (unsubscribe func(), err error)
}

type MediaSource interface {
	Acquire(ctx context.Context, kind callrecord.MediaKind) (*media.Stream, error)
	Release(stream *media.Stream) error
}

type Engine interface {
	AsOfferer(ctx context.Context, stream *media.Stream) error
	AsAnswerer(ctx context.Context, stream *media.Stream, offer any) error
	ApplyAnswer(answer any) error
	ApplyCandidate(candidate any) error
	Close() error
}

type EngineConfig struct {
	CallID        string
	LocalID       string
	RemoteID      string
	Sender        negotiation.Sender
	OnStateChange func(webrtc.PeerConnectionState)
	OnTrack       func(*webrtc.TrackRemote)
}

type EngineFactory interface {
	NewEngine(cfg EngineConfig) (Engine, error)
}

// NegotiationFactory builds pion-backed engines.
type NegotiationFactory struct {
	API                  *webrtc.API
	ICEServers           []webrtc.ICEServer
	Logger               *slog.Logger
	MaxPendingCandidates int
}

func (f NegotiationFactory) NewEngine(cfg EngineConfig) (Engine, error) {
	e, err := negotiation.New(negotiation.Config{
		API:                  f.API,
		ICEServers:           f.ICEServers,
		CallID:               cfg.CallID,
		LocalID:              cfg.LocalID,
		RemoteID:             cfg.RemoteID,
		Sender:               cfg.Sender,
		Logger:               f.Logger,
		MaxPendingCandidates: f.MaxPendingCandidates,
		OnStateChange:        cfg.OnStateChange,
		OnTrack:              cfg.OnTrack,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// retrySender applies the retry policy to outbound envelopes.
type retrySender struct {
	relay  Relay
	policy RetryPolicy
}

func (s retrySender) Send(ctx context.Context, env signal.Envelope) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		return s.relay.Send(ctx, env)
	})
}
