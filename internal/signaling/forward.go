package signaling

import (
	"context"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

// forwardSignal relays env on behalf of senderID. The sender must be a party
// to a live call and the receiver must be the other party; senderId is
// filled in from the authenticated identity.
func forwardSignal(ctx context.Context, records *callrecord.Service, hub *relay.Hub, senderID string, env signal.Envelope) (signal.Envelope, error) {
	if env.SenderID != "" && env.SenderID != senderID {
		return env, fmt.Errorf("%w: senderId %q does not match caller", callrecord.ErrForbidden, env.SenderID)
	}
	env.SenderID = senderID
	if err := env.Validate(); err != nil {
		return env, err
	}

	rec, err := records.Get(ctx, senderID, env.CallID)
	if err != nil {
		return env, err
	}
	if peer := rec.PeerOf(senderID); env.ReceiverID != peer {
		return env, fmt.Errorf("%w: receiver is not the other party", callrecord.ErrForbidden)
	}
	if rec.Status.Terminal() {
		return env, fmt.Errorf("%w: call is %s", callrecord.ErrInvalidTransition, rec.Status)
	}

	if err := hub.Publish(ctx, env.ReceiverID, signal.SignalNotification(env)); err != nil {
		return env, err
	}
	return env, nil
}
