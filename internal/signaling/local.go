package signaling

import (
	"context"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

// Local acts for UserID directly against a record service and hub in the
// same process, with the same checks the Server applies.
type Local struct {
	UserID  string
	Records *callrecord.Service
	Hub     *relay.Hub
}

func (l Local) CreateCall(ctx context.Context, receiverID string, kind callrecord.MediaKind) (callrecord.Record, error) {
	return l.Records.CreateCall(ctx, l.UserID, receiverID, kind)
}

func (l Local) UpdateCallStatus(ctx context.Context, callID string, status callrecord.Status) error {
	_, err := l.Records.UpdateStatus(ctx, l.UserID, callID, status)
	return err
}

func (l Local) Send(ctx context.Context, env signal.Envelope) error {
	_, err := forwardSignal(ctx, l.Records, l.Hub, l.UserID, env)
	return err
}

func (l Local) Subscribe(ctx context.Context, localID string, fn func(signal.Notification)) (func(), error) {
	if localID != l.UserID {
		return nil, fmt.Errorf("%w: cannot open inbox of %q", callrecord.ErrForbidden, localID)
	}
	return l.Hub.Subscribe(ctx, localID, fn)
}
