// Package signal defines the wire messages exchanged between call parties and
// the signaling server: negotiation envelopes and inbox notifications.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

func (k Kind) valid() bool {
	return k == KindOffer || k == KindAnswer || k == KindCandidate
}

// Envelope carries one negotiation message from sender to receiver for a
// call. Payload is opaque to the relay.
type Envelope struct {
	CallID     string          `json:"callId"`
	SenderID   string          `json:"senderId"`
	ReceiverID string          `json:"receiverId"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.CallID) == "" {
		return fmt.Errorf("%w: missing callId", ErrInvalidSignal)
	}
	if strings.TrimSpace(e.ReceiverID) == "" {
		return fmt.Errorf("%w: missing receiverId", ErrInvalidSignal)
	}
	if !e.Kind.valid() {
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidSignal, e.Kind)
	}
	if p := bytes.TrimSpace(e.Payload); len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return fmt.Errorf("%w: missing payload", ErrInvalidSignal)
	}
	return nil
}

type NotificationType string

const (
	NotificationIncomingCall NotificationType = "incoming_call"
	NotificationCallStatus   NotificationType = "call_status"
	NotificationSignal       NotificationType = "signal"
)

type IncomingCall struct {
	CallID    string               `json:"callId"`
	MediaKind callrecord.MediaKind `json:"mediaKind"`
	CallerID  string               `json:"callerId"`
}

type CallStatus struct {
	CallID string            `json:"callId"`
	Status callrecord.Status `json:"status"`
}

// Notification is one inbox message. Exactly one payload field is set,
// matching Type.
type Notification struct {
	Type         NotificationType `json:"type"`
	IncomingCall *IncomingCall    `json:"incomingCall,omitempty"`
	CallStatus   *CallStatus      `json:"callStatus,omitempty"`
	Signal       *Envelope        `json:"signal,omitempty"`
}

func IncomingCallNotification(r callrecord.Record) Notification {
	return Notification{
		Type: NotificationIncomingCall,
		IncomingCall: &IncomingCall{
			CallID:    r.ID,
			MediaKind: r.MediaKind,
			CallerID:  r.CallerID,
		},
	}
}

func CallStatusNotification(r callrecord.Record) Notification {
	return Notification{
		Type:       NotificationCallStatus,
		CallStatus: &CallStatus{CallID: r.ID, Status: r.Status},
	}
}

func SignalNotification(env Envelope) Notification {
	return Notification{Type: NotificationSignal, Signal: &env}
}

func (n Notification) Validate() error {
	switch n.Type {
	case NotificationIncomingCall:
		if n.IncomingCall == nil || n.CallStatus != nil || n.Signal != nil {
			return fmt.Errorf("%w: malformed %s notification", ErrInvalidSignal, n.Type)
		}
		if n.IncomingCall.CallID == "" || n.IncomingCall.CallerID == "" {
			return fmt.Errorf("%w: incoming call missing callId/callerId", ErrInvalidSignal)
		}
	case NotificationCallStatus:
		if n.CallStatus == nil || n.IncomingCall != nil || n.Signal != nil {
			return fmt.Errorf("%w: malformed %s notification", ErrInvalidSignal, n.Type)
		}
		if n.CallStatus.CallID == "" || n.CallStatus.Status == "" {
			return fmt.Errorf("%w: call status missing callId/status", ErrInvalidSignal)
		}
	case NotificationSignal:
		if n.Signal == nil || n.IncomingCall != nil || n.CallStatus != nil {
			return fmt.Errorf("%w: malformed %s notification", ErrInvalidSignal, n.Type)
		}
		return n.Signal.Validate()
	default:
		return fmt.Errorf("%w: unsupported notification type %q", ErrInvalidSignal, n.Type)
	}
	return nil
}

// ParseNotification strictly decodes one notification: unknown fields and
// trailing data are rejected.
func ParseNotification(data []byte) (Notification, error) {
	var n Notification
	if err := decodeStrict(data, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// ParseEnvelope strictly decodes one envelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
