package signal

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"callId":"c1","senderId":"a","receiverId":"b","kind":"candidate","payload":{"candidate":""}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Kind != KindCandidate || env.CallID != "c1" {
		t.Fatalf("env=%+v", env)
	}

	for _, raw := range []string{
		`{"callId":"c1","receiverId":"b","kind":"candidate","payload":{},"extra":1}`,
		`{"callId":"c1","receiverId":"b","kind":"bye","payload":{}}`,
		`{"callId":"","receiverId":"b","kind":"offer","payload":{}}`,
		`{"callId":"c1","receiverId":"b","kind":"offer"}`,
		`{"callId":"c1","receiverId":"b","kind":"offer","payload":{}} {}`,
	} {
		if _, err := ParseEnvelope([]byte(raw)); !errors.Is(err, ErrInvalidSignal) {
			t.Fatalf("ParseEnvelope(%s) err=%v, want %v", raw, err, ErrInvalidSignal)
		}
	}
}

func TestNotificationRoundTripThroughParse(t *testing.T) {
	rec := callrecord.Record{ID: "c1", CallerID: "a", ReceiverID: "b", MediaKind: callrecord.MediaVideo, Status: callrecord.StatusRinging}

	b, err := json.Marshal(IncomingCallNotification(rec))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	n, err := ParseNotification(b)
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if n.IncomingCall == nil || n.IncomingCall.CallerID != "a" || n.IncomingCall.MediaKind != callrecord.MediaVideo {
		t.Fatalf("incoming=%+v", n.IncomingCall)
	}
}

func TestNotificationValidate_RejectsMismatchedPayload(t *testing.T) {
	n := Notification{Type: NotificationCallStatus, IncomingCall: &IncomingCall{CallID: "c1", CallerID: "a"}}
	if err := n.Validate(); !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidSignal)
	}
}
