package signal

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

const testOfferSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func TestNormalizeDescription_Shapes(t *testing.T) {
	canonical, _ := json.Marshal(SDP{Type: "offer", SDP: testOfferSDP})
	doubleEncoded, _ := json.Marshal(string(canonical))
	nested, _ := json.Marshal(map[string]any{
		"type": "offer",
		"sdp":  map[string]any{"type": "offer", "sdp": testOfferSDP},
	})
	bareText, _ := json.Marshal(testOfferSDP)

	cases := []struct {
		name string
		in   any
	}{
		{name: "canonical raw json", in: json.RawMessage(canonical)},
		{name: "double encoded string", in: json.RawMessage(doubleEncoded)},
		{name: "nested object", in: json.RawMessage(nested)},
		{name: "json string of bare sdp", in: json.RawMessage(bareText)},
		{name: "go string json", in: string(canonical)},
		{name: "go string bare sdp", in: testOfferSDP},
		{name: "pre-typed pion", in: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testOfferSDP}},
		{name: "pre-typed pion pointer", in: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testOfferSDP}},
		{name: "pre-typed wire", in: SDP{Type: "offer", SDP: testOfferSDP}},
		{name: "decoded map", in: map[string]any{"type": "offer", "sdp": testOfferSDP}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeDescription(KindOffer, tc.in)
			if err != nil {
				t.Fatalf("NormalizeDescription: %v", err)
			}
			if got.Type != webrtc.SDPTypeOffer {
				t.Fatalf("type=%v, want offer", got.Type)
			}
			if got.SDP != testOfferSDP {
				t.Fatalf("sdp=%q, want %q", got.SDP, testOfferSDP)
			}
		})
	}
}

func TestNormalizeDescription_Rejects(t *testing.T) {
	answer, _ := json.Marshal(SDP{Type: "answer", SDP: testOfferSDP})

	cases := []struct {
		name string
		kind Kind
		in   any
	}{
		{name: "not json", kind: KindOffer, in: json.RawMessage(`{not json`)},
		{name: "type mismatch", kind: KindOffer, in: json.RawMessage(answer)},
		{name: "missing sdp", kind: KindOffer, in: json.RawMessage(`{"type":"offer"}`)},
		{name: "empty sdp", kind: KindOffer, in: json.RawMessage(`{"type":"offer","sdp":""}`)},
		{name: "unparseable sdp", kind: KindOffer, in: json.RawMessage(`{"type":"offer","sdp":"this is not sdp"}`)},
		{name: "unparseable pre-typed", kind: KindAnswer, in: SDP{Type: "answer", SDP: "v=0\r\nbogus line\r\n"}},
		{name: "number", kind: KindOffer, in: json.RawMessage(`42`)},
		{name: "garbage string", kind: KindAnswer, in: "hello"},
		{name: "nil", kind: KindAnswer, in: nil},
		{name: "candidate kind", kind: KindCandidate, in: testOfferSDP},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NormalizeDescription(tc.kind, tc.in); !errors.Is(err, ErrInvalidSignal) {
				t.Fatalf("err=%v, want %v", err, ErrInvalidSignal)
			}
		})
	}
}

func TestNormalizeDescription_DeepNestingRejected(t *testing.T) {
	payload, _ := json.Marshal(SDP{Type: "offer", SDP: testOfferSDP})
	for i := 0; i < 8; i++ {
		payload, _ = json.Marshal(string(payload))
	}
	if _, err := NormalizeDescription(KindOffer, json.RawMessage(payload)); !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidSignal)
	}
}

func TestNormalizeCandidate_Shapes(t *testing.T) {
	const line = "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"
	mid := "0"
	var idx uint16 = 0

	canonical := CandidatePayload(webrtc.ICECandidateInit{Candidate: line, SDPMid: &mid, SDPMLineIndex: &idx})
	nested, _ := json.Marshal(map[string]any{
		"type":      "candidate",
		"candidate": map[string]any{"candidate": line, "sdpMid": "0", "sdpMLineIndex": 0},
	})
	doubleEncoded, _ := json.Marshal(string(canonical))

	cases := []struct {
		name    string
		in      any
		wantMid bool
	}{
		{name: "canonical", in: canonical, wantMid: true},
		{name: "nested", in: json.RawMessage(nested), wantMid: true},
		{name: "double encoded", in: json.RawMessage(doubleEncoded), wantMid: true},
		{name: "bare line", in: line},
		{name: "pre-typed", in: webrtc.ICECandidateInit{Candidate: line, SDPMid: &mid}, wantMid: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeCandidate(tc.in)
			if err != nil {
				t.Fatalf("NormalizeCandidate: %v", err)
			}
			if got.Candidate != line {
				t.Fatalf("candidate=%q, want %q", got.Candidate, line)
			}
			if tc.wantMid && (got.SDPMid == nil || *got.SDPMid != "0") {
				t.Fatalf("sdpMid=%v, want 0", got.SDPMid)
			}
		})
	}
}

func TestNormalizeCandidate_EndOfCandidates(t *testing.T) {
	got, err := NormalizeCandidate(json.RawMessage(`{"candidate":""}`))
	if err != nil {
		t.Fatalf("NormalizeCandidate: %v", err)
	}
	if got.Candidate != "" {
		t.Fatalf("candidate=%q, want empty", got.Candidate)
	}
}

func TestNormalizeCandidate_Rejects(t *testing.T) {
	for _, in := range []any{
		json.RawMessage(`{"sdpMid":"0"}`),
		json.RawMessage(`{"candidate":"candidate:1","sdpMLineIndex":-1}`),
		json.RawMessage(`{"candidate":"candidate:1","sdpMLineIndex":1.5}`),
		json.RawMessage(`[1,2]`),
		"not a candidate",
	} {
		if _, err := NormalizeCandidate(in); !errors.Is(err, ErrInvalidSignal) {
			t.Fatalf("NormalizeCandidate(%v) err=%v, want %v", in, err, ErrInvalidSignal)
		}
	}
}
