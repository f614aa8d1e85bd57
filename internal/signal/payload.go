package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/pion/webrtc/v4"
)

// maxPayloadNesting bounds how many string/object wrappers are unwrapped
// while normalizing a payload.
const maxPayloadNesting = 4

// SDP is the canonical session description payload.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch strings.ToLower(s.Type) {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unsupported sdp type %q", ErrInvalidSignal, s.Type)
	}
	if strings.TrimSpace(s.SDP) == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: empty sdp", ErrInvalidSignal)
	}
	desc := webrtc.SessionDescription{Type: t, SDP: s.SDP}
	if _, err := desc.Unmarshal(); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: malformed sdp: %v", ErrInvalidSignal, err)
	}
	return desc, nil
}

// Candidate is the canonical ICE candidate payload.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// DescriptionPayload encodes desc in the canonical {type, sdp} shape.
func DescriptionPayload(desc webrtc.SessionDescription) json.RawMessage {
	b, _ := json.Marshal(SDPFromPion(desc))
	return b
}

// CandidatePayload encodes init in the canonical candidate shape.
func CandidatePayload(init webrtc.ICECandidateInit) json.RawMessage {
	b, _ := json.Marshal(CandidateFromPion(init))
	return b
}

// NormalizeDescription converts a transport-supplied session description
// into a pion description of the type implied by kind.
//
// Accepted shapes: raw JSON bytes, a JSON string holding JSON, bare SDP
// text, {type, sdp}, {sdp: {type, sdp}}, and SDP or webrtc.SessionDescription
// values. A stated type that disagrees with kind is rejected.
func NormalizeDescription(kind Kind, v any) (webrtc.SessionDescription, error) {
	var want webrtc.SDPType
	switch kind {
	case KindOffer:
		want = webrtc.SDPTypeOffer
	case KindAnswer:
		want = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %q is not a session description kind", ErrInvalidSignal, kind)
	}

	desc, err := normalizeDescription(want, v, 0)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if desc.Type != want {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: sdp type %q in %s envelope", ErrInvalidSignal, desc.Type, kind)
	}
	return desc, nil
}

func normalizeDescription(want webrtc.SDPType, v any, depth int) (webrtc.SessionDescription, error) {
	if depth > maxPayloadNesting {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: payload nested too deeply", ErrInvalidSignal)
	}

	switch p := v.(type) {
	case webrtc.SessionDescription:
		if p.Type == 0 {
			p.Type = want
		}
		return SDP{Type: p.Type.String(), SDP: p.SDP}.ToPion()
	case *webrtc.SessionDescription:
		if p == nil {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: nil description", ErrInvalidSignal)
		}
		return normalizeDescription(want, *p, depth+1)
	case SDP:
		if p.Type == "" {
			p.Type = want.String()
		}
		return p.ToPion()
	case *SDP:
		if p == nil {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: nil description", ErrInvalidSignal)
		}
		return normalizeDescription(want, *p, depth+1)
	case json.RawMessage:
		return normalizeDescription(want, []byte(p), depth+1)
	case []byte:
		var decoded any
		if err := json.Unmarshal(p, &decoded); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
		}
		return normalizeDescription(want, decoded, depth+1)
	case string:
		s := strings.TrimSpace(p)
		if strings.HasPrefix(s, "{") || strings.HasPrefix(s, `"`) {
			return normalizeDescription(want, []byte(s), depth+1)
		}
		if strings.HasPrefix(s, "v=") {
			return SDP{Type: want.String(), SDP: p}.ToPion()
		}
		return webrtc.SessionDescription{}, fmt.Errorf("%w: string payload is neither JSON nor SDP", ErrInvalidSignal)
	case map[string]any:
		inner, ok := p["sdp"]
		if !ok {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: missing sdp field", ErrInvalidSignal)
		}
		if nested, ok := inner.(map[string]any); ok {
			return normalizeDescription(want, nested, depth+1)
		}
		text, ok := inner.(string)
		if !ok {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: sdp field has type %T", ErrInvalidSignal, inner)
		}
		if nested := strings.TrimSpace(text); strings.HasPrefix(nested, "{") {
			return normalizeDescription(want, nested, depth+1)
		}
		typ := want.String()
		if raw, ok := p["type"]; ok {
			s, ok := raw.(string)
			if !ok {
				return webrtc.SessionDescription{}, fmt.Errorf("%w: type field has type %T", ErrInvalidSignal, raw)
			}
			typ = s
		}
		return SDP{Type: typ, SDP: text}.ToPion()
	case nil:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: empty description", ErrInvalidSignal)
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unsupported description payload %T", ErrInvalidSignal, v)
	}
}

// NormalizeCandidate converts a transport-supplied ICE candidate into a pion
// candidate init. It accepts the same wrappers as NormalizeDescription,
// {candidate: {...}} nesting, and a bare "candidate:..." line. An empty
// candidate string (end of candidates) is returned as-is.
func NormalizeCandidate(v any) (webrtc.ICECandidateInit, error) {
	return normalizeCandidate(v, 0)
}

func normalizeCandidate(v any, depth int) (webrtc.ICECandidateInit, error) {
	if depth > maxPayloadNesting {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: payload nested too deeply", ErrInvalidSignal)
	}

	switch p := v.(type) {
	case webrtc.ICECandidateInit:
		return p, nil
	case *webrtc.ICECandidateInit:
		if p == nil {
			return webrtc.ICECandidateInit{}, fmt.Errorf("%w: nil candidate", ErrInvalidSignal)
		}
		return *p, nil
	case Candidate:
		return p.ToPion(), nil
	case *Candidate:
		if p == nil {
			return webrtc.ICECandidateInit{}, fmt.Errorf("%w: nil candidate", ErrInvalidSignal)
		}
		return p.ToPion(), nil
	case json.RawMessage:
		return normalizeCandidate([]byte(p), depth+1)
	case []byte:
		dec := json.NewDecoder(bytes.NewReader(p))
		dec.UseNumber()
		var decoded any
		if err := dec.Decode(&decoded); err != nil {
			return webrtc.ICECandidateInit{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
		}
		return normalizeCandidate(decoded, depth+1)
	case string:
		s := strings.TrimSpace(p)
		if strings.HasPrefix(s, "{") || strings.HasPrefix(s, `"`) {
			return normalizeCandidate([]byte(s), depth+1)
		}
		if s == "" || strings.HasPrefix(s, "candidate:") {
			return webrtc.ICECandidateInit{Candidate: s}, nil
		}
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: string payload is neither JSON nor a candidate line", ErrInvalidSignal)
	case map[string]any:
		inner, ok := p["candidate"]
		if !ok {
			return webrtc.ICECandidateInit{}, fmt.Errorf("%w: missing candidate field", ErrInvalidSignal)
		}
		if nested, ok := inner.(map[string]any); ok {
			return normalizeCandidate(nested, depth+1)
		}
		line, ok := inner.(string)
		if !ok {
			return webrtc.ICECandidateInit{}, fmt.Errorf("%w: candidate field has type %T", ErrInvalidSignal, inner)
		}
		out := webrtc.ICECandidateInit{Candidate: line}
		if mid, ok := p["sdpMid"].(string); ok {
			out.SDPMid = &mid
		}
		if raw, ok := p["sdpMLineIndex"]; ok && raw != nil {
			idx, err := mLineIndex(raw)
			if err != nil {
				return webrtc.ICECandidateInit{}, err
			}
			out.SDPMLineIndex = &idx
		}
		if ufrag, ok := p["usernameFragment"].(string); ok {
			out.UsernameFragment = &ufrag
		}
		return out, nil
	case nil:
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: empty candidate", ErrInvalidSignal)
	default:
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: unsupported candidate payload %T", ErrInvalidSignal, v)
	}
}

func mLineIndex(raw any) (uint16, error) {
	var f float64
	switch n := raw.(type) {
	case json.Number:
		v, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: sdpMLineIndex %q", ErrInvalidSignal, n)
		}
		f = v
	case float64:
		f = n
	default:
		return 0, fmt.Errorf("%w: sdpMLineIndex has type %T", ErrInvalidSignal, raw)
	}
	if f < 0 || f > math.MaxUint16 || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: sdpMLineIndex %v out of range", ErrInvalidSignal, f)
	}
	return uint16(f), nil
}
