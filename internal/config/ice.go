package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

var (
	errNoURLs         = errors.New("missing urls")
	errTURNUsername   = errors.New("turn urls require username")
	errTURNCredential = errors.New("turn urls require credential")
)

// iceEntry is one server as written by an operator, before it becomes a
// webrtc.ICEServer. "urls" may be a single string or a list, matching the
// browser RTCIceServer dictionary.
type iceEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if json.Unmarshal(b, &one) == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("urls: %w", err)
	}
	*l = many
	return nil
}

// server trims the entry and checks it. TURN URLs need a username and
// credential unless credentials are minted per request (TURN REST).
func (e iceEntry) server(credsInjected bool) (webrtc.ICEServer, error) {
	var out webrtc.ICEServer
	turn := false
	for _, raw := range e.URLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		scheme, _, _ := strings.Cut(u, ":")
		switch scheme {
		case "turn", "turns":
			turn = true
		case "stun", "stuns":
		default:
			return out, fmt.Errorf("unsupported url scheme: %q", u)
		}
		out.URLs = append(out.URLs, u)
	}
	if len(out.URLs) == 0 {
		return out, errNoURLs
	}

	out.Username = strings.TrimSpace(e.Username)
	if cred := strings.TrimSpace(e.Credential); cred != "" {
		out.Credential = cred
	}
	if turn && !credsInjected {
		if out.Username == "" {
			return out, errTURNUsername
		}
		if out.Credential == nil {
			return out, errTURNCredential
		}
	}
	return out, nil
}

// parseICEServersFromValues resolves the ICE list. The JSON form wins over
// the convenience variables. With nothing configured the public STUN pair in
// DefaultSTUNURLs is used.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, allowTURNWithoutCreds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	servers, err := ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, allowTURNWithoutCreds)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: append([]string(nil), DefaultSTUNURLs...)}}
	}
	return servers, nil
}

// ParseICEServersJSON parses an RTCIceServer-shaped JSON array.
//
// allowTURNWithoutCreds is set when TURN REST issues credentials per request.
func ParseICEServersJSON(raw string, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	var entries []iceEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		s, err := e.server(allowTURNWithoutCreds)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds at most two servers (one STUN, one
// TURN) from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	var out []webrtc.ICEServer

	if list := splitCommaSeparated(stunURLs); len(list) > 0 {
		s, err := iceEntry{URLs: list}.server(allowTURNWithoutCreds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		out = append(out, s)
	}

	if list := splitCommaSeparated(turnURLs); len(list) > 0 {
		s, err := iceEntry{URLs: list, Username: turnUsername, Credential: turnCredential}.server(allowTURNWithoutCreds)
		switch {
		case errors.Is(err, errTURNUsername), errors.Is(err, errTURNCredential):
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		case err != nil:
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// HasTURNURL reports whether any of the server's URLs is turn: or turns:.
func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		scheme, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), ":")
		if scheme == "turn" || scheme == "turns" {
			return true
		}
	}
	return false
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
