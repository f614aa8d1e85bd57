package httpserver

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

// withTURNRESTCredentials stamps freshly issued credentials onto every server
// that carries a turn: or turns: URL. STUN entries pass through untouched.
func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.HasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

// turnSubject makes a user id safe to embed in a TURN REST username, which
// uses ':' as its field separator.
func turnSubject(userID string) string {
	return strings.ReplaceAll(userID, ":", "_")
}
