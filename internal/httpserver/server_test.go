package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/turnrest"
)

func startTestServer(t *testing.T, cfg config.Config, configure ...func(*Server)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build)
	for _, fn := range configure {
		fn(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func devConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func getJSON(t *testing.T, req *http.Request, wantStatus int, out any) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s status=%d, want %d (body=%s)", req.URL.Path, resp.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func newRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, devConfig())

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		getJSON(t, newRequest(t, http.MethodGet, baseURL+"/healthz"), http.StatusOK, &body)
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		getJSON(t, newRequest(t, http.MethodGet, baseURL+"/readyz"), http.StatusOK, nil)
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		resp := getJSON(t, newRequest(t, http.MethodGet, baseURL+"/version"), http.StatusOK, &got)
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID response header")
		}
	})
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := devConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg)

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	getJSON(t, newRequest(t, http.MethodGet, baseURL+"/webrtc/ice"), http.StatusOK, &payload)
	if len(payload.ICEServers) != 2 {
		t.Fatalf("iceServers=%d, want 2", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
	if got := payload.ICEServers[1]["username"]; got != "user" {
		t.Fatalf("static TURN username=%v, want user", got)
	}
}

func TestICEEndpoint_IssuesTURNRESTCredentials(t *testing.T) {
	cfg := devConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turns:turn.example.com:5349"}},
	}
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: "s3cret", TTLSeconds: 600, UsernamePrefix: "aero"}
	baseURL := startTestServer(t, cfg, func(s *Server) { s.SetAuthenticator(auth.HeaderIdentity{}) })

	req := newRequest(t, http.MethodGet, baseURL+"/webrtc/ice")
	req.Header.Set(auth.HeaderUserID, "alice")
	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	resp := getJSON(t, req, http.StatusOK, &payload)
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", got)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("iceServers=%d, want 2", len(payload.ICEServers))
	}
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("stun server got credentials: %+v", payload.ICEServers[0])
	}
	turn := payload.ICEServers[1]
	if !strings.HasSuffix(turn.Username, ":aero:alice") {
		t.Fatalf("turn username=%q, want suffix :aero:alice", turn.Username)
	}
	if want := turnrest.Sign([]byte("s3cret"), turn.Username); turn.Credential != want {
		t.Fatalf("turn credential=%q, want %q", turn.Credential, want)
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := devConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	baseURL := startTestServer(t, cfg)

	req := newRequest(t, http.MethodGet, baseURL+"/webrtc/ice")
	req.Header.Set("Origin", "https://evil.example.com")
	getJSON(t, req, http.StatusForbidden, nil)
}

func TestCORSPreflightForAllowedOrigin(t *testing.T) {
	cfg := devConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg)

	req := newRequest(t, http.MethodOptions, baseURL+"/calls")
	req.Header.Set("Origin", "https://app.example.com:443")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type,x-user-id")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "content-type,x-user-id" {
		t.Fatalf("Access-Control-Allow-Headers=%q", got)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg)
	getJSON(t, newRequest(t, http.MethodGet, baseURL+"/readyz"), http.StatusServiceUnavailable, nil)
	getJSON(t, newRequest(t, http.MethodGet, baseURL+"/webrtc/ice"), http.StatusServiceUnavailable, nil)
}

func TestReadyzReportsFailingDependency(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	baseURL := startTestServer(t, devConfig(), func(s *Server) {
		s.AddReadinessCheck("store", func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("connection refused")
		})
	})

	getJSON(t, newRequest(t, http.MethodGet, baseURL+"/readyz"), http.StatusOK, nil)

	healthy.Store(false)
	var body map[string]any
	getJSON(t, newRequest(t, http.MethodGet, baseURL+"/readyz"), http.StatusServiceUnavailable, &body)
	if msg, _ := body["error"].(string); !strings.Contains(msg, "store: connection refused") {
		t.Fatalf("error=%q, want store failure", msg)
	}
}
