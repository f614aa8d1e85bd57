package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

const (
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultMaxMessageBytes      = 64 << 10
	DefaultMaxMessagesPerSecond = 50
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Records *callrecord.Service
	Hub     *relay.Hub

	// Auth resolves the calling identity. Nil trusts the X-User-ID header.
	Auth    auth.Authenticator
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Origins gates the inbox WebSocket upgrade.
	Origins origin.Policy

	IdleTimeout  time.Duration
	PingInterval time.Duration

	// MaxMessageBytes bounds request bodies and inbound inbox frames.
	MaxMessageBytes int64
	// MaxMessagesPerSecond is shared by POST /signal and inbox frames of one
	// identity.
	MaxMessagesPerSecond int
	Clock                ratelimit.Clock
}

// Server implements the call signaling HTTP/WebSocket surface.
//
// Endpoints:
//   - POST  /calls      : create a call (caller = identity)
//   - GET   /calls      : call history of the identity
//   - GET   /calls/{id} : one call record
//   - PATCH /calls/{id} : status change (accepted, rejected, ended)
//   - POST  /signal     : relay an offer/answer/candidate envelope
//   - GET   /inbox      : WebSocket push of notifications; also accepts envelopes
type Server struct {
	records *callrecord.Service
	hub     *relay.Hub
	auth    auth.Authenticator
	metrics *metrics.Metrics
	log     *slog.Logger
	origins origin.Policy

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	limiter         *ratelimit.Keyed

	mu      sync.Mutex
	closed  bool
	inboxes map[*inboxConn]struct{}
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Records == nil || cfg.Hub == nil {
		return nil, errors.New("signaling: Records and Hub are required")
	}
	if cfg.Auth == nil {
		cfg.Auth = auth.HeaderIdentity{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}

	return &Server{
		records:         cfg.Records,
		hub:             cfg.Hub,
		auth:            cfg.Auth,
		metrics:         cfg.Metrics,
		log:             cfg.Logger,
		origins:         cfg.Origins,
		idleTimeout:     cfg.IdleTimeout,
		pingInterval:    cfg.PingInterval,
		maxMessageBytes: cfg.MaxMessageBytes,
		limiter: ratelimit.NewKeyed(ratelimit.KeyedConfig{
			Clock: cfg.Clock,
			Rate:  int64(cfg.MaxMessagesPerSecond),
		}),
		inboxes: make(map[*inboxConn]struct{}),
	}, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /calls", s.handleCreateCall)
	mux.HandleFunc("GET /calls", s.handleHistory)
	mux.HandleFunc("GET /calls/{id}", s.handleGetCall)
	mux.HandleFunc("PATCH /calls/{id}", s.handleUpdateCall)
	mux.HandleFunc("POST /signal", s.handleSignal)
	mux.HandleFunc("GET /inbox", s.handleInbox)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close drops every open inbox and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	inboxes := make([]*inboxConn, 0, len(s.inboxes))
	for ic := range s.inboxes {
		inboxes = append(inboxes, ic)
	}
	s.inboxes = nil
	s.mu.Unlock()

	for _, ic := range inboxes {
		ic.shutdown()
	}
}

// OpenInboxes reports how many inbox WebSockets are connected.
func (s *Server) OpenInboxes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inboxes)
}

type createCallRequest struct {
	ReceiverID string `json:"receiverId"`
	MediaKind  string `json:"mediaKind"`
}

type updateCallRequest struct {
	Status string `json:"status"`
}

type historyResponse struct {
	Calls []callrecord.Record `json:"calls"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req createCallRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	kind, err := callrecord.ParseMediaKind(req.MediaKind)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", callrecord.ErrInvalidRecord, err))
		return
	}

	rec, err := s.records.CreateCall(r.Context(), userID, req.ReceiverID, kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.Inc(metrics.CallsCreated)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, CodeBadMessage, "limit must be a positive integer")
			return
		}
		limit = n
	}

	calls, err := s.records.History(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if calls == nil {
		calls = []callrecord.Record{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Calls: calls})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	rec, err := s.records.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateCall(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req updateCallRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := callrecord.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", callrecord.ErrInvalidRecord, err))
		return
	}

	rec, err := s.records.UpdateStatus(r.Context(), userID, r.PathValue("id"), status)
	if err != nil {
		if errors.Is(err, callrecord.ErrInvalidTransition) {
			s.metrics.Inc(metrics.CallStatusConflicts)
		}
		s.writeError(w, r, err)
		return
	}
	s.metrics.Inc(metrics.CallStatusUpdates)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if ok, wait := s.limiter.Reserve(userID, 1); !ok {
		s.metrics.Inc(metrics.DropReasonRateLimited)
		if wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		s.writeError(w, r, ErrRateLimited)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, CodeBadMessage, err.Error())
		return
	}
	env, err := signal.ParseEnvelope(body)
	if err != nil {
		s.metrics.Inc(metrics.SignalsRejected)
		s.writeError(w, r, err)
		return
	}
	if err := s.relaySignal(r.Context(), userID, env); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) relaySignal(ctx context.Context, userID string, env signal.Envelope) error {
	env, err := forwardSignal(ctx, s.records, s.hub, userID, env)
	if err != nil {
		s.metrics.Inc(metrics.SignalsRejected)
		s.log.Debug("signal rejected", "call_id", env.CallID, "sender_id", userID, "kind", env.Kind, "err", err)
		return err
	}
	s.metrics.Inc(metrics.SignalsRelayed)
	return nil
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		s.writeError(w, r, err)
		return "", false
	}
	return userID, true
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", signal.ErrInvalidSignal, err)
	}
	if err := decodeStrictJSON(body, v); err != nil {
		return fmt.Errorf("%w: %v", signal.ErrInvalidSignal, err)
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apiError(err)
	if e.Status >= http.StatusInternalServerError {
		s.log.Warn("signaling request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSONError(w, e.Status, e.Code, e.Message)
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpErrorResponse{Code: code, Message: message})
}

func decodeStrictJSON(data []byte, v any) error {
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
