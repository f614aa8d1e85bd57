package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

const wsWriteWait = 1 * time.Second

// frameTypeError marks a server error frame on the inbox. Every other frame
// is a signal.Notification.
const frameTypeError = "error"

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	// Authenticate before upgrading so failures are plain HTTP 401s.
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.origins.CheckOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}

	ic := &inboxConn{
		srv:    s,
		conn:   conn,
		userID: userID,
		log:    s.log.With("user_id", userID, "remote_addr", r.RemoteAddr),
	}
	if !s.track(ic) {
		ic.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.untrack(ic)

	s.metrics.Inc(metrics.InboxConnections)
	ic.run(r.Context())
}

func (s *Server) track(ic *inboxConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inboxes[ic] = struct{}{}
	return true
}

func (s *Server) untrack(ic *inboxConn) {
	s.mu.Lock()
	if s.inboxes != nil {
		delete(s.inboxes, ic)
	}
	s.mu.Unlock()
}

// inboxConn is one user's inbox WebSocket. Notifications are written from the
// hub's delivery goroutine; envelopes are read on the handler goroutine.
type inboxConn struct {
	srv    *Server
	conn   *websocket.Conn
	userID string
	log    *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (ic *inboxConn) run(ctx context.Context) {
	defer ic.Close()

	ic.conn.SetReadLimit(ic.srv.maxMessageBytes)
	_ = ic.conn.SetReadDeadline(time.Now().Add(ic.srv.idleTimeout))
	ic.conn.SetPongHandler(func(string) error {
		return ic.conn.SetReadDeadline(time.Now().Add(ic.srv.idleTimeout))
	})

	unsubscribe, err := ic.srv.hub.Subscribe(ctx, ic.userID, func(n signal.Notification) {
		if err := ic.send(n); err != nil {
			ic.log.Debug("inbox write failed; closing", "err", err)
			ic.Close()
		}
	})
	if err != nil {
		ic.log.Warn("inbox subscribe failed", "err", err)
		e := apiError(err)
		ic.fail(e.Code, e.Message, websocket.CloseTryAgainLater, "inbox unavailable")
		return
	}
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	go ic.keepalive(done)

	for {
		msgType, data, err := ic.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				ic.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = ic.conn.SetReadDeadline(time.Now().Add(ic.srv.idleTimeout))

		// Rate limit after reading so the close frame isn't lost behind unread
		// bytes in the TCP receive buffer.
		if !ic.srv.limiter.Allow(ic.userID, 1) {
			ic.srv.metrics.Inc(metrics.DropReasonRateLimited)
			ic.fail(CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			ic.fail(CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := signal.ParseEnvelope(data)
		if err != nil {
			ic.srv.metrics.Inc(metrics.SignalsRejected)
			ic.fail(CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
		// A late candidate for a finished call is routine; report it and keep
		// the inbox open.
		if err := ic.srv.relaySignal(ctx, ic.userID, env); err != nil {
			e := apiError(err)
			_ = ic.sendError(e.Code, e.Message)
		}
	}
}

func (ic *inboxConn) keepalive(done <-chan struct{}) {
	t := time.NewTicker(ic.srv.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			ic.writeMu.Lock()
			err := ic.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			ic.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (ic *inboxConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	ic.writeMu.Lock()
	defer ic.writeMu.Unlock()
	_ = ic.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ic.conn.WriteMessage(websocket.TextMessage, data)
}

func (ic *inboxConn) sendError(code, message string) error {
	return ic.send(errorFrame{Type: frameTypeError, Code: code, Message: message})
}

func (ic *inboxConn) fail(code, message string, closeCode int, closeReason string) {
	_ = ic.sendError(code, message)
	ic.closeWith(closeCode, closeReason)
}

func (ic *inboxConn) closeWith(code int, reason string) {
	ic.writeMu.Lock()
	defer ic.writeMu.Unlock()
	_ = ic.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// shutdown is used by Server.Close.
func (ic *inboxConn) shutdown() {
	ic.closeWith(websocket.CloseGoingAway, "server shutting down")
	ic.Close()
}

func (ic *inboxConn) Close() {
	ic.closeOnce.Do(func() {
		_ = ic.conn.Close()
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
