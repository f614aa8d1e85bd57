package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

const (
	maxResponseBytes = 1 << 20

	DefaultReconnectAttempts = 5
	DefaultReconnectBackoff  = 250 * time.Millisecond
)

type ClientConfig struct {
	// BaseURL is the http(s) root the Server's routes are mounted on.
	BaseURL string

	// Credentials; set the ones the server's auth mode needs. UserID goes in
	// X-User-ID, APIKey in X-API-Key and Token as a bearer token.
	UserID string
	APIKey string
	Token  string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger

	// ReconnectAttempts bounds inbox redials after a dropped connection;
	// negative disables redialing.
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	// OnInboxLost runs once when a subscription's inbox cannot be recovered.
	OnInboxLost func(error)
}

// Client talks to a remote Server on behalf of one user. It satisfies the
// record service and relay interfaces of the session package.
type Client struct {
	base   *url.URL
	header http.Header
	http   *http.Client
	dialer *websocket.Dialer
	log    *slog.Logger

	reconnectAttempts int
	reconnectBackoff  time.Duration
	onLost            func(error)
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("signaling: base url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("signaling: base url %q must be http(s)://host", cfg.BaseURL)
	}

	header := http.Header{}
	if cfg.UserID != "" {
		header.Set(auth.HeaderUserID, cfg.UserID)
	}
	if cfg.APIKey != "" {
		header.Set(auth.HeaderAPIKey, cfg.APIKey)
	}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch {
	case cfg.ReconnectAttempts == 0:
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	case cfg.ReconnectAttempts < 0:
		cfg.ReconnectAttempts = 0
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	return &Client{
		base:              base,
		header:            header,
		http:              cfg.HTTPClient,
		dialer:            cfg.Dialer,
		log:               cfg.Logger,
		reconnectAttempts: cfg.ReconnectAttempts,
		reconnectBackoff:  cfg.ReconnectBackoff,
		onLost:            cfg.OnInboxLost,
	}, nil
}

func (c *Client) CreateCall(ctx context.Context, receiverID string, kind callrecord.MediaKind) (callrecord.Record, error) {
	var rec callrecord.Record
	err := c.do(ctx, http.MethodPost, c.base.JoinPath("calls"), createCallRequest{
		ReceiverID: receiverID,
		MediaKind:  string(kind),
	}, &rec, http.StatusCreated)
	return rec, err
}

func (c *Client) UpdateCallStatus(ctx context.Context, callID string, status callrecord.Status) error {
	return c.do(ctx, http.MethodPatch, c.base.JoinPath("calls", callID), updateCallRequest{Status: string(status)}, nil, http.StatusOK)
}

func (c *Client) GetCall(ctx context.Context, callID string) (callrecord.Record, error) {
	var rec callrecord.Record
	err := c.do(ctx, http.MethodGet, c.base.JoinPath("calls", callID), nil, &rec, http.StatusOK)
	return rec, err
}

// History lists the newest calls of this user. limit <= 0 uses the server
// default.
func (c *Client) History(ctx context.Context, limit int) ([]callrecord.Record, error) {
	u := c.base.JoinPath("calls")
	if limit > 0 {
		u.RawQuery = url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Calls, nil
}

// ICEServers fetches the ICE configuration the server hands to browsers,
// including per-request TURN REST credentials when enabled.
func (c *Client) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var resp struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := c.do(ctx, http.MethodGet, c.base.JoinPath("webrtc", "ice"), nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.ICEServers, nil
}

// Send relays env through POST /signal.
func (c *Client) Send(ctx context.Context, env signal.Envelope) error {
	return c.do(ctx, http.MethodPost, c.base.JoinPath("signal"), env, nil, http.StatusAccepted)
}

// Subscribe opens the inbox WebSocket. fn runs on the reader goroutine, one
// notification at a time. The identity is the one the credentials resolve
// to; localID only labels logs.
//
// A dropped connection is redialed up to ReconnectAttempts times, the n-th
// redial waiting n*ReconnectBackoff. Notifications sent while disconnected
// are lost. When redialing gives up, OnInboxLost receives an error wrapping
// ErrInboxLost.
func (c *Client) Subscribe(ctx context.Context, localID string, fn func(signal.Notification)) (func(), error) {
	conn, err := c.dialInbox(ctx)
	if err != nil {
		return nil, err
	}

	log := c.log.With("local_id", localID)
	dialCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &inboxSub{conn: conn}
	go func() {
		defer cancel()
		for {
			conn := sub.current()
			err := c.readInbox(log, conn, fn)
			_ = conn.Close()
			if dialCtx.Err() != nil {
				return
			}
			log.Warn("inbox connection lost", "err", err)
			next, rerr := c.redialInbox(dialCtx, log, err)
			if rerr != nil {
				if dialCtx.Err() != nil {
					return
				}
				lost := fmt.Errorf("%w: %w", ErrInboxLost, rerr)
				log.Error("giving up on inbox", "err", lost)
				if c.onLost != nil {
					c.onLost(lost)
				}
				return
			}
			if !sub.swap(next) {
				_ = next.Close()
				return
			}
			log.Info("inbox reconnected")
		}
	}()

	return func() {
		cancel()
		sub.close()
	}, nil
}

// inboxSub owns the live connection of one subscription across redials.
type inboxSub struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *inboxSub) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// swap installs a redialed connection. It reports false once closed.
func (s *inboxSub) swap(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

func (s *inboxSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	_ = s.conn.Close()
}

func (c *Client) dialInbox(ctx context.Context) (*websocket.Conn, error) {
	u := *c.base.JoinPath("inbox")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), c.header.Clone())
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			return nil, decodeError(resp.StatusCode, data)
		}
		return nil, fmt.Errorf("dial inbox: %w", err)
	}
	return conn, nil
}

// redialInbox retries the inbox dial. Auth and permission answers stop it
// early since repeating the request cannot change them.
func (c *Client) redialInbox(ctx context.Context, log *slog.Logger, err error) (*websocket.Conn, error) {
	for attempt := 1; attempt <= c.reconnectAttempts; attempt++ {
		t := time.NewTimer(time.Duration(attempt) * c.reconnectBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		var conn *websocket.Conn
		if conn, err = c.dialInbox(ctx); err == nil {
			return conn, nil
		}
		log.Debug("inbox redial failed", "attempt", attempt, "err", err)
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, callrecord.ErrForbidden) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d redials: %w", c.reconnectAttempts, err)
}

func (c *Client) readInbox(log *slog.Logger, conn *websocket.Conn, fn func(signal.Notification)) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatchFrame(log, data, fn)
	}
}

func (c *Client) dispatchFrame(log *slog.Logger, data []byte, fn func(signal.Notification)) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err == nil && head.Type == frameTypeError {
		var frame errorFrame
		_ = json.Unmarshal(data, &frame)
		log.Warn("inbox error", "code", frame.Code, "message", frame.Message)
		return
	}
	n, err := signal.ParseNotification(data)
	if err != nil {
		log.Warn("dropping undecodable notification", "err", err)
		return
	}
	fn(n)
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, in, out any, want int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, u.Path, err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body httpErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return &Error{Status: status, Code: codeForStatus(status), Message: strings.TrimSpace(string(data))}
	}
	return &Error{Status: status, Code: body.Code, Message: body.Message}
}

// codeForStatus covers errors that don't come from Server, e.g. a proxy or
// the origin middleware.
func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeBadMessage
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeInvalidTransition
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusServiceUnavailable:
		return CodePeerUnavailable
	default:
		return CodeInternal
	}
}
