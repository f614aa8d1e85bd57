package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/callrecord"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signal"
)

// DefaultInboxQueueBytes bounds the undelivered backlog of one inbox.
const DefaultInboxQueueBytes = 256 << 10

type HubConfig struct {
	Broker          Broker
	InboxQueueBytes int
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Hub owns the inboxes of the users connected to this process and publishes
// notifications through the broker.
type Hub struct {
	broker   Broker
	maxBytes int
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu      sync.Mutex
	closed  bool
	inboxes map[*inbox]struct{}
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Broker == nil {
		cfg.Broker = NewLocalBroker()
	}
	if cfg.InboxQueueBytes <= 0 {
		cfg.InboxQueueBytes = DefaultInboxQueueBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		broker:   cfg.Broker,
		maxBytes: cfg.InboxQueueBytes,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		inboxes:  make(map[*inbox]struct{}),
	}
}

type inbox struct {
	userID string
	queue  *inboxQueue
	sub    Subscription
	once   sync.Once
}

// Subscribe opens an inbox for userID. fn runs on the inbox's own goroutine,
// one notification at a time, in arrival order. The returned function closes
// the inbox; a notification already being handled may still complete.
func (h *Hub) Subscribe(ctx context.Context, userID string, fn func(signal.Notification)) (func(), error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.mu.Unlock()

	in := &inbox{userID: userID, queue: newInboxQueue(h.maxBytes)}
	sub, err := h.broker.Subscribe(ctx, userID, func(frame []byte) {
		if !in.queue.Enqueue(frame) {
			h.metrics.Inc(metrics.InboxDroppedBacklog)
			h.log.Debug("inbox backlog full; dropping notification", "user_id", userID, "dropped", in.queue.DropCount())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Channel(userID), err)
	}
	in.sub = sub

	h.mu.Lock()
	h.inboxes[in] = struct{}{}
	h.mu.Unlock()

	go h.pump(in, fn)
	return func() { h.closeInbox(in) }, nil
}

func (h *Hub) pump(in *inbox, fn func(signal.Notification)) {
	for {
		frame, ok := in.queue.Dequeue()
		if !ok {
			return
		}
		n, err := signal.ParseNotification(frame)
		if err != nil {
			h.metrics.Inc(metrics.InboxDroppedInvalid)
			h.log.Warn("dropping undecodable notification", "user_id", in.userID, "err", err)
			continue
		}
		h.metrics.Inc(metrics.InboxDelivered)
		fn(n)
	}
}

func (h *Hub) closeInbox(in *inbox) {
	in.once.Do(func() {
		h.mu.Lock()
		delete(h.inboxes, in)
		h.mu.Unlock()
		if err := in.sub.Close(); err != nil {
			h.log.Debug("close inbox subscription", "user_id", in.userID, "err", err)
		}
		in.queue.Close()
	})
}

// Publish delivers n to every inbox of userID.
func (h *Hub) Publish(ctx context.Context, userID string, n signal.Notification) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if err := n.Validate(); err != nil {
		return err
	}
	frame, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := h.broker.Publish(ctx, userID, frame); err != nil {
		return err
	}
	h.metrics.Inc(metrics.InboxPublished)
	return nil
}

// Inboxes reports how many inboxes this process holds.
func (h *Hub) Inboxes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inboxes)
}

// Online reports whether userID currently has an open inbox.
func (h *Hub) Online(ctx context.Context, userID string) (bool, error) {
	return h.broker.Online(ctx, userID)
}

// IncomingCall notifies the receiver of a new call.
func (h *Hub) IncomingCall(ctx context.Context, rec callrecord.Record) error {
	return h.Publish(ctx, rec.ReceiverID, signal.IncomingCallNotification(rec))
}

// StatusChanged notifies both parties of a status change.
func (h *Hub) StatusChanged(ctx context.Context, rec callrecord.Record) error {
	n := signal.CallStatusNotification(rec)
	return errors.Join(
		h.Publish(ctx, rec.CallerID, n),
		h.Publish(ctx, rec.ReceiverID, n),
	)
}

// Close closes every inbox. The broker is left to its owner.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	inboxes := make([]*inbox, 0, len(h.inboxes))
	for in := range h.inboxes {
		inboxes = append(inboxes, in)
	}
	h.mu.Unlock()

	for _, in := range inboxes {
		h.closeInbox(in)
	}
	return nil
}
