package callrecord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultHistoryLimit = 50

// Notifier fans record changes out to the parties' inboxes.
type Notifier interface {
	IncomingCall(ctx context.Context, r Record) error
	StatusChanged(ctx context.Context, r Record) error
}

// Presence reports whether a user currently has a live inbox.
type Presence interface {
	Online(ctx context.Context, userID string) (bool, error)
}

type ServiceConfig struct {
	Store    Store
	Notifier Notifier
	// Presence is optional; when nil every receiver is treated as reachable.
	Presence Presence
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Service owns call record creation and status changes.
type Service struct {
	store    Store
	notifier Notifier
	presence Presence
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	return &Service{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		presence: cfg.Presence,
		log:      cfg.Logger,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
}

// CreateCall stores a ringing record and notifies the receiver.
func (s *Service) CreateCall(ctx context.Context, callerID, receiverID string, kind MediaKind) (Record, error) {
	callerID = strings.TrimSpace(callerID)
	receiverID = strings.TrimSpace(receiverID)
	if callerID == "" || receiverID == "" {
		return Record{}, fmt.Errorf("%w: caller and receiver are required", ErrInvalidRecord)
	}
	if callerID == receiverID {
		return Record{}, fmt.Errorf("%w: cannot call yourself", ErrInvalidRecord)
	}
	if kind != MediaAudio && kind != MediaVideo {
		return Record{}, fmt.Errorf("%w: media kind %q", ErrInvalidRecord, kind)
	}
	if s.presence != nil {
		online, err := s.presence.Online(ctx, receiverID)
		if err != nil {
			return Record{}, fmt.Errorf("presence lookup: %w", err)
		}
		if !online {
			return Record{}, ErrPeerUnavailable
		}
	}

	now := s.now().UTC()
	r := Record{
		ID:         s.newID(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		MediaKind:  kind,
		Status:     StatusRinging,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return Record{}, err
	}
	s.log.Info("call created", "call_id", r.ID, "caller_id", callerID, "receiver_id", receiverID, "media_kind", kind)

	if s.notifier != nil {
		if err := s.notifier.IncomingCall(ctx, r); err != nil {
			s.log.Warn("incoming call notification failed", "call_id", r.ID, "receiver_id", receiverID, "err", err)
		}
	}
	return r, nil
}

// UpdateStatus applies a status change requested by actorID. A repeated
// terminal status returns the stored record without notifying anyone.
func (s *Service) UpdateStatus(ctx context.Context, actorID, callID string, status Status) (Record, error) {
	changed := false
	r, err := s.store.Update(ctx, callID, func(cur Record) (Record, error) {
		if err := cur.CheckActor(actorID, status); err != nil {
			return cur, err
		}
		next, ok, err := cur.Transition(status, s.now())
		if err != nil {
			return cur, err
		}
		changed = ok
		return next, nil
	})
	if err != nil {
		return r, err
	}
	if !changed {
		return r, nil
	}
	s.log.Info("call status changed", "call_id", r.ID, "status", r.Status, "actor_id", actorID)

	if s.notifier != nil {
		if err := s.notifier.StatusChanged(ctx, r); err != nil {
			s.log.Warn("call status notification failed", "call_id", r.ID, "status", r.Status, "err", err)
		}
	}
	return r, nil
}

// Get returns a record visible to actorID.
func (s *Service) Get(ctx context.Context, actorID, callID string) (Record, error) {
	r, err := s.store.Get(ctx, callID)
	if err != nil {
		return Record{}, err
	}
	if !r.IsParty(actorID) {
		// Don't reveal that the call exists.
		return Record{}, ErrNotFound
	}
	return r, nil
}

// History lists the newest calls userID took part in.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}
	return s.store.ListByUser(ctx, userID, limit)
}
