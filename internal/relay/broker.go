package relay

import (
	"context"
	"sync"
)

// Broker moves encoded notifications to the subscribers of a user channel.
type Broker interface {
	Publish(ctx context.Context, userID string, frame []byte) error
	// Subscribe registers deliver for userID. deliver must not block.
	Subscribe(ctx context.Context, userID string, deliver func([]byte)) (Subscription, error)
	// Online reports whether userID has at least one subscriber anywhere.
	Online(ctx context.Context, userID string) (bool, error)
	Close() error
}

type Subscription interface {
	Close() error
}

// Channel returns the broker channel name for a user.
func Channel(userID string) string {
	return "user." + userID
}

// LocalBroker fans out within one process.
type LocalBroker struct {
	mu     sync.RWMutex
	closed bool
	nextID uint64
	subs   map[string]map[uint64]func([]byte)
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[uint64]func([]byte))}
}

func (b *LocalBroker) Publish(_ context.Context, userID string, frame []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for _, deliver := range b.subs[Channel(userID)] {
		deliver(frame)
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, userID string, deliver func([]byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	ch := Channel(userID)
	if b.subs[ch] == nil {
		b.subs[ch] = make(map[uint64]func([]byte))
	}
	b.nextID++
	id := b.nextID
	b.subs[ch][id] = deliver
	return &localSubscription{broker: b, channel: ch, id: id}, nil
}

func (b *LocalBroker) Online(_ context.Context, userID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[Channel(userID)]) > 0, nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[uint64]func([]byte))
	b.mu.Unlock()
	return nil
}

type localSubscription struct {
	broker  *LocalBroker
	channel string
	id      uint64
	once    sync.Once
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		defer s.broker.mu.Unlock()
		subs := s.broker.subs[s.channel]
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.broker.subs, s.channel)
		}
	})
	return nil
}
