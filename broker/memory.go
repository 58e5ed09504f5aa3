package broker

import (
	"context"
	"sync"
)

// MemoryBroker fans out within one process. Each subscription buffers
// without bound, so a slow reader never loses payloads and never blocks
// publishers.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	msg := make([]byte, len(payload))
	copy(msg, payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[channel] {
		s.push(msg)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s := &memorySubscription{
		broker:  b,
		channel: channel,
		notify:  make(chan struct{}, 1),
	}
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

func (b *MemoryBroker) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.channel)
		}
	}
}

// Subscribers returns the number of open subscriptions on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Close closes every open subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	var all []*memorySubscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	return nil
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	notify chan struct{}
}

func (s *memorySubscription) push(msg []byte) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, msg)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *memorySubscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.broker.remove(s)
	s.wake()
	return nil
}
