package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisBroker fans out through Redis pub/sub, so sessions of the same
// document served by different processes see each other's events.
type RedisBroker struct {
	client redis.UniversalClient
}

func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %q: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	// Wait for the server's confirmation so nothing published after we
	// return can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %q: %w", channel, err)
	}
	return &redisSubscription{ps: ps}, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps     *redis.PubSub
	closed atomic.Bool
}

func (s *redisSubscription) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	// Closing mid-read surfaces as a network error on the torn-down conn.
	if errors.Is(err, redis.ErrClosed) || (err != nil && s.closed.Load()) {
		return nil, ErrClosed
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s *redisSubscription) Close() error {
	s.closed.Store(true)
	err := s.ps.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
