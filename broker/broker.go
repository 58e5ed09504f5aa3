// Package broker implements the per-document session channel: every
// payload published on a channel reaches every subscription open on it
// at publish time, in publish order per publisher.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by Next once the subscription is closed.
var ErrClosed = errors.New("subscription closed")

// Broker is a publish/subscribe bus. Implementations: MemoryBroker, RedisBroker.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is live: anything published
	// after it returns is delivered.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription is a live cursor over one channel. Close must be called
// to unregister it.
type Subscription interface {
	// Next blocks until a payload arrives, ctx is done or the
	// subscription is closed.
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Channel returns the channel name of a document's edit session.
func Channel(documentID string) string {
	return "doc-" + documentID
}
