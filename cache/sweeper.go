package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/alimasry/go-block-editor/store"
)

const (
	flushRetries    = 3
	flushRetryDelay = 100 * time.Millisecond
)

// Sweeper periodically writes every cached snapshot back to the
// repository and evicts it, along with its journal. A snapshot whose
// write fails stays cached and is retried on the next sweep.
//
// The section only excludes this process. Another process sharing the
// KV may mutate a snapshot while it is being written back, so eviction
// is a compare-and-delete against the value that was flushed; a snapshot
// that changed stays cached for the next sweep.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper starts a sweeper that flushes c every interval.
func NewSweeper(c *Cache, interval time.Duration) *Sweeper {
	s := &Sweeper{
		cache:    c,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-ticker.C:
			s.Flush(context.Background())
		case <-s.stop:
			s.Flush(context.Background())
			return
		}
	}
}

// Flush persists and evicts every cached snapshot. It returns the number
// of documents flushed.
func (s *Sweeper) Flush(ctx context.Context) int {
	keys, err := s.cache.kv.Scan(ctx, "document:")
	if err != nil {
		glog.Errorf("sweeper: scan snapshots: %v", err)
		return 0
	}

	flushed := 0
	for _, key := range keys {
		id := strings.TrimPrefix(key, "document:")
		if err := s.flushOne(ctx, id); err != nil {
			glog.Warningf("sweeper: flush document %q: %v", id, err)
			continue
		}
		flushed++
	}
	if flushed > 0 {
		glog.Infof("sweeper: flushed %d of %d documents", flushed, len(keys))
	}
	return flushed
}

func (s *Sweeper) flushOne(ctx context.Context, id string) error {
	c := s.cache
	unlock := c.sections.Lock(id)
	defer unlock()

	// Journal first: every event counted here was recorded after its
	// mutation landed, so the snapshot read next already contains it.
	events, err := c.Journal(ctx, id)
	if err != nil {
		glog.Warningf("sweeper: read journal of %q, leaving it in place: %v", id, err)
		events = nil
	}
	raw, err := c.kv.Get(ctx, Key(id))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = flushRetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, flushRetries), ctx)
	err = backoff.Retry(func() error {
		err := c.repo.Replace(ctx, doc)
		if errors.Is(err, store.ErrDocumentNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	switch {
	case errors.Is(err, store.ErrDocumentNotFound):
		// Gone from the repository; keeping the snapshot would retry forever.
		glog.Warningf("sweeper: document %q no longer in repository, dropping snapshot", id)
	case err != nil:
		return err
	}

	evicted, err := c.kv.DeleteIf(ctx, Key(id), raw)
	if err != nil {
		return err
	}
	if evicted {
		glog.V(2).Infof("sweeper: evicted document %q", id)
	} else {
		glog.V(2).Infof("sweeper: document %q changed during flush, keeping it cached", id)
	}
	return c.trimJournal(ctx, id, len(events))
}

// Close stops the sweeper after a final flush.
func (s *Sweeper) Close() {
	close(s.stop)
	<-s.done
}
