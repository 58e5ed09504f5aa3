package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alimasry/go-block-editor/block"
	"github.com/alimasry/go-block-editor/store"
)

// errEvicted signals that a snapshot disappeared between load and update.
var errEvicted = errors.New("snapshot evicted")

const maxReloads = 3

// emptyJournal is the value a trimmed journal holds until it is removed.
const emptyJournal = "[]"

// Cache holds the live snapshot of every document being edited. While a
// snapshot is cached it is the source of truth; the Sweeper writes it
// back to the repository and evicts it.
//
// Every access to one document's snapshot runs inside that document's
// section, shared with the Sweeper, so a flush never observes or evicts
// a snapshot mid-mutation.
type Cache struct {
	kv       store.KV
	repo     store.DocumentRepository
	sections *store.Sections
}

func New(kv store.KV, repo store.DocumentRepository) *Cache {
	return &Cache{
		kv:       kv,
		repo:     repo,
		sections: store.NewSections(),
	}
}

// Key returns the KV key of a document snapshot.
func Key(documentID string) string {
	return "document:" + documentID
}

// JournalKey returns the KV key of a document's event journal.
func JournalKey(documentID string) string {
	return "journal:" + documentID
}

func decodeDocument(raw string) (*block.Document, error) {
	var doc block.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &doc, nil
}

func encodeDocument(doc *block.Document) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(b), nil
}

// Get returns the current snapshot of a document, loading it from the
// repository on a cache miss.
func (c *Cache) Get(ctx context.Context, documentID string) (*block.Document, error) {
	unlock := c.sections.Lock(documentID)
	defer unlock()
	return c.load(ctx, documentID)
}

// load must be called inside the document's section.
func (c *Cache) load(ctx context.Context, documentID string) (*block.Document, error) {
	raw, err := c.kv.Get(ctx, Key(documentID))
	if err == nil {
		return decodeDocument(raw)
	}
	if !errors.Is(err, store.ErrKeyNotFound) {
		return nil, err
	}

	// Cache miss: fill from the repository. The repository is read inside
	// the update, so a fill racing another process's flush and eviction
	// of the same key is retried rather than landing an older copy.
	// Another process may fill the key concurrently; whichever landed
	// first wins.
	var stored string
	err = c.kv.Update(ctx, Key(documentID), func(cur string, found bool) (string, error) {
		if found {
			stored = cur
			return cur, nil
		}
		doc, err := c.repo.Get(ctx, documentID, "")
		if err != nil {
			return "", err
		}
		stored, err = encodeDocument(doc)
		return stored, err
	})
	if err != nil {
		return nil, err
	}
	return decodeDocument(stored)
}

// Mutate applies fn to the document's snapshot and stores the result.
// If fn fails nothing is written. Mutations of one document never
// interleave.
func (c *Cache) Mutate(ctx context.Context, documentID string, fn func(doc *block.Document) error) (*block.Document, error) {
	unlock := c.sections.Lock(documentID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		if _, err := c.load(ctx, documentID); err != nil {
			return nil, err
		}
		var result *block.Document
		err := c.kv.Update(ctx, Key(documentID), func(cur string, found bool) (string, error) {
			if !found {
				return "", errEvicted
			}
			doc, err := decodeDocument(cur)
			if err != nil {
				return "", err
			}
			if err := fn(doc); err != nil {
				return "", err
			}
			result = doc
			return encodeDocument(doc)
		})
		if errors.Is(err, errEvicted) && attempt < maxReloads {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func decodeJournal(raw string, found bool) ([]json.RawMessage, error) {
	var events []json.RawMessage
	if !found || raw == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		return nil, fmt.Errorf("decode journal: %w", err)
	}
	return events, nil
}

// Record appends an accepted event to the document's journal.
func (c *Cache) Record(ctx context.Context, documentID string, msg []byte) error {
	unlock := c.sections.Lock(documentID)
	defer unlock()

	return c.kv.Update(ctx, JournalKey(documentID), func(cur string, found bool) (string, error) {
		events, err := decodeJournal(cur, found)
		if err != nil {
			return "", err
		}
		events = append(events, json.RawMessage(msg))
		b, err := json.Marshal(events)
		return string(b), err
	})
}

// trimJournal drops the first n events, which a flush has persisted, and
// removes the journal once nothing newer was appended. It must be called
// inside the document's section.
func (c *Cache) trimJournal(ctx context.Context, documentID string, n int) error {
	if n == 0 {
		return nil
	}
	key := JournalKey(documentID)
	err := c.kv.Update(ctx, key, func(cur string, found bool) (string, error) {
		events, err := decodeJournal(cur, found)
		if err != nil {
			return "", err
		}
		if n >= len(events) {
			return emptyJournal, nil
		}
		b, err := json.Marshal(events[n:])
		return string(b), err
	})
	if err != nil {
		return err
	}
	_, err = c.kv.DeleteIf(ctx, key, emptyJournal)
	return err
}

// Journal returns the events accepted since the document was last flushed.
func (c *Cache) Journal(ctx context.Context, documentID string) ([]json.RawMessage, error) {
	raw, err := c.kv.Get(ctx, JournalKey(documentID))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeJournal(raw, true)
}
