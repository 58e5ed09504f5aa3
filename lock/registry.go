// Package lock implements per-document, per-block exclusive edit locks.
//
// All block records of one document live in a single KV entry,
// "locks:<document_id>", holding a JSON object of block id -> record.
// Every call is a read-modify-write of that entry, so calls on the same
// document are serialized twice over: by an in-process section and by
// the KV's atomic update, which keeps processes sharing a Redis from
// clobbering each other's records.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/alimasry/go-block-editor/store"
)

var (
	ErrAlreadyLocked       = errors.New("block already locked")
	ErrUnauthorizedRelease = errors.New("block locked by another user")
)

// Record is the lock state of one block. Locked is false iff OwnerID is nil.
type Record struct {
	Locked  bool    `json:"locked"`
	OwnerID *string `json:"owner_id"`
}

type records map[string]Record

// Registry enforces at most one editor per block.
type Registry struct {
	kv       store.KV
	sections *store.Sections
}

func NewRegistry(kv store.KV) *Registry {
	return &Registry{kv: kv, sections: store.NewSections()}
}

// Key returns the KV key holding the locks of documentID.
func Key(documentID string) string {
	return "locks:" + documentID
}

func decode(raw string, found bool) (records, error) {
	recs := records{}
	if !found || raw == "" {
		return recs, nil
	}
	if err := json.Unmarshal([]byte(raw), &recs); err != nil {
		return nil, fmt.Errorf("decode lock records: %w", err)
	}
	return recs, nil
}

func encode(recs records) (string, error) {
	b, err := json.Marshal(recs)
	return string(b), err
}

func (r *Registry) update(ctx context.Context, documentID string, fn func(records) error) error {
	unlock := r.sections.Lock(documentID)
	defer unlock()

	return r.kv.Update(ctx, Key(documentID), func(cur string, found bool) (string, error) {
		recs, err := decode(cur, found)
		if err != nil {
			return "", err
		}
		if err := fn(recs); err != nil {
			return "", err
		}
		return encode(recs)
	})
}

// Lock marks blockID as held by userID. Locking a block that is already
// locked fails with ErrAlreadyLocked, even when the holder is userID.
func (r *Registry) Lock(ctx context.Context, documentID, blockID, userID string) error {
	return r.update(ctx, documentID, func(recs records) error {
		if recs[blockID].Locked {
			return fmt.Errorf("block %q: %w", blockID, ErrAlreadyLocked)
		}
		owner := userID
		recs[blockID] = Record{Locked: true, OwnerID: &owner}
		return nil
	})
}

// Release clears the lock on blockID. It fails with
// ErrUnauthorizedRelease when another user holds the lock; releasing an
// unlocked block succeeds.
func (r *Registry) Release(ctx context.Context, documentID, blockID, userID string) error {
	return r.update(ctx, documentID, func(recs records) error {
		rec := recs[blockID]
		if rec.Locked && (rec.OwnerID == nil || *rec.OwnerID != userID) {
			return fmt.Errorf("block %q: %w", blockID, ErrUnauthorizedRelease)
		}
		recs[blockID] = Record{}
		return nil
	})
}

// ReleaseAll releases every listed block still held by userID and
// returns the ids it released, sorted.
func (r *Registry) ReleaseAll(ctx context.Context, documentID, userID string, blockIDs []string) ([]string, error) {
	var released []string
	err := r.update(ctx, documentID, func(recs records) error {
		released = released[:0]
		for _, id := range blockIDs {
			rec := recs[id]
			if rec.Locked && rec.OwnerID != nil && *rec.OwnerID == userID {
				recs[id] = Record{}
				released = append(released, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(released)
	return released, nil
}

// IsLockedBy reports whether blockID is currently locked by userID.
func (r *Registry) IsLockedBy(ctx context.Context, documentID, blockID, userID string) (bool, error) {
	rec, err := r.Get(ctx, documentID, blockID)
	if err != nil {
		return false, err
	}
	return rec.Locked && rec.OwnerID != nil && *rec.OwnerID == userID, nil
}

// Get returns the record of blockID. A block that was never locked
// reads as unlocked.
func (r *Registry) Get(ctx context.Context, documentID, blockID string) (Record, error) {
	raw, err := r.kv.Get(ctx, Key(documentID))
	found := true
	if errors.Is(err, store.ErrKeyNotFound) {
		found = false
	} else if err != nil {
		return Record{}, err
	}
	recs, err := decode(raw, found)
	if err != nil {
		return Record{}, err
	}
	return recs[blockID], nil
}
