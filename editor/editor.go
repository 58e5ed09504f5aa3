// Package editor applies participant events to documents.
//
// Lock events go to the lock registry. Content events require the
// sender to hold the target block's lock, then run as one atomic
// read-modify-write of the cached snapshot. Every accepted event is
// stamped with the acting user and journaled; the caller broadcasts it.
//
// Events on one document are applied one at a time within a process, so
// a block cannot be released and relocked between an edit's lock check
// and its write. Across processes the check and the write are separate
// KV operations.
package editor

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/alimasry/go-block-editor/block"
	"github.com/alimasry/go-block-editor/cache"
	"github.com/alimasry/go-block-editor/lock"
	"github.com/alimasry/go-block-editor/store"
)

type handlerFunc func(e *Editor, ctx context.Context, documentID, userID string, ev *block.Event) error

// handlers is the closed dispatch table. Kinds missing here are
// reported as unable-to-handle.
var handlers = map[block.Kind]handlerFunc{
	block.BlockLocked:   (*Editor).handleLocked,
	block.BlockReleased: (*Editor).handleReleased,
	block.BlockAdded:    (*Editor).handleAdded,
	block.BlockRemoved:  (*Editor).handleRemoved,
	block.BlockMoved:    (*Editor).handleMoved,
	block.BlockChanged:  (*Editor).handleChanged,
}

// Editor is safe for concurrent use by every session of every document.
type Editor struct {
	locks    *lock.Registry
	cache    *cache.Cache
	sections *store.Sections
}

func New(locks *lock.Registry, c *cache.Cache) *Editor {
	return &Editor{locks: locks, cache: c, sections: store.NewSections()}
}

// Handle decodes and applies one raw participant message. On success it
// returns the stamped message to broadcast; on failure an *Error.
func (e *Editor) Handle(ctx context.Context, documentID string, user block.UserInfo, raw []byte) (*block.Message, error) {
	msg, err := block.Decode(raw)
	if err != nil {
		return nil, AsError(err)
	}
	if err := e.Apply(ctx, documentID, user, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Apply runs a decoded message and stamps it with user.
func (e *Editor) Apply(ctx context.Context, documentID string, user block.UserInfo, msg *block.Message) error {
	h, ok := handlers[msg.Event.Type]
	if !ok {
		return newError(TagUnableToHandle, fmt.Sprintf("unable to handle event %q", msg.Event.Type))
	}

	unlock := e.sections.Lock(documentID)
	defer unlock()

	if err := h(e, ctx, documentID, user.ID, &msg.Event); err != nil {
		return AsError(err)
	}

	stamped := user
	msg.User = &stamped
	if err := e.cache.Record(ctx, documentID, msg.Encode()); err != nil {
		glog.Warningf("editor: journal %s on %q: %v", msg.Event.Type, documentID, err)
	}
	glog.V(2).Infof("editor: %s %s on %q by %s", msg.Event.Type, msg.Event.BlockID(), documentID, user.ID)
	return nil
}

// ReleaseHeld releases the listed blocks still locked by user and
// returns one stamped block-released message per block freed.
func (e *Editor) ReleaseHeld(ctx context.Context, documentID string, user block.UserInfo, blockIDs []string) ([]*block.Message, error) {
	unlock := e.sections.Lock(documentID)
	defer unlock()

	released, err := e.locks.ReleaseAll(ctx, documentID, user.ID, blockIDs)
	if err != nil {
		return nil, err
	}
	msgs := make([]*block.Message, 0, len(released))
	for _, id := range released {
		stamped := user
		msg := &block.Message{
			Event: block.Event{Type: block.BlockReleased, Payload: &block.LockData{ID: id}},
			User:  &stamped,
		}
		if err := e.cache.Record(ctx, documentID, msg.Encode()); err != nil {
			glog.Warningf("editor: journal release of %s on %q: %v", id, documentID, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (e *Editor) handleLocked(ctx context.Context, documentID, userID string, ev *block.Event) error {
	return e.locks.Lock(ctx, documentID, ev.BlockID(), userID)
}

func (e *Editor) handleReleased(ctx context.Context, documentID, userID string, ev *block.Event) error {
	return e.locks.Release(ctx, documentID, ev.BlockID(), userID)
}

func (e *Editor) handleAdded(ctx context.Context, documentID, userID string, ev *block.Event) error {
	d := ev.Payload.(*block.AddedData)
	return e.mutate(ctx, documentID, userID, d.ID, func(doc *block.Document) error {
		return doc.Insert(d.Index, d.ID, d.Type)
	})
}

func (e *Editor) handleRemoved(ctx context.Context, documentID, userID string, ev *block.Event) error {
	d := ev.Payload.(*block.RemovedData)
	return e.mutate(ctx, documentID, userID, d.ID, func(doc *block.Document) error {
		return doc.Remove(d.Index)
	})
}

func (e *Editor) handleMoved(ctx context.Context, documentID, userID string, ev *block.Event) error {
	d := ev.Payload.(*block.MovedData)
	return e.mutate(ctx, documentID, userID, d.ID, func(doc *block.Document) error {
		return doc.Move(d.FromIndex, d.ToIndex)
	})
}

// handleChanged does not check data against the block's type.
func (e *Editor) handleChanged(ctx context.Context, documentID, userID string, ev *block.Event) error {
	d := ev.Payload.(*block.ChangedData)
	return e.mutate(ctx, documentID, userID, d.ID, func(doc *block.Document) error {
		return doc.Change(d.Index, d.Type, d.Data)
	})
}

// mutate must be called inside the document's section.
func (e *Editor) mutate(ctx context.Context, documentID, userID, blockID string, fn func(*block.Document) error) error {
	held, err := e.locks.IsLockedBy(ctx, documentID, blockID, userID)
	if err != nil {
		return err
	}
	if !held {
		return newError(TagBlockAccessDenied, "block must be locked before accessing")
	}

	_, err = e.cache.Mutate(ctx, documentID, func(doc *block.Document) error {
		if doc.IsDeleted {
			return fmt.Errorf("document %q: %w", documentID, ErrDocumentDeleted)
		}
		return fn(doc)
	})
	return err
}
