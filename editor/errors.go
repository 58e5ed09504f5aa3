package editor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alimasry/go-block-editor/block"
	"github.com/alimasry/go-block-editor/lock"
	"github.com/alimasry/go-block-editor/store"
)

// Tag is the stable identifier of a failure reported to a participant.
type Tag string

const (
	TagBlockAlreadyLocked Tag = "block-already-locked"
	TagBlockReleaseDenied Tag = "block-release-denied"
	TagBlockAccessDenied  Tag = "block-access-denied"
	TagUnableToHandle     Tag = "unable-to-handle"
	TagDocumentNotFound   Tag = "document-not-found"
	TagDocumentDeleted    Tag = "document-deleted"
	TagInvalidIndex       Tag = "invalid-index"
	TagMalformedEvent     Tag = "malformed-event"
	TagInternal           Tag = "internal-error"
)

// ErrDocumentDeleted is returned when editing a soft-deleted document.
var ErrDocumentDeleted = errors.New("document deleted")

// Error is a failed event, reported to its sender only.
type Error struct {
	Tag    Tag
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tag, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

type errorBody struct {
	Type   Tag    `json:"type"`
	Detail string `json:"detail"`
}

// Payload encodes the unicast error message sent to the participant.
func (e *Error) Payload() []byte {
	b, _ := json.Marshal(struct {
		Error errorBody `json:"error"`
	}{errorBody{Type: e.Tag, Detail: e.Detail}})
	return b
}

func newError(tag Tag, detail string) *Error {
	return &Error{Tag: tag, Detail: detail}
}

// AsError maps any failure to the error reported to the participant.
// Failures outside the taxonomy are reported as internal errors.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, lock.ErrAlreadyLocked):
		return &Error{Tag: TagBlockAlreadyLocked, Detail: "block is locked by another user", Err: err}
	case errors.Is(err, lock.ErrUnauthorizedRelease):
		return &Error{Tag: TagBlockReleaseDenied, Detail: "block is locked by another user", Err: err}
	case errors.Is(err, store.ErrDocumentNotFound):
		return &Error{Tag: TagDocumentNotFound, Detail: "document not found", Err: err}
	case errors.Is(err, ErrDocumentDeleted):
		return &Error{Tag: TagDocumentDeleted, Detail: "document deleted, restore it before applying changes", Err: err}
	case errors.Is(err, block.ErrInvalidIndex):
		return &Error{Tag: TagInvalidIndex, Detail: err.Error(), Err: err}
	case errors.Is(err, block.ErrMalformedEvent):
		return &Error{Tag: TagMalformedEvent, Detail: err.Error(), Err: err}
	}
	return &Error{Tag: TagInternal, Detail: "internal error", Err: err}
}
