package editor

import (
	"context"
	"fmt"

	"github.com/alimasry/go-block-editor/block"
	"github.com/alimasry/go-block-editor/store"
)

// Document returns the live snapshot of a document.
func (e *Editor) Document(ctx context.Context, documentID string) (*block.Document, error) {
	return e.cache.Get(ctx, documentID)
}

// SetDeleted soft-deletes or restores a document through the cache so
// that live sessions observe it immediately. Only the owner may do so;
// anyone else sees the document as missing.
func (e *Editor) SetDeleted(ctx context.Context, documentID, userID string, deleted bool) (*block.Document, error) {
	return e.cache.Mutate(ctx, documentID, func(doc *block.Document) error {
		if doc.OwnerID != userID {
			return fmt.Errorf("document %q: %w", documentID, store.ErrDocumentNotFound)
		}
		doc.MarkDeleted(deleted)
		return nil
	})
}
