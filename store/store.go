package store

import (
	"context"
	"errors"

	"github.com/alimasry/go-block-editor/block"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	ErrKeyNotFound      = errors.New("key not found")
)

// DocumentRepository abstracts durable document persistence.
// An empty ownerID disables the owner filter.
// Implementations: MemoryRepository, FirestoreRepository, PostgresRepository.
type DocumentRepository interface {
	Create(ctx context.Context, doc *block.Document) error
	Get(ctx context.Context, id, ownerID string) (*block.Document, error)
	List(ctx context.Context, ownerID string) ([]block.Document, error)
	// Replace overwrites the stored document with doc.
	Replace(ctx context.Context, doc *block.Document) error
}

// UpdateFunc computes the next value of a key from its current value.
// Returning an error aborts the update without writing.
type UpdateFunc func(current string, found bool) (string, error)

// KV is a keyed store of raw string payloads shared by every process
// serving the same documents. Implementations: MemoryKV, RedisKV.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Scan returns every key starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
	// Update atomically replaces the value at key with fn's result. No
	// other write to key can land between fn's read and its write.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// DeleteIf removes key only while it still holds expected and
	// reports whether it did.
	DeleteIf(ctx context.Context, key, expected string) (bool, error)
	Close() error
}
