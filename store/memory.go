package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alimasry/go-block-editor/block"
)

// MemoryRepository is an in-memory implementation of DocumentRepository.
// Documents are stored as JSON so callers never share state with it.
type MemoryRepository struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{docs: make(map[string][]byte)}
}

func (s *MemoryRepository) Create(_ context.Context, doc *block.Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("document %q: %w", doc.ID, ErrDocumentExists)
	}
	s.docs[doc.ID] = b
	return nil
}

func (s *MemoryRepository) Get(_ context.Context, id, ownerID string) (*block.Document, error) {
	s.mu.RLock()
	b, ok := s.docs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrDocumentNotFound)
	}
	var doc block.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if ownerID != "" && doc.OwnerID != ownerID {
		return nil, fmt.Errorf("document %q: %w", id, ErrDocumentNotFound)
	}
	return &doc, nil
}

func (s *MemoryRepository) List(_ context.Context, ownerID string) ([]block.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]block.Document, 0, len(s.docs))
	for _, b := range s.docs {
		var doc block.Document
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		if ownerID != "" && doc.OwnerID != ownerID {
			continue
		}
		result = append(result, doc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EditedAt.After(result[j].EditedAt) })
	return result, nil
}

func (s *MemoryRepository) Replace(_ context.Context, doc *block.Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[doc.ID]; !ok {
		return fmt.Errorf("document %q: %w", doc.ID, ErrDocumentNotFound)
	}
	s.docs[doc.ID] = b
	return nil
}

// MemoryKV is an in-process KV. It is the default when no Redis
// address is configured and backs most tests.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return "", fmt.Errorf("%q: %w", key, ErrKeyNotFound)
	}
	return v, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryKV) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.data, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Update(_ context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, found := m.data[key]
	next, err := fn(cur, found)
	if err != nil {
		return err
	}
	m.data[key] = next
	return nil
}

func (m *MemoryKV) DeleteIf(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.data[key]; !ok || cur != expected {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *MemoryKV) Close() error { return nil }
