// Package meta defines the document metadata collaborator: the source of
// truth for a document's existence and top-level fields. The core reads it to
// validate document IDs and writes rendered content back after a save.
package meta

import (
	"errors"
	"sync"
)

var ErrNotFound = errors.New("document not found")

// Document holds a document's top-level fields.
type Document struct {
	ID         string
	Title      string
	Content    string
	OwnerID    string
	Visibility string
}

// Store is the metadata collaborator interface.
type Store interface {
	// Get returns the document's metadata, or ErrNotFound.
	Get(documentID string) (Document, error)

	// UpdateContent writes the latest rendered content back after a save.
	// Returns ErrNotFound if the document does not exist.
	UpdateContent(documentID, content string) error
}

// MemoryStore is an in-memory Store for tests and the demo server.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryStore creates an empty in-memory metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

// Put inserts or replaces a document's metadata.
func (s *MemoryStore) Put(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
}

func (s *MemoryStore) Get(documentID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (s *MemoryStore) UpdateContent(documentID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return ErrNotFound
	}
	doc.Content = content
	s.docs[documentID] = doc
	return nil
}
