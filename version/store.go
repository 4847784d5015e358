// Package version keeps the append-only version history of documents:
// immutable snapshots of rendered content, numbered per document.
package version

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound = errors.New("version not found")

	// ErrInvalidDocumentID is returned for document IDs that cannot form a
	// storage key.
	ErrInvalidDocumentID = errors.New("invalid document ID")
)

// saveRetries bounds how often a conflicting save transaction is retried.
const saveRetries = 10

// Snapshot is one immutable historical record of a document.
type Snapshot struct {
	DocumentID string    `json:"documentID"`
	Version    uint64    `json:"version"`
	Content    string    `json:"content"`
	AuthorID   string    `json:"authorID"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Author is the display data joined into listings.
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// AuthorDirectory resolves author IDs to display data.
type AuthorDirectory interface {
	Lookup(userID string) (Author, error)
}

// View is a snapshot joined with its author. Author is nil when the lookup
// failed; the listing itself never fails on a missing author.
type View struct {
	Snapshot
	Author *Author `json:"author"`
}

// Store is the durable version log. Version numbers are allocated inside a
// single storage transaction, so concurrent saves for the same document
// conflict and retry instead of racing: numbers are strictly increasing with
// no gaps.
type Store struct {
	db      *badger.DB
	authors AuthorDirectory
	logger  *logrus.Logger
	now     func() time.Time
}

// NewStore creates a version store on top of an open BadgerDB.
func NewStore(db *badger.DB, authors AuthorDirectory, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{db: db, authors: authors, logger: logger, now: time.Now}
}

// Document IDs become key segments delimited by "!". An ID containing the
// delimiter could shadow another document's records, so such IDs never reach
// the key builders.
func validateDocumentID(documentID string) error {
	if documentID == "" || strings.Contains(documentID, "!") {
		return fmt.Errorf("%w: %q", ErrInvalidDocumentID, documentID)
	}
	return nil
}

func counterKey(documentID string) []byte {
	return []byte(fmt.Sprintf("version!%s!counter", documentID))
}

func snapshotKey(documentID string, version uint64) []byte {
	return []byte(fmt.Sprintf("version!%s!v%020d", documentID, version))
}

func snapshotPrefix(documentID string) []byte {
	return []byte(fmt.Sprintf("version!%s!v", documentID))
}

// Save appends a new version of the document authored by authorID and
// returns its version number. The first version of a document is 1.
func (s *Store) Save(documentID, content, authorID string) (uint64, error) {
	if err := validateDocumentID(documentID); err != nil {
		return 0, err
	}

	var saved uint64
	for attempt := 0; attempt < saveRetries; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			last := uint64(0)
			item, err := txn.Get(counterKey(documentID))
			switch {
			case err == nil:
				if err := item.Value(func(val []byte) error {
					if len(val) != 8 {
						return fmt.Errorf("malformed version counter for %s", documentID)
					}
					last = binary.BigEndian.Uint64(val)
					return nil
				}); err != nil {
					return err
				}
			case errors.Is(err, badger.ErrKeyNotFound):
				// First save for this document.
			default:
				return err
			}

			next := last + 1
			record, err := json.Marshal(Snapshot{
				DocumentID: documentID,
				Version:    next,
				Content:    content,
				AuthorID:   authorID,
				CreatedAt:  s.now(),
			})
			if err != nil {
				return err
			}

			counter := make([]byte, 8)
			binary.BigEndian.PutUint64(counter, next)
			if err := txn.Set(counterKey(documentID), counter); err != nil {
				return err
			}
			if err := txn.Set(snapshotKey(documentID, next), record); err != nil {
				return err
			}
			saved = next
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to save version: %w", err)
		}
		return saved, nil
	}
	return 0, fmt.Errorf("failed to save version for %s: too many conflicts", documentID)
}

// List returns up to limit versions of the document, newest first, each
// joined with author display data. A failed author lookup degrades to a nil
// Author field rather than failing the listing; a document with no versions
// yields an empty slice.
func (s *Store) List(documentID string, limit int) ([]View, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}

	var views []View
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = snapshotPrefix(documentID)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek past the last possible key.
		seek := append(snapshotPrefix(documentID), 0xFF)
		for it.Seek(seek); it.Valid() && (limit <= 0 || len(views) < limit); it.Next() {
			var snap Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return err
			}
			views = append(views, View{Snapshot: snap, Author: s.lookupAuthor(snap.AuthorID)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return views, nil
}

// Latest returns the newest snapshot of the document, or ErrNotFound if the
// document has no versions.
func (s *Store) Latest(documentID string) (Snapshot, error) {
	views, err := s.List(documentID, 1)
	if err != nil {
		return Snapshot{}, err
	}
	if len(views) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return views[0].Snapshot, nil
}

func (s *Store) lookupAuthor(authorID string) *Author {
	if s.authors == nil {
		return nil
	}
	author, err := s.authors.Lookup(authorID)
	if err != nil {
		s.logger.WithField("authorID", authorID).Warn("version listing: author lookup failed")
		return nil
	}
	return &author
}
