// Package backup guards against local state corruption: it exports replica
// state to durable storage, prunes old exports by policy, and restores the
// newest good export when a replica's own state can no longer be decoded.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/coedit/crdt"
)

var (
	ErrExportFailed = errors.New("backup export failed")
	ErrWriteFailed  = errors.New("backup write failed")
	ErrStorageFull  = errors.New("backup storage full")

	// ErrInvalidDocumentID is returned for document IDs that cannot form a
	// storage key.
	ErrInvalidDocumentID = errors.New("invalid document ID")
)

// FormatVersion tags stored backups so future format changes stay readable.
const FormatVersion = 1

// RecoveryNotice is the placeholder text seeding a freshly synthesized
// document when recovery finds no backup. The user must always see that
// recovery happened; an empty document would hide the data loss.
const RecoveryNotice = "[recovered] The previous contents of this document could not be restored."

// Backup is one durable export of a replica's full state.
type Backup struct {
	DocumentID    string    `json:"documentID"`
	CreatedAt     time.Time `json:"createdAt"`
	Data          []byte    `json:"data"`
	Size          int       `json:"size"`
	FormatVersion int       `json:"formatVersion"`
}

// Policy controls retention: for each document, keep the newest MaxCount
// backups younger than MaxAgeDays. A zero value disables that dimension.
type Policy struct {
	MaxAgeDays int
	MaxCount   int
}

// Manager owns the durable backup store.
type Manager struct {
	db     *badger.DB
	logger *logrus.Logger
	now    func() time.Time
}

// NewManager creates a backup manager on top of an open BadgerDB.
func NewManager(db *badger.DB, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{db: db, logger: logger, now: time.Now}
}

// Document IDs become key segments delimited by "!". An ID containing the
// delimiter could bleed into another document's records, so such IDs never
// reach the key builders.
func validateDocumentID(documentID string) error {
	if documentID == "" || strings.Contains(documentID, "!") {
		return fmt.Errorf("%w: %q", ErrInvalidDocumentID, documentID)
	}
	return nil
}

func backupKey(documentID string, at time.Time) []byte {
	return []byte(fmt.Sprintf("backup!%s!t%020d", documentID, at.UnixNano()))
}

func backupPrefix(documentID string) []byte {
	if documentID == "" {
		return []byte("backup!")
	}
	return []byte(fmt.Sprintf("backup!%s!t", documentID))
}

// Export wraps the document's full encoding with backup metadata. A failed
// encode surfaces as ErrExportFailed and must not be treated as a backup.
func (m *Manager) Export(doc *crdt.Document, documentID string) (Backup, error) {
	if err := validateDocumentID(documentID); err != nil {
		return Backup{}, err
	}

	data, err := doc.EncodeFull()
	if err != nil {
		return Backup{}, fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	return Backup{
		DocumentID:    documentID,
		CreatedAt:     m.now(),
		Data:          data,
		Size:          len(data),
		FormatVersion: FormatVersion,
	}, nil
}

// Persist writes the backup durably. Failures are reported as ErrWriteFailed
// or ErrStorageFull; the caller is expected to log and continue, since a
// failed backup must never abort the edit path.
func (m *Manager) Persist(b Backup) error {
	if err := validateDocumentID(b.DocumentID); err != nil {
		return err
	}

	record, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(backupKey(b.DocumentID, b.CreatedAt), record)
	})
	if err != nil {
		if errors.Is(err, badger.ErrTxnTooBig) {
			return fmt.Errorf("%w: %v", ErrStorageFull, err)
		}
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

type entry struct {
	key    []byte
	backup Backup
}

// scan reads all stored backups under the prefix. Records that fail to parse
// are skipped with a warning, never fatal to the listing.
func (m *Manager) scan(documentID string) ([]entry, error) {
	var entries []entry
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = backupPrefix(documentID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			item := it.Item()
			var b Backup
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &b)
			}); err != nil {
				m.logger.WithField("key", string(item.Key())).Warn("skipping unparseable backup record")
				continue
			}
			entries = append(entries, entry{key: item.KeyCopy(nil), backup: b})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].backup.CreatedAt.After(entries[j].backup.CreatedAt)
	})
	return entries, nil
}

// List returns stored backups newest first. An empty documentID lists
// backups for every document.
func (m *Manager) List(documentID string) ([]Backup, error) {
	if documentID != "" {
		if err := validateDocumentID(documentID); err != nil {
			return nil, err
		}
	}

	entries, err := m.scan(documentID)
	if err != nil {
		return nil, err
	}
	backups := make([]Backup, 0, len(entries))
	for _, e := range entries {
		backups = append(backups, e.backup)
	}
	return backups, nil
}

// Prune applies the retention policy across all documents and returns the
// number of backups deleted. Pruning is deterministic for a given backup set
// and policy, so re-running after an interruption is safe.
func (m *Manager) Prune(policy Policy) (int, error) {
	entries, err := m.scan("")
	if err != nil {
		return 0, err
	}

	byDoc := make(map[string][]entry)
	for _, e := range entries {
		byDoc[e.backup.DocumentID] = append(byDoc[e.backup.DocumentID], e)
	}

	var doomed [][]byte
	now := m.now()
	for _, docEntries := range byDoc {
		kept := 0
		for _, e := range docEntries {
			tooOld := policy.MaxAgeDays > 0 &&
				now.Sub(e.backup.CreatedAt) > time.Duration(policy.MaxAgeDays)*24*time.Hour
			tooMany := policy.MaxCount > 0 && kept >= policy.MaxCount
			if tooOld || tooMany {
				doomed = append(doomed, e.key)
				continue
			}
			kept++
		}
	}

	for _, key := range doomed {
		err := m.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return 0, fmt.Errorf("failed to prune backup: %w", err)
		}
	}
	return len(doomed), nil
}

// Recover restores a document whose local state is corrupted. It decodes the
// newest backup if one exists; with no backups at all it synthesizes a fresh
// document seeded with RecoveryNotice so the user is told what happened. An
// existing backup that itself fails to decode is unrecoverable corruption
// and is returned as an error for the caller to surface, never hidden behind
// an empty document.
func (m *Manager) Recover(documentID string) (*crdt.Document, error) {
	backups, err := m.List(documentID)
	if err != nil {
		return nil, err
	}

	if len(backups) == 0 {
		m.logger.WithField("documentID", documentID).Warn("no backups found, synthesizing fresh document")
		doc := crdt.New()
		for _, r := range RecoveryNotice {
			if _, _, err := doc.Insert(doc.Length(), string(r)); err != nil {
				return nil, fmt.Errorf("failed to seed recovered document: %w", err)
			}
		}
		return doc, nil
	}

	doc, err := crdt.DecodeFull(backups[0].Data)
	if err != nil {
		return nil, fmt.Errorf("newest backup for %s is corrupt: %w", documentID, err)
	}
	return doc, nil
}
