package backup

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burntcarrot/coedit/crdt"
	"github.com/burntcarrot/coedit/storage"
)

func newTestManager(t *testing.T) (*Manager, *badger.DB) {
	t.Helper()
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewManager(db, logger), db
}

func docWithContent(t *testing.T, content string) *crdt.Document {
	t.Helper()
	doc := crdt.New()
	for _, r := range content {
		_, _, err := doc.Insert(doc.Length(), string(r))
		require.NoError(t, err)
	}
	return doc
}

func TestExportPersistList(t *testing.T) {
	m, _ := newTestManager(t)
	doc := docWithContent(t, "backup me")

	b, err := m.Export(doc, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", b.DocumentID)
	assert.Equal(t, len(b.Data), b.Size)
	assert.Equal(t, FormatVersion, b.FormatVersion)

	require.NoError(t, m.Persist(b))

	backups, err := m.List("doc-1")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, b.Data, backups[0].Data)

	// Listings are scoped per document.
	other, err := m.List("doc-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestExportPersist_RejectMalformedDocumentID(t *testing.T) {
	m, _ := newTestManager(t)
	doc := docWithContent(t, "x")

	// An ID carrying the key delimiter would land under doc-1's prefix.
	_, err := m.Export(doc, "doc-1!t00000000000000000001")
	assert.ErrorIs(t, err, ErrInvalidDocumentID)

	err = m.Persist(Backup{
		DocumentID:    "doc!1",
		CreatedAt:     time.Unix(1700000000, 0),
		FormatVersion: FormatVersion,
	})
	assert.ErrorIs(t, err, ErrInvalidDocumentID)

	backups, err := m.List("")
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestList_NewestFirst(t *testing.T) {
	m, _ := newTestManager(t)
	doc := docWithContent(t, "x")

	base := time.Unix(1700000000, 0)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		m.now = func() time.Time { return at }
		b, err := m.Export(doc, "doc-1")
		require.NoError(t, err)
		require.NoError(t, m.Persist(b))
	}

	backups, err := m.List("doc-1")
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.True(t, backups[0].CreatedAt.After(backups[1].CreatedAt))
	assert.True(t, backups[1].CreatedAt.After(backups[2].CreatedAt))
}

func TestPrune_MaxCount(t *testing.T) {
	m, _ := newTestManager(t)
	doc := docWithContent(t, "x")

	base := time.Unix(1700000000, 0)
	var newest time.Time
	for i := 0; i < 3; i++ {
		newest = base.Add(time.Duration(i) * time.Hour)
		at := newest
		m.now = func() time.Time { return at }
		b, err := m.Export(doc, "doc-1")
		require.NoError(t, err)
		require.NoError(t, m.Persist(b))
	}

	m.now = time.Now
	removed, err := m.Prune(Policy{MaxCount: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	backups, err := m.List("doc-1")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.True(t, backups[0].CreatedAt.Equal(newest))

	// Pruning is idempotent.
	removed, err = m.Prune(Policy{MaxCount: 1})
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestPrune_MaxAge(t *testing.T) {
	m, _ := newTestManager(t)
	doc := docWithContent(t, "x")

	now := time.Unix(1700000000, 0)
	for _, age := range []time.Duration{10 * 24 * time.Hour, time.Hour} {
		at := now.Add(-age)
		m.now = func() time.Time { return at }
		b, err := m.Export(doc, "doc-1")
		require.NoError(t, err)
		require.NoError(t, m.Persist(b))
	}

	m.now = func() time.Time { return now }
	removed, err := m.Prune(Policy{MaxAgeDays: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	backups, err := m.List("doc-1")
	require.NoError(t, err)
	require.Len(t, backups, 1)
}

func TestRecover_NoBackups(t *testing.T) {
	m, _ := newTestManager(t)

	doc, err := m.Recover("doc-1")
	require.NoError(t, err)
	require.NotNil(t, doc)

	// The synthesized document must tell the user what happened.
	assert.Equal(t, RecoveryNotice, doc.Content())
}

func TestRecover_FromNewestBackup(t *testing.T) {
	m, _ := newTestManager(t)

	base := time.Unix(1700000000, 0)
	for i, content := range []string{"old", "new"} {
		at := base.Add(time.Duration(i) * time.Hour)
		m.now = func() time.Time { return at }
		b, err := m.Export(docWithContent(t, content), "doc-1")
		require.NoError(t, err)
		require.NoError(t, m.Persist(b))
	}

	doc, err := m.Recover("doc-1")
	require.NoError(t, err)
	assert.Equal(t, "new", doc.Content())
}

func TestRecover_CorruptBackup(t *testing.T) {
	m, _ := newTestManager(t)

	b := Backup{
		DocumentID:    "doc-1",
		CreatedAt:     time.Unix(1700000000, 0),
		Data:          []byte("not a document"),
		Size:          14,
		FormatVersion: FormatVersion,
	}
	require.NoError(t, m.Persist(b))

	doc, err := m.Recover("doc-1")
	assert.Nil(t, doc)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "corrupt"))
}

func TestList_SkipsUnparseableRecords(t *testing.T) {
	m, db := newTestManager(t)

	b, err := m.Export(docWithContent(t, "good"), "doc-1")
	require.NoError(t, err)
	require.NoError(t, m.Persist(b))

	// Write a garbage record under the same prefix.
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set(backupKey("doc-1", time.Unix(1, 0)), []byte("garbage"))
	})
	require.NoError(t, err)

	backups, err := m.List("doc-1")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}
