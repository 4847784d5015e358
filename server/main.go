package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/coedit/access"
	"github.com/burntcarrot/coedit/backup"
	"github.com/burntcarrot/coedit/hub"
	"github.com/burntcarrot/coedit/meta"
	"github.com/burntcarrot/coedit/presence"
	"github.com/burntcarrot/coedit/storage"
	"github.com/burntcarrot/coedit/version"
)

func main() {
	// Parse flags.
	addr := flag.String("addr", ":9000", "Server's network address")
	dataDir := flag.String("data", "coedit-data", "Directory for durable storage")
	docID := flag.String("doc", "default", "Document ID to seed")
	title := flag.String("title", "Untitled", "Title of the seeded document")
	maxBackupAge := flag.Int("backup-max-age", 30, "Backup retention in days")
	maxBackupCount := flag.Int("backup-max-count", 10, "Backups to keep per document")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	db, err := storage.Open(storage.DefaultConfig(*dataDir))
	if err != nil {
		log.Fatalf("Error opening storage, exiting: %v", err)
	}
	defer db.Close()

	// The demo server resolves every user to their own ID; a real
	// deployment plugs in the identity collaborator here.
	registry := presence.NewRegistry(selfDirectory{}, presence.SystemClock(), logger)
	versions := version.NewStore(db, selfAuthors{}, logger)
	backups := backup.NewManager(db, logger)

	docs := meta.NewMemoryStore()
	docs.Put(meta.Document{ID: *docID, Title: *title})

	h := hub.New(registry, versions, docs, access.AllowAll(), logger)

	go sweepLoop(registry)
	go backupLoop(h, backups, logger)
	go pruneLoop(backups, backup.Policy{MaxAgeDays: *maxBackupAge, MaxCount: *maxBackupCount}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.HandleWS)

	// Start the server.
	color.Green("Starting server on %s (document %q)", *addr, *docID)
	log.Printf("Starting server on %s", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatal("Error starting server, exiting.", err)
	}
}

// selfDirectory resolves every user to their own ID.
type selfDirectory struct{}

func (selfDirectory) Lookup(userID string) (presence.User, error) {
	return presence.User{ID: userID, DisplayName: userID}, nil
}

type selfAuthors struct{}

func (selfAuthors) Lookup(userID string) (version.Author, error) {
	return version.Author{ID: userID, DisplayName: userID}, nil
}

// sweepLoop garbage-collects presence sessions past the hard expiry on a
// schedule independent of any single client's activity.
func sweepLoop(registry *presence.Registry) {
	for range time.Tick(time.Minute) {
		registry.SweepStale(presence.HardExpiry)
	}
}

// backupLoop periodically exports every live document replica.
func backupLoop(h *hub.Hub, backups *backup.Manager, logger *logrus.Logger) {
	for range time.Tick(5 * time.Minute) {
		for _, documentID := range h.DocumentIDs() {
			doc, err := h.Snapshot(documentID)
			if err != nil {
				logger.Warnf("backup skipped: %v", err)
				continue
			}
			b, err := backups.Export(doc, documentID)
			if err != nil {
				// Backup failures never block the edit path.
				logger.Errorf("backup export failed: %v", err)
				continue
			}
			if err := backups.Persist(b); err != nil {
				logger.Errorf("backup persist failed: %v", err)
			}
		}
	}
}

// pruneLoop applies backup retention once a day.
func pruneLoop(backups *backup.Manager, policy backup.Policy, logger *logrus.Logger) {
	for range time.Tick(24 * time.Hour) {
		removed, err := backups.Prune(policy)
		if err != nil {
			logger.Errorf("backup prune failed: %v", err)
			continue
		}
		if removed > 0 {
			logger.Infof("pruned %d backups", removed)
		}
	}
}
