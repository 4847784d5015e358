package main

import (
	"bufio"
	"errors"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/coedit/backup"
	"github.com/burntcarrot/coedit/crdt"
	"github.com/burntcarrot/coedit/storage"
)

var logger = logrus.New()

func main() {
	flags := parseFlags()

	logFile, debugLogFile, err := setupLogger(logger, flags)
	if err != nil {
		color.Red("Logger error, exiting: %s", err)
		os.Exit(1)
	}
	defer closeLogFiles(logFile, debugLogFile)

	// Local durable storage for backups of the live replica.
	db, err := storage.Open(storage.DefaultConfig(flags.BackupDir))
	if err != nil {
		color.Red("Storage error, exiting: %s", err)
		os.Exit(1)
	}
	defer db.Close()
	backups := backup.NewManager(db, logger)

	doc := loadReplica(flags, backups)

	conn, _, err := createConn(flags)
	if err != nil {
		color.Red("Connection error, exiting: %s", err)
		os.Exit(1)
	}
	defer conn.Close()

	color.Green("Connected to server @ %s as %s (document %s)", flags.Server, flags.User, flags.Doc)
	color.Yellow("Type text to append it, /save to snapshot a version, /quit to exit.")

	e := newEngine(conn, doc, flags, backups)
	e.join()
	go e.readMessages()
	go e.heartbeat()
	go e.backupLoop()

	e.writeMessages(bufio.NewScanner(os.Stdin))
}

// loadReplica restores the local replica from the offline cache, running the
// recovery flow when the cache is corrupt. The user is always told when
// recovery happens; a silently emptied document would hide data loss.
func loadReplica(flags Flags, backups *backup.Manager) *crdt.Document {
	if flags.File == "" {
		return crdt.New()
	}

	doc, err := crdt.Load(flags.File)
	if err == nil {
		return doc
	}
	if errors.Is(err, os.ErrNotExist) {
		return crdt.New()
	}
	if !errors.Is(err, crdt.ErrCorruptUpdate) {
		color.Red("Failed to load %s, exiting: %s", flags.File, err)
		os.Exit(1)
	}

	color.Red("Local document state is corrupt, attempting recovery...")
	logger.Errorf("corrupt offline cache %s: %v", flags.File, err)

	recovered, rerr := backups.Recover(flags.Doc)
	if rerr != nil {
		color.Red("Recovery failed, exiting: %s", rerr)
		log.Fatal(rerr)
	}
	color.Yellow("Recovered document from the latest backup.")
	return recovered
}
