package main

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/burntcarrot/coedit/backup"
	"github.com/burntcarrot/coedit/commons"
	"github.com/burntcarrot/coedit/crdt"
)

// ConnReader reads messages from the sync channel.
type ConnReader interface {
	ReadJSON(v interface{}) error
}

// ConnWriter writes messages to the sync channel.
type ConnWriter interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Conn combines both halves; *websocket.Conn satisfies it.
type Conn interface {
	ConnReader
	ConnWriter
}

// Scanner feeds local input lines to the engine.
type Scanner interface {
	Scan() bool
	Text() string
}

// Engine drives one replica: it merges remote updates, pushes local edits,
// heartbeats presence, and periodically exports the replica to local
// backups. All mutations of the replica go through one mutex, so local edits
// and remote merges form a single serialized sequence.
type Engine struct {
	conn    Conn
	mu      sync.Mutex
	doc     *crdt.Document
	flags   Flags
	backups *backup.Manager
	done    chan struct{}
}

func newEngine(conn Conn, doc *crdt.Document, flags Flags, backups *backup.Manager) *Engine {
	return &Engine{
		conn:    conn,
		doc:     doc,
		flags:   flags,
		backups: backups,
		done:    make(chan struct{}),
	}
}

// join announces the session to the peers on the document.
func (e *Engine) join() {
	if err := e.conn.WriteJSON(commons.Message{Type: commons.JoinMessage}); err != nil {
		logger.Errorf("failed to send join: %v", err)
	}
}

// readMessages handles incoming messages on the WebSocket connection.
func (e *Engine) readMessages() {
	for {
		var msg commons.Message
		if err := e.conn.ReadJSON(&msg); err != nil {
			color.Red("Server closed the connection: %s", err)
			close(e.done)
			return
		}

		switch msg.Type {
		case commons.DocSyncMessage:
			if err := e.mergeFull(msg.Document); err != nil {
				e.handleCorrupt(err)
				continue
			}
			logger.Debug("merged doc sync")

		case commons.UpdateMessage:
			e.mu.Lock()
			err := e.doc.Merge(msg.Update)
			content := e.doc.Content()
			e.mu.Unlock()
			if err != nil {
				e.handleCorrupt(err)
				continue
			}
			color.Cyan("%s", content)

		case commons.JoinMessage:
			color.Green("%s joined the session.", msg.UserID)

		case commons.LeaveMessage:
			color.Yellow("%s left the session.", msg.UserID)

		default:
			logger.Debugf("ignoring message type %s", msg.Type)
		}

		e.persistCache()
	}
}

// mergeFull folds a peer's full document state into the local replica.
func (e *Engine) mergeFull(data []byte) error {
	remote, err := crdt.DecodeFull(data)
	if err != nil {
		return err
	}
	delta, err := remote.EncodeSince(nil)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Merge(delta)
}

// handleCorrupt runs the recovery flow for a merge failure. Merge failures
// are never swallowed: a replica that silently skips updates diverges.
func (e *Engine) handleCorrupt(err error) {
	if !errors.Is(err, crdt.ErrCorruptUpdate) {
		logger.Errorf("merge failed: %v", err)
		return
	}

	color.Red("Received corrupt update, attempting recovery...")
	logger.Errorf("corrupt update: %v", err)

	recovered, rerr := e.backups.Recover(e.flags.Doc)
	if rerr != nil {
		color.Red("Recovery failed: %s", rerr)
		logger.Errorf("recovery failed: %v", rerr)
		return
	}

	e.mu.Lock()
	e.doc = recovered
	e.mu.Unlock()

	// Resync from the server on top of the recovered state.
	if werr := e.conn.WriteJSON(commons.Message{Type: commons.DocReqMessage}); werr != nil {
		logger.Errorf("failed to request doc sync: %v", werr)
	}
}

// writeMessages reads local input and pushes the resulting updates.
func (e *Engine) writeMessages(s Scanner) {
	for s.Scan() {
		select {
		case <-e.done:
			return
		default:
		}

		line := s.Text()
		switch {
		case line == "/quit":
			_ = e.conn.WriteJSON(commons.Message{Type: commons.LeaveMessage})
			return

		case line == "/save":
			e.mu.Lock()
			content := e.doc.Content()
			e.mu.Unlock()
			if err := e.conn.WriteJSON(commons.Message{Type: commons.SaveMessage, Content: content}); err != nil {
				logger.Errorf("failed to send save: %v", err)
			}

		case strings.HasPrefix(line, "/"):
			color.Yellow("Unknown command %q", line)

		default:
			if err := e.appendText(line + "\n"); err != nil {
				logger.Errorf("failed to append text: %v", err)
			}
		}
	}
}

// appendText inserts the text at the end of the document and sends a single
// delta covering all of it.
func (e *Engine) appendText(text string) error {
	e.mu.Lock()
	before := e.doc.StateVector()
	for _, r := range text {
		if _, _, err := e.doc.Insert(e.doc.Length(), string(r)); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	delta, err := e.doc.EncodeSince(before)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := e.conn.WriteJSON(commons.Message{Type: commons.UpdateMessage, Update: delta}); err != nil {
		return err
	}

	e.persistCache()
	return nil
}

// heartbeat sends periodic presence updates with the cursor pinned to the
// end of the document.
func (e *Engine) heartbeat() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		offset := e.doc.Length()
		e.mu.Unlock()

		msg := commons.Message{
			Type: commons.PresenceMessage,
			Presence: &commons.Presence{
				Cursor: &commons.Cursor{Path: []int{0}, Offset: offset},
			},
		}
		if err := e.conn.WriteJSON(msg); err != nil {
			logger.Debugf("failed to send heartbeat: %v", err)
		}
	}
}

// backupLoop periodically exports the replica to the local backup store.
// Backup failures are logged and never interrupt editing.
func (e *Engine) backupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		doc := e.doc
		b, err := e.backups.Export(doc, e.flags.Doc)
		e.mu.Unlock()
		if err != nil {
			logger.Errorf("backup export failed: %v", err)
			continue
		}
		if err := e.backups.Persist(b); err != nil {
			logger.Errorf("backup persist failed: %v", err)
		}
	}
}

// persistCache writes the replica to the offline cache file, when one is
// configured.
func (e *Engine) persistCache() {
	if e.flags.File == "" {
		return
	}
	e.mu.Lock()
	err := crdt.Save(e.flags.File, e.doc)
	e.mu.Unlock()
	if err != nil {
		logger.Errorf("failed to persist offline cache: %v", err)
	}
}
