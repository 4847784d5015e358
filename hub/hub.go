// Package hub implements the per-document sync channel: clients join a
// document, push CRDT updates, and receive every peer's updates over a
// reliable ordered connection. The hub also feeds the presence registry and
// the version store, and keeps a server-side replica per document so late
// joiners can be brought up to date with a single doc sync.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/coedit/access"
	"github.com/burntcarrot/coedit/commons"
	"github.com/burntcarrot/coedit/crdt"
	"github.com/burntcarrot/coedit/meta"
	"github.com/burntcarrot/coedit/presence"
	"github.com/burntcarrot/coedit/version"
)

// Conn is the connection surface the hub needs; *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// client is one connected session on a document.
type client struct {
	id     uuid.UUID
	userID string
	conn   Conn
	mu     sync.Mutex // serializes writes to conn
}

func (c *client) send(msg commons.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// document is the hub-side state for one document: the authoritative merge
// replica plus the set of connected clients.
type document struct {
	mu      sync.Mutex
	doc     *crdt.Document
	clients map[uuid.UUID]*client
}

// Hub routes messages between clients and the core stores.
type Hub struct {
	mu        sync.Mutex
	documents map[string]*document

	registry *presence.Registry
	versions *version.Store
	docs     meta.Store
	checker  access.Checker
	logger   *logrus.Logger
}

// New creates a hub wired to the given collaborators.
func New(registry *presence.Registry, versions *version.Store, docs meta.Store, checker access.Checker, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		documents: make(map[string]*document),
		registry:  registry,
		versions:  versions,
		docs:      docs,
		checker:   checker,
		logger:    logger,
	}
}

func (h *Hub) getOrCreate(documentID string) *document {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.documents[documentID]
	if !ok {
		d = &document{doc: crdt.New(), clients: make(map[uuid.UUID]*client)}
		h.documents[documentID] = d
	}
	return d
}

// Serve runs the message loop for one connection until it closes. It returns
// the error that ended the session; a clean leave returns nil.
func (h *Hub) Serve(conn Conn, documentID, userID string) error {
	defer conn.Close()

	if _, err := h.docs.Get(documentID); err != nil {
		return fmt.Errorf("join rejected: %w", err)
	}

	level := h.checker.Check(documentID, userID)
	if !level.CanRead() {
		return fmt.Errorf("join rejected: %w", access.ErrPermissionDenied)
	}

	d := h.getOrCreate(documentID)
	c := &client{id: uuid.New(), userID: userID, conn: conn}

	d.mu.Lock()
	d.clients[c.id] = c
	snapshot, err := d.doc.EncodeFull()
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode doc sync: %w", err)
	}

	h.registry.Upsert(documentID, userID, nil)
	defer func() {
		d.mu.Lock()
		delete(d.clients, c.id)
		d.mu.Unlock()
		h.registry.Remove(documentID, userID)
	}()

	if err := c.send(commons.Message{
		DocumentID: documentID,
		Type:       commons.DocSyncMessage,
		ID:         c.id,
		Document:   snapshot,
	}); err != nil {
		return fmt.Errorf("failed to send doc sync: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"documentID": documentID,
		"userID":     userID,
		"sessionID":  c.id,
		"level":      level.String(),
	}).Info("client joined")

	for {
		var msg commons.Message
		if err := conn.ReadJSON(&msg); err != nil {
			h.logger.WithField("sessionID", c.id).Infof("closing connection: %v", err)
			return nil
		}
		msg.DocumentID = documentID
		msg.UserID = userID
		msg.ID = c.id

		switch msg.Type {
		case commons.UpdateMessage:
			if err := h.handleUpdate(d, c, level, msg); err != nil {
				h.logger.WithField("sessionID", c.id).Warnf("update rejected: %v", err)
			}

		case commons.JoinMessage:
			h.registry.Upsert(documentID, userID, msg.Presence)
			h.relay(d, c, msg)

		case commons.PresenceMessage:
			if err := h.handlePresence(documentID, userID, msg); err != nil {
				h.logger.WithField("sessionID", c.id).Warnf("presence rejected: %v", err)
			}

		case commons.SaveMessage:
			if err := h.handleSave(d, documentID, userID, level, msg); err != nil {
				h.logger.WithField("sessionID", c.id).Warnf("save rejected: %v", err)
			}

		case commons.DocReqMessage:
			d.mu.Lock()
			snapshot, err := d.doc.EncodeFull()
			d.mu.Unlock()
			if err != nil {
				h.logger.WithField("sessionID", c.id).Errorf("failed to encode doc sync: %v", err)
				continue
			}
			if err := c.send(commons.Message{
				DocumentID: documentID,
				Type:       commons.DocSyncMessage,
				ID:         c.id,
				Document:   snapshot,
			}); err != nil {
				h.logger.WithField("sessionID", c.id).Warnf("failed to send doc sync: %v", err)
			}

		case commons.LeaveMessage:
			h.relay(d, c, msg)
			return nil

		default:
			h.logger.WithField("sessionID", c.id).Warnf("unknown message type: %s", msg.Type)
		}
	}
}

// handleUpdate merges a client's delta into the server replica and fans it
// out to every other client on the document. A merge failure is never
// silently swallowed: the update is not broadcast and the sender is logged,
// so divergence stays visible.
func (h *Hub) handleUpdate(d *document, origin *client, level access.Level, msg commons.Message) error {
	if !level.CanWrite() {
		return access.ErrPermissionDenied
	}
	if len(msg.Update) == 0 {
		return errors.New("empty update")
	}

	d.mu.Lock()
	err := d.doc.Merge(msg.Update)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	h.relay(d, origin, msg)
	return nil
}

// relay fans msg out to every client on the document except origin.
func (h *Hub) relay(d *document, origin *client, msg commons.Message) {
	d.mu.Lock()
	peers := make([]*client, 0, len(d.clients))
	for _, peer := range d.clients {
		if peer.id != origin.id {
			peers = append(peers, peer)
		}
	}
	d.mu.Unlock()

	for _, peer := range peers {
		if err := peer.send(msg); err != nil {
			h.logger.WithField("sessionID", peer.id).Warnf("failed to relay %s: %v", msg.Type, err)
		}
	}
}

// handlePresence validates the heartbeat payload at the boundary and
// refreshes the sender's session.
func (h *Hub) handlePresence(documentID, userID string, msg commons.Message) error {
	if msg.Presence != nil {
		if err := msg.Presence.Validate(); err != nil {
			return err
		}
	}
	h.registry.Upsert(documentID, userID, msg.Presence)
	return nil
}

// handleSave snapshots an explicit save into the version store and writes
// the rendered content back to the metadata store.
func (h *Hub) handleSave(d *document, documentID, userID string, level access.Level, msg commons.Message) error {
	if !level.CanWrite() {
		return access.ErrPermissionDenied
	}

	content := msg.Content
	if content == "" {
		d.mu.Lock()
		content = d.doc.Content()
		d.mu.Unlock()
	}

	number, err := h.versions.Save(documentID, content, userID)
	if err != nil {
		return err
	}
	if err := h.docs.UpdateContent(documentID, content); err != nil {
		return err
	}

	h.logger.WithFields(logrus.Fields{
		"documentID": documentID,
		"version":    number,
	}).Info("saved version")
	return nil
}

// DocumentIDs returns the IDs of all documents with live hub state.
func (h *Hub) DocumentIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.documents))
	for id := range h.documents {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns an independent copy of the server replica for the
// document, suitable for handing to the backup manager.
func (h *Hub) Snapshot(documentID string) (*crdt.Document, error) {
	h.mu.Lock()
	d, ok := h.documents[documentID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no live state for document %s", documentID)
	}

	d.mu.Lock()
	data, err := d.doc.EncodeFull()
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return crdt.DecodeFull(data)
}

// Cursors lists live cursor sessions for the document, excluding requester.
func (h *Hub) Cursors(documentID, requesterID string) ([]presence.SessionView, error) {
	if !h.checker.Check(documentID, requesterID).CanRead() {
		return nil, access.ErrPermissionDenied
	}
	return h.registry.ListCursors(documentID, requesterID), nil
}

// Versions lists the document's history for a requester with read access.
func (h *Hub) Versions(documentID, requesterID string, limit int) ([]version.View, error) {
	if !h.checker.Check(documentID, requesterID).CanRead() {
		return nil, access.ErrPermissionDenied
	}
	return h.versions.List(documentID, limit)
}
