package commons

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Message represents the message sent over the per-document sync channel.
type Message struct {
	// DocumentID identifies the document the message belongs to.
	DocumentID string `json:"documentID"`

	// UserID identifies the user acting on the document.
	UserID string `json:"userID"`

	// Type represents the message type.
	Type MessageType `json:"type"`

	// ID represents the client's session UUID.
	ID uuid.UUID `json:"ID"`

	// Update carries an encoded CRDT delta. Only set for update messages.
	Update json.RawMessage `json:"update,omitempty"`

	// Document carries the full encoded document. This should be only used
	// when necessary (doc sync for late joiners), due to the large size of
	// documents.
	Document json.RawMessage `json:"document,omitempty"`

	// Presence carries cursor/selection state for presence messages.
	Presence *Presence `json:"presence,omitempty"`

	// Content carries rendered document content for save messages.
	Content string `json:"content,omitempty"`
}

// MessageType represents the type of the message.
type MessageType string

// The sync channel supports 7 message types:
// - docSync (for syncing full documents to late joiners)
// - docReq (for requesting documents)
// - update (for incremental CRDT updates)
// - presence (for cursor/selection heartbeats)
// - save (for snapshotting a named version)
// - join (for joining messages)
// - leave (for explicit departures)

const (
	DocSyncMessage  MessageType = "docSync"
	DocReqMessage   MessageType = "docReq"
	UpdateMessage   MessageType = "update"
	PresenceMessage MessageType = "presence"
	SaveMessage     MessageType = "save"
	JoinMessage     MessageType = "join"
	LeaveMessage    MessageType = "leave"
)
