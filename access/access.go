// Package access defines the access-control collaborator interface. The core
// never evaluates ownership or visibility rules itself; it trusts the level
// this collaborator precomputes.
package access

import "errors"

var ErrPermissionDenied = errors.New("permission denied")

// Level is the precomputed permission decision for (document, requester).
type Level int

const (
	NoAccess Level = iota
	ReadOnly
	ReadWrite
)

func (l Level) String() string {
	switch l {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return "no-access"
	}
}

// CanRead reports whether the level allows read operations.
func (l Level) CanRead() bool { return l == ReadOnly || l == ReadWrite }

// CanWrite reports whether the level allows mutating operations.
func (l Level) CanWrite() bool { return l == ReadWrite }

// Checker resolves the permission level of a requester on a document.
type Checker interface {
	Check(documentID, requesterID string) Level
}

// StaticChecker is a fixed permission table, used by tests and the demo
// server. Missing entries fall back to the default level.
type StaticChecker struct {
	Default Level
	Grants  map[string]Level // "documentID/requesterID" -> level
}

// Check looks up the grant for (documentID, requesterID).
func (c *StaticChecker) Check(documentID, requesterID string) Level {
	if level, ok := c.Grants[documentID+"/"+requesterID]; ok {
		return level
	}
	return c.Default
}

// AllowAll grants read-write to everyone.
func AllowAll() Checker {
	return &StaticChecker{Default: ReadWrite}
}
