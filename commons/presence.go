package commons

import "errors"

var (
	ErrInvalidCursor    = errors.New("invalid cursor")
	ErrInvalidSelection = errors.New("invalid selection")
)

// Cursor is a structural position in a document: the path of child indexes
// from the root plus a character offset within the addressed node. It is a
// closed shape, validated at the boundary before entering the core.
type Cursor struct {
	Path   []int `json:"path"`
	Offset int   `json:"offset"`
}

// Selection is a range between two cursors. Anchor is where the selection
// started, focus is where it currently ends; focus may precede anchor.
type Selection struct {
	Anchor Cursor `json:"anchor"`
	Focus  Cursor `json:"focus"`
}

// Presence is the cursor/selection payload of a presence heartbeat.
// Both fields are optional: a heartbeat with neither still refreshes
// the session's liveness.
type Presence struct {
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// Validate rejects structurally invalid cursors: negative offsets or
// negative path segments.
func (c *Cursor) Validate() error {
	if c.Offset < 0 {
		return ErrInvalidCursor
	}
	for _, segment := range c.Path {
		if segment < 0 {
			return ErrInvalidCursor
		}
	}
	return nil
}

// Validate checks both ends of the selection.
func (s *Selection) Validate() error {
	if err := s.Anchor.Validate(); err != nil {
		return ErrInvalidSelection
	}
	if err := s.Focus.Validate(); err != nil {
		return ErrInvalidSelection
	}
	return nil
}

// Validate checks whichever parts of the payload are present.
func (p *Presence) Validate() error {
	if p.Cursor != nil {
		if err := p.Cursor.Validate(); err != nil {
			return err
		}
	}
	if p.Selection != nil {
		if err := p.Selection.Validate(); err != nil {
			return err
		}
	}
	return nil
}
