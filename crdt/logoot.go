package crdt

import (
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Document represents a document that would be edited by the users.
// Every replica holds the full sequence of elements, including tombstoned
// ones, so that concurrent edits from other replicas can always be merged at
// a deterministic position.
type Document struct {
	siteID   string
	elements []Element
	deleted  map[ID]struct{}
	seen     map[ID]struct{}
	versions map[string]uint64
}

// ID is the globally unique identity of one element: the site that created it
// and that site's logical clock at creation time.
type ID struct {
	Site  string `json:"site"`
	Clock uint64 `json:"clock"`
}

// Position represents a position in the document.
type Position struct {
	Identifier uint16 `json:"identifier"`
	SiteID     string `json:"siteID"`
}

// Element is a smaller unit of a document: a single atom tagged with its
// identity and its position list. Positions are totally ordered, so sorting
// elements by position yields the same visible sequence on every replica.
type Element struct {
	ID   ID         `json:"id"`
	Pos  []Position `json:"pos"`
	Atom string     `json:"atom"`
}

const (
	minIdentifier uint16 = 0
	maxIdentifier uint16 = 65535
)

var (
	ErrPositionOutOfBounds = errors.New("position out of bounds")
	ErrEmptyAtom           = errors.New("empty atom provided")
)

// New returns an initialized document with a random site identity.
func New() *Document {
	return NewWithSite(uuid.NewString())
}

// NewWithSite returns an initialized document owned by the given site.
func NewWithSite(siteID string) *Document {
	return &Document{
		siteID:   siteID,
		deleted:  make(map[ID]struct{}),
		seen:     make(map[ID]struct{}),
		versions: make(map[string]uint64),
	}
}

// SiteID returns the replica's site identity.
func (doc *Document) SiteID() string {
	return doc.siteID
}

// Content returns the visible content of the document.
func (doc *Document) Content() string {
	var b strings.Builder
	for _, el := range doc.elements {
		if _, dead := doc.deleted[el.ID]; !dead {
			b.WriteString(el.Atom)
		}
	}
	return b.String()
}

// Length returns the number of visible elements in the document.
func (doc *Document) Length() int {
	count := 0
	for _, el := range doc.elements {
		if _, dead := doc.deleted[el.ID]; !dead {
			count++
		}
	}
	return count
}

// Insert places value before the visible element at position, so position 0
// prepends and position Length() appends. It returns the new visible content
// and an update carrying exactly the inserted element.
func (doc *Document) Insert(position int, value string) (string, *Update, error) {
	if value == "" {
		return doc.Content(), nil, ErrEmptyAtom
	}
	if position < 0 || position > doc.Length() {
		return doc.Content(), nil, ErrPositionOutOfBounds
	}

	// The right neighbor is the visible element currently at the insertion
	// index; the left neighbor is whatever element (tombstoned or not)
	// immediately precedes it in the full sequence. Generating between
	// full-sequence neighbors keeps freshly generated positions unique.
	var prev, next []Position
	rightFull := len(doc.elements)
	if right := doc.ithVisible(position); right >= 0 {
		rightFull = right
		next = doc.elements[right].Pos
	}
	if rightFull > 0 {
		prev = doc.elements[rightFull-1].Pos
	}

	el := Element{
		ID:   ID{Site: doc.siteID, Clock: doc.versions[doc.siteID] + 1},
		Pos:  generatePosition(prev, next, doc.siteID),
		Atom: value,
	}
	doc.integrate(el)

	return doc.Content(), &Update{Source: doc.StateVector(), Elements: []Element{el}}, nil
}

// Delete tombstones the visible element at position. The element is never
// physically removed; the retained tombstone is what keeps a concurrent
// remote insert next to it mergeable.
func (doc *Document) Delete(position int) (string, *Update, error) {
	i := doc.ithVisible(position)
	if i < 0 {
		return doc.Content(), nil, ErrPositionOutOfBounds
	}

	id := doc.elements[i].ID
	doc.deleted[id] = struct{}{}

	return doc.Content(), &Update{Source: doc.StateVector(), Removed: []ID{id}}, nil
}

// ithVisible returns the index into the full sequence of the ith visible
// element, or -1 if there is no such element.
func (doc *Document) ithVisible(position int) int {
	if position < 0 {
		return -1
	}
	count := 0
	for i, el := range doc.elements {
		if _, dead := doc.deleted[el.ID]; dead {
			continue
		}
		if count == position {
			return i
		}
		count++
	}
	return -1
}

// integrate inserts el into the full sequence at its sorted position.
// Elements already seen are skipped, which is what makes re-delivery a no-op.
func (doc *Document) integrate(el Element) {
	if _, ok := doc.seen[el.ID]; ok {
		return
	}
	doc.seen[el.ID] = struct{}{}
	// The state vector advances only over contiguous clocks. An element
	// arriving ahead of its site's predecessors is still integrated, but the
	// vector must not summarize it, or sync resumption would skip the gap.
	for {
		next := ID{Site: el.ID.Site, Clock: doc.versions[el.ID.Site] + 1}
		if _, ok := doc.seen[next]; !ok {
			break
		}
		doc.versions[el.ID.Site] = next.Clock
	}

	i := sort.Search(len(doc.elements), func(i int) bool {
		return compareElements(doc.elements[i], el) >= 0
	})
	doc.elements = append(doc.elements, Element{})
	copy(doc.elements[i+1:], doc.elements[i:])
	doc.elements[i] = el
}

// generatePosition returns a position strictly between prev and next,
// terminating at the shallowest depth with room for a fresh identifier.
// A nil next means the upper bound is open.
func generatePosition(prev, next []Position, site string) []Position {
	pos := make([]Position, 0, len(prev)+1)
	for depth := 0; ; depth++ {
		p := Position{Identifier: minIdentifier}
		if depth < len(prev) {
			p = prev[depth]
		}
		q := Position{Identifier: maxIdentifier}
		if next != nil && depth < len(next) {
			q = next[depth]
		}

		if gap := int(q.Identifier) - int(p.Identifier); gap > 1 {
			return append(pos, Position{Identifier: p.Identifier + uint16(gap/2), SiteID: site})
		}

		// No room at this depth: keep the left bound and descend. Once the
		// bounds diverge the right bound no longer constrains deeper levels.
		pos = append(pos, p)
		if p != q {
			next = nil
		}
	}
}

// comparePositions orders position lists lexicographically, with a shorter
// list ordered before any extension of it.
func comparePositions(a, b []Position) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].Identifier != b[i].Identifier {
			if a[i].Identifier < b[i].Identifier {
				return -1
			}
			return 1
		}
		if c := strings.Compare(a[i].SiteID, b[i].SiteID); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// compareElements orders elements by position, falling back to identity so
// the order is total on every replica.
func compareElements(a, b Element) int {
	if c := comparePositions(a.Pos, b.Pos); c != 0 {
		return c
	}
	if c := strings.Compare(a.ID.Site, b.ID.Site); c != 0 {
		return c
	}
	switch {
	case a.ID.Clock < b.ID.Clock:
		return -1
	case a.ID.Clock > b.ID.Clock:
		return 1
	default:
		return 0
	}
}
