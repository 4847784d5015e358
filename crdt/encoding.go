package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrCorruptUpdate is returned when bytes fed to Merge or DecodeFull cannot
// be decoded or fail validation. The receiving document is left untouched.
var ErrCorruptUpdate = errors.New("corrupt update")

// StateVector is a compact summary of which operations a replica has already
// seen: per site, the highest clock for which every earlier clock has also
// been seen. Elements delivered out of causal order are held back from the
// summary until the gap before them fills.
type StateVector map[string]uint64

// Update is an encodable delta: the elements inserted since the source state
// vector plus the full set of removed identities. Removals are a grow-only
// set, so carrying all of them keeps a delete mergeable even when it arrives
// before the insert it refers to.
type Update struct {
	Source   StateVector `json:"source"`
	Elements []Element   `json:"elements"`
	Removed  []ID        `json:"removed"`
}

// Encode serializes the update for the wire.
func (u *Update) Encode() ([]byte, error) {
	return json.Marshal(u)
}

// StateVector returns a copy of the replica's current state vector.
func (doc *Document) StateVector() StateVector {
	sv := make(StateVector, len(doc.versions))
	for site, clock := range doc.versions {
		sv[site] = clock
	}
	return sv
}

// Merge integrates an encoded update from a remote replica. It is
// commutative, associative and idempotent: updates may arrive in any order
// and any number of times, and every replica converges on the same visible
// content. Malformed bytes fail with ErrCorruptUpdate before any mutation,
// so a failed merge never leaves the document half-applied.
func (doc *Document) Merge(data []byte) error {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	if err := validateUpdate(&u); err != nil {
		return err
	}
	doc.apply(&u)
	return nil
}

// MergeUpdate integrates an already-decoded update, validating it first.
func (doc *Document) MergeUpdate(u *Update) error {
	if u == nil {
		return fmt.Errorf("%w: nil update", ErrCorruptUpdate)
	}
	if err := validateUpdate(u); err != nil {
		return err
	}
	doc.apply(u)
	return nil
}

func (doc *Document) apply(u *Update) {
	for _, el := range u.Elements {
		doc.integrate(el)
	}
	for _, id := range u.Removed {
		doc.deleted[id] = struct{}{}
	}
}

func validateUpdate(u *Update) error {
	for _, el := range u.Elements {
		if err := validateElement(el); err != nil {
			return err
		}
	}
	for _, id := range u.Removed {
		if id.Site == "" || id.Clock == 0 {
			return fmt.Errorf("%w: removal with invalid identity", ErrCorruptUpdate)
		}
	}
	return nil
}

func validateElement(el Element) error {
	if el.ID.Site == "" || el.ID.Clock == 0 {
		return fmt.Errorf("%w: element with invalid identity", ErrCorruptUpdate)
	}
	if el.Atom == "" {
		return fmt.Errorf("%w: element with empty atom", ErrCorruptUpdate)
	}
	if len(el.Pos) == 0 {
		return fmt.Errorf("%w: element with empty position", ErrCorruptUpdate)
	}
	if el.Pos[len(el.Pos)-1].SiteID == "" {
		return fmt.Errorf("%w: element position missing site", ErrCorruptUpdate)
	}
	return nil
}

// EncodeSince exports every element not covered by the remote state vector,
// together with the full removal set, for efficient sync resumption. The
// vector covers contiguous clock prefixes only, so an element the remote
// already holds past a gap may be re-sent; merging it again is a no-op. A nil
// state vector exports the whole document.
func (doc *Document) EncodeSince(sv StateVector) ([]byte, error) {
	u := Update{Source: sv}
	for _, el := range doc.elements {
		if el.ID.Clock > sv[el.ID.Site] {
			u.Elements = append(u.Elements, el)
		}
	}
	u.Removed = doc.removedIDs()
	return u.Encode()
}

// docState is the durable full-state representation. The owning site identity
// is deliberately not part of it: a restored replica gets a fresh site so two
// clients restoring the same bytes can never collide on clocks.
type docState struct {
	Elements []Element `json:"elements"`
	Removed  []ID      `json:"removed"`
}

// EncodeFull serializes the complete document state, tombstones included.
func (doc *Document) EncodeFull() ([]byte, error) {
	return json.Marshal(docState{Elements: doc.elements, Removed: doc.removedIDs()})
}

// DecodeFull reconstructs a document from EncodeFull bytes under a fresh
// site identity. Malformed bytes fail with ErrCorruptUpdate.
func DecodeFull(data []byte) (*Document, error) {
	var st docState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	for _, el := range st.Elements {
		if err := validateElement(el); err != nil {
			return nil, err
		}
	}

	doc := New()
	for _, el := range st.Elements {
		doc.integrate(el)
	}
	for _, id := range st.Removed {
		doc.deleted[id] = struct{}{}
	}
	return doc, nil
}

func (doc *Document) removedIDs() []ID {
	if len(doc.deleted) == 0 {
		return nil
	}
	ids := make([]ID, 0, len(doc.deleted))
	for id := range doc.deleted {
		ids = append(ids, id)
	}
	// Stable output makes encodings reproducible and diffable in tests.
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Site != ids[j].Site {
			return ids[i].Site < ids[j].Site
		}
		return ids[i].Clock < ids[j].Clock
	})
	return ids
}
