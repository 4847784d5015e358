package crdt

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// mustInsert is a test helper that inserts and returns the encoded update.
func mustInsert(t *testing.T, doc *Document, position int, value string) []byte {
	t.Helper()
	_, u, err := doc.Insert(position, value)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	data, err := u.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return data
}

// mustDelete is a test helper that deletes and returns the encoded update.
func mustDelete(t *testing.T, doc *Document, position int) []byte {
	t.Helper()
	_, u, err := doc.Delete(position)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	data, err := u.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return data
}

// TestMerge_Convergence applies the same update set to two replicas in
// different orders, with duplicates, and expects identical visible content.
func TestMerge_Convergence(t *testing.T) {
	origin := NewWithSite("origin")
	var updates [][]byte
	for i, c := range []string{"h", "e", "l", "l", "o"} {
		updates = append(updates, mustInsert(t, origin, i, c))
	}
	updates = append(updates, mustDelete(t, origin, 4))

	r1 := NewWithSite("site-1")
	r2 := NewWithSite("site-2")

	// Forward order on r1.
	for _, u := range updates {
		if err := r1.Merge(u); err != nil {
			t.Errorf("error: %v\n", err)
		}
	}

	// Reverse order with duplicates on r2.
	for i := len(updates) - 1; i >= 0; i-- {
		if err := r2.Merge(updates[i]); err != nil {
			t.Errorf("error: %v\n", err)
		}
		if err := r2.Merge(updates[i]); err != nil {
			t.Errorf("error: %v\n", err)
		}
	}

	got := r1.Content()
	want := r2.Content()

	if !cmp.Equal(got, want) {
		t.Errorf("replicas diverged; diff = %v\n", cmp.Diff(got, want))
	}
	if got != "hell" {
		t.Errorf("got = %q, expected = %q\n", got, "hell")
	}
}

// TestMerge_Idempotent verifies that re-applying an update is a no-op.
func TestMerge_Idempotent(t *testing.T) {
	origin := NewWithSite("origin")
	update := mustInsert(t, origin, 0, "a")

	replica := NewWithSite("replica")
	if err := replica.Merge(update); err != nil {
		t.Errorf("error: %v\n", err)
	}
	once := replica.Content()

	if err := replica.Merge(update); err != nil {
		t.Errorf("error: %v\n", err)
	}

	got := replica.Content()
	want := once

	if got != want || replica.Length() != 1 {
		t.Errorf("got = %q (length %v), expected = %q (length 1)\n", got, replica.Length(), want)
	}
}

// TestMerge_TombstoneStability verifies that re-merging an insert that
// causally precedes a delete never resurrects the deleted element, and that
// a delete arriving before its insert still wins.
func TestMerge_TombstoneStability(t *testing.T) {
	origin := NewWithSite("origin")
	insert := mustInsert(t, origin, 0, "x")
	remove := mustDelete(t, origin, 0)

	// Insert, delete, then the insert arrives again.
	r1 := NewWithSite("site-1")
	for _, u := range [][]byte{insert, remove, insert} {
		if err := r1.Merge(u); err != nil {
			t.Errorf("error: %v\n", err)
		}
	}
	if got := r1.Content(); got != "" {
		t.Errorf("deleted element resurrected; got = %q\n", got)
	}

	// The delete outruns the insert.
	r2 := NewWithSite("site-2")
	for _, u := range [][]byte{remove, insert} {
		if err := r2.Merge(u); err != nil {
			t.Errorf("error: %v\n", err)
		}
	}
	if got := r2.Content(); got != "" {
		t.Errorf("early delete lost; got = %q\n", got)
	}
}

// TestMerge_Corrupt verifies that malformed updates are rejected without
// mutating the document.
func TestMerge_Corrupt(t *testing.T) {
	doc := NewWithSite("site-1")
	if _, _, err := doc.Insert(0, "a"); err != nil {
		t.Errorf("error: %v\n", err)
	}
	before := doc.Content()

	cases := [][]byte{
		[]byte("not json"),
		[]byte(`{"elements":[{"id":{"site":"","clock":0},"pos":[],"atom":""}]}`),
		[]byte(`{"elements":[{"id":{"site":"s","clock":1},"pos":[],"atom":"a"}]}`),
		[]byte(`{"removed":[{"site":"","clock":0}]}`),
	}

	for _, data := range cases {
		err := doc.Merge(data)
		if !errors.Is(err, ErrCorruptUpdate) {
			t.Errorf("got err = %v, expected ErrCorruptUpdate\n", err)
		}
	}

	got := doc.Content()
	want := before

	if got != want {
		t.Errorf("document mutated by corrupt update; got = %q, expected = %q\n", got, want)
	}
}

// TestEncodeFull_RoundTrip verifies that a decoded document carries the same
// visible content and keeps merging to the same result as the original.
func TestEncodeFull_RoundTrip(t *testing.T) {
	origin := NewWithSite("origin")
	for i, c := range []string{"r", "o", "u", "n", "d"} {
		mustInsert(t, origin, i, c)
	}
	mustDelete(t, origin, 2)

	data, err := origin.EncodeFull()
	if err != nil {
		t.Errorf("error: %v\n", err)
	}

	restored, err := DecodeFull(data)
	if err != nil {
		t.Errorf("error: %v\n", err)
	}

	got := restored.Content()
	want := origin.Content()

	if !cmp.Equal(got, want) {
		t.Errorf("got != want; diff = %v\n", cmp.Diff(got, want))
	}

	// A restored replica must stay mergeable.
	late := mustInsert(t, origin, 0, "!")
	if err := restored.Merge(late); err != nil {
		t.Errorf("error: %v\n", err)
	}
	if restored.Content() != origin.Content() {
		t.Errorf("restored replica diverged; got = %q, expected = %q\n", restored.Content(), origin.Content())
	}
}

// TestDecodeFull_Corrupt verifies the recovery contract for corrupt state.
func TestDecodeFull_Corrupt(t *testing.T) {
	if _, err := DecodeFull([]byte("garbage")); !errors.Is(err, ErrCorruptUpdate) {
		t.Errorf("got err = %v, expected ErrCorruptUpdate\n", err)
	}
}

// TestEncodeSince_OutOfOrderDelivery verifies that a replica holding only the
// later of a site's elements does not claim the earlier one in its state
// vector, so resuming from that vector still delivers the gap.
func TestEncodeSince_OutOfOrderDelivery(t *testing.T) {
	origin := NewWithSite("origin")
	mustInsert(t, origin, 0, "a")
	second := mustInsert(t, origin, 1, "b")

	// Only the second element reaches the replica.
	replica := NewWithSite("replica")
	if err := replica.Merge(second); err != nil {
		t.Errorf("error: %v\n", err)
	}
	if got := replica.StateVector()["origin"]; got != 0 {
		t.Errorf("state vector claims unseen clocks; got = %v, expected = 0\n", got)
	}

	delta, err := origin.EncodeSince(replica.StateVector())
	if err != nil {
		t.Errorf("error: %v\n", err)
	}
	if err := replica.Merge(delta); err != nil {
		t.Errorf("error: %v\n", err)
	}

	got := replica.Content()
	want := origin.Content()

	if !cmp.Equal(got, want) {
		t.Errorf("sync resumption did not converge; diff = %v\n", cmp.Diff(got, want))
	}
	if got := replica.StateVector()["origin"]; got != 2 {
		t.Errorf("got state vector clock = %v, expected = 2\n", got)
	}
}

// TestEncodeSince verifies incremental export against a known state vector.
func TestEncodeSince(t *testing.T) {
	origin := NewWithSite("origin")
	for i, c := range []string{"a", "b"} {
		mustInsert(t, origin, i, c)
	}

	replica := NewWithSite("replica")
	full, err := origin.EncodeSince(nil)
	if err != nil {
		t.Errorf("error: %v\n", err)
	}
	if err := replica.Merge(full); err != nil {
		t.Errorf("error: %v\n", err)
	}

	// New edits after the replica's snapshot.
	mustInsert(t, origin, 2, "c")
	mustDelete(t, origin, 0)

	delta, err := origin.EncodeSince(replica.StateVector())
	if err != nil {
		t.Errorf("error: %v\n", err)
	}

	var u Update
	if err := json.Unmarshal(delta, &u); err != nil {
		t.Errorf("error: %v\n", err)
	}
	if len(u.Elements) != 1 {
		t.Errorf("got %v delta elements, expected 1\n", len(u.Elements))
	}

	if err := replica.Merge(delta); err != nil {
		t.Errorf("error: %v\n", err)
	}

	got := replica.Content()
	want := origin.Content()

	if !cmp.Equal(got, want) {
		t.Errorf("got != want; diff = %v\n", cmp.Diff(got, want))
	}
}
