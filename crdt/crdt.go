package crdt

// CRDT is the operation surface a document replica exposes to an editor:
// position-based local edits that return the resulting visible content and an
// update suitable for broadcasting to peers.
type CRDT interface {
	Insert(position int, value string) (string, *Update, error)
	Delete(position int) (string, *Update, error)
	Content() string
}

var _ CRDT = (*Document)(nil)
