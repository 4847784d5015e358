package crdt

import (
	"fmt"
	"os"
)

// Save writes the full document state to a file, serving as the replica's
// durable offline cache.
func Save(path string, doc *Document) error {
	data, err := doc.EncodeFull()
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// Load reads a document back from a file written by Save. Corrupt bytes
// surface as ErrCorruptUpdate so the caller can run the recovery flow.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return DecodeFull(data)
}
