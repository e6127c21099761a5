package types

import "fmt"

// Document is a stored record identified by its shard key.
type Document struct {
	Key   Key    `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Op is the kind of a write.
type Op int

const (
	// OpInsert creates a document and fails if the key exists.
	OpInsert Op = iota

	// OpUpdate replaces an existing document and fails if the key is absent.
	OpUpdate

	// OpUpsert creates or replaces a document.
	OpUpsert

	// OpDelete removes a document; deleting an absent key is a no-op.
	OpDelete
)

// String returns the string representation of the op.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Write is a single-document write applied to a shard.
type Write struct {
	Op  Op       `json:"op"`
	Doc Document `json:"doc"`
}

// Validate checks that the write targets a storable key.
func (w Write) Validate() error {
	if !w.Doc.Key.IsDocumentKey() {
		return fmt.Errorf("%w: %s", ErrInvalidKey, w.Doc.Key)
	}
	if w.Op < OpInsert || w.Op > OpDelete {
		return fmt.Errorf("%w: op %d", ErrInvalidWrite, int(w.Op))
	}

	return nil
}
