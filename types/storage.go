package types

// Storage is the local storage engine of a shard.
//
// Implementations must be safe for concurrent use. Scan returns documents in
// ascending key order so callers can resume a scan from the last key seen.
type Storage interface {
	// Get returns the document stored under key or ErrDocumentNotFound.
	Get(ns Namespace, key Key) (Document, error)

	// Apply performs a single write.
	Apply(ns Namespace, w Write) error

	// Scan returns up to limit documents with keys inside rng in ascending key order.
	Scan(ns Namespace, rng Range, limit int) ([]Document, error)

	// DeleteKeys removes the given keys and returns how many documents were actually removed.
	DeleteKeys(ns Namespace, keys []Key) (int, error)

	// Count returns the number of documents with keys inside rng.
	Count(ns Namespace, rng Range) int
}
