package types

import "context"

// Catalog is the durable, cluster-wide source of collection layouts.
//
// CommitMigration is the single atomic point at which a range changes owner:
// it either fully applies or leaves the stored layout untouched.
type Catalog interface {
	// CreateCollection stores the initial layout; ErrCollectionExists if one exists.
	CreateCollection(ctx context.Context, layout *CollectionLayout) error

	// Load returns the current layout or ErrNamespaceNotSharded.
	Load(ctx context.Context, ns Namespace) (*CollectionLayout, error)

	// CommitMigration moves rng from one shard to another if the stored version equals expected.
	//
	// Returns ErrStaleOwnershipVersion when the stored layout changed since expected.
	CommitMigration(ctx context.Context, ns Namespace, rng Range, from, to ShardID, expected ChunkVersion) (*CollectionLayout, error)

	// Namespaces lists every sharded namespace.
	Namespaces(ctx context.Context) ([]Namespace, error)

	// Watch streams layouts as they are stored until ctx is done.
	Watch(ctx context.Context) (<-chan *CollectionLayout, error)
}
