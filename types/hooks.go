package types

import "context"

// Hooks defines callbacks for shard lifecycle events.
//
// All hooks are optional and called asynchronously in background goroutines
// to avoid blocking the migration state machines. Hooks receive the shard's
// lifecycle context which will be cancelled during shutdown.
//
// Hook execution behavior:
//   - Hooks run concurrently and may not complete before Stop() returns
//   - The context passed to hooks is cancelled when the shard stops
//   - Hook errors are logged but don't fail shard operations
//
// Example:
//
//	hooks := &rangemove.Hooks{
//	    OnDonorStateChanged: func(ctx context.Context, ns rangemove.Namespace, from, to rangemove.DonorState) error {
//	        log.Printf("%s donor %s -> %s", ns, from, to)
//	        return nil
//	    },
//	}
type Hooks struct {
	// OnDonorStateChanged is called when a donor session changes state.
	OnDonorStateChanged func(ctx context.Context, ns Namespace, from, to DonorState) error

	// OnRecipientStateChanged is called when a recipient session changes state.
	OnRecipientStateChanged func(ctx context.Context, ns Namespace, from, to RecipientState) error

	// OnOwnershipChanged is called after a newer layout is installed locally.
	OnOwnershipChanged func(ctx context.Context, layout *CollectionLayout) error

	// OnError is called when a recoverable error occurs.
	OnError func(ctx context.Context, err error) error
}
