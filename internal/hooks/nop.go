// Package hooks provides default lifecycle hook implementations.
package hooks

import (
	"context"

	"github.com/arloliu/rangemove/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// This is the default implementation used when no custom hooks are provided,
// eliminating the need for nil checks throughout the codebase.
type NopHooks struct{}

// Compile-time assertions that NopHooks implements hook callbacks.
var (
	_ func(context.Context, types.Namespace, types.DonorState, types.DonorState) error         = (*NopHooks)(nil).OnDonorStateChanged
	_ func(context.Context, types.Namespace, types.RecipientState, types.RecipientState) error = (*NopHooks)(nil).OnRecipientStateChanged
	_ func(context.Context, *types.CollectionLayout) error                                     = (*NopHooks)(nil).OnOwnershipChanged
	_ func(context.Context, error) error                                                       = (*NopHooks)(nil).OnError
)

// NewNop creates a new no-op hooks implementation.
func NewNop() types.Hooks {
	h := &NopHooks{}

	return types.Hooks{
		OnDonorStateChanged:     h.OnDonorStateChanged,
		OnRecipientStateChanged: h.OnRecipientStateChanged,
		OnOwnershipChanged:      h.OnOwnershipChanged,
		OnError:                 h.OnError,
	}
}

// WithDefaults returns a copy of h whose nil callbacks are replaced by no-ops.
//
// Parameters:
//   - h: User supplied hooks, may be nil
//
// Returns:
//   - types.Hooks: Hooks with every callback set
func WithDefaults(h *types.Hooks) types.Hooks {
	out := NewNop()
	if h == nil {
		return out
	}
	if h.OnDonorStateChanged != nil {
		out.OnDonorStateChanged = h.OnDonorStateChanged
	}
	if h.OnRecipientStateChanged != nil {
		out.OnRecipientStateChanged = h.OnRecipientStateChanged
	}
	if h.OnOwnershipChanged != nil {
		out.OnOwnershipChanged = h.OnOwnershipChanged
	}
	if h.OnError != nil {
		out.OnError = h.OnError
	}

	return out
}

// OnDonorStateChanged is a no-op implementation.
func (h *NopHooks) OnDonorStateChanged(_ context.Context, _ types.Namespace, _, _ types.DonorState) error {
	return nil
}

// OnRecipientStateChanged is a no-op implementation.
func (h *NopHooks) OnRecipientStateChanged(_ context.Context, _ types.Namespace, _, _ types.RecipientState) error {
	return nil
}

// OnOwnershipChanged is a no-op implementation.
func (h *NopHooks) OnOwnershipChanged(_ context.Context, _ *types.CollectionLayout) error {
	return nil
}

// OnError is a no-op implementation.
func (h *NopHooks) OnError(_ context.Context, _ error) error {
	return nil
}
