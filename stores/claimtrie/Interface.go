// Package claimtrie maintains the per-name claim competition state: the set
// of competing claims and supports for every name, the controlling claim
// under the delayed-takeover rule, and enough undo state to restore any
// recent height exactly.
//
// The working set is held in memory and mutated by a single writer. A
// Persister makes the state and its undo arena durable per applied block so
// a restart resumes from the last committed height.
package claimtrie

import (
	"context"

	"github.com/claimnet/claimnode/model"
)

type Store interface {
	// ApplyClaim processes one claim operation at the given height. Ops for a
	// block are applied before ApplyBlock for the same height.
	ApplyClaim(op Op, height uint32) error

	// ApplyBlock runs scheduled activations and the takeover check for every
	// name touched at the height, then commits the block to the persister.
	ApplyBlock(ctx context.Context, height uint32) error

	// RollbackToHeight restores the exact state as of the given height,
	// including in-flight activation delays.
	RollbackToHeight(ctx context.Context, height uint32) error

	// ResolveName returns the controlling claim for the name.
	ResolveName(name []byte) (*ClaimEntry, error)

	// GetClaimsForName returns every competing claim for the name, best first.
	GetClaimsForName(name []byte) ([]*ClaimEntry, error)

	GetClaimByID(claimID model.ClaimID) (*ClaimEntry, error)

	// ClaimAtOutPoint reports whether the outpoint currently carries a claim.
	ClaimAtOutPoint(outpoint model.OutPoint) (*ClaimEntry, bool)

	// SupportAtOutPoint reports whether the outpoint currently carries a
	// support and which claim it backs.
	SupportAtOutPoint(outpoint model.OutPoint) (model.ClaimID, bool)

	// Height returns the last applied height and false when nothing has been
	// applied yet.
	Height() (uint32, bool)

	Close() error
}

// ClaimEntry is the read-side view of a single competing claim.
type ClaimEntry struct {
	ClaimID         model.ClaimID  `json:"claimId"`
	Name            []byte         `json:"name"`
	OutPoint        model.OutPoint `json:"outPoint"`
	Amount          uint64         `json:"amount"`
	EffectiveAmount uint64         `json:"effectiveAmount"`
	Value           []byte         `json:"value"`
	AcceptedHeight  uint32         `json:"acceptedHeight"`
	OriginHeight    uint32         `json:"originHeight"`
	ActiveAt        uint32         `json:"activeAt"`
	Sequence        uint32         `json:"sequence"`
	Controlling     bool           `json:"controlling"`
}
