package claimtrie

import (
	"github.com/claimnet/claimnode/model"
)

// Op is the closed set of mutations a block can make to the trie. Every
// claim-bearing output and every spend of a claim-bearing outpoint maps to
// exactly one Op.
type Op interface {
	trieOp()
}

// AddClaim introduces a new competing claim for a name.
type AddClaim struct {
	Name     []byte
	OutPoint model.OutPoint
	Amount   uint64
	Value    []byte
}

// UpdateClaim reassigns an existing claim to a new outpoint, amount and value,
// keeping its claim id and origination height.
type UpdateClaim struct {
	Name     []byte
	ClaimID  model.ClaimID
	OutPoint model.OutPoint
	Amount   uint64
	Value    []byte
}

// AddSupport adds amount behind an existing claim id.
type AddSupport struct {
	Name     []byte
	ClaimID  model.ClaimID
	OutPoint model.OutPoint
	Amount   uint64
}

// Abandon removes whatever claim or support lives at the spent outpoint. It
// is a no-op for outpoints the trie does not track, so the caller can issue
// it for every spend.
type Abandon struct {
	OutPoint model.OutPoint
}

func (AddClaim) trieOp()    {}
func (UpdateClaim) trieOp() {}
func (AddSupport) trieOp()  {}
func (Abandon) trieOp()     {}
