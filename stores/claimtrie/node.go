package claimtrie

import (
	"bytes"

	"github.com/claimnet/claimnode/model"
)

// Claim is one competing claim inside a name node. Fields are exported for
// node serialization only; mutation happens exclusively through the Trie.
type Claim struct {
	ClaimID  model.ClaimID  `json:"claimId"`
	OutPoint model.OutPoint `json:"outPoint"`
	Amount   uint64         `json:"amount"`
	Value    []byte         `json:"value"`

	// AcceptedHeight is the height the current outpoint was accepted; an
	// update refreshes it.
	AcceptedHeight uint32 `json:"acceptedHeight"`

	// OriginHeight is the height the claim first appeared. It survives
	// updates and breaks effective-amount ties.
	OriginHeight uint32 `json:"originHeight"`

	ActiveAt uint32 `json:"activeAt"`

	// Sequence is the 1-based acceptance order of the claim within its name.
	Sequence uint32 `json:"sequence"`
}

func (c *Claim) active(height uint32) bool {
	return c.ActiveAt <= height
}

type Support struct {
	OutPoint       model.OutPoint `json:"outPoint"`
	ClaimID        model.ClaimID  `json:"claimId"`
	Amount         uint64         `json:"amount"`
	AcceptedHeight uint32         `json:"acceptedHeight"`
	ActiveAt       uint32         `json:"activeAt"`
}

func (s *Support) active(height uint32) bool {
	return s.ActiveAt <= height
}

// node holds the full competition state for one name.
type node struct {
	Claims   []*Claim   `json:"claims"`
	Supports []*Support `json:"supports"`

	// Controlling is nil while the name is uncontrolled.
	Controlling *model.ClaimID `json:"controlling,omitempty"`

	// LastTakeover is the height control last changed hands; the activation
	// delay for newcomers grows with the incumbent's tenure since then.
	LastTakeover uint32 `json:"lastTakeover"`

	// NextSequence is the acceptance counter; it never decreases, so claim
	// sequence numbers are stable even after abandons.
	NextSequence uint32 `json:"nextSequence"`
}

func (n *node) clone() *node {
	c := &node{
		Claims:       make([]*Claim, len(n.Claims)),
		Supports:     make([]*Support, len(n.Supports)),
		LastTakeover: n.LastTakeover,
		NextSequence: n.NextSequence,
	}

	for i, claim := range n.Claims {
		dup := *claim
		c.Claims[i] = &dup
	}

	for i, support := range n.Supports {
		dup := *support
		c.Supports[i] = &dup
	}

	if n.Controlling != nil {
		id := *n.Controlling
		c.Controlling = &id
	}

	return c
}

func (n *node) claim(claimID model.ClaimID) *Claim {
	for _, c := range n.Claims {
		if c.ClaimID == claimID {
			return c
		}
	}

	return nil
}

func (n *node) removeClaim(claimID model.ClaimID) {
	for i, c := range n.Claims {
		if c.ClaimID == claimID {
			n.Claims = append(n.Claims[:i], n.Claims[i+1:]...)
			return
		}
	}
}

func (n *node) removeSupport(outpoint model.OutPoint) {
	for i, s := range n.Supports {
		if s.OutPoint == outpoint {
			n.Supports = append(n.Supports[:i], n.Supports[i+1:]...)
			return
		}
	}
}

// effectiveAmount is the claim amount plus all active supports behind it.
// An inactive claim has no effective amount.
func (n *node) effectiveAmount(c *Claim, height uint32) uint64 {
	if !c.active(height) {
		return 0
	}

	amount := c.Amount

	for _, s := range n.Supports {
		if s.ClaimID == c.ClaimID && s.active(height) {
			amount += s.Amount
		}
	}

	return amount
}

// outranks reports whether claim a beats claim b under the total order
// (effective amount desc, origination height asc, claim id asc).
func (n *node) outranks(a, b *Claim, height uint32) bool {
	ea, eb := n.effectiveAmount(a, height), n.effectiveAmount(b, height)
	if ea != eb {
		return ea > eb
	}

	if a.OriginHeight != b.OriginHeight {
		return a.OriginHeight < b.OriginHeight
	}

	return bytes.Compare(a.ClaimID[:], b.ClaimID[:]) < 0
}

// best returns the top-ranked active claim, or nil when none is active.
func (n *node) best(height uint32) *Claim {
	var best *Claim

	for _, c := range n.Claims {
		if !c.active(height) {
			continue
		}

		if best == nil || n.outranks(c, best, height) {
			best = c
		}
	}

	return best
}
