package model

// SignatureStatus classifies the channel signature on a resolved claim.
// Unverified means the signature could not be checked, typically because the
// channel claim is gone; Invalid means it was checked and failed. Invalid
// claims are still returned, flagged.
type SignatureStatus string

const (
	SignatureNone       SignatureStatus = "none"
	SignatureVerified   SignatureStatus = "verified"
	SignatureUnverified SignatureStatus = "unverified"
	SignatureInvalid    SignatureStatus = "invalid"
)

// ResolvedClaim is the result of resolving a locator: the winning claim plus
// its decoded value envelope and signature verdict.
type ResolvedClaim struct {
	Name            string          `json:"name"`
	ClaimID         ClaimID         `json:"claimId"`
	OutPoint        OutPoint        `json:"outPoint"`
	Amount          uint64          `json:"amount"`
	EffectiveAmount uint64          `json:"effectiveAmount"`
	AcceptedHeight  uint32          `json:"acceptedHeight"`
	ActiveAt        uint32          `json:"activeAt"`
	Controlling     bool            `json:"controlling"`
	Payload         []byte          `json:"payload"`
	ChannelClaimID  *ClaimID        `json:"channelClaimId,omitempty"`
	Signature       SignatureStatus `json:"signature"`
}
