package model

import (
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/claimnet/claimnode/errors"
	"github.com/libsv/go-bk/crypto"
)

const claimValueVersion = 1

const flagSigned = 0x01

// ClaimValue is the envelope carried in the value push of a claim operation.
// A signed value binds the claim to a channel claim whose payload is the
// channel's compressed public key.
type ClaimValue struct {
	Version        uint8
	ChannelClaimID *ClaimID
	Signature      []byte // DER, present iff ChannelClaimID is set
	Payload        []byte
}

func NewClaimValue(payload []byte) *ClaimValue {
	return &ClaimValue{
		Version: claimValueVersion,
		Payload: payload,
	}
}

func NewSignedClaimValue(payload []byte, channelClaimID ClaimID, signature []byte) *ClaimValue {
	return &ClaimValue{
		Version:        claimValueVersion,
		ChannelClaimID: &channelClaimID,
		Signature:      signature,
		Payload:        payload,
	}
}

func NewClaimValueFromBytes(b []byte) (*ClaimValue, error) {
	if len(b) < 2 {
		return nil, errors.NewInvalidArgumentError("claim value too short")
	}

	v := &ClaimValue{
		Version: b[0],
	}

	if v.Version != claimValueVersion {
		return nil, errors.NewInvalidArgumentError("unknown claim value version %d", v.Version)
	}

	flags := b[1]
	b = b[2:]

	if flags&flagSigned != 0 {
		if len(b) < ClaimIDSize {
			return nil, errors.NewInvalidArgumentError("claim value truncated in channel id")
		}

		channelID, err := NewClaimIDFromBytes(b[:ClaimIDSize])
		if err != nil {
			return nil, err
		}

		v.ChannelClaimID = &channelID
		b = b[ClaimIDSize:]

		sigLen, size := bt.NewVarIntFromBytes(b)
		b = b[size:]

		if uint64(len(b)) < uint64(sigLen) {
			return nil, errors.NewInvalidArgumentError("claim value truncated in signature")
		}

		v.Signature = b[:sigLen]
		b = b[sigLen:]
	}

	v.Payload = b

	return v, nil
}

func (v *ClaimValue) Bytes() []byte {
	var flags byte
	if v.ChannelClaimID != nil {
		flags |= flagSigned
	}

	b := []byte{v.Version, flags}

	if v.ChannelClaimID != nil {
		b = append(b, v.ChannelClaimID[:]...)
		b = append(b, bt.VarInt(uint64(len(v.Signature))).Bytes()...)
		b = append(b, v.Signature...)
	}

	return append(b, v.Payload...)
}

func (v *ClaimValue) IsSigned() bool {
	return v.ChannelClaimID != nil
}

// SignatureDigest is the message hash a channel signs for a claim: the
// payload, the claim's id and the channel's id, in that order.
func SignatureDigest(payload []byte, claimID, channelClaimID ClaimID) []byte {
	b := make([]byte, 0, len(payload)+2*ClaimIDSize)
	b = append(b, payload...)
	b = append(b, claimID[:]...)
	b = append(b, channelClaimID[:]...)

	return crypto.Sha256(b)
}
