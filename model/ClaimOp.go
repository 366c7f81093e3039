package model

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/claimnet/claimnode/errors"
	"github.com/libsv/go-bk/crypto"
)

// Claim opcodes occupy the unused opcode range above OP_NOP10, mirroring the
// original content chain. A claim output prefixes a standard pay script with
// one of these operations; the prefix is dropped before script evaluation.
const (
	OpCLAIMNAME    = 0xb5
	OpSUPPORTCLAIM = 0xb6
	OpUPDATECLAIM  = 0xb7
)

// ClaimIDSize is the length of a claim id in bytes.
const ClaimIDSize = 20

// ClaimID identifies a claim for its whole lifetime, across updates. It is
// derived from the originating output.
type ClaimID [ClaimIDSize]byte

// NewClaimID derives the claim id for a claim originating at the given
// outpoint: hash160 of the tx hash followed by the little-endian output index.
func NewClaimID(op OutPoint) ClaimID {
	b := make([]byte, 0, 36)
	b = append(b, op.TxHash[:]...)
	b = binary.LittleEndian.AppendUint32(b, op.Index)

	var id ClaimID

	copy(id[:], crypto.Hash160(b))

	return id
}

func NewClaimIDFromBytes(b []byte) (ClaimID, error) {
	var id ClaimID

	if len(b) != ClaimIDSize {
		return id, errors.NewInvalidArgumentError("claim id should be %d bytes, got %d", ClaimIDSize, len(b))
	}

	copy(id[:], b)

	return id, nil
}

func NewClaimIDFromString(s string) (ClaimID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ClaimID{}, errors.NewInvalidArgumentError("invalid claim id hex %q", s, err)
	}

	return NewClaimIDFromBytes(b)
}

func (id ClaimID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ClaimID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

func (id *ClaimID) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return errors.NewInvalidArgumentError("claim id must be a json string")
	}

	parsed, err := NewClaimIDFromString(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// ClaimOp is the closed set of claim operations that can be embedded in an
// output script.
type ClaimOp interface {
	claimOp()

	// ClaimName returns the name the operation competes under.
	ClaimName() []byte
}

type ClaimNameOp struct {
	Name  []byte
	Value []byte
}

type UpdateClaimOp struct {
	Name    []byte
	ClaimID ClaimID
	Value   []byte
}

type SupportClaimOp struct {
	Name    []byte
	ClaimID ClaimID
}

func (op *ClaimNameOp) claimOp()    {}
func (op *UpdateClaimOp) claimOp()  {}
func (op *SupportClaimOp) claimOp() {}

func (op *ClaimNameOp) ClaimName() []byte    { return op.Name }
func (op *UpdateClaimOp) ClaimName() []byte  { return op.Name }
func (op *SupportClaimOp) ClaimName() []byte { return op.Name }

// ParseClaimScript inspects a locking script for a claim operation prefix.
// It returns the operation and the remaining pay script, or a nil operation
// and the script unchanged when there is no claim prefix.
func ParseClaimScript(script *bscript.Script) (ClaimOp, *bscript.Script, error) {
	if script == nil || len(*script) == 0 {
		return nil, script, nil
	}

	b := []byte(*script)

	switch b[0] {
	case OpCLAIMNAME:
		name, b, err := readPush(b[1:])
		if err != nil {
			return nil, nil, errors.NewInvalidArgumentError("claim name push", err)
		}

		value, b, err := readPush(b)
		if err != nil {
			return nil, nil, errors.NewInvalidArgumentError("claim value push", err)
		}

		b, err = expectOps(b, bscript.Op2DROP, bscript.OpDROP)
		if err != nil {
			return nil, nil, err
		}

		return &ClaimNameOp{Name: name, Value: value}, bscript.NewFromBytes(b), nil

	case OpUPDATECLAIM:
		name, b, err := readPush(b[1:])
		if err != nil {
			return nil, nil, errors.NewInvalidArgumentError("update name push", err)
		}

		idBytes, b, err := readPush(b)
		if err != nil {
			return nil, nil, errors.NewInvalidArgumentError("update claim id push", err)
		}

		claimID, err := NewClaimIDFromBytes(idBytes)
		if err != nil {
			return nil, nil, err
		}

		value, b, err := readPush(b)
		if err != nil {
			return nil, nil, errors.NewInvalidArgumentError("update value push", err)
		}

		b, err = expectOps(b, bscript.Op2DROP, bscript.Op2DROP)
		if err != nil {
			return nil, nil, err
		}

		return &UpdateClaimOp{Name: name, ClaimID: claimID, Value: value}, bscript.NewFromBytes(b), nil

	case OpSUPPORTCLAIM:
		name, b, err := readPush(b[1:])
		if err != nil {
			return nil, nil, errors.NewInvalidArgumentError("support name push", err)
		}

		idBytes, b, err := readPush(b)
		if err != nil {
			return nil, nil, errors.NewInvalidArgumentError("support claim id push", err)
		}

		claimID, err := NewClaimIDFromBytes(idBytes)
		if err != nil {
			return nil, nil, err
		}

		b, err = expectOps(b, bscript.Op2DROP, bscript.OpDROP)
		if err != nil {
			return nil, nil, err
		}

		return &SupportClaimOp{Name: name, ClaimID: claimID}, bscript.NewFromBytes(b), nil
	}

	return nil, script, nil
}

// readPush consumes one push-data operation and returns the pushed bytes and
// the remainder of the script.
func readPush(b []byte) ([]byte, []byte, error) {
	if len(b) == 0 {
		return nil, nil, errors.NewInvalidArgumentError("script truncated before push")
	}

	op := b[0]
	b = b[1:]

	var length int

	switch {
	case op < bscript.OpPUSHDATA1:
		length = int(op)
	case op == bscript.OpPUSHDATA1:
		if len(b) < 1 {
			return nil, nil, errors.NewInvalidArgumentError("script truncated in PUSHDATA1")
		}

		length = int(b[0])
		b = b[1:]
	case op == bscript.OpPUSHDATA2:
		if len(b) < 2 {
			return nil, nil, errors.NewInvalidArgumentError("script truncated in PUSHDATA2")
		}

		length = int(binary.LittleEndian.Uint16(b[:2]))
		b = b[2:]
	case op == bscript.OpPUSHDATA4:
		if len(b) < 4 {
			return nil, nil, errors.NewInvalidArgumentError("script truncated in PUSHDATA4")
		}

		length = int(binary.LittleEndian.Uint32(b[:4]))
		b = b[4:]
	default:
		return nil, nil, errors.NewInvalidArgumentError("expected push opcode, got 0x%02x", op)
	}

	if len(b) < length {
		return nil, nil, errors.NewInvalidArgumentError("push length %d exceeds script", length)
	}

	return b[:length], b[length:], nil
}

func expectOps(b []byte, ops ...byte) ([]byte, error) {
	for _, op := range ops {
		if len(b) == 0 || b[0] != op {
			return nil, errors.NewInvalidArgumentError("malformed claim script: expected opcode 0x%02x", op)
		}

		b = b[1:]
	}

	return b, nil
}

// pushData encodes bytes as a minimal push operation.
func pushData(data []byte) []byte {
	switch {
	case len(data) < int(bscript.OpPUSHDATA1):
		return append([]byte{byte(len(data))}, data...)
	case len(data) <= 0xff:
		return append([]byte{bscript.OpPUSHDATA1, byte(len(data))}, data...)
	case len(data) <= 0xffff:
		b := []byte{bscript.OpPUSHDATA2, 0, 0}
		binary.LittleEndian.PutUint16(b[1:], uint16(len(data)))

		return append(b, data...)
	default:
		b := []byte{bscript.OpPUSHDATA4, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(b[1:], uint32(len(data)))

		return append(b, data...)
	}
}

// NewClaimNameScript builds a claim-name locking script around a pay script.
func NewClaimNameScript(name, value []byte, payScript *bscript.Script) *bscript.Script {
	b := []byte{OpCLAIMNAME}
	b = append(b, pushData(name)...)
	b = append(b, pushData(value)...)
	b = append(b, bscript.Op2DROP, bscript.OpDROP)
	b = append(b, []byte(*payScript)...)

	return bscript.NewFromBytes(b)
}

// NewUpdateClaimScript builds an update-claim locking script.
func NewUpdateClaimScript(name []byte, claimID ClaimID, value []byte, payScript *bscript.Script) *bscript.Script {
	b := []byte{OpUPDATECLAIM}
	b = append(b, pushData(name)...)
	b = append(b, pushData(claimID[:])...)
	b = append(b, pushData(value)...)
	b = append(b, bscript.Op2DROP, bscript.Op2DROP)
	b = append(b, []byte(*payScript)...)

	return bscript.NewFromBytes(b)
}

// NewSupportClaimScript builds a support-claim locking script.
func NewSupportClaimScript(name []byte, claimID ClaimID, payScript *bscript.Script) *bscript.Script {
	b := []byte{OpSUPPORTCLAIM}
	b = append(b, pushData(name)...)
	b = append(b, pushData(claimID[:])...)
	b = append(b, bscript.Op2DROP, bscript.OpDROP)
	b = append(b, []byte(*payScript)...)

	return bscript.NewFromBytes(b)
}
