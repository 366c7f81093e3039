package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/errors"
)

type OutPoint struct {
	TxHash chainhash.Hash
	Index  uint32
}

func NewOutPoint(txHash *chainhash.Hash, index uint32) OutPoint {
	return OutPoint{
		TxHash: *txHash,
		Index:  index,
	}
}

func NewOutPointFromString(s string) (OutPoint, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return OutPoint{}, errors.NewInvalidArgumentError("invalid outpoint %q", s)
	}

	txHash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return OutPoint{}, errors.NewInvalidArgumentError("invalid outpoint tx hash %q", parts[0], err)
	}

	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return OutPoint{}, errors.NewInvalidArgumentError("invalid outpoint index %q", parts[1], err)
	}

	return OutPoint{TxHash: *txHash, Index: uint32(index)}, nil
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxHash.String(), o.Index)
}

func (o OutPoint) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(o.String())), nil
}

func (o *OutPoint) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.NewInvalidArgumentError("outpoint must be a json string", err)
	}

	parsed, err := NewOutPointFromString(s)
	if err != nil {
		return err
	}

	*o = parsed

	return nil
}
