package model

import (
	"bytes"
	"encoding/binary"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/errors"
)

type Block struct {
	Height uint32
	Header *BlockHeader
	Txs    []*bt.Tx

	// local
	hash *chainhash.Hash
}

func NewBlock(height uint32, header *BlockHeader, txs []*bt.Tx) *Block {
	return &Block{
		Height: height,
		Header: header,
		Txs:    txs,
	}
}

// NewBlockFromBytes deserializes a block from the wire / feed format:
// height (4 bytes LE), header, tx count varint, raw transactions.
func NewBlockFromBytes(blockBytes []byte) (*Block, error) {
	if len(blockBytes) < 4+BlockHeaderSize {
		return nil, errors.NewInvalidArgumentError("block too short: %d bytes", len(blockBytes))
	}

	block := &Block{
		Height: binary.LittleEndian.Uint32(blockBytes[:4]),
	}

	var err error

	block.Header, err = NewBlockHeaderFromBytes(blockBytes[4 : 4+BlockHeaderSize])
	if err != nil {
		return nil, err
	}

	buf := blockBytes[4+BlockHeaderSize:]

	txCount, size := bt.NewVarIntFromBytes(buf)
	buf = buf[size:]

	block.Txs = make([]*bt.Tx, 0, txCount)

	for i := uint64(0); i < uint64(txCount); i++ {
		tx, used, err := bt.NewTxFromStream(buf)
		if err != nil {
			return nil, errors.NewInvalidArgumentError("error reading tx %d of block", i, err)
		}

		block.Txs = append(block.Txs, tx)
		buf = buf[used:]
	}

	return block, nil
}

func (b *Block) Bytes() []byte {
	buf := bytes.Buffer{}

	heightBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(heightBytes, b.Height)
	buf.Write(heightBytes)

	buf.Write(b.Header.Bytes())
	buf.Write(bt.VarInt(uint64(len(b.Txs))).Bytes())

	for _, tx := range b.Txs {
		buf.Write(tx.Bytes())
	}

	return buf.Bytes()
}

func (b *Block) Hash() *chainhash.Hash {
	if b.hash != nil {
		return b.hash
	}

	b.hash = b.Header.Hash()

	return b.hash
}

func (b *Block) String() string {
	return b.Hash().String()
}
