package model

import (
	"encoding/binary"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/libsv/go-bk/crypto"
)

// Test helpers shared by store and service tests. They build structurally
// valid blocks and transactions; scripts are never executed by this node so
// signatures are not required.

// TestP2PKHScript returns a deterministic P2PKH locking script for a seed.
func TestP2PKHScript(seed byte) *bscript.Script {
	pkh := make([]byte, 20)
	for i := range pkh {
		pkh[i] = seed
	}

	b := []byte{bscript.OpDUP, bscript.OpHASH160, 0x14}
	b = append(b, pkh...)
	b = append(b, bscript.OpEQUALVERIFY, bscript.OpCHECKSIG)

	return bscript.NewFromBytes(b)
}

// TestCoinbaseTx builds a coinbase transaction for a height. The unlocking
// script embeds the height so coinbases differ between blocks and forks.
func TestCoinbaseTx(height uint32, seed byte, satoshis uint64) *bt.Tx {
	tx := bt.NewTx()

	heightBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(heightBytes, height)

	input := &bt.Input{
		PreviousTxOutIndex: 0xffffffff,
		SequenceNumber:     0xffffffff,
		UnlockingScript:    bscript.NewFromBytes(append([]byte{0x04}, heightBytes...)),
	}
	_ = input.PreviousTxIDAdd(&chainhash.Hash{})

	tx.Inputs = append(tx.Inputs, input)
	tx.AddOutput(&bt.Output{
		Satoshis:      satoshis,
		LockingScript: TestP2PKHScript(seed),
	})

	return tx
}

// TestTx builds a transaction spending the given outpoints into the given
// outputs.
func TestTx(spends []OutPoint, outputs ...*bt.Output) *bt.Tx {
	tx := bt.NewTx()

	for _, op := range spends {
		hash := op.TxHash

		input := &bt.Input{
			PreviousTxOutIndex: op.Index,
			SequenceNumber:     0xffffffff,
			UnlockingScript:    bscript.NewFromBytes([]byte{}),
		}
		_ = input.PreviousTxIDAdd(&hash)

		tx.Inputs = append(tx.Inputs, input)
	}

	for _, out := range outputs {
		tx.AddOutput(out)
	}

	return tx
}

// TestBlock builds a block on top of prevHash. The merkle root is a hash over
// the txids; nothing in this node recomputes or validates it.
func TestBlock(height uint32, prevHash *chainhash.Hash, txs ...*bt.Tx) *Block {
	merkle := make([]byte, 0, len(txs)*32)
	for _, tx := range txs {
		merkle = append(merkle, tx.TxIDChainHash()[:]...)
	}

	merkleRoot, _ := chainhash.NewHash(crypto.Sha256d(merkle))

	header := &BlockHeader{
		Version:        1,
		HashPrevBlock:  prevHash,
		HashMerkleRoot: merkleRoot,
		HashClaimTrie:  &chainhash.Hash{},
		Timestamp:      1700000000 + height,
		Bits:           0x1d00ffff,
		Nonce:          height,
	}

	return NewBlock(height, header, txs)
}
