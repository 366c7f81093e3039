package model

import (
	"testing"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockHeaderRoundTrip(t *testing.T) {
	block := TestBlock(7, &chainhash.Hash{}, TestCoinbaseTx(7, 0x01, 5000000000))

	headerBytes := block.Header.Bytes()
	require.Len(t, headerBytes, BlockHeaderSize)

	parsed, err := NewBlockHeaderFromBytes(headerBytes)
	require.NoError(t, err)

	assert.Equal(t, block.Header.Version, parsed.Version)
	assert.Equal(t, block.Header.HashPrevBlock, parsed.HashPrevBlock)
	assert.Equal(t, block.Header.HashMerkleRoot, parsed.HashMerkleRoot)
	assert.Equal(t, block.Header.HashClaimTrie, parsed.HashClaimTrie)
	assert.Equal(t, block.Header.Timestamp, parsed.Timestamp)
	assert.Equal(t, block.Header.Bits, parsed.Bits)
	assert.Equal(t, block.Header.Nonce, parsed.Nonce)
	assert.Equal(t, block.Hash().String(), parsed.Hash().String())
}

func TestBlockHeaderWrongSize(t *testing.T) {
	_, err := NewBlockHeaderFromBytes(make([]byte, 80))
	require.Error(t, err)
}

func TestBlockRoundTrip(t *testing.T) {
	coinbase := TestCoinbaseTx(3, 0x02, 5000000000)
	spend := TestTx(
		[]OutPoint{NewOutPoint(coinbase.TxIDChainHash(), 0)},
		&bt.Output{Satoshis: 4000000000, LockingScript: TestP2PKHScript(0x03)},
	)

	block := TestBlock(3, &chainhash.Hash{}, coinbase, spend)

	parsed, err := NewBlockFromBytes(block.Bytes())
	require.NoError(t, err)

	assert.Equal(t, uint32(3), parsed.Height)
	assert.Equal(t, block.Hash().String(), parsed.Hash().String())
	require.Len(t, parsed.Txs, 2)
	assert.Equal(t, coinbase.TxID(), parsed.Txs[0].TxID())
	assert.Equal(t, spend.TxID(), parsed.Txs[1].TxID())
}
