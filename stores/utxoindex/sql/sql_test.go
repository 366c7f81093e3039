package sql

import (
	"context"
	"net/url"
	"testing"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
	"github.com/claimnet/claimnode/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQL {
	t.Helper()

	storeURL, err := url.Parse("sqlitememory:///")
	require.NoError(t, err)

	s, err := New(ulogger.TestLogger{}, storeURL, t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

func unspentSum(t *testing.T, s *SQL, address string) uint64 {
	t.Helper()

	unspent, err := s.ListUnspent(context.Background(), address)
	require.NoError(t, err)

	var sum uint64
	for _, u := range unspent {
		sum += u.Satoshis
	}

	return sum
}

func TestSQL_ApplyBlock(t *testing.T) {
	ctx := context.Background()

	t.Run("credits outputs and debits spends", func(t *testing.T) {
		s := newTestStore(t)

		coinbase := model.TestCoinbaseTx(0, 0x01, 5000000000)
		genesis := model.TestBlock(0, &chainhash.Hash{}, coinbase)
		require.NoError(t, s.ApplyBlock(ctx, genesis))

		minerAddr := model.AddressForScript(coinbase.Outputs[0].LockingScript)

		balance, err := s.GetBalance(ctx, minerAddr)
		require.NoError(t, err)
		assert.Equal(t, uint64(5000000000), balance)

		payScript := model.TestP2PKHScript(0x02)
		payAddr := model.AddressForScript(payScript)

		spend := model.TestTx(
			[]model.OutPoint{model.NewOutPoint(coinbase.TxIDChainHash(), 0)},
			&bt.Output{Satoshis: 3000000000, LockingScript: payScript},
			&bt.Output{Satoshis: 2000000000, LockingScript: coinbase.Outputs[0].LockingScript},
		)
		block1 := model.TestBlock(1, genesis.Hash(), model.TestCoinbaseTx(1, 0x03, 5000000000), spend)
		require.NoError(t, s.ApplyBlock(ctx, block1))

		balance, err = s.GetBalance(ctx, minerAddr)
		require.NoError(t, err)
		assert.Equal(t, uint64(2000000000), balance)

		balance, err = s.GetBalance(ctx, payAddr)
		require.NoError(t, err)
		assert.Equal(t, uint64(3000000000), balance)
	})

	t.Run("balance equals sum of unspent outputs", func(t *testing.T) {
		s := newTestStore(t)

		coinbase := model.TestCoinbaseTx(0, 0x01, 5000000000)
		genesis := model.TestBlock(0, &chainhash.Hash{}, coinbase)
		require.NoError(t, s.ApplyBlock(ctx, genesis))

		payScript := model.TestP2PKHScript(0x02)
		payAddr := model.AddressForScript(payScript)

		spend := model.TestTx(
			[]model.OutPoint{model.NewOutPoint(coinbase.TxIDChainHash(), 0)},
			&bt.Output{Satoshis: 1000, LockingScript: payScript},
			&bt.Output{Satoshis: 2000, LockingScript: payScript},
		)
		block1 := model.TestBlock(1, genesis.Hash(), model.TestCoinbaseTx(1, 0x03, 5000000000), spend)
		require.NoError(t, s.ApplyBlock(ctx, block1))

		for _, addr := range []string{
			payAddr,
			model.AddressForScript(coinbase.Outputs[0].LockingScript),
		} {
			balance, err := s.GetBalance(ctx, addr)
			require.NoError(t, err)
			assert.Equal(t, unspentSum(t, s, addr), balance, addr)
		}
	})

	t.Run("out of order height rejected", func(t *testing.T) {
		s := newTestStore(t)

		genesis := model.TestBlock(0, &chainhash.Hash{}, model.TestCoinbaseTx(0, 0x01, 50))
		require.NoError(t, s.ApplyBlock(ctx, genesis))

		skipped := model.TestBlock(2, genesis.Hash(), model.TestCoinbaseTx(2, 0x02, 50))
		err := s.ApplyBlock(ctx, skipped)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
	})

	t.Run("spend of unknown output is a corrupt index", func(t *testing.T) {
		s := newTestStore(t)

		genesis := model.TestBlock(0, &chainhash.Hash{}, model.TestCoinbaseTx(0, 0x01, 50))
		require.NoError(t, s.ApplyBlock(ctx, genesis))

		missing, err := chainhash.NewHashFromStr("00000000000000000000000000000000000000000000000000000000000000ff")
		require.NoError(t, err)

		badSpend := model.TestTx(
			[]model.OutPoint{model.NewOutPoint(missing, 0)},
			&bt.Output{Satoshis: 1, LockingScript: model.TestP2PKHScript(0x09)},
		)
		badBlock := model.TestBlock(1, genesis.Hash(), model.TestCoinbaseTx(1, 0x08, 50), badSpend)

		err = s.ApplyBlock(ctx, badBlock)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCorruptIndex))

		// the failed block left nothing behind
		height, ok, err := s.Height(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint32(0), height)
	})
}

func TestSQL_GetHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	coinbase := model.TestCoinbaseTx(0, 0x01, 5000)
	genesis := model.TestBlock(0, &chainhash.Hash{}, coinbase)
	require.NoError(t, s.ApplyBlock(ctx, genesis))

	minerAddr := model.AddressForScript(coinbase.Outputs[0].LockingScript)

	spend := model.TestTx(
		[]model.OutPoint{model.NewOutPoint(coinbase.TxIDChainHash(), 0)},
		&bt.Output{Satoshis: 5000, LockingScript: model.TestP2PKHScript(0x02)},
	)
	block1 := model.TestBlock(1, genesis.Hash(), model.TestCoinbaseTx(1, 0x03, 5000), spend)
	require.NoError(t, s.ApplyBlock(ctx, block1))

	entries, err := s.GetHistory(ctx, minerAddr, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, uint32(0), entries[0].Height)
	assert.Equal(t, int64(5000), entries[0].Delta)
	assert.Equal(t, *coinbase.TxIDChainHash(), entries[0].TxHash)

	assert.Equal(t, uint32(1), entries[1].Height)
	assert.Equal(t, int64(-5000), entries[1].Delta)
	assert.Equal(t, *spend.TxIDChainHash(), entries[1].TxHash)

	t.Run("range filter", func(t *testing.T) {
		entries, err := s.GetHistory(ctx, minerAddr, 1, 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, uint32(1), entries[0].Height)
	})

	t.Run("unknown address is empty, not an error", func(t *testing.T) {
		entries, err := s.GetHistory(ctx, "no-such-address", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestSQL_RollbackBlock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	coinbase := model.TestCoinbaseTx(0, 0x01, 5000)
	genesis := model.TestBlock(0, &chainhash.Hash{}, coinbase)
	require.NoError(t, s.ApplyBlock(ctx, genesis))

	minerAddr := model.AddressForScript(coinbase.Outputs[0].LockingScript)
	payScript := model.TestP2PKHScript(0x02)
	payAddr := model.AddressForScript(payScript)

	spend := model.TestTx(
		[]model.OutPoint{model.NewOutPoint(coinbase.TxIDChainHash(), 0)},
		&bt.Output{Satoshis: 5000, LockingScript: payScript},
	)
	block1 := model.TestBlock(1, genesis.Hash(), model.TestCoinbaseTx(1, 0x03, 5000), spend)
	require.NoError(t, s.ApplyBlock(ctx, block1))

	t.Run("only the top block may be rolled back", func(t *testing.T) {
		err := s.RollbackBlock(ctx, genesis)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
	})

	require.NoError(t, s.RollbackBlock(ctx, block1))

	// the view is exactly the pre-block state again
	balance, err := s.GetBalance(ctx, minerAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), balance)

	balance, err = s.GetBalance(ctx, payAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balance)

	unspent, err := s.ListUnspent(ctx, minerAddr)
	require.NoError(t, err)
	require.Len(t, unspent, 1)
	assert.Equal(t, model.NewOutPoint(coinbase.TxIDChainHash(), 0), unspent[0].OutPoint)

	entries, err := s.GetHistory(ctx, minerAddr, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(0), entries[0].Height)

	height, ok, err := s.Height(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0), height)

	t.Run("rolled back block can be reapplied", func(t *testing.T) {
		require.NoError(t, s.ApplyBlock(ctx, block1))

		balance, err := s.GetBalance(ctx, payAddr)
		require.NoError(t, err)
		assert.Equal(t, uint64(5000), balance)
	})
}

func TestSQL_RollbackIntraBlockSpend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	coinbase := model.TestCoinbaseTx(0, 0x01, 5000)
	genesis := model.TestBlock(0, &chainhash.Hash{}, coinbase)
	require.NoError(t, s.ApplyBlock(ctx, genesis))

	minerAddr := model.AddressForScript(coinbase.Outputs[0].LockingScript)

	// txB spends an output txA creates in the same block
	scriptA := model.TestP2PKHScript(0x0a)
	txA := model.TestTx(
		[]model.OutPoint{model.NewOutPoint(coinbase.TxIDChainHash(), 0)},
		&bt.Output{Satoshis: 5000, LockingScript: scriptA},
	)

	scriptB := model.TestP2PKHScript(0x0b)
	txB := model.TestTx(
		[]model.OutPoint{model.NewOutPoint(txA.TxIDChainHash(), 0)},
		&bt.Output{Satoshis: 5000, LockingScript: scriptB},
	)

	block1 := model.TestBlock(1, genesis.Hash(), model.TestCoinbaseTx(1, 0x03, 5000), txA, txB)
	require.NoError(t, s.ApplyBlock(ctx, block1))

	require.NoError(t, s.RollbackBlock(ctx, block1))

	balance, err := s.GetBalance(ctx, minerAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), balance)

	unspent, err := s.ListUnspent(ctx, minerAddr)
	require.NoError(t, err)
	require.Len(t, unspent, 1)
	assert.Equal(t, model.NewOutPoint(coinbase.TxIDChainHash(), 0), unspent[0].OutPoint)

	for _, addr := range []string{model.AddressForScript(scriptA), model.AddressForScript(scriptB)} {
		balance, err = s.GetBalance(ctx, addr)
		require.NoError(t, err)
		assert.Zero(t, balance, addr)
		assert.Zero(t, unspentSum(t, s, addr), addr)
	}

	height, ok, err := s.Height(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0), height)
}
