package chainsync

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
	"github.com/claimnet/claimnode/services/feed"
	"github.com/claimnet/claimnode/settings"
	"github.com/claimnet/claimnode/stores/claimtrie"
	"github.com/claimnet/claimnode/stores/ledger"
	"github.com/claimnet/claimnode/stores/utxoindex"
	"github.com/claimnet/claimnode/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCoinbaseValue = uint64(5_000_000_000)

func newTestSync(t *testing.T) (*Synchronizer, *feed.MockSource) {
	t.Helper()

	ctx := context.Background()
	logger := ulogger.TestLogger{}

	tSettings := &settings.Settings{
		DataFolder: t.TempDir(),
		ClaimTrie: settings.ClaimTrieSettings{
			ActivationDelayFactor: 32,
			MaxActivationDelay:    4032,
		},
	}

	ledgerURL, err := url.Parse("sqlitememory:///ledger")
	require.NoError(t, err)

	ledgerStore, err := ledger.NewStore(logger, ledgerURL, tSettings.DataFolder)
	require.NoError(t, err)

	utxoURL, err := url.Parse("sqlitememory:///utxoindex")
	require.NoError(t, err)

	utxoStore, err := utxoindex.NewStore(logger, utxoURL, tSettings.DataFolder)
	require.NoError(t, err)

	trieURL, err := url.Parse("memory:///")
	require.NoError(t, err)

	trieStore, err := claimtrie.NewStore(ctx, logger, trieURL, tSettings)
	require.NoError(t, err)

	source := feed.NewMockSource()

	s := New(logger, tSettings, source, ledgerStore, utxoStore, trieStore)
	require.NoError(t, s.Init(ctx))

	t.Cleanup(func() {
		_ = trieStore.Close()
		_ = utxoStore.Close()
		_ = ledgerStore.Close()
	})

	return s, source
}

// startFSM moves the synchronizer into Syncing without running the stream
// loop, so tests can feed handleBlock directly.
func startFSM(t *testing.T, s *Synchronizer) {
	t.Helper()
	require.NoError(t, s.fsm.Event(context.Background(), EventStart))
}

func claimOutput(satoshis uint64, name string, value []byte, seed byte) *bt.Output {
	return &bt.Output{
		Satoshis:      satoshis,
		LockingScript: model.NewClaimNameScript([]byte(name), value, model.TestP2PKHScript(seed)),
	}
}

func coinbaseOutPoint(tx *bt.Tx) model.OutPoint {
	return model.NewOutPoint(tx.TxIDChainHash(), 0)
}

func zeroHash() *chainhash.Hash {
	return &chainhash.Hash{}
}

func TestFSMTransitions(t *testing.T) {
	ctx := context.Background()
	s := &Synchronizer{}
	machine := s.newFiniteStateMachine()

	assert.Equal(t, StateIdle, machine.Current())

	require.NoError(t, machine.Event(ctx, EventStart))
	assert.Equal(t, StateSyncing, machine.Current())

	// a second start is invalid while running
	require.Error(t, machine.Event(ctx, EventStart))

	require.NoError(t, machine.Event(ctx, EventReorgDetected))
	require.NoError(t, machine.Event(ctx, EventRollback))

	// cannot resume from the middle of a rollback
	require.Error(t, machine.Event(ctx, EventResume))

	require.NoError(t, machine.Event(ctx, EventReplay))
	require.NoError(t, machine.Event(ctx, EventResume))
	assert.Equal(t, StateSyncing, machine.Current())

	require.NoError(t, machine.Event(ctx, EventStop))
	assert.Equal(t, StateIdle, machine.Current())
}

func TestHandleBlock_InOrder(t *testing.T) {
	ctx := context.Background()
	s, source := newTestSync(t)
	startFSM(t, s)

	blocks := make([]*model.Block, 0, 3)
	prevBlockHash := zeroHash()

	for i := uint32(0); i < 3; i++ {
		block := model.TestBlock(i, prevBlockHash, model.TestCoinbaseTx(i, byte(i+1), testCoinbaseValue))
		blocks = append(blocks, block)
		prevBlockHash = block.Hash()
	}

	source.SetChain(blocks...)

	for _, block := range blocks {
		require.NoError(t, s.handleBlock(ctx, block))
	}

	snapshot, err := s.Snapshot()
	require.NoError(t, err)

	defer snapshot.Release()

	assert.Equal(t, uint32(2), snapshot.Height)
	assert.Equal(t, blocks[2].Hash().String(), s.TipHash().String())

	address := model.AddressForScript(model.TestP2PKHScript(1))

	balance, err := s.utxoIndex.GetBalance(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, testCoinbaseValue, balance)
}

func TestHandleBlock_OutOfOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync(t)
	startFSM(t, s)

	block0 := model.TestBlock(0, zeroHash(), model.TestCoinbaseTx(0, 1, testCoinbaseValue))
	block1 := model.TestBlock(1, block0.Hash(), model.TestCoinbaseTx(1, 2, testCoinbaseValue))
	block2 := model.TestBlock(2, block1.Hash(), model.TestCoinbaseTx(2, 3, testCoinbaseValue))

	require.NoError(t, s.handleBlock(ctx, block0))
	require.NoError(t, s.handleBlock(ctx, block2)) // early, buffered

	snapshot, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), snapshot.Height)
	snapshot.Release()

	// the gap fill releases the buffered block too
	require.NoError(t, s.handleBlock(ctx, block1))

	snapshot, err = s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), snapshot.Height)
	snapshot.Release()
}

func TestHandleBlock_Duplicate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync(t)
	startFSM(t, s)

	block0 := model.TestBlock(0, zeroHash(), model.TestCoinbaseTx(0, 1, testCoinbaseValue))
	block1 := model.TestBlock(1, block0.Hash(), model.TestCoinbaseTx(1, 2, testCoinbaseValue))

	require.NoError(t, s.handleBlock(ctx, block0))
	require.NoError(t, s.handleBlock(ctx, block1))
	require.NoError(t, s.handleBlock(ctx, block1)) // redelivery

	snapshot, err := s.Snapshot()
	require.NoError(t, err)

	defer snapshot.Release()

	assert.Equal(t, uint32(1), snapshot.Height)
	assert.Equal(t, StateSyncing, s.CurrentState())
}

func TestHandleBlock_ClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync(t)
	startFSM(t, s)

	coinbase0 := model.TestCoinbaseTx(0, 1, testCoinbaseValue)
	block0 := model.TestBlock(0, zeroHash(), coinbase0)
	require.NoError(t, s.handleBlock(ctx, block0))

	// block 1 spends the coinbase into a claim output
	claimTx := model.TestTx(
		[]model.OutPoint{coinbaseOutPoint(coinbase0)},
		claimOutput(testCoinbaseValue, "gold", []byte("v1"), 9),
	)
	block1 := model.TestBlock(1, block0.Hash(), model.TestCoinbaseTx(1, 2, testCoinbaseValue), claimTx)
	require.NoError(t, s.handleBlock(ctx, block1))

	entry, err := s.trie.ResolveName([]byte("gold"))
	require.NoError(t, err)
	assert.Equal(t, model.NewOutPoint(claimTx.TxIDChainHash(), 0), entry.OutPoint)
	assert.True(t, entry.Controlling)

	// the claim output funds an ordinary payment, abandoning the claim
	spendTx := model.TestTx(
		[]model.OutPoint{model.NewOutPoint(claimTx.TxIDChainHash(), 0)},
		&bt.Output{Satoshis: testCoinbaseValue, LockingScript: model.TestP2PKHScript(7)},
	)
	block2 := model.TestBlock(2, block1.Hash(), model.TestCoinbaseTx(2, 3, testCoinbaseValue), spendTx)
	require.NoError(t, s.handleBlock(ctx, block2))

	_, err = s.trie.ResolveName([]byte("gold"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestHandleBlock_Reorg(t *testing.T) {
	ctx := context.Background()
	s, source := newTestSync(t)
	startFSM(t, s)

	coinbase0 := model.TestCoinbaseTx(0, 1, testCoinbaseValue)
	block0 := model.TestBlock(0, zeroHash(), coinbase0)

	coinbase1 := model.TestCoinbaseTx(1, 2, testCoinbaseValue)
	block1 := model.TestBlock(1, block0.Hash(), coinbase1)

	// branch A claims "gold" at height 2
	claimTxA := model.TestTx(
		[]model.OutPoint{coinbaseOutPoint(coinbase1)},
		claimOutput(testCoinbaseValue, "gold", []byte("branch-a"), 10),
	)
	blockA2 := model.TestBlock(2, block1.Hash(), model.TestCoinbaseTx(2, 3, testCoinbaseValue), claimTxA)
	blockA3 := model.TestBlock(3, blockA2.Hash(), model.TestCoinbaseTx(3, 4, testCoinbaseValue))

	source.SetChain(block0, block1, blockA2, blockA3)

	for _, block := range []*model.Block{block0, block1, blockA2, blockA3} {
		require.NoError(t, s.handleBlock(ctx, block))
	}

	entry, err := s.trie.ResolveName([]byte("gold"))
	require.NoError(t, err)
	assert.Equal(t, []byte("branch-a"), entry.Value)

	// branch B forks after height 1 and spends the same coinbase into a
	// different claim
	claimTxB := model.TestTx(
		[]model.OutPoint{coinbaseOutPoint(coinbase1)},
		claimOutput(testCoinbaseValue, "gold", []byte("branch-b"), 11),
	)
	blockB2 := model.TestBlock(2, block1.Hash(), model.TestCoinbaseTx(2, 30, testCoinbaseValue), claimTxB)
	blockB3 := model.TestBlock(3, blockB2.Hash(), model.TestCoinbaseTx(3, 40, testCoinbaseValue))
	blockB4 := model.TestBlock(4, blockB3.Hash(), model.TestCoinbaseTx(4, 50, testCoinbaseValue))

	// the upstream main chain switches to branch B
	source.SetChain(blockB2, blockB3, blockB4)

	require.NoError(t, s.handleBlock(ctx, blockB2))
	assert.Equal(t, StateSyncing, s.CurrentState())

	snapshot, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), snapshot.Height)
	assert.Equal(t, blockB2.Hash().String(), s.TipHash().String())
	snapshot.Release()

	require.NoError(t, s.handleBlock(ctx, blockB3))
	require.NoError(t, s.handleBlock(ctx, blockB4))

	// the claim index now reflects branch B only
	entry, err = s.trie.ResolveName([]byte("gold"))
	require.NoError(t, err)
	assert.Equal(t, []byte("branch-b"), entry.Value)
	assert.Equal(t, model.NewOutPoint(claimTxB.TxIDChainHash(), 0), entry.OutPoint)

	// branch A's coinbase at height 2 is gone, branch B's is indexed
	balanceA, err := s.utxoIndex.GetBalance(ctx, model.AddressForScript(model.TestP2PKHScript(3)))
	require.NoError(t, err)
	assert.Zero(t, balanceA)

	balanceB, err := s.utxoIndex.GetBalance(ctx, model.AddressForScript(model.TestP2PKHScript(30)))
	require.NoError(t, err)
	assert.Equal(t, testCoinbaseValue, balanceB)

	hash, height, err := s.ledger.GetBestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), height)
	assert.Equal(t, blockB4.Hash().String(), hash.String())
}

func TestInit_CatchUpDerivedStores(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync(t)
	startFSM(t, s)

	block0 := model.TestBlock(0, zeroHash(), model.TestCoinbaseTx(0, 1, testCoinbaseValue))
	block1 := model.TestBlock(1, block0.Hash(), model.TestCoinbaseTx(1, 2, testCoinbaseValue))

	require.NoError(t, s.handleBlock(ctx, block0))

	// simulate a crash between the ledger write and the derived stores
	require.NoError(t, s.ledger.PutBlock(ctx, block1))

	restarted := New(ulogger.TestLogger{}, s.settings, s.source, s.ledger, s.utxoIndex, s.trie)
	require.NoError(t, restarted.Init(ctx))

	snapshot, err := restarted.Snapshot()
	require.NoError(t, err)

	defer snapshot.Release()

	assert.Equal(t, uint32(1), snapshot.Height)

	utxoHeight, ok, err := restarted.utxoIndex.Height(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), utxoHeight)

	trieHeight, ok := restarted.trie.Height()
	require.True(t, ok)
	assert.Equal(t, uint32(1), trieHeight)

	balance, err := restarted.utxoIndex.GetBalance(ctx, model.AddressForScript(model.TestP2PKHScript(2)))
	require.NoError(t, err)
	assert.Equal(t, testCoinbaseValue, balance)
}

func TestSnapshot_BeforeFirstBlock(t *testing.T) {
	s, _ := newTestSync(t)

	_, err := s.Snapshot()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestStart_StreamUntilCancelled(t *testing.T) {
	s, source := newTestSync(t)

	block0 := model.TestBlock(0, zeroHash(), model.TestCoinbaseTx(0, 1, testCoinbaseValue))
	block1 := model.TestBlock(1, block0.Hash(), model.TestCoinbaseTx(1, 2, testCoinbaseValue))

	source.SetChain(block0, block1)
	source.Enqueue(block0, block1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- s.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		snapshot, err := s.Snapshot()
		if err != nil {
			return false
		}

		defer snapshot.Release()

		return snapshot.Height == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, s.CurrentState())
}

func TestSnapshot_ConcurrentReads(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync(t)
	startFSM(t, s)

	genesis := model.TestBlock(0, zeroHash(), model.TestCoinbaseTx(0, 1, testCoinbaseValue))
	require.NoError(t, s.handleBlock(ctx, genesis))

	stop := make(chan struct{})

	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case <-stop:
					return
				default:
				}

				snapshot, err := s.Snapshot()
				if !assert.NoError(t, err) {
					return
				}

				height := snapshot.Height

				// while the snapshot is held the tip cannot move, so every
				// store answers for the snapshot height
				block, err := s.ledger.GetBlockByHeight(ctx, height)
				if assert.NoError(t, err, "ledger at %d", height) {
					assert.True(t, s.TipHash().IsEqual(block.Hash()), "tip hash at %d", height)
				}

				utxoHeight, ok, err := s.utxoIndex.Height(ctx)
				if assert.NoError(t, err) && assert.True(t, ok) {
					assert.Equal(t, height, utxoHeight)
				}

				trieHeight, ok := s.trie.Height()
				if assert.True(t, ok) {
					assert.Equal(t, height, trieHeight)
				}

				snapshot.Release()
			}
		}()
	}

	prev := genesis
	for h := uint32(1); h <= 20; h++ {
		block := model.TestBlock(h, prev.Hash(), model.TestCoinbaseTx(h, byte(h+1), testCoinbaseValue))
		require.NoError(t, s.handleBlock(ctx, block))
		prev = block
	}

	close(stop)
	wg.Wait()

	snapshot, err := s.Snapshot()
	require.NoError(t, err)

	defer snapshot.Release()

	assert.Equal(t, uint32(20), snapshot.Height)
}
