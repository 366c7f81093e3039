// Package chainsync drives the stores from the block feed. It applies blocks
// in height order, buffers blocks that arrive early, and handles chain
// reorganizations by rolling the stores back to the fork ancestor and
// replaying the new branch.
package chainsync

import (
	"context"
	"sync"
	"sync/atomic"

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
	"github.com/looplab/fsm"
)

// Synchronizer is the single writer for all three stores. Queries take a
// Snapshot, which holds a read lock so a block or reorg can never land in the
// middle of a multi-store read.
type Synchronizer struct {
	logger    ulogger.Logger
	settings  *settings.Settings
	source    feed.Source
	ledger    ledger.Store
	utxoIndex utxoindex.Store
	trie      claimtrie.Store

	fsm    *fsm.FSM
	failed atomic.Bool

	// snapMu guards the tip and the stores' visible state. Held for writing
	// across each block apply and across an entire rollback plus replay.
	snapMu    sync.RWMutex
	tipHeight uint32
	tipHash   *chainhash.Hash
	started   bool

	// pending buffers blocks delivered ahead of the next expected height.
	pending map[uint32]*model.Block
}

func New(logger ulogger.Logger, tSettings *settings.Settings, source feed.Source,
	ledgerStore ledger.Store, utxoStore utxoindex.Store, trieStore claimtrie.Store) *Synchronizer {
	initPrometheusMetrics()

	s := &Synchronizer{
		logger:    logger,
		settings:  tSettings,
		source:    source,
		ledger:    ledgerStore,
		utxoIndex: utxoStore,
		trie:      trieStore,
		pending:   map[uint32]*model.Block{},
	}

	s.fsm = s.newFiniteStateMachine()

	return s
}

// Init resumes from persisted state: the ledger height is authoritative, the
// derived stores are re-applied from the ledger up to it, and the feed is
// positioned at the next height.
func (s *Synchronizer) Init(ctx context.Context) error {
	hash, height, err := s.ledger.GetBestBlock(ctx)

	switch {
	case err == nil:
		s.started = true
		s.tipHeight = height
		s.tipHash = hash
	case errors.Is(err, errors.ErrBlockNotFound):
		// empty store, start from genesis
	default:
		return errors.NewStorageError("chainsync: read ledger tip", err)
	}

	if s.started {
		if err = s.catchUpDerivedStores(ctx); err != nil {
			return err
		}

		prometheusChainSyncTipHeight.Set(float64(s.tipHeight))
		s.logger.Infof("[ChainSync] resuming at height %d, tip %s", s.tipHeight, s.tipHash)
	} else {
		s.logger.Infof("[ChainSync] starting from an empty ledger")
	}

	if seeker, ok := s.source.(feed.Seekable); ok {
		seeker.SeekTo(s.nextHeight())
	}

	return nil
}

// catchUpDerivedStores re-applies ledger blocks to any derived store that
// committed less than the ledger, which happens when the process dies between
// the ledger write and a derived store write.
func (s *Synchronizer) catchUpDerivedStores(ctx context.Context) error {
	utxoHeight, utxoStarted, err := s.utxoIndex.Height(ctx)
	if err != nil {
		return errors.NewStorageError("chainsync: read utxo index height", err)
	}

	if utxoStarted && utxoHeight > s.tipHeight {
		return errors.NewCorruptIndexError("chainsync: utxo index at %d is ahead of ledger tip %d", utxoHeight, s.tipHeight)
	}

	for height := nextAfter(utxoHeight, utxoStarted); height <= s.tipHeight; height++ {
		block, err := s.ledger.GetBlockByHeight(ctx, height)
		if err != nil {
			return errors.NewCorruptIndexError("chainsync: ledger block %d missing during catch-up", height, err)
		}

		if err = s.utxoIndex.ApplyBlock(ctx, block); err != nil {
			return errors.NewCorruptIndexError("chainsync: re-apply block %d to utxo index", height, err)
		}

		s.logger.Infof("[ChainSync] re-applied block %d to the utxo index", height)
	}

	trieHeight, trieStarted := s.trie.Height()

	if trieStarted && trieHeight > s.tipHeight {
		return errors.NewCorruptIndexError("chainsync: claim trie at %d is ahead of ledger tip %d", trieHeight, s.tipHeight)
	}

	for height := nextAfter(trieHeight, trieStarted); height <= s.tipHeight; height++ {
		block, err := s.ledger.GetBlockByHeight(ctx, height)
		if err != nil {
			return errors.NewCorruptIndexError("chainsync: ledger block %d missing during catch-up", height, err)
		}

		if err = s.applyClaimOps(ctx, block); err != nil {
			return errors.NewCorruptIndexError("chainsync: re-apply block %d to claim trie", height, err)
		}

		s.logger.Infof("[ChainSync] re-applied block %d to the claim trie", height)
	}

	return nil
}

func nextAfter(height uint32, started bool) uint32 {
	if !started {
		return 0
	}

	return height + 1
}

func (s *Synchronizer) nextHeight() uint32 {
	if !s.started {
		return 0
	}

	return s.tipHeight + 1
}

// Start consumes the feed until the context ends. It returns nil on a clean
// shutdown and an error when the stores are corrupt, in which case the
// process should restart and resync from durable state.
func (s *Synchronizer) Start(ctx context.Context) error {
	if err := s.fsm.Event(ctx, EventStart); err != nil {
		return errors.NewProcessingError("chainsync: already running", err)
	}

	defer func() {
		_ = s.fsm.Event(context.Background(), EventStop)
	}()

	for {
		block, err := s.source.Next(ctx)
		if err != nil {
			if errors.Is(err, errors.ErrContextCanceled) || ctx.Err() != nil {
				s.logger.Infof("[ChainSync] stream closed, stopping at height %d", s.tipHeight)
				return nil
			}

			return errors.NewServiceError("chainsync: block feed failed", err)
		}

		if err = s.handleBlock(ctx, block); err != nil {
			if errors.Is(err, errors.ErrCorruptIndex) {
				s.failed.Store(true)
				s.logger.Errorf("[ChainSync] stores are corrupt, full resync required: %v", err)

				return err
			}

			s.logger.Warnf("[ChainSync] block %d (%s) not applied: %v", block.Height, block.Hash(), err)
		}
	}
}

// CurrentState reports the fsm state, for observability and tests.
func (s *Synchronizer) CurrentState() string {
	return s.fsm.Current()
}

// handleBlock routes one delivered block: apply it if it extends the tip,
// buffer it if it is early, ignore it if it is a known duplicate, and start a
// reorg if it conflicts with what is indexed.
func (s *Synchronizer) handleBlock(ctx context.Context, block *model.Block) error {
	next := s.nextHeight()

	switch {
	case s.started && block.Height <= s.tipHeight:
		existing, err := s.ledger.GetBlockByHeight(ctx, block.Height)
		if err == nil && existing.Hash().IsEqual(block.Hash()) {
			s.logger.Debugf("[ChainSync] duplicate block %d (%s), skipping", block.Height, block.Hash())
			return nil
		}

		// the upstream replaced an indexed height
		return s.reorg(ctx, block)

	case block.Height > next:
		s.pending[block.Height] = block
		prometheusChainSyncPendingBlocks.Set(float64(len(s.pending)))
		s.logger.Debugf("[ChainSync] buffering early block %d, expecting %d", block.Height, next)

		return nil
	}

	if s.started && !block.Header.HashPrevBlock.IsEqual(s.tipHash) {
		return s.reorg(ctx, block)
	}

	if err := s.apply(ctx, block); err != nil {
		return err
	}

	return s.drainPending(ctx)
}

// drainPending applies buffered blocks that have become next in line.
func (s *Synchronizer) drainPending(ctx context.Context) error {
	for {
		block, ok := s.pending[s.nextHeight()]
		if !ok {
			prometheusChainSyncPendingBlocks.Set(float64(len(s.pending)))
			return nil
		}

		delete(s.pending, block.Height)

		if !block.Header.HashPrevBlock.IsEqual(s.tipHash) {
			prometheusChainSyncPendingBlocks.Set(float64(len(s.pending)))
			return s.reorg(ctx, block)
		}

		if err := s.apply(ctx, block); err != nil {
			prometheusChainSyncPendingBlocks.Set(float64(len(s.pending)))
			return err
		}
	}
}

func (s *Synchronizer) apply(ctx context.Context, block *model.Block) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	return s.applyLocked(ctx, block)
}

// applyLocked writes one block to all three stores. When a derived store
// rejects the block the ledger write is compensated so the stores stay in
// agreement; a failed compensation is a corruption.
func (s *Synchronizer) applyLocked(ctx context.Context, block *model.Block) error {
	if err := s.ledger.PutBlock(ctx, block); err != nil {
		return err
	}

	if err := s.utxoIndex.ApplyBlock(ctx, block); err != nil {
		if rbErr := s.ledger.RollbackBlock(ctx, block); rbErr != nil {
			return errors.NewCorruptIndexError("chainsync: ledger compensation for block %d failed", block.Height, rbErr)
		}

		return err
	}

	if err := s.applyClaimOps(ctx, block); err != nil {
		if rbErr := s.utxoIndex.RollbackBlock(ctx, block); rbErr != nil {
			return errors.NewCorruptIndexError("chainsync: utxo index compensation for block %d failed", block.Height, rbErr)
		}

		if rbErr := s.ledger.RollbackBlock(ctx, block); rbErr != nil {
			return errors.NewCorruptIndexError("chainsync: ledger compensation for block %d failed", block.Height, rbErr)
		}

		return err
	}

	s.tipHeight = block.Height
	s.tipHash = block.Hash()
	s.started = true

	prometheusChainSyncBlocksApplied.Inc()
	prometheusChainSyncTipHeight.Set(float64(block.Height))

	s.logger.Infof("[ChainSync] applied block %d (%s), %d txs", block.Height, block.Hash(), len(block.Txs))

	return nil
}

// applyClaimOps feeds the block's claim operations to the trie and commits
// the height. Outputs are processed before inputs so an update moves a claim
// to its new outpoint before the spend of the old outpoint is seen.
func (s *Synchronizer) applyClaimOps(ctx context.Context, block *model.Block) error {
	for _, tx := range block.Txs {
		if err := s.applyTxClaimOps(block.Height, tx); err != nil {
			return err
		}
	}

	return s.trie.ApplyBlock(ctx, block.Height)
}

func (s *Synchronizer) applyTxClaimOps(height uint32, tx *bt.Tx) error {
	txHash := tx.TxIDChainHash()

	for vout, output := range tx.Outputs {
		claimOp, _, err := model.ParseClaimScript(output.LockingScript)
		if err != nil {
			s.logger.Warnf("[ChainSync] malformed claim script at %s:%d, output skipped: %v", txHash, vout, err)
			continue
		}

		if claimOp == nil {
			continue
		}

		outpoint := model.NewOutPoint(txHash, uint32(vout)) //nolint:gosec // vout bounded by tx output count

		var op claimtrie.Op

		switch claimOp := claimOp.(type) {
		case *model.ClaimNameOp:
			op = claimtrie.AddClaim{
				Name:     claimOp.Name,
				OutPoint: outpoint,
				Amount:   output.Satoshis,
				Value:    claimOp.Value,
			}
		case *model.UpdateClaimOp:
			op = claimtrie.UpdateClaim{
				Name:     claimOp.Name,
				ClaimID:  claimOp.ClaimID,
				OutPoint: outpoint,
				Amount:   output.Satoshis,
				Value:    claimOp.Value,
			}
		case *model.SupportClaimOp:
			op = claimtrie.AddSupport{
				Name:     claimOp.Name,
				ClaimID:  claimOp.ClaimID,
				OutPoint: outpoint,
				Amount:   output.Satoshis,
			}
		}

		if err = s.trie.ApplyClaim(op, height); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				// an update naming a claim that does not exist burns the
				// output, same as the original chain
				s.logger.Warnf("[ChainSync] claim op at %s:%d references an unknown claim, skipped: %v", txHash, vout, err)
				continue
			}

			return err
		}
	}

	if tx.IsCoinbase() {
		return nil
	}

	// every spend is offered as an abandon; the trie ignores outpoints that
	// carry no claim or support
	for _, input := range tx.Inputs {
		outpoint := model.NewOutPoint(input.PreviousTxIDChainHash(), input.PreviousTxOutIndex)

		if err := s.trie.ApplyClaim(claimtrie.Abandon{OutPoint: outpoint}, height); err != nil {
			return err
		}
	}

	return nil
}

// reorg rolls the stores back to the last height shared with the upstream
// main chain and replays the new branch up to the block that triggered the
// reorg.
func (s *Synchronizer) reorg(ctx context.Context, forkBlock *model.Block) error {
	if err := s.fsm.Event(ctx, EventReorgDetected); err != nil {
		return errors.NewProcessingError("chainsync: reorg state transition", err)
	}

	s.logger.Warnf("[ChainSync] reorg detected at height %d (%s), tip %d (%s)",
		forkBlock.Height, forkBlock.Hash(), s.tipHeight, s.tipHash)

	ancestor, err := s.findCommonAncestor(ctx)
	if err != nil {
		// upstream unavailable mid-search; nothing was modified, resume the
		// stream and let the next delivery retry
		_ = s.fsm.Event(ctx, EventResume)

		return err
	}

	depth := s.tipHeight - ancestor

	if err = s.fsm.Event(ctx, EventRollback); err != nil {
		return errors.NewProcessingError("chainsync: rollback state transition", err)
	}

	s.snapMu.Lock()

	if err = s.rollbackLocked(ctx, ancestor); err != nil {
		s.snapMu.Unlock()
		return errors.NewCorruptIndexError("chainsync: rollback to height %d failed", ancestor, err)
	}

	if err = s.fsm.Event(ctx, EventReplay); err != nil {
		s.snapMu.Unlock()
		return errors.NewProcessingError("chainsync: replay state transition", err)
	}

	err = s.replayLocked(ctx, forkBlock)

	s.snapMu.Unlock()

	if err != nil {
		return err
	}

	if err = s.fsm.Event(ctx, EventResume); err != nil {
		return errors.NewProcessingError("chainsync: resume state transition", err)
	}

	prometheusChainSyncReorgs.Inc()
	prometheusChainSyncRollbackDepth.Observe(float64(depth))

	s.logger.Warnf("[ChainSync] reorg complete: rolled back %d blocks to %d, new tip %d (%s)",
		depth, ancestor, s.tipHeight, s.tipHash)

	return s.drainPending(ctx)
}

// findCommonAncestor walks down from the tip comparing indexed hashes with
// the upstream main chain.
func (s *Synchronizer) findCommonAncestor(ctx context.Context) (uint32, error) {
	for height := s.tipHeight; ; height-- {
		ours, err := s.ledger.GetBlockByHeight(ctx, height)
		if err != nil {
			return 0, errors.NewCorruptIndexError("chainsync: ledger block %d missing during ancestor search", height, err)
		}

		theirs, err := s.source.BlockAtHeight(ctx, height)
		if err != nil {
			return 0, errors.NewServiceError("chainsync: upstream block %d unavailable during ancestor search", height, err)
		}

		if ours.Hash().IsEqual(theirs.Hash()) {
			return height, nil
		}

		if height == 0 {
			return 0, errors.NewCorruptIndexError("chainsync: no common ancestor down to genesis")
		}
	}
}

// rollbackLocked unwinds the stores to the ancestor height: utxo index and
// ledger per block descending, then the claim trie in one restore.
func (s *Synchronizer) rollbackLocked(ctx context.Context, ancestor uint32) error {
	for height := s.tipHeight; height > ancestor; height-- {
		block, err := s.ledger.GetBlockByHeight(ctx, height)
		if err != nil {
			return err
		}

		if err = s.utxoIndex.RollbackBlock(ctx, block); err != nil {
			return err
		}

		if err = s.ledger.RollbackBlock(ctx, block); err != nil {
			return err
		}

		s.logger.Infof("[ChainSync] rolled back block %d (%s)", height, block.Hash())
	}

	if err := s.trie.RollbackToHeight(ctx, ancestor); err != nil {
		return err
	}

	block, err := s.ledger.GetBlockByHeight(ctx, ancestor)
	if err != nil {
		return err
	}

	s.tipHeight = ancestor
	s.tipHash = block.Hash()

	prometheusChainSyncTipHeight.Set(float64(ancestor))

	return nil
}

// replayLocked applies the new branch from the upstream, ancestor+1 through
// the fork block's height. Blocks past the fork block arrive on the stream.
func (s *Synchronizer) replayLocked(ctx context.Context, forkBlock *model.Block) error {
	for height := s.tipHeight + 1; height <= forkBlock.Height; height++ {
		block := forkBlock

		if height != forkBlock.Height {
			var err error

			block, err = s.source.BlockAtHeight(ctx, height)
			if err != nil {
				return errors.NewServiceError("chainsync: upstream block %d unavailable during replay", height, err)
			}
		}

		if !block.Header.HashPrevBlock.IsEqual(s.tipHash) {
			// the upstream moved again mid-replay; stores are consistent at
			// the current tip, the stream will trigger a fresh reorg
			return errors.NewBlockParentMismatchError("chainsync: replay block %d does not extend %s", height, s.tipHash)
		}

		if err := s.applyLocked(ctx, block); err != nil {
			return err
		}
	}

	return nil
}

// Snapshot pins the current indexed height for a consistent multi-store read.
// Release must be called once the read is done.
type Snapshot struct {
	Height uint32

	release func()
}

func (sn *Snapshot) Release() {
	if sn.release != nil {
		sn.release()
	}
}

// Snapshot blocks new writes until released. Returns an error before the
// first block is indexed or after the stores were declared corrupt.
func (s *Synchronizer) Snapshot() (*Snapshot, error) {
	if s.failed.Load() {
		return nil, errors.NewServiceError("chainsync: index unavailable, resynchronizing")
	}

	s.snapMu.RLock()

	if !s.started {
		s.snapMu.RUnlock()
		return nil, errors.NewNotFoundError("chainsync: no blocks indexed yet")
	}

	return &Snapshot{
		Height:  s.tipHeight,
		release: s.snapMu.RUnlock,
	}, nil
}

// TipHash returns the hash of the best indexed block. Callers hold a
// Snapshot while reading it.
func (s *Synchronizer) TipHash() *chainhash.Hash {
	return s.tipHash
}
