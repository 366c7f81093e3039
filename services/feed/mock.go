package feed

import (
	"context"
	"sync"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
)

// MockSource is a scripted in-memory feed for tests. Enqueue controls the
// delivery order of the stream, including duplicates, gaps and fork blocks;
// SetChain controls what random access by height returns.
type MockSource struct {
	mu    sync.Mutex
	queue chan *model.Block
	chain map[uint32]*model.Block
}

func NewMockSource() *MockSource {
	return &MockSource{
		queue: make(chan *model.Block, 1024),
		chain: map[uint32]*model.Block{},
	}
}

func (m *MockSource) Enqueue(blocks ...*model.Block) {
	for _, block := range blocks {
		m.queue <- block
	}
}

// SetChain registers the blocks as the upstream main chain for BlockAtHeight.
// Later calls overwrite heights, which is how tests script a reorg.
func (m *MockSource) SetChain(blocks ...*model.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, block := range blocks {
		m.chain[block.Height] = block
	}
}

func (m *MockSource) Next(ctx context.Context) (*model.Block, error) {
	select {
	case <-ctx.Done():
		return nil, errors.NewContextCanceledError("feed: stream closed", ctx.Err())
	case block := <-m.queue:
		return block, nil
	}
}

func (m *MockSource) BlockAtHeight(_ context.Context, height uint32) (*model.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	block, ok := m.chain[height]
	if !ok {
		return nil, errors.NewBlockNotFoundError("feed: no block at height %d", height)
	}

	return block, nil
}

func (m *MockSource) SeekTo(_ uint32) {}

func (m *MockSource) Close() error { return nil }
