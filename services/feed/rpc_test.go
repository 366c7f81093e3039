package feed

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
	"github.com/claimnet/claimnode/settings"
	"github.com/claimnet/claimnode/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChain(t *testing.T, n int) []*model.Block {
	t.Helper()

	blocks := make([]*model.Block, 0, n)
	prevHash := &chainhash.Hash{}

	for i := 0; i < n; i++ {
		block := model.TestBlock(uint32(i), prevHash, model.TestCoinbaseTx(uint32(i), byte(i+1), 5000000000))
		blocks = append(blocks, block)
		prevHash = block.Hash()
	}

	return blocks
}

// upstreamServer fakes the node RPC interface the feed polls.
func upstreamServer(t *testing.T, blocks []*model.Block) *httptest.Server {
	t.Helper()

	byHash := map[string]*model.Block{}
	for _, block := range blocks {
		byHash[block.Hash().String()] = block
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		write := func(result interface{}, rpcErr *rpcError) {
			resultBytes, err := json.Marshal(result)
			require.NoError(t, err)

			require.NoError(t, json.NewEncoder(w).Encode(rpcResponse{Result: resultBytes, Error: rpcErr}))
		}

		switch req.Method {
		case "getblockcount":
			write(uint32(len(blocks)-1), nil)
		case "getblockhash":
			height := int(req.Params[0].(float64))
			if height < 0 || height >= len(blocks) {
				write(nil, &rpcError{Code: -8, Message: "block height out of range"})
				return
			}

			write(blocks[height].Hash().String(), nil)
		case "getblock":
			block, ok := byHash[req.Params[0].(string)]
			if !ok {
				write(nil, &rpcError{Code: -5, Message: "block not found"})
				return
			}

			write(hex.EncodeToString(block.Bytes()), nil)
		default:
			write(nil, &rpcError{Code: -32601, Message: "method not found"})
		}
	}))
}

func testFeedSettings(address string) settings.FeedSettings {
	return settings.FeedSettings{
		Source:         "rpc",
		RPCAddress:     address,
		PollInterval:   10 * time.Millisecond,
		SilenceTimeout: time.Second,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func TestRPCSource_Next(t *testing.T) {
	blocks := testChain(t, 3)
	server := upstreamServer(t, blocks)
	defer server.Close()

	source := NewRPCSource(ulogger.TestLogger{}, testFeedSettings(server.URL))
	defer source.Close()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		block, err := source.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), block.Height)
		assert.Equal(t, blocks[i].Hash().String(), block.Hash().String())
	}

	t.Run("caught up blocks until cancelled", func(t *testing.T) {
		shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := source.Next(shortCtx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrContextCanceled))
	})
}

func TestRPCSource_SeekTo(t *testing.T) {
	blocks := testChain(t, 4)
	server := upstreamServer(t, blocks)
	defer server.Close()

	source := NewRPCSource(ulogger.TestLogger{}, testFeedSettings(server.URL))
	defer source.Close()

	source.SeekTo(2)

	block, err := source.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), block.Height)
}

func TestRPCSource_BlockAtHeight(t *testing.T) {
	blocks := testChain(t, 2)
	server := upstreamServer(t, blocks)
	defer server.Close()

	source := NewRPCSource(ulogger.TestLogger{}, testFeedSettings(server.URL))
	defer source.Close()

	ctx := context.Background()

	block, err := source.BlockAtHeight(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, blocks[1].Hash().String(), block.Hash().String())

	_, err = source.BlockAtHeight(ctx, 99)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceError))
}

func TestMockSource(t *testing.T) {
	blocks := testChain(t, 2)

	source := NewMockSource()
	source.SetChain(blocks...)
	source.Enqueue(blocks[1], blocks[0]) // out of order on purpose

	ctx := context.Background()

	block, err := source.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), block.Height)

	block, err = source.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), block.Height)

	block, err = source.BlockAtHeight(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, blocks[0].Hash().String(), block.Hash().String())

	_, err = source.BlockAtHeight(ctx, 9)
	assert.True(t, errors.Is(err, errors.ErrBlockNotFound))
}
