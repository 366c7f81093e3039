package queryserver

import (
	"bufio"
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
	"github.com/claimnet/claimnode/services/chainsync"
	"github.com/claimnet/claimnode/services/feed"
	"github.com/claimnet/claimnode/services/resolver"
	"github.com/claimnet/claimnode/settings"
	"github.com/claimnet/claimnode/stores/claimtrie"
	"github.com/claimnet/claimnode/stores/ledger"
	"github.com/claimnet/claimnode/stores/utxoindex"
	"github.com/claimnet/claimnode/ulogger"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCoinbaseValue = uint64(5_000_000_000)

type testHarness struct {
	server  *Server
	addr    string
	claimTx *bt.Tx
	tip     *model.Block
}

// newTestHarness indexes a small chain with one claim and serves it.
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := ulogger.TestLogger{}

	tSettings := &settings.Settings{
		DataFolder: t.TempDir(),
		ClaimTrie: settings.ClaimTrieSettings{
			ActivationDelayFactor: 32,
			MaxActivationDelay:    4032,
		},
		Resolver: settings.ResolverSettings{
			CacheTTL:  time.Minute,
			CacheSize: 128,
			BatchMax:  8,
		},
		QueryServer: settings.QueryServerSettings{
			ListenAddress:  "127.0.0.1:0",
			MaxInflight:    2,
			MaxQueued:      8,
			RequestTimeout: 5 * time.Second,
			WriteTimeout:   5 * time.Second,
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

	coinbase0 := model.TestCoinbaseTx(0, 1, testCoinbaseValue)
	block0 := model.TestBlock(0, &chainhash.Hash{}, coinbase0)

	claimTx := model.TestTx(
		[]model.OutPoint{model.NewOutPoint(coinbase0.TxIDChainHash(), 0)},
		&bt.Output{
			Satoshis: testCoinbaseValue,
			LockingScript: model.NewClaimNameScript(
				[]byte("movie"),
				model.NewClaimValue([]byte("payload-1")).Bytes(),
				model.TestP2PKHScript(9),
			),
		},
	)
	block1 := model.TestBlock(1, block0.Hash(), model.TestCoinbaseTx(1, 2, testCoinbaseValue), claimTx)

	coinbase2 := model.TestCoinbaseTx(2, 3, testCoinbaseValue)
	block2 := model.TestBlock(2, block1.Hash(), coinbase2)

	source := feed.NewMockSource()
	source.SetChain(block0, block1, block2)
	source.Enqueue(block0, block1, block2)

	sync := chainsync.New(logger, tSettings, source, ledgerStore, utxoStore, trieStore)
	require.NoError(t, sync.Init(ctx))

	go func() { _ = sync.Start(ctx) }()

	require.Eventually(t, func() bool {
		snapshot, err := sync.Snapshot()
		if err != nil {
			return false
		}

		defer snapshot.Release()

		return snapshot.Height == 2
	}, 5*time.Second, 10*time.Millisecond)

	engine := resolver.New(logger, tSettings, trieStore, sync)

	server := New(logger, tSettings, sync, utxoStore, trieStore, engine)
	require.NoError(t, server.Init(ctx))

	go func() { _ = server.Start(ctx) }()

	t.Cleanup(func() {
		_ = engine.Close()
		_ = trieStore.Close()
		_ = utxoStore.Close()
		_ = ledgerStore.Close()
	})

	return &testHarness{
		server:  server,
		addr:    server.Addr().String(),
		claimTx: claimTx,
		tip:     block2,
	}
}

type testClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
	nextID  int
}

func (h *testHarness) dial(t *testing.T) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{t: t, conn: conn, scanner: bufio.NewScanner(conn)}
}

func (c *testClient) send(raw []byte) {
	c.t.Helper()

	_, err := c.conn.Write(append(raw, '\n'))
	require.NoError(c.t, err)
}

func (c *testClient) read() (jsoniter.RawMessage, *rpcErrorObj) {
	c.t.Helper()

	require.True(c.t, c.scanner.Scan(), "connection closed: %v", c.scanner.Err())

	var resp struct {
		Result jsoniter.RawMessage `json:"result"`
		Error  *rpcErrorObj        `json:"error"`
	}

	require.NoError(c.t, json.Unmarshal(c.scanner.Bytes(), &resp))

	return resp.Result, resp.Error
}

func (c *testClient) call(method string, params []interface{}, height *uint32) (jsoniter.RawMessage, *rpcErrorObj) {
	c.t.Helper()

	c.nextID++

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.nextID,
		"method":  method,
		"params":  params,
	}

	if height != nil {
		req["height"] = *height
	}

	raw, err := json.Marshal(req)
	require.NoError(c.t, err)

	c.send(raw)

	return c.read()
}

func (c *testClient) callOK(method string, params []interface{}, out interface{}) {
	c.t.Helper()

	result, rpcErr := c.call(method, params, nil)
	require.Nil(c.t, rpcErr, "unexpected error: %+v", rpcErr)
	require.NoError(c.t, json.Unmarshal(result, out))
}

func TestQueryServer_GetBestBlock(t *testing.T) {
	h := newTestHarness(t)
	client := h.dial(t)

	var result bestBlockResult

	client.callOK("getbestblock", nil, &result)
	assert.Equal(t, uint32(2), result.Height)
	assert.Equal(t, h.tip.Hash().String(), result.Hash)
}

func TestQueryServer_BalanceHistoryUnspent(t *testing.T) {
	h := newTestHarness(t)
	client := h.dial(t)

	claimAddress := model.AddressForScript(model.TestP2PKHScript(9))

	var balance balanceResult

	client.callOK("getbalance", []interface{}{claimAddress}, &balance)
	assert.Equal(t, uint32(2), balance.Height)
	assert.Equal(t, testCoinbaseValue, balance.Balance)

	// the spent coinbase address is back to zero
	spentAddress := model.AddressForScript(model.TestP2PKHScript(1))

	client.callOK("getbalance", []interface{}{spentAddress}, &balance)
	assert.Zero(t, balance.Balance)

	var history historyResult

	client.callOK("gethistory", []interface{}{spentAddress}, &history)
	require.Len(t, history.Entries, 2)
	assert.Equal(t, int64(testCoinbaseValue), history.Entries[0].Delta)
	assert.Equal(t, -int64(testCoinbaseValue), history.Entries[1].Delta)

	// range queries clip by height
	client.callOK("gethistory", []interface{}{spentAddress, 0, 0}, &history)
	require.Len(t, history.Entries, 1)

	var unspent unspentResult

	client.callOK("listunspent", []interface{}{claimAddress}, &unspent)
	require.Len(t, unspent.Utxos, 1)
	assert.Equal(t, model.NewOutPoint(h.claimTx.TxIDChainHash(), 0), unspent.Utxos[0].OutPoint)
	assert.Equal(t, testCoinbaseValue, unspent.Utxos[0].Satoshis)
}

func TestQueryServer_Resolve(t *testing.T) {
	h := newTestHarness(t)
	client := h.dial(t)

	var result resolveResult

	client.callOK("resolve", []interface{}{"movie"}, &result)
	assert.Equal(t, uint32(2), result.Height)
	require.NotNil(t, result.Claim)
	assert.Equal(t, []byte("payload-1"), result.Claim.Payload)
	assert.Equal(t, model.NewClaimID(model.NewOutPoint(h.claimTx.TxIDChainHash(), 0)), result.Claim.ClaimID)

	var batch resolveBatchResult

	client.callOK("resolve", []interface{}{[]string{"movie", "missing"}}, &batch)
	require.Len(t, batch.Results, 2)
	assert.NotNil(t, batch.Results[0].Claim)
	require.NotNil(t, batch.Results[1].Error)
	assert.Equal(t, rpcNotFound, batch.Results[1].Error.Code)
}

func TestQueryServer_GetClaimsForNameAndByID(t *testing.T) {
	h := newTestHarness(t)
	client := h.dial(t)

	claimID := model.NewClaimID(model.NewOutPoint(h.claimTx.TxIDChainHash(), 0))

	var claims claimsForNameResult

	client.callOK("getclaimsforname", []interface{}{"movie"}, &claims)
	assert.Equal(t, 1, claims.Total)
	require.Len(t, claims.Claims, 1)
	assert.Equal(t, claimID, claims.Claims[0].ClaimID)

	// a page past the end is empty, not an error
	client.callOK("getclaimsforname", []interface{}{"movie", 2, 10}, &claims)
	assert.Empty(t, claims.Claims)
	assert.Equal(t, 1, claims.Total)

	var byID claimByIDResult

	client.callOK("getclaimbyid", []interface{}{claimID.String()}, &byID)
	require.NotNil(t, byID.Claim)
	assert.Equal(t, claimID, byID.Claim.ClaimID)
}

func TestQueryServer_Errors(t *testing.T) {
	h := newTestHarness(t)
	client := h.dial(t)

	_, rpcErr := client.call("nosuchmethod", nil, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpcMethodNotFound, rpcErr.Code)

	_, rpcErr = client.call("getbalance", nil, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpcInvalidParams, rpcErr.Code)

	_, rpcErr = client.call("getclaimsforname", []interface{}{"movie", 0, 10}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpcInvalidParams, rpcErr.Code)

	_, rpcErr = client.call("resolve", []interface{}{"missing"}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpcNotFound, rpcErr.Code)

	// pinned above the indexed height
	pinned := uint32(99)

	_, rpcErr = client.call("getbalance", []interface{}{"addr"}, &pinned)
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpcStaleHeight, rpcErr.Code)

	// a pin at or below the indexed height is fine
	pinned = 2

	result, rpcErr := client.call("getbestblock", nil, &pinned)
	require.Nil(t, rpcErr)
	assert.NotNil(t, result)

	// a malformed line gets a parse error with an explicit null id
	client.send([]byte("this is not json"))

	require.True(t, client.scanner.Scan(), "connection closed: %v", client.scanner.Err())

	line := client.scanner.Text()
	assert.Contains(t, line, `"id":null`)

	var resp rpcResponse

	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcParseError, resp.Error.Code)
}

func TestQueryServer_ConcurrentClients(t *testing.T) {
	h := newTestHarness(t)

	done := make(chan struct{})

	for i := 0; i < 4; i++ {
		client := h.dial(t)

		go func() {
			defer func() { done <- struct{}{} }()

			for j := 0; j < 20; j++ {
				var result bestBlockResult

				client.callOK("getbestblock", nil, &result)
				assert.Equal(t, uint32(2), result.Height)
			}
		}()
	}

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("clients did not finish")
		}
	}
}

// blockingIndex parks every snapshot until release is closed, so requests
// pile up behind the worker pool.
type blockingIndex struct {
	release chan struct{}
	tip     chainhash.Hash
}

func (b *blockingIndex) Snapshot() (*chainsync.Snapshot, error) {
	<-b.release
	return &chainsync.Snapshot{Height: 0}, nil
}

func (b *blockingIndex) TipHash() *chainhash.Hash {
	return &b.tip
}

func TestQueryServer_QueueOverflowDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tSettings := &settings.Settings{
		QueryServer: settings.QueryServerSettings{
			ListenAddress:  "127.0.0.1:0",
			MaxInflight:    1,
			MaxQueued:      2,
			RequestTimeout: 5 * time.Second,
			WriteTimeout:   5 * time.Second,
		},
	}

	index := &blockingIndex{release: make(chan struct{})}

	server := New(ulogger.TestLogger{}, tSettings, index, nil, nil, nil)
	require.NoError(t, server.Init(ctx))

	go func() { _ = server.Start(ctx) }()

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	// one request occupies the worker and MaxQueued more fill the queue;
	// everything beyond that must get the connection dropped
	const flood = 20

	for i := 0; i < flood; i++ {
		if _, err = conn.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"getbestblock"}` + "\n")); err != nil {
			break
		}
	}

	close(index.release)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	responses := 0

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		responses++
	}

	if scanErr := scanner.Err(); scanErr != nil {
		var netErr net.Error
		if errors.As(scanErr, &netErr) {
			assert.False(t, netErr.Timeout(), "server kept the flooding connection open")
		}
	}

	assert.Less(t, responses, flood, "every flooded request was answered instead of disconnecting")

	// a fresh connection is served as usual
	conn2, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn2.Close() })

	client := &testClient{t: t, conn: conn2, scanner: bufio.NewScanner(conn2)}

	var result bestBlockResult

	client.callOK("getbestblock", nil, &result)
	assert.Equal(t, uint32(0), result.Height)
}
