// Package queryserver serves the wallet/query API over TCP: newline-delimited
// JSON-RPC 2.0 requests answered from the indexed state at a pinned snapshot
// height.
package queryserver

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
	"github.com/claimnet/claimnode/services/chainsync"
	"github.com/claimnet/claimnode/services/resolver"
	"github.com/claimnet/claimnode/settings"
	"github.com/claimnet/claimnode/stores/claimtrie"
	"github.com/claimnet/claimnode/stores/utxoindex"
	"github.com/claimnet/claimnode/ulogger"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxLineBytes caps a single request line; a client sending more is not
// speaking the protocol.
const maxLineBytes = 1 << 20

// Index exposes the synchronizer's read side: a snapshot guard plus the best
// block hash, valid while a snapshot is held.
type Index interface {
	Snapshot() (*chainsync.Snapshot, error)
	TipHash() *chainhash.Hash
}

// ClaimResolver resolves locators; it manages its own snapshots and reports
// the height each resolution was served at.
type ClaimResolver interface {
	Resolve(ctx context.Context, locator string) (*model.ResolvedClaim, uint32, error)
	ResolveBatch(ctx context.Context, locators []string) ([]resolver.BatchResult, uint32, error)
}

type Server struct {
	logger    ulogger.Logger
	settings  *settings.Settings
	index     Index
	utxoIndex utxoindex.Store
	trie      claimtrie.Store
	resolver  ClaimResolver

	listener net.Listener
}

func New(logger ulogger.Logger, tSettings *settings.Settings, index Index,
	utxoStore utxoindex.Store, trieStore claimtrie.Store, claimResolver ClaimResolver) *Server {
	initPrometheusMetrics()

	return &Server{
		logger:    logger,
		settings:  tSettings,
		index:     index,
		utxoIndex: utxoStore,
		trie:      trieStore,
		resolver:  claimResolver,
	}
}

func (s *Server) Init(_ context.Context) error {
	listener, err := net.Listen("tcp", s.settings.QueryServer.ListenAddress)
	if err != nil {
		return errors.NewServiceError("queryserver: listen on %s", s.settings.QueryServer.ListenAddress, err)
	}

	s.listener = listener

	return nil
}

// Addr is the bound listen address, available after Init.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start accepts connections until the context ends.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	s.logger.Infof("[QueryServer] listening on %s", s.listener.Addr())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.NewServiceError("queryserver: accept failed", err)
		}

		go s.handleConnection(ctx, conn)
	}
}

type connection struct {
	server *Server
	conn   net.Conn
	id     string

	requests chan *rpcRequest

	writeMu sync.Mutex
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	prometheusQueryServerConnections.Inc()
	defer prometheusQueryServerConnections.Dec()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() { _ = conn.Close() }()

	c := &connection{
		server:   s,
		conn:     conn,
		id:       uuid.New().String(),
		requests: make(chan *rpcRequest, s.settings.QueryServer.MaxQueued),
	}

	s.logger.Debugf("[QueryServer] %s connected from %s", c.id, conn.RemoteAddr())

	var wg sync.WaitGroup

	for i := 0; i < s.settings.QueryServer.MaxInflight; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			c.work(connCtx)
		}()
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

scanLoop:
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		req := &rpcRequest{}
		if err := json.Unmarshal(line, req); err != nil {
			c.writeError(nil, rpcParseError, "parse error")
			continue
		}

		prometheusQueryServerRequests.Inc()

		select {
		case c.requests <- req:
		default:
			// a client this far ahead of its answers is misbehaving
			s.logger.Warnf("[QueryServer] %s exceeded %d queued requests, disconnecting", c.id, s.settings.QueryServer.MaxQueued)
			break scanLoop
		}
	}

	close(c.requests)
	cancel()
	wg.Wait()

	s.logger.Debugf("[QueryServer] %s disconnected", c.id)
}

func (c *connection) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-c.requests:
			if !ok {
				return
			}

			c.handle(ctx, req)
		}
	}
}

func (c *connection) handle(ctx context.Context, req *rpcRequest) {
	reqCtx, cancel := context.WithTimeout(ctx, c.server.settings.QueryServer.RequestTimeout)
	defer cancel()

	if _, ok := knownMethods[req.Method]; !ok {
		prometheusQueryServerErrors.Inc()
		c.writeError(req.ID, rpcMethodNotFound, "unknown method "+req.Method)

		return
	}

	result, err := c.server.dispatch(reqCtx, req)
	if err != nil {
		prometheusQueryServerErrors.Inc()
		c.writeError(req.ID, codeForError(err), err.Error())

		return
	}

	c.writeResult(req.ID, result)
}

func (c *connection) writeResult(id jsoniter.RawMessage, result interface{}) {
	c.write(&rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (c *connection) writeError(id jsoniter.RawMessage, code int, message string) {
	c.write(&rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcErrorObj{Code: code, Message: message}})
}

// write serializes one response line under the write deadline. A write
// failure closes the connection: a client that cannot keep up is dropped
// rather than buffered without bound.
func (c *connection) write(resp *rpcResponse) {
	// a response to a request whose id could not be read carries a null id
	if resp.ID == nil {
		resp.ID = jsoniter.RawMessage("null")
	}

	body, err := json.Marshal(resp)
	if err != nil {
		c.server.logger.Errorf("[QueryServer] %s marshal response: %v", c.id, err)
		return
	}

	body = append(body, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err = c.conn.SetWriteDeadline(time.Now().Add(c.server.settings.QueryServer.WriteTimeout)); err != nil {
		return
	}

	if _, err = c.conn.Write(body); err != nil {
		c.server.logger.Warnf("[QueryServer] %s write failed, disconnecting: %v", c.id, err)
		_ = c.conn.Close()
	}
}
