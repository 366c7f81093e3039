package queryserver

import (
	"context"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
	"github.com/claimnet/claimnode/services/chainsync"
	"github.com/claimnet/claimnode/stores/claimtrie"
	jsoniter "github.com/json-iterator/go"
)

type rpcRequest struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      jsoniter.RawMessage   `json:"id"`
	Method  string                `json:"method"`
	Params  []jsoniter.RawMessage `json:"params"`

	// Height pins the lowest indexed height the client will accept, usually
	// the height it saw in an earlier response.
	Height *uint32 `json:"height,omitempty"`
}

type rpcResponse struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      jsoniter.RawMessage `json:"id"`
	Result  interface{}         `json:"result,omitempty"`
	Error   *rpcErrorObj        `json:"error,omitempty"`
}

type rpcErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	rpcParseError     = -32700
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603

	rpcNotFound    = -32004
	rpcStaleHeight = -32005
	rpcUnavailable = -32002
)

func codeForError(err error) int {
	switch {
	case errors.Is(err, errors.ErrBadRequest), errors.Is(err, errors.ErrInvalidArgument):
		return rpcInvalidParams
	case errors.Is(err, errors.ErrStaleHeight):
		return rpcStaleHeight
	case errors.Is(err, errors.ErrNotFound), errors.Is(err, errors.ErrBlockNotFound), errors.Is(err, errors.ErrTxNotFound):
		return rpcNotFound
	case errors.Is(err, errors.ErrServiceError):
		return rpcUnavailable
	default:
		return rpcInternalError
	}
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

var knownMethods = map[string]struct{}{
	"getbalance":       {},
	"gethistory":       {},
	"listunspent":      {},
	"resolve":          {},
	"getclaimsforname": {},
	"getclaimbyid":     {},
	"getbestblock":     {},
}

func (s *Server) dispatch(ctx context.Context, req *rpcRequest) (interface{}, error) {
	switch req.Method {
	case "getbalance":
		return s.getBalance(ctx, req)
	case "gethistory":
		return s.getHistory(ctx, req)
	case "listunspent":
		return s.listUnspent(ctx, req)
	case "resolve":
		return s.resolve(ctx, req)
	case "getclaimsforname":
		return s.getClaimsForName(ctx, req)
	case "getclaimbyid":
		return s.getClaimByID(ctx, req)
	case "getbestblock":
		return s.getBestBlock(ctx, req)
	}

	return nil, errors.NewBadRequestError("unknown method %q", req.Method)
}

// snapshotFor pins the current height, honoring the request's height floor.
// A client that has seen a higher height than the index currently serves is
// told so instead of silently getting older state.
func (s *Server) snapshotFor(req *rpcRequest) (*chainsync.Snapshot, error) {
	snapshot, err := s.index.Snapshot()
	if err != nil {
		return nil, err
	}

	if req.Height != nil && snapshot.Height < *req.Height {
		snapshot.Release()
		return nil, errors.NewStaleHeightError("height %d is not served, index is at %d", *req.Height, snapshot.Height)
	}

	return snapshot, nil
}

func param[T any](req *rpcRequest, i int, out *T) error {
	if i >= len(req.Params) {
		return errors.NewBadRequestError("%s: missing parameter %d", req.Method, i)
	}

	if err := json.Unmarshal(req.Params[i], out); err != nil {
		return errors.NewBadRequestError("%s: invalid parameter %d", req.Method, i, err)
	}

	return nil
}

type balanceResult struct {
	Height  uint32 `json:"height"`
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

func (s *Server) getBalance(ctx context.Context, req *rpcRequest) (interface{}, error) {
	var address string
	if err := param(req, 0, &address); err != nil {
		return nil, err
	}

	snapshot, err := s.snapshotFor(req)
	if err != nil {
		return nil, err
	}

	defer snapshot.Release()

	balance, err := s.utxoIndex.GetBalance(ctx, address)
	if err != nil {
		return nil, err
	}

	return &balanceResult{Height: snapshot.Height, Address: address, Balance: balance}, nil
}

type historyItem struct {
	Height uint32 `json:"height"`
	TxHash string `json:"txHash"`
	Delta  int64  `json:"delta"`
}

type historyResult struct {
	Height  uint32        `json:"height"`
	Address string        `json:"address"`
	Entries []historyItem `json:"entries"`
}

func (s *Server) getHistory(ctx context.Context, req *rpcRequest) (interface{}, error) {
	var address string
	if err := param(req, 0, &address); err != nil {
		return nil, err
	}

	snapshot, err := s.snapshotFor(req)
	if err != nil {
		return nil, err
	}

	defer snapshot.Release()

	fromHeight, toHeight := uint32(0), snapshot.Height

	if len(req.Params) > 1 {
		if err = param(req, 1, &fromHeight); err != nil {
			return nil, err
		}
	}

	if len(req.Params) > 2 {
		if err = param(req, 2, &toHeight); err != nil {
			return nil, err
		}
	}

	entries, err := s.utxoIndex.GetHistory(ctx, address, fromHeight, toHeight)
	if err != nil {
		return nil, err
	}

	items := make([]historyItem, len(entries))
	for i, entry := range entries {
		items[i] = historyItem{Height: entry.Height, TxHash: entry.TxHash.String(), Delta: entry.Delta}
	}

	return &historyResult{Height: snapshot.Height, Address: address, Entries: items}, nil
}

type unspentResult struct {
	Height  uint32          `json:"height"`
	Address string          `json:"address"`
	Utxos   []model.Unspent `json:"utxos"`
}

func (s *Server) listUnspent(ctx context.Context, req *rpcRequest) (interface{}, error) {
	var address string
	if err := param(req, 0, &address); err != nil {
		return nil, err
	}

	snapshot, err := s.snapshotFor(req)
	if err != nil {
		return nil, err
	}

	defer snapshot.Release()

	utxos, err := s.utxoIndex.ListUnspent(ctx, address)
	if err != nil {
		return nil, err
	}

	return &unspentResult{Height: snapshot.Height, Address: address, Utxos: utxos}, nil
}

type resolveResult struct {
	Height uint32               `json:"height"`
	Claim  *model.ResolvedClaim `json:"claim"`
}

type resolveBatchEntry struct {
	Locator string               `json:"locator"`
	Claim   *model.ResolvedClaim `json:"claim,omitempty"`
	Error   *rpcErrorObj         `json:"error,omitempty"`
}

type resolveBatchResult struct {
	Height  uint32              `json:"height"`
	Results []resolveBatchEntry `json:"results"`
}

// resolve accepts either a single locator string or an array of locators.
func (s *Server) resolve(ctx context.Context, req *rpcRequest) (interface{}, error) {
	var locators []string
	if err := param(req, 0, &locators); err == nil {
		return s.resolveBatch(ctx, req, locators)
	}

	var loc string
	if err := param(req, 0, &loc); err != nil {
		return nil, err
	}

	claim, height, err := s.resolver.Resolve(ctx, loc)
	if err != nil {
		return nil, err
	}

	if err = checkHeightFloor(req, height); err != nil {
		return nil, err
	}

	return &resolveResult{Height: height, Claim: claim}, nil
}

func (s *Server) resolveBatch(ctx context.Context, req *rpcRequest, locators []string) (interface{}, error) {
	results, height, err := s.resolver.ResolveBatch(ctx, locators)
	if err != nil {
		return nil, err
	}

	if err = checkHeightFloor(req, height); err != nil {
		return nil, err
	}

	entries := make([]resolveBatchEntry, len(results))

	for i, result := range results {
		entries[i].Locator = result.Locator

		if result.Err != nil {
			entries[i].Error = &rpcErrorObj{Code: codeForError(result.Err), Message: result.Err.Error()}
			continue
		}

		entries[i].Claim = result.Claim
	}

	return &resolveBatchResult{Height: height, Results: entries}, nil
}

// checkHeightFloor applies the request's pinned height to operations that
// snapshot through the resolver rather than snapshotFor.
func checkHeightFloor(req *rpcRequest, height uint32) error {
	if req.Height != nil && height < *req.Height {
		return errors.NewStaleHeightError("height %d is not served, index is at %d", *req.Height, height)
	}

	return nil
}

type claimsForNameResult struct {
	Height   uint32                  `json:"height"`
	Name     string                  `json:"name"`
	Claims   []*claimtrie.ClaimEntry `json:"claims"`
	Page     int                     `json:"page"`
	PageSize int                     `json:"pageSize"`
	Total    int                     `json:"total"`
}

func (s *Server) getClaimsForName(_ context.Context, req *rpcRequest) (interface{}, error) {
	var name string
	if err := param(req, 0, &name); err != nil {
		return nil, err
	}

	page, pageSize := 1, defaultPageSize

	if len(req.Params) > 1 {
		if err := param(req, 1, &page); err != nil {
			return nil, err
		}
	}

	if len(req.Params) > 2 {
		if err := param(req, 2, &pageSize); err != nil {
			return nil, err
		}
	}

	if page < 1 || pageSize < 1 || pageSize > maxPageSize {
		return nil, errors.NewBadRequestError("getclaimsforname: page must be >= 1 and pageSize between 1 and %d", maxPageSize)
	}

	snapshot, err := s.snapshotFor(req)
	if err != nil {
		return nil, err
	}

	defer snapshot.Release()

	claims, err := s.trie.GetClaimsForName([]byte(name))
	if err != nil {
		return nil, err
	}

	total := len(claims)

	start := (page - 1) * pageSize
	if start > total {
		start = total
	}

	end := start + pageSize
	if end > total {
		end = total
	}

	return &claimsForNameResult{
		Height:   snapshot.Height,
		Name:     name,
		Claims:   claims[start:end],
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	}, nil
}

type claimByIDResult struct {
	Height uint32                `json:"height"`
	Claim  *claimtrie.ClaimEntry `json:"claim"`
}

func (s *Server) getClaimByID(_ context.Context, req *rpcRequest) (interface{}, error) {
	var idHex string
	if err := param(req, 0, &idHex); err != nil {
		return nil, err
	}

	claimID, err := model.NewClaimIDFromString(idHex)
	if err != nil {
		return nil, errors.NewBadRequestError("getclaimbyid: invalid claim id %q", idHex, err)
	}

	snapshot, err := s.snapshotFor(req)
	if err != nil {
		return nil, err
	}

	defer snapshot.Release()

	claim, err := s.trie.GetClaimByID(claimID)
	if err != nil {
		return nil, err
	}

	return &claimByIDResult{Height: snapshot.Height, Claim: claim}, nil
}

type bestBlockResult struct {
	Height uint32 `json:"height"`
	Hash   string `json:"hash"`
}

func (s *Server) getBestBlock(_ context.Context, req *rpcRequest) (interface{}, error) {
	snapshot, err := s.snapshotFor(req)
	if err != nil {
		return nil, err
	}

	defer snapshot.Release()

	return &bestBlockResult{Height: snapshot.Height, Hash: s.index.TipHash().String()}, nil
}
