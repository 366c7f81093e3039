package feed

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
	"github.com/claimnet/claimnode/settings"
	"github.com/claimnet/claimnode/ulogger"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RPCSource polls an upstream node over JSON-RPC. Next serves the upstream
// main chain in height order from the seek position; on upstream errors it
// backs off exponentially and reconnects after prolonged silence.
type RPCSource struct {
	logger   ulogger.Logger
	settings settings.FeedSettings
	client   *http.Client
	id       atomic.Uint64

	nextHeight  uint32
	lastSuccess time.Time
}

func NewRPCSource(logger ulogger.Logger, feedSettings settings.FeedSettings) *RPCSource {
	return &RPCSource{
		logger:   logger,
		settings: feedSettings,
		client: &http.Client{
			Timeout: feedSettings.RequestTimeout,
		},
		lastSuccess: time.Now(),
	}
}

// SeekTo positions the stream so the next delivered block is at the given
// height.
func (s *RPCSource) SeekTo(height uint32) {
	s.nextHeight = height
}

func (s *RPCSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *RPCSource) Next(ctx context.Context) (*model.Block, error) {
	backoff := s.settings.BackoffInitial

	for {
		tip, err := s.getBlockCount(ctx)
		if err == nil && s.nextHeight <= tip {
			block, berr := s.BlockAtHeight(ctx, s.nextHeight)
			if berr == nil {
				s.nextHeight++
				s.lastSuccess = time.Now()

				return block, nil
			}

			err = berr
		}

		var wait time.Duration

		switch {
		case err != nil:
			if time.Since(s.lastSuccess) > s.settings.SilenceTimeout {
				s.logger.Warnf("[Feed] upstream silent for %v, reconnecting: %v", time.Since(s.lastSuccess), err)
				s.client.CloseIdleConnections()
				s.lastSuccess = time.Now()
			} else {
				s.logger.Debugf("[Feed] upstream error, retrying in %v: %v", backoff, err)
			}

			wait = backoff

			backoff *= 2
			if backoff > s.settings.BackoffMax {
				backoff = s.settings.BackoffMax
			}
		default:
			// caught up, wait for the next block
			s.lastSuccess = time.Now()
			backoff = s.settings.BackoffInitial
			wait = s.settings.PollInterval
		}

		select {
		case <-ctx.Done():
			return nil, errors.NewContextCanceledError("feed: stream closed", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (s *RPCSource) BlockAtHeight(ctx context.Context, height uint32) (*model.Block, error) {
	var hashStr string
	if err := s.call(ctx, "getblockhash", []interface{}{height}, &hashStr); err != nil {
		return nil, err
	}

	var blockHex string
	if err := s.call(ctx, "getblock", []interface{}{hashStr, 0}, &blockHex); err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(blockHex)
	if err != nil {
		return nil, errors.NewProcessingError("feed: block %d is not hex", height, err)
	}

	block, err := model.NewBlockFromBytes(raw)
	if err != nil {
		return nil, errors.NewProcessingError("feed: block %d does not parse", height, err)
	}

	return block, nil
}

func (s *RPCSource) getBlockCount(ctx context.Context) (uint32, error) {
	var count uint32
	if err := s.call(ctx, "getblockcount", nil, &count); err != nil {
		return 0, err
	}

	return count, nil
}

type rpcRequest struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result jsoniter.RawMessage `json:"result"`
	Error  *rpcError           `json:"error"`
}

func (s *RPCSource) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}

	body, err := json.Marshal(rpcRequest{
		ID:     s.id.Add(1),
		Method: method,
		Params: params,
	})
	if err != nil {
		return errors.NewProcessingError("feed: marshal %s request", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.settings.RPCAddress, bytes.NewReader(body))
	if err != nil {
		return errors.NewServiceError("feed: build %s request", method, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.NewServiceError("feed: %s call failed", method, err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return errors.NewServiceError("feed: %s returned http %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err = json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return errors.NewServiceError("feed: decode %s response", method, err)
	}

	if rpcResp.Error != nil {
		return errors.NewServiceError("feed: %s failed: %d %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	if err = json.Unmarshal(rpcResp.Result, result); err != nil {
		return errors.NewServiceError("feed: decode %s result", method, err)
	}

	return nil
}
