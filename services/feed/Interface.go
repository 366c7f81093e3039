// Package feed supplies blocks from an upstream node. The synchronizer
// consumes one Source: a stream of blocks plus random access by height for
// reorg ancestor searches.
package feed

import (
	"context"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
	"github.com/claimnet/claimnode/settings"
	"github.com/claimnet/claimnode/ulogger"
)

type Source interface {
	// Next blocks until the upstream delivers another block or the context
	// ends. Delivery order is best effort; callers buffer out-of-order
	// heights.
	Next(ctx context.Context) (*model.Block, error)

	// BlockAtHeight fetches one block by height from the upstream's current
	// main chain.
	BlockAtHeight(ctx context.Context, height uint32) (*model.Block, error)

	Close() error
}

// Seekable is implemented by sources that can start the stream at an
// arbitrary height, used when resuming from persisted state.
type Seekable interface {
	SeekTo(height uint32)
}

// NewSource builds the source the settings select.
func NewSource(ctx context.Context, logger ulogger.Logger, tSettings *settings.Settings) (Source, error) {
	switch tSettings.Feed.Source {
	case "rpc":
		return NewRPCSource(logger, tSettings.Feed), nil
	case "kafka":
		return NewKafkaSource(ctx, logger, tSettings.Feed)
	}

	return nil, errors.NewConfigurationError("feed: unknown source %q", tSettings.Feed.Source)
}
