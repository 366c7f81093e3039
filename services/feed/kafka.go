package feed

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
	"github.com/claimnet/claimnode/settings"
	"github.com/claimnet/claimnode/ulogger"
)

// KafkaSource streams serialized blocks from a topic. Random access for
// reorg ancestor searches still goes through the upstream RPC interface; the
// topic only carries the live stream.
type KafkaSource struct {
	logger   ulogger.Logger
	settings settings.FeedSettings
	group    sarama.ConsumerGroup
	rpc      *RPCSource
	blocks   chan *model.Block
	cancel   context.CancelFunc
}

func NewKafkaSource(ctx context.Context, logger ulogger.Logger, feedSettings settings.FeedSettings) (*KafkaSource, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	// fail fast when the broker is unreachable instead of hanging in
	// metadata refresh
	config.Net.DialTimeout = 10 * time.Second
	config.Net.ReadTimeout = 10 * time.Second
	config.Net.WriteTimeout = 10 * time.Second
	config.Metadata.Retry.Max = 3
	config.Metadata.Retry.Backoff = 2 * time.Second

	group, err := sarama.NewConsumerGroup(feedSettings.KafkaHosts, feedSettings.KafkaGroupID, config)
	if err != nil {
		return nil, errors.NewServiceError("feed: create consumer group %s", feedSettings.KafkaGroupID, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	s := &KafkaSource{
		logger:   logger,
		settings: feedSettings,
		group:    group,
		rpc:      NewRPCSource(logger, feedSettings),
		blocks:   make(chan *model.Block, 64),
		cancel:   cancel,
	}

	go s.drainErrors(consumeCtx)
	go s.consume(consumeCtx)

	return s, nil
}

func (s *KafkaSource) drainErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-s.group.Errors():
			if !ok {
				return
			}

			s.logger.Errorf("[Feed] kafka consumer error: %v", err)
		}
	}
}

func (s *KafkaSource) consume(ctx context.Context) {
	handler := &blockHandler{source: s}

	for {
		if ctx.Err() != nil {
			return
		}

		// Consume returns on rebalance; loop to rejoin
		if err := s.group.Consume(ctx, []string{s.settings.KafkaTopic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
				return
			}

			s.logger.Errorf("[Feed] kafka consume failed, retrying in %v: %v", s.settings.BackoffInitial, err)
			time.Sleep(s.settings.BackoffInitial)
		}
	}
}

func (s *KafkaSource) Next(ctx context.Context) (*model.Block, error) {
	select {
	case <-ctx.Done():
		return nil, errors.NewContextCanceledError("feed: stream closed", ctx.Err())
	case block := <-s.blocks:
		return block, nil
	}
}

func (s *KafkaSource) BlockAtHeight(ctx context.Context, height uint32) (*model.Block, error) {
	return s.rpc.BlockAtHeight(ctx, height)
}

// SeekTo is a no-op: the consumer group offset decides the stream position,
// and the synchronizer skips blocks at or below its tip.
func (s *KafkaSource) SeekTo(_ uint32) {}

func (s *KafkaSource) Close() error {
	s.cancel()

	if err := s.group.Close(); err != nil {
		return err
	}

	return s.rpc.Close()
}

type blockHandler struct {
	source *KafkaSource
}

func (h *blockHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *blockHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *blockHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return session.Context().Err()
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			block, err := model.NewBlockFromBytes(message.Value)
			if err != nil {
				// a bad message is logged and skipped, never redelivered
				h.source.logger.Errorf("[Feed] kafka message at offset %d does not parse: %v", message.Offset, err)
				session.MarkMessage(message, "")

				continue
			}

			select {
			case h.source.blocks <- block:
				session.MarkMessage(message, "")
			case <-session.Context().Done():
				return session.Context().Err()
			}
		}
	}
}
