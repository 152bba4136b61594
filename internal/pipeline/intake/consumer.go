package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/cache"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/feed"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/metrics"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/pipeline/retry"
)

const (
	// payloadField is the stream entry field carrying the JSON payload.
	payloadField = "payload"

	defaultReadBlock = 5 * time.Second
	defaultReadCount = 16

	defaultEntryCacheCapacity = 10000
	defaultEntryCacheTTL      = 10 * time.Minute
)

// PayloadProcessor ingests one feed payload and returns the notifications
// it committed.
type PayloadProcessor interface {
	ProcessPayload(ctx context.Context, payload *feed.Payload) ([]*model.AlertNotification, error)
}

// NotificationDispatcher delivers committed notifications.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, pending []*model.AlertNotification)
}

// Consumer reads feed payloads from a Redis Stream consumer group.
// Entries are acknowledged only after the payload's database transaction
// commits, so a crash between read and commit redelivers the entry and the
// ingest path's idempotency absorbs the duplicate (at-least-once intake).
type Consumer struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	network    model.Network
	processor  PayloadProcessor
	dispatcher NotificationDispatcher
	logger     *slog.Logger

	readBlock time.Duration
	readCount int64

	// processedEntries remembers stream entry IDs this instance fully
	// processed, so an entry redelivered after a failed ack is re-acked
	// without another ingest round trip. Entry IDs are per-delivery and
	// never shared across consumers, so this stays instance-local.
	processedEntries cache.Cache[bool]
}

type Option func(*Consumer)

func WithReadBlock(d time.Duration) Option {
	return func(c *Consumer) {
		c.readBlock = d
	}
}

func WithReadCount(n int64) Option {
	return func(c *Consumer) {
		c.readCount = n
	}
}

func NewConsumer(
	client *redis.Client,
	stream, group, consumer string,
	network model.Network,
	processor PayloadProcessor,
	dispatcher NotificationDispatcher,
	logger *slog.Logger,
	opts ...Option,
) *Consumer {
	c := &Consumer{
		client:     client,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		network:    network,
		processor:  processor,
		dispatcher: dispatcher,
		logger:     logger.With("component", "intake", "stream", stream, "group", group),
		readBlock:  defaultReadBlock,
		readCount:  defaultReadCount,

		processedEntries: cache.NewShardedLRU[bool](defaultEntryCacheCapacity, defaultEntryCacheTTL),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Run consumes the stream until the context is canceled. Entries this
// consumer read but never acknowledged (crash before commit) are drained
// first, then the loop blocks on new deliveries.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("intake started", "consumer", c.consumer)

	if err := c.drainPending(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("intake stopping")
			return err
		}
		if err := c.readBatch(ctx, ">"); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			metrics.IntakeErrors.WithLabelValues(c.network.String()).Inc()
			c.logger.Error("stream read failed; backing off", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.group, err)
	}
	return nil
}

// drainPending reprocesses entries delivered to this consumer before a
// crash. Reading from id "0" returns the consumer's pending entry list;
// an empty batch means the backlog is clear.
func (c *Consumer) drainPending(ctx context.Context) error {
	for {
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, "0"},
			Count:    c.readCount,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("read pending entries: %w", err)
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			return nil
		}
		c.logger.Info("reprocessing pending entries", "count", len(streams[0].Messages))
		for _, msg := range streams[0].Messages {
			if err := c.handleEntry(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) readBatch(ctx context.Context, fromID string) error {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, fromID},
		Count:    c.readCount,
		Block:    c.readBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if err := c.handleEntry(ctx, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleEntry processes one stream entry end to end: parse, ingest, ack,
// dispatch. A malformed entry is acknowledged and dropped so it cannot
// poison the group; a transient ingest failure leaves the entry pending
// for redelivery.
func (c *Consumer) handleEntry(ctx context.Context, msg redis.XMessage) error {
	metrics.IntakeEntriesRead.WithLabelValues(c.network.String()).Inc()

	if c.alreadyProcessed(msg.ID) {
		c.logger.Debug("entry already processed by this consumer; re-acking",
			"entry_id", msg.ID,
		)
		return c.ack(ctx, msg.ID)
	}

	payload, err := parseEntry(msg)
	if err != nil {
		c.logger.Error("malformed stream entry; acknowledging and dropping",
			"entry_id", msg.ID,
			"error", err,
		)
		metrics.IntakeErrors.WithLabelValues(c.network.String()).Inc()
		return c.ack(ctx, msg.ID)
	}

	pending, err := c.processor.ProcessPayload(ctx, payload)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		decision := retry.Classify(err)
		if decision.IsTransient() {
			// Leave unacked; the entry stays in the pending list and is
			// reprocessed on restart.
			metrics.IntakeErrors.WithLabelValues(c.network.String()).Inc()
			return fmt.Errorf("process entry %s: %w", msg.ID, err)
		}
		c.logger.Error("terminal payload failure; acknowledging and dropping",
			"entry_id", msg.ID,
			"classification_reason", decision.Reason,
			"error", err,
		)
		metrics.IntakeErrors.WithLabelValues(c.network.String()).Inc()
		return c.ack(ctx, msg.ID)
	}

	c.markProcessed(msg.ID)

	if err := c.ack(ctx, msg.ID); err != nil {
		return err
	}

	if len(pending) > 0 {
		c.dispatcher.Dispatch(ctx, pending)
	}
	return nil
}

func (c *Consumer) alreadyProcessed(id string) bool {
	done, ok := c.processedEntries.Get(id)
	return ok && done
}

func (c *Consumer) markProcessed(id string) {
	c.processedEntries.Put(id, true)
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("ack entry %s: %w", id, err)
	}
	metrics.IntakeEntriesAcked.WithLabelValues(c.network.String()).Inc()
	return nil
}

func parseEntry(msg redis.XMessage) (*feed.Payload, error) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return nil, fmt.Errorf("entry missing %q field", payloadField)
	}
	text, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("entry %q field is not a string", payloadField)
	}
	var payload feed.Payload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &payload, nil
}
