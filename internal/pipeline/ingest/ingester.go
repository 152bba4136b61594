package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/feed"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/metrics"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/pipeline/retry"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/pipeline/rollback"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/store"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/store/postgres"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/tracing"
)

const (
	defaultProcessRetryMaxAttempts = 3
	defaultRetryDelayInitial       = 100 * time.Millisecond
	defaultRetryDelayMax           = 1 * time.Second
)

// Evaluator matches persisted transactions against the active rule set and
// returns the pending notifications it created inside the ingest
// transaction.
type Evaluator interface {
	EvaluateTransactionTx(ctx context.Context, tx *sql.Tx, txn *model.Transaction) []*model.AlertNotification
}

// RollbackHandler retracts one block named by a rollback event.
type RollbackHandler interface {
	HandleBlockTx(ctx context.Context, tx *sql.Tx, ev feed.BlockEvent) error
}

var _ RollbackHandler = (*rollback.Invalidator)(nil)

// Ingester is a single-writer that processes feed payloads into the
// database: all rollbacks and applies of one payload commit or roll back as
// a unit, and notifications created along the way are returned for
// dispatch only after the commit succeeds.
type Ingester struct {
	db        store.TxBeginner
	blockRepo store.BlockRepository
	evaluator Evaluator
	rollbacks RollbackHandler
	network   model.Network
	logger    *slog.Logger

	retryMaxAttempts int
	retryDelayStart  time.Duration
	retryDelayMax    time.Duration
	sleepFn          func(context.Context, time.Duration) error
}

type Option func(*Ingester)

func WithRetryConfig(maxAttempts int, delayInitial, delayMax time.Duration) Option {
	return func(ing *Ingester) {
		ing.retryMaxAttempts = maxAttempts
		ing.retryDelayStart = delayInitial
		ing.retryDelayMax = delayMax
	}
}

func New(
	db store.TxBeginner,
	blockRepo store.BlockRepository,
	evaluator Evaluator,
	rollbacks RollbackHandler,
	network model.Network,
	logger *slog.Logger,
	opts ...Option,
) *Ingester {
	ing := &Ingester{
		db:               db,
		blockRepo:        blockRepo,
		evaluator:        evaluator,
		rollbacks:        rollbacks,
		network:          network,
		logger:           logger.With("component", "ingester"),
		retryMaxAttempts: defaultProcessRetryMaxAttempts,
		retryDelayStart:  defaultRetryDelayInitial,
		retryDelayMax:    defaultRetryDelayMax,
		sleepFn:          sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ing)
		}
	}
	return ing
}

// ProcessPayload processes one feed payload and returns the notifications
// created by it, already committed in PENDING state. Transient failures are
// retried with backoff; a terminal failure or retry exhaustion surfaces as
// an error and leaves the database untouched by this payload.
func (ing *Ingester) ProcessPayload(ctx context.Context, payload *feed.Payload) ([]*model.AlertNotification, error) {
	spanCtx, span := tracing.Tracer("ingester").Start(ctx, "ingester.processPayload",
		otelTrace.WithAttributes(
			attribute.String("network", ing.network.String()),
			attribute.Int("apply_count", len(payload.Apply)),
			attribute.Int("rollback_count", len(payload.Rollback)),
		),
	)
	defer span.End()

	start := time.Now()
	pending, err := ing.processPayloadWithRetry(spanCtx, payload)
	metrics.IngesterPayloadLatency.WithLabelValues(ing.network.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.IngesterErrors.WithLabelValues(ing.network.String()).Inc()
		return nil, err
	}
	metrics.IngesterPayloadsProcessed.WithLabelValues(ing.network.String()).Inc()
	return pending, nil
}

func (ing *Ingester) processPayloadWithRetry(ctx context.Context, payload *feed.Payload) ([]*model.AlertNotification, error) {
	const stage = "ingester.process_payload"

	var lastErr error
	lastDecision := retry.Decision{
		Class:  retry.ClassTerminal,
		Reason: "unset",
	}

	for attempt := 1; attempt <= ing.retryMaxAttempts; attempt++ {
		pending, err := ing.processPayload(ctx, payload)
		if err == nil {
			return pending, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		lastDecision = retry.Classify(err)
		if !lastDecision.IsTransient() {
			return nil, fmt.Errorf("terminal_failure stage=%s attempt=%d reason=%s: %w", stage, attempt, lastDecision.Reason, err)
		}
		if attempt == ing.retryMaxAttempts {
			break
		}

		ing.logger.Warn("process payload attempt failed; retrying",
			"stage", stage,
			"classification", lastDecision.Class,
			"classification_reason", lastDecision.Reason,
			"attempt", attempt,
			"max_attempts", ing.retryMaxAttempts,
			"error", err,
		)
		if err := ing.sleep(ctx, ing.retryDelay(attempt)); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("transient_recovery_exhausted stage=%s attempts=%d reason=%s: %w", stage, ing.retryMaxAttempts, lastDecision.Reason, lastErr)
}

// processPayload runs one attempt: rollbacks first, then applies, one
// database transaction for the whole payload.
func (ing *Ingester) processPayload(ctx context.Context, payload *feed.Payload) ([]*model.AlertNotification, error) {
	dbTx, err := ing.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin payload transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	for _, ev := range payload.Rollback {
		if err := ing.rollbacks.HandleBlockTx(ctx, dbTx, ev); err != nil {
			return nil, err
		}
	}

	var pending []*model.AlertNotification
	for _, ev := range payload.Apply {
		created, err := ing.applyBlock(ctx, dbTx, ev)
		if err != nil {
			return nil, err
		}
		pending = append(pending, created...)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit payload transaction: %w", err)
	}
	return pending, nil
}

func (ing *Ingester) applyBlock(ctx context.Context, dbTx *sql.Tx, ev feed.BlockEvent) ([]*model.AlertNotification, error) {
	hash := ev.BlockIdentifier.Hash

	// The database row is the only authority on whether a hash is live:
	// another consumer in the group may have rolled it back since this
	// instance last saw it, and an apply after that rollback must restore.
	existing, err := ing.blockRepo.FindByHashTx(ctx, dbTx, hash)
	if err != nil {
		return nil, fmt.Errorf("find block for apply: %w", err)
	}
	if existing != nil {
		if existing.Deleted {
			if err := ing.blockRepo.RestoreTx(ctx, dbTx, existing.ID); err != nil {
				return nil, fmt.Errorf("restore block %s: %w", hash, err)
			}
			metrics.IngesterBlocksRestored.WithLabelValues(ing.network.String()).Inc()
			ing.logger.Info("block restored after reorg",
				"hash", hash,
				"height", existing.Height,
			)
			return nil, nil
		}
		metrics.IngesterBlocksDuplicate.WithLabelValues(ing.network.String()).Inc()
		ing.logger.Debug("duplicate apply; block already live",
			"hash", hash,
			"height", existing.Height,
		)
		return nil, nil
	}

	block, skipped, dropped, err := normalizeBlock(ev, ing.network)
	if err != nil {
		return nil, retry.Terminal(err)
	}
	for _, txID := range skipped {
		metrics.IngesterTxMalformed.WithLabelValues(ing.network.String()).Inc()
		ing.logger.Warn("skipping malformed transaction",
			"tx_id", txID,
			"block_hash", hash,
		)
	}
	for _, de := range dropped {
		metrics.IngesterEventsUnknown.WithLabelValues(ing.network.String()).Inc()
		ing.logger.Warn("dropping event with unrecognized type",
			"tx_id", de.TxID,
			"event_index", de.Index,
			"wire_type", de.WireType,
		)
	}

	if err := ing.blockRepo.SaveTx(ctx, dbTx, block); err != nil {
		if postgres.IsHeightConflict(err) {
			// A different live block holds this height. No retry finds a
			// duplicate by hash here; the feed must roll the incumbent
			// back first.
			ing.logger.Error("fork block conflicts with live block at same height",
				"hash", hash,
				"height", block.Height,
			)
			return nil, retry.Terminal(fmt.Errorf("block %s conflicts at height %d: %w", hash, block.Height, err))
		}
		if postgres.IsUniqueViolation(err) {
			// A concurrent writer landed the block first.
			metrics.IngesterBlocksDuplicate.WithLabelValues(ing.network.String()).Inc()
			ing.logger.Debug("concurrent apply detected; treating as already processed",
				"hash", hash,
			)
			return nil, retry.Transient(fmt.Errorf("block %s inserted concurrently: %w", hash, err))
		}
		return nil, fmt.Errorf("save block %s: %w", hash, err)
	}
	metrics.IngesterBlocksApplied.WithLabelValues(ing.network.String()).Inc()

	var pending []*model.AlertNotification
	for _, txn := range block.Transactions {
		pending = append(pending, ing.evaluator.EvaluateTransactionTx(ctx, dbTx, txn)...)
	}

	ing.logger.Info("block applied",
		"hash", hash,
		"height", block.Height,
		"tx_count", len(block.Transactions),
		"notifications", len(pending),
	)
	return pending, nil
}

func (ing *Ingester) retryDelay(attempt int) time.Duration {
	delay := ing.retryDelayStart << (attempt - 1)
	if delay > ing.retryDelayMax {
		delay = ing.retryDelayMax
	}
	return delay
}

func (ing *Ingester) sleep(ctx context.Context, d time.Duration) error {
	if ing.sleepFn != nil {
		return ing.sleepFn(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
