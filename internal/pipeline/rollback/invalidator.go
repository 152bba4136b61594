package rollback

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/feed"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/metrics"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/store"
)

// Invalidator retracts blocks named by rollback events: it soft-deletes the
// block cascade and invalidates every notification tied to the block's
// transactions. Rows are never physically deleted, so a later re-apply can
// restore the block.
type Invalidator struct {
	blockRepo store.BlockRepository
	notifRepo store.NotificationRepository
	network   model.Network
	logger    *slog.Logger
	now       func() time.Time
}

func NewInvalidator(blockRepo store.BlockRepository, notifRepo store.NotificationRepository, network model.Network, logger *slog.Logger) *Invalidator {
	return &Invalidator{
		blockRepo: blockRepo,
		notifRepo: notifRepo,
		network:   network,
		logger:    logger.With("component", "rollback_invalidator"),
		now:       time.Now,
	}
}

// HandleBlockTx processes one rollback event inside the caller's ingest
// transaction. An unknown block hash is logged and skipped (the feed can
// retract blocks this instance never saw); an already-deleted block is a
// no-op so redelivered rollbacks change nothing.
func (inv *Invalidator) HandleBlockTx(ctx context.Context, tx *sql.Tx, ev feed.BlockEvent) error {
	hash := ev.BlockIdentifier.Hash

	block, err := inv.blockRepo.FindByHashTx(ctx, tx, hash)
	if err != nil {
		return fmt.Errorf("find block for rollback: %w", err)
	}
	if block == nil {
		inv.logger.Warn("rollback for unknown block; skipping",
			"hash", hash,
			"height", ev.BlockIdentifier.Height,
		)
		return nil
	}
	if block.Deleted {
		inv.logger.Debug("rollback for already deleted block; no-op",
			"hash", hash,
			"height", block.Height,
		)
		return nil
	}

	now := inv.now()
	if err := inv.blockRepo.SoftDeleteCascadeTx(ctx, tx, block.ID, now); err != nil {
		return fmt.Errorf("soft delete block %s: %w", hash, err)
	}

	reason := fmt.Sprintf("block %s retracted by chain reorganization at height %d", hash, block.Height)
	invalidated, err := inv.notifRepo.BulkInvalidateByBlockTx(ctx, tx, block.ID, reason)
	if err != nil {
		return fmt.Errorf("invalidate notifications for block %s: %w", hash, err)
	}

	metrics.IngesterBlocksRolledBack.WithLabelValues(inv.network.String()).Inc()
	metrics.IngesterNotificationsInvalidated.WithLabelValues(inv.network.String()).Add(float64(invalidated))
	inv.logger.Info("block rolled back",
		"hash", hash,
		"height", block.Height,
		"notifications_invalidated", invalidated,
	)
	return nil
}
