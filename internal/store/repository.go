package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// BlockRepository provides access to blocks and their owned transactions
// and events. Save and the soft-delete/restore operations cascade: a block
// owns its transactions, which own their events and contract records.
type BlockRepository interface {
	FindByHashTx(ctx context.Context, tx *sql.Tx, hash string) (*model.Block, error)
	// SaveTx persists a block with its transactions, events and contract
	// call/deployment rows in one pass. Unique-constraint collisions on
	// block hash, tx id or (tx id, event index) surface as errors the
	// caller classifies via IsUniqueViolation.
	SaveTx(ctx context.Context, tx *sql.Tx, block *model.Block) error
	// RestoreTx clears the deleted flag on the block and cascades the
	// restore to all owned transactions, events and contract records.
	RestoreTx(ctx context.Context, tx *sql.Tx, blockID uuid.UUID) error
	// SoftDeleteCascadeTx marks the block deleted at deletedAt and cascades
	// the mark to all owned transactions, events and contract records.
	SoftDeleteCascadeTx(ctx context.Context, tx *sql.Tx, blockID uuid.UUID, deletedAt time.Time) error
}

// TransactionRepository provides read access to persisted transactions.
type TransactionRepository interface {
	FindByTxIDTx(ctx context.Context, tx *sql.Tx, txID string) (*model.Transaction, error)
}

// RuleRepository provides access to alert rules. TriggerIfReadyTx is the
// single serialization point for cooldown enforcement: it performs one
// conditional UPDATE of last_triggered_at and reports whether this caller
// won the trigger.
type RuleRepository interface {
	FindActive(ctx context.Context) ([]*model.AlertRule, error)
	FindByIDTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.AlertRule, error)
	// TriggerIfReadyTx sets last_triggered_at = now for the rule iff the
	// rule is out of cooldown (last_triggered_at IS NULL OR
	// last_triggered_at <= now - cooldown). Returns true when the update
	// affected the row; false means a concurrent evaluator won or the rule
	// is still cooling down.
	TriggerIfReadyTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, now time.Time) (bool, error)
}

// NotificationRepository provides access to alert notifications.
type NotificationRepository interface {
	// SaveTx inserts a notification. The (rule, tx, event, channel) tuple
	// is unique; a duplicate insert is a no-op and returns inserted=false.
	SaveTx(ctx context.Context, tx *sql.Tx, n *model.AlertNotification) (inserted bool, err error)
	// BulkInvalidateByBlockTx flips invalidated=true with the given reason
	// on every notification whose transaction belongs to the block and is
	// not already invalidated. Returns the number of rows updated; a repeat
	// call for the same block updates zero rows.
	BulkInvalidateByBlockTx(ctx context.Context, tx *sql.Tx, blockID uuid.UUID, reason string) (int64, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkRetrying increments the attempt counter and records the
	// failed-pending-retry status.
	MarkRetrying(ctx context.Context, id uuid.UUID) error
	// MarkFailed increments the attempt counter and records the terminal
	// failed status.
	MarkFailed(ctx context.Context, id uuid.UUID) error
	// FindStalePending returns valid PENDING notifications created before
	// cutoff, oldest first, capped at limit. These are rows whose dispatch
	// never ran, typically because the process stopped between the stream
	// ack and delivery.
	FindStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*model.AlertNotification, error)
}

// DeadLetterRepository records notifications that could not be delivered.
type DeadLetterRepository interface {
	Save(ctx context.Context, entry *model.DeadLetterEntry) error
}
