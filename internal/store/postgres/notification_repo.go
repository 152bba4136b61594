package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
)

type NotificationRepo struct {
	db *DB
}

func NewNotificationRepo(db *DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

// SaveTx inserts a notification row. The unique index on
// (rule_id, tx_id, COALESCE(event_index, -1), channel) makes redelivered
// batches idempotent at the notification layer: a duplicate insert is
// absorbed by ON CONFLICT DO NOTHING and reported as inserted=false.
func (r *NotificationRepo) SaveTx(ctx context.Context, tx *sql.Tx, n *model.AlertNotification) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Status == "" {
		n.Status = model.NotificationStatusPending
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO alert_notifications (
			id, rule_id, tx_id, event_index, channel, recipient,
			severity, rule_name, message, status, attempts, invalidated, invalidated_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, false, '')
		ON CONFLICT (rule_id, tx_id, (COALESCE(event_index, -1)), channel) DO NOTHING
	`, n.ID, n.RuleID, n.TxID, n.EventIndex, n.Channel, n.Recipient,
		n.Severity, n.RuleName, n.Message, n.Status)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert notification rows affected: %w", err)
	}
	return affected == 1, nil
}

// BulkInvalidateByBlockTx is one set-based conditional update, not a
// per-row loop: the invalidated=false guard makes a second rollback of the
// same block invalidate zero additional rows.
func (r *NotificationRepo) BulkInvalidateByBlockTx(ctx context.Context, tx *sql.Tx, blockID uuid.UUID, reason string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE alert_notifications
		SET invalidated = true, invalidated_reason = $2
		WHERE invalidated = false
		  AND tx_id IN (SELECT tx_id FROM transactions WHERE block_id = $1)
	`, blockID, reason)
	if err != nil {
		return 0, fmt.Errorf("bulk invalidate notifications for block %s: %w", blockID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bulk invalidate rows affected: %w", err)
	}
	return affected, nil
}

// FindStalePending returns valid PENDING rows created before cutoff, oldest
// first. Dispatch normally follows the ingest commit directly; rows this old
// mean the process stopped before delivering them.
func (r *NotificationRepo) FindStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*model.AlertNotification, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, rule_id, tx_id, event_index, channel, recipient,
		       severity, rule_name, message, status, attempts,
		       invalidated, invalidated_reason, created_at, sent_at
		FROM alert_notifications
		WHERE status = $1 AND invalidated = false AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, model.NotificationStatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale pending notifications: %w", err)
	}
	defer rows.Close()

	var stale []*model.AlertNotification
	for rows.Next() {
		var n model.AlertNotification
		if err := rows.Scan(
			&n.ID, &n.RuleID, &n.TxID, &n.EventIndex, &n.Channel, &n.Recipient,
			&n.Severity, &n.RuleName, &n.Message, &n.Status, &n.Attempts,
			&n.Invalidated, &n.InvalidatedReason, &n.CreatedAt, &n.SentAt,
		); err != nil {
			return nil, fmt.Errorf("scan stale pending notification: %w", err)
		}
		stale = append(stale, &n)
	}
	return stale, rows.Err()
}

func (r *NotificationRepo) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		UPDATE alert_notifications
		SET status = $2, attempts = attempts + 1, sent_at = $3
		WHERE id = $1
	`, id, model.NotificationStatusSent, at); err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return nil
}

func (r *NotificationRepo) MarkRetrying(ctx context.Context, id uuid.UUID) error {
	return r.markFailure(ctx, id, model.NotificationStatusRetrying)
}

func (r *NotificationRepo) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return r.markFailure(ctx, id, model.NotificationStatusFailed)
}

func (r *NotificationRepo) markFailure(ctx context.Context, id uuid.UUID, status model.NotificationStatus) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		UPDATE alert_notifications
		SET status = $2, attempts = attempts + 1
		WHERE id = $1
	`, id, status); err != nil {
		return fmt.Errorf("mark notification %s: %w", status, err)
	}
	return nil
}
