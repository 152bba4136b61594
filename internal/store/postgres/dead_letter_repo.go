package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
)

type DeadLetterRepo struct {
	db *DB
}

func NewDeadLetterRepo(db *DB) *DeadLetterRepo {
	return &DeadLetterRepo{db: db}
}

func (r *DeadLetterRepo) Save(ctx context.Context, entry *model.DeadLetterEntry) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, notification_id, rule_id, rule_name, channel, recipient, failure)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.NotificationID, entry.RuleID, entry.RuleName,
		entry.Channel, entry.Recipient, entry.Failure); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}
