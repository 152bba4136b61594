package model

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetterEntry is the terminal record for a notification that exhausted
// its delivery attempts or hit a non-retryable failure. It carries enough
// context for an operator to replay the delivery without the original
// notification row.
type DeadLetterEntry struct {
	ID             uuid.UUID `db:"id"`
	NotificationID uuid.UUID `db:"notification_id"`
	RuleID         uuid.UUID `db:"rule_id"`
	RuleName       string    `db:"rule_name"`
	Channel        Channel   `db:"channel"`
	Recipient      string    `db:"recipient"`
	Failure        string    `db:"failure"`
	CreatedAt      time.Time `db:"created_at"`
}
