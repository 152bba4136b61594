package model

import (
	"time"

	"github.com/google/uuid"
)

type NotificationStatus string

const (
	NotificationStatusPending  NotificationStatus = "PENDING"
	NotificationStatusSent     NotificationStatus = "SENT"
	NotificationStatusRetrying NotificationStatus = "RETRYING"
	NotificationStatusFailed   NotificationStatus = "FAILED"
)

// AlertNotification links a triggered rule to the transaction (and optional
// event) that triggered it, one row per enabled channel. The
// (rule, tx, event, channel) tuple is unique; redelivered feed batches
// therefore create no additional rows.
type AlertNotification struct {
	ID                uuid.UUID          `db:"id"`
	RuleID            uuid.UUID          `db:"rule_id"`
	TxID              string             `db:"tx_id"`
	EventIndex        *int               `db:"event_index"`
	Channel           Channel            `db:"channel"`
	Recipient         string             `db:"recipient"`
	Severity          Severity           `db:"severity"`
	RuleName          string             `db:"rule_name"`
	Message           string             `db:"message"`
	Status            NotificationStatus `db:"status"`
	Attempts          int                `db:"attempts"`
	Invalidated       bool               `db:"invalidated"`
	InvalidatedReason string             `db:"invalidated_reason"`
	CreatedAt         time.Time          `db:"created_at"`
	SentAt            *time.Time         `db:"sent_at"`
}
