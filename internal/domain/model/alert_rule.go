package model

import (
	"time"

	"github.com/google/uuid"
)

type RuleType string

const (
	RuleTypeContractCall      RuleType = "CONTRACT_CALL"
	RuleTypeTokenTransfer     RuleType = "TOKEN_TRANSFER"
	RuleTypeFailedTransaction RuleType = "FAILED_TRANSACTION"
	RuleTypePrintEvent        RuleType = "PRINT_EVENT"
	RuleTypeAddressActivity   RuleType = "ADDRESS_ACTIVITY"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
)

// Wildcard matches any value of an indexed rule field.
const Wildcard = "*"

// AlertRule is the persisted rule row. The variant discriminator is RuleType;
// match columns are populated per variant and ignored by the others.
// The matching engine treats rules as read-only except for LastTriggeredAt,
// which is advanced only through the store's conditional trigger update.
type AlertRule struct {
	ID              uuid.UUID  `db:"id"`
	UserID          uuid.UUID  `db:"user_id"`
	ContractID      *uuid.UUID `db:"contract_id"`
	RuleType        RuleType   `db:"rule_type"`
	Name            string     `db:"name"`
	Severity        Severity   `db:"severity"`
	Active          bool       `db:"active"`
	CooldownSeconds int64      `db:"cooldown_seconds"`
	LastTriggeredAt *time.Time `db:"last_triggered_at"`
	Channels        []Channel  `db:"channels"`

	// Per-variant match fields.
	ContractIdentifier string    `db:"contract_identifier"` // CONTRACT_CALL, PRINT_EVENT
	FunctionName       string    `db:"function_name"`       // CONTRACT_CALL
	AssetIdentifier    string    `db:"asset_identifier"`    // TOKEN_TRANSFER
	EventType          EventType `db:"event_type"`          // TOKEN_TRANSFER
	Threshold          string    `db:"threshold"`           // TOKEN_TRANSFER, CONTRACT_CALL (micro-units)
	Address            string    `db:"address"`             // ADDRESS_ACTIVITY
	Topic              string    `db:"topic"`               // PRINT_EVENT

	// Delivery recipients per channel.
	WebhookURL      string `db:"webhook_url"`
	Email           string `db:"email"`
	SlackWebhookURL string `db:"slack_webhook_url"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Cooldown returns the rule's cooldown as a duration.
func (r *AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// RecipientFor resolves the delivery target for a channel.
func (r *AlertRule) RecipientFor(ch Channel) string {
	switch ch {
	case ChannelWebhook:
		return r.WebhookURL
	case ChannelEmail:
		return r.Email
	case ChannelSlack:
		return r.SlackWebhookURL
	}
	return ""
}
