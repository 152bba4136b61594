package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
)

type RuleRepo struct {
	db *DB
}

func NewRuleRepo(db *DB) *RuleRepo {
	return &RuleRepo{db: db}
}

const ruleColumns = `
	id, user_id, contract_id, rule_type, name, severity, active,
	cooldown_seconds, last_triggered_at, channels,
	contract_identifier, function_name, asset_identifier, event_type,
	threshold, address, topic,
	webhook_url, email, slack_webhook_url,
	created_at, updated_at`

func scanRule(scan func(dest ...interface{}) error) (*model.AlertRule, error) {
	var r model.AlertRule
	var channels pq.StringArray
	var eventType sql.NullString
	if err := scan(
		&r.ID, &r.UserID, &r.ContractID, &r.RuleType, &r.Name, &r.Severity, &r.Active,
		&r.CooldownSeconds, &r.LastTriggeredAt, &channels,
		&r.ContractIdentifier, &r.FunctionName, &r.AssetIdentifier, &eventType,
		&r.Threshold, &r.Address, &r.Topic,
		&r.WebhookURL, &r.Email, &r.SlackWebhookURL,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Channels = make([]model.Channel, 0, len(channels))
	for _, ch := range channels {
		r.Channels = append(r.Channels, model.Channel(ch))
	}
	if eventType.Valid {
		r.EventType = model.EventType(eventType.String)
	}
	return &r, nil
}

// FindActive returns every active rule. The rule index provider projects
// these into snapshots on every rebuild.
func (r *RuleRepo) FindActive(ctx context.Context) ([]*model.AlertRule, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM alert_rules
		WHERE active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// FindByIDTx loads one rule inside the caller's transaction, or nil when
// absent. The engine re-reads the rule after winning the trigger update so
// the channel set reflects the committed row, not a stale snapshot.
func (r *RuleRepo) FindByIDTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.AlertRule, error) {
	rule, err := scanRule(tx.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM alert_rules
		WHERE id = $1
	`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find rule by id: %w", err)
	}
	return rule, nil
}

// TriggerIfReadyTx is the cooldown compare-and-swap. Exactly one concurrent
// evaluator observes rows-affected = 1 for a given cooldown window; everyone
// else sees 0 and skips notification creation.
func (r *RuleRepo) TriggerIfReadyTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE alert_rules
		SET last_triggered_at = $2, updated_at = $2
		WHERE id = $1
		  AND (last_triggered_at IS NULL
		       OR last_triggered_at <= $2 - (cooldown_seconds * interval '1 second'))
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("trigger rule %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("trigger rule %s rows affected: %w", id, err)
	}
	return affected == 1, nil
}
