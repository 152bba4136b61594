//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/store/postgres"
)

func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	url := os.Getenv("TEST_DB_URL")
	if url != "" {
		// Use provided external DB.
		db, err := postgres.New(postgres.Config{
			URL:             url,
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Minute,
		})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	}
	// Use testcontainers (Docker-based ephemeral PostgreSQL).
	return setupTestContainer(t)
}

// heightSeq hands out unique block heights so tests can share a database
// without colliding on the blocks.height unique constraint.
var heightSeq atomic.Int64

func init() {
	heightSeq.Store(time.Now().UnixNano() / int64(time.Millisecond))
}

func nextHeight() int64 {
	return heightSeq.Add(1)
}

func beginTx(t *testing.T, db *postgres.DB) *sql.Tx {
	t.Helper()
	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })
	return tx
}

// buildBlock returns a block owning one contract-call transaction with two
// receipt events, keyed on fresh hashes so runs never collide.
func buildBlock(height int64) *model.Block {
	suffix := uuid.NewString()[:8]
	txID := "0xtx" + suffix
	return &model.Block{
		Network:    model.NetworkMainnet,
		Height:     height,
		Hash:       "0xblock" + suffix,
		ParentHash: "0xparent" + suffix,
		Timestamp:  time.Now().UTC().Truncate(time.Second),
		Transactions: []*model.Transaction{
			{
				TxID:    txID,
				TxIndex: 0,
				Sender:  "SP1SENDER",
				Type:    model.TxTypeContractCall,
				Success: true,
				Fee:     "250",
				Nonce:   42,
				Events: []*model.ChainEvent{
					{
						EventIndex:         0,
						EventType:          model.EventTypeFTTransfer,
						AssetIdentifier:    "SP2.token::tok",
						ContractIdentifier: "SP2.token",
						Sender:             "SP1SENDER",
						Recipient:          "SP3RECIPIENT",
						Amount:             "1000000",
					},
					{
						EventIndex: 1,
						EventType:  model.EventTypePrint,
						Topic:      "swap-result",
						Value:      json.RawMessage(`{"out": 990000}`),
					},
				},
				ContractCall: &model.ContractCall{
					ContractIdentifier: "SP2.pool",
					FunctionName:       "swap",
					FunctionArgs:       []string{"u1000000"},
				},
			},
		},
	}
}

func insertBlock(t *testing.T, db *postgres.DB, block *model.Block) {
	t.Helper()
	repo := postgres.NewBlockRepo(db)
	tx := beginTx(t, db)
	require.NoError(t, repo.SaveTx(context.Background(), tx, block))
	require.NoError(t, tx.Commit())
}

// insertRule writes a rule row directly; the monitor treats rule CRUD as an
// external concern, so the store exposes no insert of its own.
func insertRule(t *testing.T, db *postgres.DB, rule *model.AlertRule) {
	t.Helper()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.UserID == uuid.Nil {
		rule.UserID = uuid.New()
	}
	channels := make([]string, 0, len(rule.Channels))
	for _, ch := range rule.Channels {
		channels = append(channels, string(ch))
	}
	var eventType *string
	if rule.EventType != "" {
		s := string(rule.EventType)
		eventType = &s
	}
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO alert_rules (
			id, user_id, rule_type, name, severity, active, cooldown_seconds,
			last_triggered_at, channels, contract_identifier, function_name,
			asset_identifier, event_type, threshold, address, topic,
			webhook_url, email, slack_webhook_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, rule.ID, rule.UserID, rule.RuleType, rule.Name, rule.Severity, rule.Active,
		rule.CooldownSeconds, rule.LastTriggeredAt, pq.Array(channels),
		rule.ContractIdentifier, rule.FunctionName, rule.AssetIdentifier, eventType,
		rule.Threshold, rule.Address, rule.Topic,
		rule.WebhookURL, rule.Email, rule.SlackWebhookURL)
	require.NoError(t, err)
}

// ---------- BlockRepo ----------

func TestBlockRepo_SaveAndFindByHash(t *testing.T) {
	db := testDB(t)
	blocks := postgres.NewBlockRepo(db)
	txns := postgres.NewTransactionRepo(db)
	ctx := context.Background()

	block := buildBlock(nextHeight())
	insertBlock(t, db, block)

	tx := beginTx(t, db)
	found, err := blocks.FindByHashTx(ctx, tx, block.Hash)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, block.ID, found.ID)
	assert.Equal(t, block.Height, found.Height)
	assert.Equal(t, block.ParentHash, found.ParentHash)
	assert.Equal(t, model.NetworkMainnet, found.Network)
	assert.False(t, found.Deleted)
	assert.Nil(t, found.DeletedAt)

	txn, err := txns.FindByTxIDTx(ctx, tx, block.Transactions[0].TxID)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, block.ID, txn.BlockID)
	assert.Equal(t, model.TxTypeContractCall, txn.Type)
	assert.Equal(t, "250", txn.Fee)
	assert.Equal(t, int64(42), txn.Nonce)

	var eventCount, callCount int
	require.NoError(t, tx.QueryRowContext(ctx,
		"SELECT count(*) FROM chain_events WHERE tx_id = $1", txn.TxID).Scan(&eventCount))
	require.NoError(t, tx.QueryRowContext(ctx,
		"SELECT count(*) FROM contract_calls WHERE tx_id = $1", txn.TxID).Scan(&callCount))
	assert.Equal(t, 2, eventCount)
	assert.Equal(t, 1, callCount)
}

func TestBlockRepo_FindByHash_Missing(t *testing.T) {
	db := testDB(t)
	blocks := postgres.NewBlockRepo(db)

	tx := beginTx(t, db)
	found, err := blocks.FindByHashTx(context.Background(), tx, "0xnotthere"+uuid.NewString()[:8])
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestBlockRepo_DuplicateHashIsUniqueViolation(t *testing.T) {
	db := testDB(t)
	blocks := postgres.NewBlockRepo(db)
	ctx := context.Background()

	block := buildBlock(nextHeight())
	insertBlock(t, db, block)

	dup := buildBlock(nextHeight())
	dup.Hash = block.Hash
	dup.ID = uuid.Nil

	tx := beginTx(t, db)
	err := blocks.SaveTx(ctx, tx, dup)
	require.Error(t, err)
	assert.True(t, postgres.IsUniqueViolation(err))
}

func TestBlockRepo_ReorgReplacesSameHeight(t *testing.T) {
	db := testDB(t)
	blocks := postgres.NewBlockRepo(db)
	ctx := context.Background()

	height := nextHeight()
	incumbent := buildBlock(height)
	insertBlock(t, db, incumbent)

	fork := buildBlock(height)

	// While the incumbent is live the height is taken.
	tx := beginTx(t, db)
	err := blocks.SaveTx(ctx, tx, fork)
	require.Error(t, err)
	assert.True(t, postgres.IsHeightConflict(err))
	require.NoError(t, tx.Rollback())

	// A reorg payload soft-deletes the incumbent and inserts the fork block
	// at the same height in one transaction.
	tx = beginTx(t, db)
	require.NoError(t, blocks.SoftDeleteCascadeTx(ctx, tx, incumbent.ID, time.Now().UTC()))
	require.NoError(t, blocks.SaveTx(ctx, tx, fork))
	require.NoError(t, tx.Commit())

	tx = beginTx(t, db)
	found, err := blocks.FindByHashTx(ctx, tx, fork.Hash)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, height, found.Height)
	assert.False(t, found.Deleted)
	require.NoError(t, tx.Rollback())
}

func TestBlockRepo_SoftDeleteCascadeAndRestore(t *testing.T) {
	db := testDB(t)
	blocks := postgres.NewBlockRepo(db)
	ctx := context.Background()

	block := buildBlock(nextHeight())
	insertBlock(t, db, block)
	txID := block.Transactions[0].TxID

	deletedAt := time.Now().UTC().Truncate(time.Second)
	tx := beginTx(t, db)
	require.NoError(t, blocks.SoftDeleteCascadeTx(ctx, tx, block.ID, deletedAt))
	require.NoError(t, tx.Commit())

	countDeleted := func(t *testing.T, query string, args ...any) int {
		t.Helper()
		var n int
		require.NoError(t, db.QueryRowContext(ctx, query, args...).Scan(&n))
		return n
	}

	tx = beginTx(t, db)
	found, err := blocks.FindByHashTx(ctx, tx, block.Hash)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.Deleted)
	require.NotNil(t, found.DeletedAt)
	assert.WithinDuration(t, deletedAt, *found.DeletedAt, time.Second)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, 1, countDeleted(t,
		"SELECT count(*) FROM transactions WHERE tx_id = $1 AND deleted", txID))
	assert.Equal(t, 2, countDeleted(t,
		"SELECT count(*) FROM chain_events WHERE tx_id = $1 AND deleted", txID))
	assert.Equal(t, 1, countDeleted(t,
		"SELECT count(*) FROM contract_calls WHERE tx_id = $1 AND deleted", txID))

	tx = beginTx(t, db)
	require.NoError(t, blocks.RestoreTx(ctx, tx, block.ID))
	require.NoError(t, tx.Commit())

	tx = beginTx(t, db)
	found, err = blocks.FindByHashTx(ctx, tx, block.Hash)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.False(t, found.Deleted)
	assert.Nil(t, found.DeletedAt)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, 0, countDeleted(t,
		"SELECT count(*) FROM transactions WHERE tx_id = $1 AND deleted", txID))
	assert.Equal(t, 0, countDeleted(t,
		"SELECT count(*) FROM chain_events WHERE tx_id = $1 AND deleted", txID))
}

// ---------- NotificationRepo ----------

func TestNotificationRepo_SaveTxIdempotent(t *testing.T) {
	db := testDB(t)
	notifications := postgres.NewNotificationRepo(db)
	ctx := context.Background()

	rule := &model.AlertRule{RuleType: model.RuleTypeContractCall, Active: true}
	insertRule(t, db, rule)
	txID := "0xtx" + uuid.NewString()[:8]
	eventIndex := 3

	n := &model.AlertNotification{
		RuleID:     rule.ID,
		TxID:       txID,
		EventIndex: &eventIndex,
		Channel:    model.ChannelWebhook,
		Recipient:  "https://example.com/hook",
		Severity:   model.SeverityWarning,
		RuleName:   "large transfer",
		Message:    "transfer over threshold",
	}

	tx := beginTx(t, db)
	inserted, err := notifications.SaveTx(ctx, tx, n)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, tx.Commit())

	// Same (rule, tx, event, channel) tuple is absorbed.
	dup := *n
	dup.ID = uuid.Nil
	tx = beginTx(t, db)
	inserted, err = notifications.SaveTx(ctx, tx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	// A nil event index is a distinct tuple from index 3.
	txLevel := *n
	txLevel.ID = uuid.Nil
	txLevel.EventIndex = nil
	inserted, err = notifications.SaveTx(ctx, tx, &txLevel)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, tx.Commit())
}

func TestNotificationRepo_BulkInvalidateByBlock(t *testing.T) {
	db := testDB(t)
	notifications := postgres.NewNotificationRepo(db)
	ctx := context.Background()

	block := buildBlock(nextHeight())
	insertBlock(t, db, block)
	txID := block.Transactions[0].TxID

	rule := &model.AlertRule{RuleType: model.RuleTypeContractCall, Active: true}
	insertRule(t, db, rule)

	tx := beginTx(t, db)
	for _, ch := range []model.Channel{model.ChannelWebhook, model.ChannelSlack} {
		inserted, err := notifications.SaveTx(ctx, tx, &model.AlertNotification{
			RuleID:   rule.ID,
			TxID:     txID,
			Channel:  ch,
			Severity: model.SeverityInfo,
		})
		require.NoError(t, err)
		require.True(t, inserted)
	}
	require.NoError(t, tx.Commit())

	reason := fmt.Sprintf("block %s rolled back", block.Hash)
	tx = beginTx(t, db)
	affected, err := notifications.BulkInvalidateByBlockTx(ctx, tx, block.ID, reason)
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)
	require.NoError(t, tx.Commit())

	var storedReason string
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT invalidated_reason FROM alert_notifications
		WHERE tx_id = $1 AND channel = 'webhook'
	`, txID).Scan(&storedReason))
	assert.Equal(t, reason, storedReason)

	// Rolling back the same block again invalidates nothing new.
	tx = beginTx(t, db)
	affected, err = notifications.BulkInvalidateByBlockTx(ctx, tx, block.ID, reason)
	require.NoError(t, err)
	assert.Zero(t, affected)
}

func TestNotificationRepo_StatusTransitions(t *testing.T) {
	db := testDB(t)
	notifications := postgres.NewNotificationRepo(db)
	ctx := context.Background()

	rule := &model.AlertRule{RuleType: model.RuleTypeTokenTransfer, Active: true}
	insertRule(t, db, rule)

	n := &model.AlertNotification{
		RuleID:   rule.ID,
		TxID:     "0xtx" + uuid.NewString()[:8],
		Channel:  model.ChannelEmail,
		Severity: model.SeverityCritical,
	}
	tx := beginTx(t, db)
	inserted, err := notifications.SaveTx(ctx, tx, n)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, tx.Commit())

	status := func(t *testing.T) (string, int, *time.Time) {
		t.Helper()
		var s string
		var attempts int
		var sentAt *time.Time
		require.NoError(t, db.QueryRowContext(ctx, `
			SELECT status, attempts, sent_at FROM alert_notifications WHERE id = $1
		`, n.ID).Scan(&s, &attempts, &sentAt))
		return s, attempts, sentAt
	}

	require.NoError(t, notifications.MarkRetrying(ctx, n.ID))
	s, attempts, sentAt := status(t)
	assert.Equal(t, "RETRYING", s)
	assert.Equal(t, 1, attempts)
	assert.Nil(t, sentAt)

	require.NoError(t, notifications.MarkRetrying(ctx, n.ID))
	sentTime := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, notifications.MarkSent(ctx, n.ID, sentTime))
	s, attempts, sentAt = status(t)
	assert.Equal(t, "SENT", s)
	assert.Equal(t, 3, attempts)
	require.NotNil(t, sentAt)
	assert.WithinDuration(t, sentTime, *sentAt, time.Second)

	require.NoError(t, notifications.MarkFailed(ctx, n.ID))
	s, attempts, _ = status(t)
	assert.Equal(t, "FAILED", s)
	assert.Equal(t, 4, attempts)
}

// ---------- RuleRepo ----------

func TestRuleRepo_FindActive(t *testing.T) {
	db := testDB(t)
	rules := postgres.NewRuleRepo(db)
	ctx := context.Background()

	active := &model.AlertRule{
		RuleType:           model.RuleTypeContractCall,
		Name:               "swap watch",
		Severity:           model.SeverityWarning,
		Active:             true,
		CooldownSeconds:    300,
		Channels:           []model.Channel{model.ChannelWebhook, model.ChannelEmail},
		ContractIdentifier: "SP2.pool",
		FunctionName:       "swap",
		WebhookURL:         "https://example.com/hook",
		Email:              "ops@example.com",
	}
	inactive := &model.AlertRule{
		RuleType: model.RuleTypeContractCall,
		Name:     "paused",
		Active:   false,
	}
	insertRule(t, db, active)
	insertRule(t, db, inactive)

	found, err := rules.FindActive(ctx)
	require.NoError(t, err)

	byID := make(map[uuid.UUID]*model.AlertRule, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}
	require.Contains(t, byID, active.ID)
	assert.NotContains(t, byID, inactive.ID)

	got := byID[active.ID]
	assert.Equal(t, "swap watch", got.Name)
	assert.Equal(t, model.SeverityWarning, got.Severity)
	assert.Equal(t, int64(300), got.CooldownSeconds)
	assert.Equal(t, []model.Channel{model.ChannelWebhook, model.ChannelEmail}, got.Channels)
	assert.Equal(t, "SP2.pool", got.ContractIdentifier)
	assert.Equal(t, "swap", got.FunctionName)
	assert.Equal(t, "https://example.com/hook", got.WebhookURL)
}

func TestRuleRepo_FindByIDTx(t *testing.T) {
	db := testDB(t)
	rules := postgres.NewRuleRepo(db)
	ctx := context.Background()

	rule := &model.AlertRule{
		RuleType:        model.RuleTypeTokenTransfer,
		Active:          true,
		AssetIdentifier: "SP2.token::tok",
		EventType:       model.EventTypeFTTransfer,
		Threshold:       "1000000",
		Channels:        []model.Channel{model.ChannelSlack},
	}
	insertRule(t, db, rule)

	tx := beginTx(t, db)
	got, err := rules.FindByIDTx(ctx, tx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.EventTypeFTTransfer, got.EventType)
	assert.Equal(t, "1000000", got.Threshold)

	missing, err := rules.FindByIDTx(ctx, tx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRuleRepo_TriggerIfReadyTx_CooldownGate(t *testing.T) {
	db := testDB(t)
	rules := postgres.NewRuleRepo(db)
	ctx := context.Background()

	rule := &model.AlertRule{
		RuleType:        model.RuleTypeContractCall,
		Active:          true,
		CooldownSeconds: 600,
	}
	insertRule(t, db, rule)
	now := time.Now().UTC()

	tx := beginTx(t, db)
	won, err := rules.TriggerIfReadyTx(ctx, tx, rule.ID, now)
	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, tx.Commit())

	// Inside the cooldown window nothing fires.
	tx = beginTx(t, db)
	won, err = rules.TriggerIfReadyTx(ctx, tx, rule.ID, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, won)
	require.NoError(t, tx.Rollback())

	// At the window boundary it fires again.
	tx = beginTx(t, db)
	won, err = rules.TriggerIfReadyTx(ctx, tx, rule.ID, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, won)
}

func TestRuleRepo_TriggerIfReadyTx_ConcurrentSingleWinner(t *testing.T) {
	db := testDB(t)
	rules := postgres.NewRuleRepo(db)
	ctx := context.Background()

	rule := &model.AlertRule{
		RuleType:        model.RuleTypeContractCall,
		Active:          true,
		CooldownSeconds: 3600,
	}
	insertRule(t, db, rule)
	now := time.Now().UTC()

	const workers = 5
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := db.BeginTx(ctx, nil)
			if !assert.NoError(t, err) {
				return
			}
			won, err := rules.TriggerIfReadyTx(ctx, tx, rule.ID, now)
			if !assert.NoError(t, err) {
				tx.Rollback()
				return
			}
			if !assert.NoError(t, tx.Commit()) {
				return
			}
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

// ---------- DeadLetterRepo ----------

func TestDeadLetterRepo_Save(t *testing.T) {
	db := testDB(t)
	deadLetters := postgres.NewDeadLetterRepo(db)
	ctx := context.Background()

	entry := &model.DeadLetterEntry{
		NotificationID: uuid.New(),
		RuleID:         uuid.New(),
		RuleName:       "oracle stale",
		Channel:        model.ChannelWebhook,
		Recipient:      "https://example.com/hook",
		Failure:        "attempts exhausted: http status 503",
	}
	require.NoError(t, deadLetters.Save(ctx, entry))
	require.NotEqual(t, uuid.Nil, entry.ID)

	var ruleName, failure string
	var createdAt time.Time
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT rule_name, failure, created_at FROM dead_letters WHERE id = $1
	`, entry.ID).Scan(&ruleName, &failure, &createdAt))
	assert.Equal(t, "oracle stale", ruleName)
	assert.Equal(t, "attempts exhausted: http status 503", failure)
	assert.WithinDuration(t, time.Now(), createdAt, time.Minute)
}
