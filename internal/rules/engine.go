package rules

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/metrics"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/store"
)

// Engine resolves candidate rules for persisted transactions and events,
// re-evaluates the full predicates, enforces cooldown through the store's
// conditional trigger update and creates pending notifications.
//
// A predicate or persistence error for one candidate never aborts the rest:
// the failing rule/event pair is logged and evaluation continues.
type Engine struct {
	provider  *Provider
	ruleRepo  store.RuleRepository
	notifRepo store.NotificationRepository
	logger    *slog.Logger
	now       func() time.Time
}

func NewEngine(provider *Provider, ruleRepo store.RuleRepository, notifRepo store.NotificationRepository, logger *slog.Logger) *Engine {
	return &Engine{
		provider:  provider,
		ruleRepo:  ruleRepo,
		notifRepo: notifRepo,
		logger:    logger.With("component", "rule_engine"),
		now:       time.Now,
	}
}

// candidateContext pairs a snapshot with the concrete match context it was
// resolved for.
type candidateContext struct {
	snapshot *Snapshot
	mc       MatchContext
}

// EvaluateTransactionTx evaluates every candidate rule against the
// transaction and its events inside the caller's ingest transaction, and
// returns the notifications created (still uncommitted; the caller
// dispatches them only after commit).
func (e *Engine) EvaluateTransactionTx(ctx context.Context, dbTx *sql.Tx, txn *model.Transaction) []*model.AlertNotification {
	idx := e.provider.Current()
	candidates := e.resolveCandidates(idx, txn)

	var pending []*model.AlertNotification
	triggered := make(map[uuid.UUID]struct{}, len(candidates))

	for _, cand := range candidates {
		// One trigger per rule per transaction, even when several events match.
		if _, done := triggered[cand.snapshot.ID]; done {
			continue
		}
		if !cand.snapshot.Matches(cand.mc) {
			continue
		}

		created, err := e.fireRule(ctx, dbTx, cand)
		if err != nil {
			metrics.EngineRuleErrors.WithLabelValues(string(cand.snapshot.RuleType)).Inc()
			e.logger.Error("rule evaluation failed; continuing with remaining candidates",
				"rule_id", cand.snapshot.ID,
				"rule_type", cand.snapshot.RuleType,
				"tx_id", txn.TxID,
				"error", err,
			)
			continue
		}
		triggered[cand.snapshot.ID] = struct{}{}
		pending = append(pending, created...)
	}
	return pending
}

// resolveCandidates queries the index's lookups for the transaction and each
// of its events. The index narrows cheaply; Matches still re-checks the full
// predicate for every candidate.
func (e *Engine) resolveCandidates(idx *Index, txn *model.Transaction) []candidateContext {
	var out []candidateContext
	txContext := MatchContext{Transaction: txn}

	if cc := txn.ContractCall; cc != nil {
		for _, s := range idx.ContractCallCandidates(cc.ContractIdentifier, cc.FunctionName) {
			out = append(out, candidateContext{snapshot: s, mc: txContext})
		}
	}
	if !txn.Success {
		for _, s := range idx.ByType(model.RuleTypeFailedTransaction) {
			out = append(out, candidateContext{snapshot: s, mc: txContext})
		}
	}
	for _, s := range idx.ByType(model.RuleTypeAddressActivity) {
		out = append(out, candidateContext{snapshot: s, mc: txContext})
	}

	for _, ev := range txn.Events {
		evContext := MatchContext{Transaction: txn, Event: ev}
		switch {
		case ev.EventType.IsTokenMovement():
			for _, s := range idx.TokenTransferCandidates(ev.AssetIdentifier) {
				out = append(out, candidateContext{snapshot: s, mc: evContext})
			}
		case ev.EventType == model.EventTypePrint:
			for _, s := range idx.PrintEventCandidates(ev.ContractIdentifier) {
				out = append(out, candidateContext{snapshot: s, mc: evContext})
			}
		}
		for _, s := range idx.ByType(model.RuleTypeAddressActivity) {
			out = append(out, candidateContext{snapshot: s, mc: evContext})
		}
	}
	return out
}

// fireRule attempts the atomic cooldown trigger and, on a win, re-fetches
// the rule and creates one notification per enabled channel. A zero-row
// trigger update is the normal "lost the race or still cooling down"
// outcome, not an error.
func (e *Engine) fireRule(ctx context.Context, dbTx *sql.Tx, cand candidateContext) ([]*model.AlertNotification, error) {
	now := e.now()
	won, err := e.ruleRepo.TriggerIfReadyTx(ctx, dbTx, cand.snapshot.ID, now)
	if err != nil {
		return nil, fmt.Errorf("trigger rule: %w", err)
	}
	if !won {
		metrics.EngineCooldownSkips.WithLabelValues(string(cand.snapshot.RuleType)).Inc()
		return nil, nil
	}

	rule, err := e.ruleRepo.FindByIDTx(ctx, dbTx, cand.snapshot.ID)
	if err != nil {
		return nil, fmt.Errorf("reload rule after trigger: %w", err)
	}
	if rule == nil {
		return nil, fmt.Errorf("rule %s vanished after trigger", cand.snapshot.ID)
	}

	txn := cand.mc.Transaction
	var eventIndex *int
	if cand.mc.Event != nil {
		ei := cand.mc.Event.EventIndex
		eventIndex = &ei
	}

	var created []*model.AlertNotification
	for _, ch := range rule.Channels {
		n := &model.AlertNotification{
			RuleID:     rule.ID,
			TxID:       txn.TxID,
			EventIndex: eventIndex,
			Channel:    ch,
			Recipient:  rule.RecipientFor(ch),
			Severity:   rule.Severity,
			RuleName:   rule.Name,
			Message:    buildMessage(rule, cand.mc),
			Status:     model.NotificationStatusPending,
		}
		inserted, err := e.notifRepo.SaveTx(ctx, dbTx, n)
		if err != nil {
			return created, fmt.Errorf("save notification for channel %s: %w", ch, err)
		}
		if !inserted {
			// Already created by an earlier delivery of this batch.
			continue
		}
		metrics.EngineNotificationsCreated.WithLabelValues(string(ch)).Inc()
		created = append(created, n)
	}
	metrics.EngineRulesTriggered.WithLabelValues(string(rule.RuleType)).Inc()
	return created, nil
}

func buildMessage(rule *model.AlertRule, mc MatchContext) string {
	txn := mc.Transaction
	switch rule.RuleType {
	case model.RuleTypeContractCall:
		cc := txn.ContractCall
		return fmt.Sprintf("%s: %s.%s called by %s (tx %s)",
			rule.Name, cc.ContractIdentifier, cc.FunctionName, txn.Sender, txn.TxID)
	case model.RuleTypeTokenTransfer:
		ev := mc.Event
		return fmt.Sprintf("%s: %s %s of %s (tx %s)",
			rule.Name, ev.EventType, ev.Amount, ev.AssetIdentifier, txn.TxID)
	case model.RuleTypeFailedTransaction:
		return fmt.Sprintf("%s: transaction %s from %s failed", rule.Name, txn.TxID, txn.Sender)
	case model.RuleTypePrintEvent:
		ev := mc.Event
		return fmt.Sprintf("%s: print from %s topic %q (tx %s)",
			rule.Name, ev.ContractIdentifier, ev.Topic, txn.TxID)
	case model.RuleTypeAddressActivity:
		return fmt.Sprintf("%s: activity involving %s (tx %s)", rule.Name, rule.Address, txn.TxID)
	}
	return fmt.Sprintf("%s triggered by tx %s", rule.Name, txn.TxID)
}
