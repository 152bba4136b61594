package rules

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
)

// Snapshot is an immutable projection of an AlertRule used for indexing and
// matching. Snapshots are built fresh on every index rebuild and never
// mutated, so concurrent readers never touch the mutable rule row.
type Snapshot struct {
	ID              uuid.UUID
	RuleType        model.RuleType
	Name            string
	Severity        model.Severity
	CooldownSeconds int64
	LastTriggeredAt *time.Time
	Channels        []model.Channel

	ContractIdentifier string
	FunctionName       string
	AssetIdentifier    string
	EventType          model.EventType
	Threshold          string
	Address            string
	Topic              string
}

// NewSnapshot projects a rule into its snapshot. The mapping is explicit
// per field: the variant discriminator decides which match fields matter,
// but copying all of them keeps the projection a single code path.
func NewSnapshot(r *model.AlertRule) *Snapshot {
	s := &Snapshot{
		ID:              r.ID,
		RuleType:        r.RuleType,
		Name:            r.Name,
		Severity:        r.Severity,
		CooldownSeconds: r.CooldownSeconds,
		Channels:        append([]model.Channel(nil), r.Channels...),

		ContractIdentifier: r.ContractIdentifier,
		FunctionName:       r.FunctionName,
		AssetIdentifier:    r.AssetIdentifier,
		EventType:          r.EventType,
		Threshold:          r.Threshold,
		Address:            r.Address,
		Topic:              r.Topic,
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		s.LastTriggeredAt = &t
	}
	return s
}

// MatchContext is the concrete transaction/event pair a rule predicate is
// evaluated against. Event is nil for transaction-level evaluation.
type MatchContext struct {
	Transaction *model.Transaction
	Event       *model.ChainEvent
}

// Matches re-evaluates the full predicate for the snapshot's variant.
// The index only narrows candidates; threshold comparisons, event-type
// equality and function-name equality are always checked here against the
// concrete data.
func (s *Snapshot) Matches(mc MatchContext) bool {
	switch s.RuleType {
	case model.RuleTypeContractCall:
		return s.matchesContractCall(mc)
	case model.RuleTypeTokenTransfer:
		return s.matchesTokenTransfer(mc)
	case model.RuleTypeFailedTransaction:
		return s.matchesFailedTransaction(mc)
	case model.RuleTypePrintEvent:
		return s.matchesPrintEvent(mc)
	case model.RuleTypeAddressActivity:
		return s.matchesAddressActivity(mc)
	}
	return false
}

func (s *Snapshot) matchesContractCall(mc MatchContext) bool {
	txn := mc.Transaction
	if txn == nil || txn.ContractCall == nil {
		return false
	}
	cc := txn.ContractCall
	if !matchesOrAny(s.ContractIdentifier, cc.ContractIdentifier) ||
		!matchesOrAny(s.FunctionName, cc.FunctionName) {
		return false
	}
	if s.Threshold == "" {
		return true
	}
	// A call-level threshold is met when any token movement in the call's
	// receipt reaches it.
	for _, ev := range txn.Events {
		if ev.EventType.IsTokenMovement() && s.meetsThreshold(ev.Amount) {
			return true
		}
	}
	return false
}

func (s *Snapshot) matchesTokenTransfer(mc MatchContext) bool {
	ev := mc.Event
	if ev == nil || !ev.EventType.IsTokenMovement() {
		return false
	}
	if !matchesOrAny(s.AssetIdentifier, ev.AssetIdentifier) {
		return false
	}
	if !matchesOrAny(string(s.EventType), string(ev.EventType)) {
		return false
	}
	return s.meetsThreshold(ev.Amount)
}

func (s *Snapshot) matchesFailedTransaction(mc MatchContext) bool {
	txn := mc.Transaction
	if txn == nil || txn.Success {
		return false
	}
	if s.ContractIdentifier != "" && s.ContractIdentifier != model.Wildcard {
		if txn.ContractCall == nil || txn.ContractCall.ContractIdentifier != s.ContractIdentifier {
			return false
		}
	}
	return true
}

// matchesOrAny reports whether value satisfies pattern, where an empty
// pattern or the wildcard matches everything.
func matchesOrAny(pattern, value string) bool {
	return pattern == "" || pattern == model.Wildcard || pattern == value
}

func (s *Snapshot) matchesPrintEvent(mc MatchContext) bool {
	ev := mc.Event
	if ev == nil || ev.EventType != model.EventTypePrint {
		return false
	}
	return matchesOrAny(s.ContractIdentifier, ev.ContractIdentifier) &&
		matchesOrAny(s.Topic, ev.Topic)
}

func (s *Snapshot) matchesAddressActivity(mc MatchContext) bool {
	if s.Address == "" {
		return false
	}
	if txn := mc.Transaction; txn != nil && txn.Sender == s.Address {
		return true
	}
	if ev := mc.Event; ev != nil {
		if ev.Sender == s.Address || ev.Recipient == s.Address {
			return true
		}
	}
	return false
}

// meetsThreshold compares a micro-unit amount string against the snapshot's
// threshold. An empty threshold matches any amount; an unparseable amount
// never matches.
func (s *Snapshot) meetsThreshold(amount string) bool {
	if s.Threshold == "" {
		return true
	}
	threshold, err := decimal.NewFromString(s.Threshold)
	if err != nil {
		return false
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return false
	}
	return value.GreaterThanOrEqual(threshold)
}
