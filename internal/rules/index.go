package rules

import (
	"time"

	"github.com/google/uuid"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
)

type contractFunctionKey struct {
	Contract string
	Function string
}

// Index is an immutable multi-level lookup over active-rule snapshots.
// It is built in one pass and swapped wholesale; nothing mutates an Index
// after BuildIndex returns, so it is safe for any number of concurrent
// readers. BuiltAt supports staleness checks by the provider.
type Index struct {
	BuiltAt time.Time

	byType             map[model.RuleType][]*Snapshot
	byContract         map[string][]*Snapshot
	byAsset            map[string][]*Snapshot
	byContractFunction map[contractFunctionKey][]*Snapshot
	total              int
}

// BuildIndex filters to active snapshots' rules, projects each rule into a
// Snapshot and populates the four maps in one pass. Wildcard fields index
// under the literal "*" key.
func BuildIndex(active []*model.AlertRule) *Index {
	idx := &Index{
		BuiltAt:            time.Now(),
		byType:             make(map[model.RuleType][]*Snapshot),
		byContract:         make(map[string][]*Snapshot),
		byAsset:            make(map[string][]*Snapshot),
		byContractFunction: make(map[contractFunctionKey][]*Snapshot),
	}

	for _, rule := range active {
		if !rule.Active {
			continue
		}
		s := NewSnapshot(rule)
		idx.total++

		idx.byType[s.RuleType] = append(idx.byType[s.RuleType], s)

		switch s.RuleType {
		case model.RuleTypeContractCall:
			contract := keyOrWildcard(s.ContractIdentifier)
			function := keyOrWildcard(s.FunctionName)
			idx.byContract[contract] = append(idx.byContract[contract], s)
			key := contractFunctionKey{Contract: contract, Function: function}
			idx.byContractFunction[key] = append(idx.byContractFunction[key], s)
		case model.RuleTypeTokenTransfer:
			asset := keyOrWildcard(s.AssetIdentifier)
			idx.byAsset[asset] = append(idx.byAsset[asset], s)
		case model.RuleTypePrintEvent:
			contract := keyOrWildcard(s.ContractIdentifier)
			idx.byContract[contract] = append(idx.byContract[contract], s)
		}
	}
	return idx
}

func keyOrWildcard(v string) string {
	if v == "" {
		return model.Wildcard
	}
	return v
}

// Size returns the number of indexed snapshots.
func (idx *Index) Size() int {
	return idx.total
}

// Age returns how long ago the index was built.
func (idx *Index) Age() time.Duration {
	return time.Since(idx.BuiltAt)
}

// ContractCallCandidates unions the four (contract, function) lookups:
// exact, contract-wildcard, function-wildcard and full wildcard. A constant
// number of map hits regardless of catalog size.
func (idx *Index) ContractCallCandidates(contract, function string) []*Snapshot {
	keys := [4]contractFunctionKey{
		{Contract: contract, Function: function},
		{Contract: contract, Function: model.Wildcard},
		{Contract: model.Wildcard, Function: function},
		{Contract: model.Wildcard, Function: model.Wildcard},
	}
	var out []*Snapshot
	seen := make(map[uuid.UUID]struct{})
	for _, key := range keys {
		for _, s := range idx.byContractFunction[key] {
			if _, dup := seen[s.ID]; dup {
				continue
			}
			seen[s.ID] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// TokenTransferCandidates unions the exact asset lookup with the wildcard
// asset bucket.
func (idx *Index) TokenTransferCandidates(asset string) []*Snapshot {
	var out []*Snapshot
	seen := make(map[uuid.UUID]struct{})
	for _, key := range [2]string{asset, model.Wildcard} {
		for _, s := range idx.byAsset[key] {
			if _, dup := seen[s.ID]; dup {
				continue
			}
			seen[s.ID] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// PrintEventCandidates unions the exact contract bucket with the wildcard
// bucket, filtered to print-event rules (the byContract map also carries
// contract-call rules).
func (idx *Index) PrintEventCandidates(contract string) []*Snapshot {
	var out []*Snapshot
	seen := make(map[uuid.UUID]struct{})
	for _, key := range [2]string{contract, model.Wildcard} {
		for _, s := range idx.byContract[key] {
			if s.RuleType != model.RuleTypePrintEvent {
				continue
			}
			if _, dup := seen[s.ID]; dup {
				continue
			}
			seen[s.ID] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// ByType returns all snapshots of one rule type (failed-transaction and
// address-activity rules are resolved this way).
func (idx *Index) ByType(rt model.RuleType) []*Snapshot {
	return idx.byType[rt]
}
