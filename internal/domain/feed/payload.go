package feed

import "encoding/json"

// Payload is one upstream feed delivery. Rollback events describe blocks
// retracted by a chain reorganization and are always processed before the
// apply events of the same payload. Delivery is at-least-once: the same
// payload may arrive any number of times.
type Payload struct {
	Apply    []BlockEvent `json:"apply"`
	Rollback []BlockEvent `json:"rollback"`
}

// BlockEvent describes one block to apply or retract.
type BlockEvent struct {
	BlockIdentifier       BlockIdentifier    `json:"block_identifier"`
	ParentBlockIdentifier *BlockIdentifier   `json:"parent_block_identifier,omitempty"`
	Timestamp             int64              `json:"timestamp"` // epoch seconds
	BurnBlockHeight       int64              `json:"burn_block_height,omitempty"`
	BurnBlockHash         string             `json:"burn_block_hash,omitempty"`
	Transactions          []TransactionEvent `json:"transactions"`
}

type BlockIdentifier struct {
	Hash   string `json:"hash"`
	Height int64  `json:"index"`
}

// TransactionEvent is one transaction within a block event.
type TransactionEvent struct {
	TxID          string          `json:"tx_id"`
	TxIndex       int             `json:"tx_index"`
	Sender        string          `json:"sender"`
	Success       bool            `json:"success"`
	Fee           string          `json:"fee"`
	Nonce         int64           `json:"nonce"`
	ExecutionCost *ExecutionCost  `json:"execution_cost,omitempty"`
	Kind          TransactionKind `json:"kind"`
	Receipt       Receipt         `json:"receipt"`
}

type ExecutionCost struct {
	ReadCount   int64 `json:"read_count"`
	ReadLength  int64 `json:"read_length"`
	WriteCount  int64 `json:"write_count"`
	WriteLength int64 `json:"write_length"`
	Runtime     int64 `json:"runtime"`
}

// TransactionKind carries the type discriminator and type-specific data.
type TransactionKind struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ContractCallData is the Kind payload for contract_call transactions.
type ContractCallData struct {
	ContractIdentifier string   `json:"contract_identifier"`
	Method             string   `json:"method"`
	Args               []string `json:"args,omitempty"`
}

// ContractDeploymentData is the Kind payload for smart_contract transactions.
type ContractDeploymentData struct {
	ContractIdentifier string `json:"contract_identifier"`
}

// Receipt holds the ordered event list emitted by a transaction.
type Receipt struct {
	Events []EventEnvelope `json:"events"`
}

// EventEnvelope is a receipt event before type normalization. Type is the
// raw wire string; Data fields are populated per event family.
type EventEnvelope struct {
	Type     string    `json:"type"`
	Position *Position `json:"position,omitempty"`
	Data     EventData `json:"data"`
}

type Position struct {
	Index int `json:"index"`
}

// EventData is the union of the wire fields across event families.
type EventData struct {
	AssetIdentifier string          `json:"asset_identifier,omitempty"`
	ContractID      string          `json:"contract_identifier,omitempty"`
	Sender          string          `json:"sender,omitempty"`
	Recipient       string          `json:"recipient,omitempty"`
	Amount          string          `json:"amount,omitempty"`
	LockedAmount    string          `json:"locked_amount,omitempty"`
	UnlockHeight    int64           `json:"unlock_height,omitempty"`
	Topic           string          `json:"topic,omitempty"`
	Value           json.RawMessage `json:"value,omitempty"`
}
