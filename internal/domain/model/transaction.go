package model

import (
	"time"

	"github.com/google/uuid"
)

// Transaction identity is business-keyed on TxID, never the surrogate ID.
// Code that groups or deduplicates transactions must key on TxID so the
// behavior is identical before and after persistence.
type Transaction struct {
	ID        uuid.UUID  `db:"id"`
	BlockID   uuid.UUID  `db:"block_id"`
	TxID      string     `db:"tx_id"`
	TxIndex   int        `db:"tx_index"`
	Sender    string     `db:"sender"`
	Type      TxType     `db:"tx_type"`
	Success   bool       `db:"success"`
	Fee       string     `db:"fee"`
	Nonce     int64      `db:"nonce"`
	Deleted   bool       `db:"deleted"`
	DeletedAt *time.Time `db:"deleted_at"`
	CreatedAt time.Time  `db:"created_at"`

	Events             []*ChainEvent       `db:"-"`
	ContractCall       *ContractCall       `db:"-"`
	ContractDeployment *ContractDeployment `db:"-"`
}

// ContractCall records the invoked contract and function for a
// CONTRACT_CALL transaction.
type ContractCall struct {
	ID                 uuid.UUID  `db:"id"`
	TransactionID      uuid.UUID  `db:"transaction_id"`
	TxID               string     `db:"tx_id"`
	ContractIdentifier string     `db:"contract_identifier"`
	FunctionName       string     `db:"function_name"`
	FunctionArgs       []string   `db:"function_args"`
	Deleted            bool       `db:"deleted"`
	DeletedAt          *time.Time `db:"deleted_at"`
}

// ContractDeployment records a SMART_CONTRACT transaction publishing new code.
type ContractDeployment struct {
	ID                 uuid.UUID  `db:"id"`
	TransactionID      uuid.UUID  `db:"transaction_id"`
	TxID               string     `db:"tx_id"`
	ContractIdentifier string     `db:"contract_identifier"`
	Deleted            bool       `db:"deleted"`
	DeletedAt          *time.Time `db:"deleted_at"`
}
