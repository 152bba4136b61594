package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
)

type TransactionRepo struct {
	db *DB
}

func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

// FindByTxIDTx returns the transaction row for txID, or nil when absent.
func (r *TransactionRepo) FindByTxIDTx(ctx context.Context, tx *sql.Tx, txID string) (*model.Transaction, error) {
	var t model.Transaction
	err := tx.QueryRowContext(ctx, `
		SELECT id, block_id, tx_id, tx_index, sender, tx_type, success, fee, nonce, deleted, deleted_at, created_at
		FROM transactions
		WHERE tx_id = $1
	`, txID).Scan(&t.ID, &t.BlockID, &t.TxID, &t.TxIndex, &t.Sender, &t.Type, &t.Success,
		&t.Fee, &t.Nonce, &t.Deleted, &t.DeletedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction by tx id: %w", err)
	}
	return &t, nil
}
