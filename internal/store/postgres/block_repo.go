package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
)

type BlockRepo struct {
	db *DB
}

func NewBlockRepo(db *DB) *BlockRepo {
	return &BlockRepo{db: db}
}

// FindByHashTx returns the block row for hash, or nil when no block with
// that hash has been persisted. Owned transactions are not loaded.
func (r *BlockRepo) FindByHashTx(ctx context.Context, tx *sql.Tx, hash string) (*model.Block, error) {
	var b model.Block
	err := tx.QueryRowContext(ctx, `
		SELECT id, network, height, hash, parent_hash, timestamp, deleted, deleted_at, created_at
		FROM blocks
		WHERE hash = $1
	`, hash).Scan(&b.ID, &b.Network, &b.Height, &b.Hash, &b.ParentHash, &b.Timestamp, &b.Deleted, &b.DeletedAt, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find block by hash: %w", err)
	}
	return &b, nil
}

// SaveTx persists the block and everything it owns. Inserts are plain (no
// ON CONFLICT) so a concurrent duplicate surfaces as a unique violation the
// ingest path classifies as already-processed.
func (r *BlockRepo) SaveTx(ctx context.Context, tx *sql.Tx, block *model.Block) error {
	if block.ID == uuid.Nil {
		block.ID = uuid.New()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (id, network, height, hash, parent_hash, timestamp, deleted, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, NULL)
	`, block.ID, block.Network, block.Height, block.Hash, block.ParentHash, block.Timestamp); err != nil {
		return fmt.Errorf("insert block %s: %w", block.Hash, err)
	}

	for _, txn := range block.Transactions {
		if txn.ID == uuid.Nil {
			txn.ID = uuid.New()
		}
		txn.BlockID = block.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (id, block_id, tx_id, tx_index, sender, tx_type, success, fee, nonce, deleted, deleted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, NULL)
		`, txn.ID, txn.BlockID, txn.TxID, txn.TxIndex, txn.Sender, txn.Type, txn.Success, txn.Fee, txn.Nonce); err != nil {
			return fmt.Errorf("insert transaction %s: %w", txn.TxID, err)
		}

		if err := r.insertEvents(ctx, tx, txn); err != nil {
			return err
		}

		if cc := txn.ContractCall; cc != nil {
			if cc.ID == uuid.Nil {
				cc.ID = uuid.New()
			}
			cc.TransactionID = txn.ID
			cc.TxID = txn.TxID
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO contract_calls (id, transaction_id, tx_id, contract_identifier, function_name, function_args, deleted, deleted_at)
				VALUES ($1, $2, $3, $4, $5, $6, false, NULL)
			`, cc.ID, cc.TransactionID, cc.TxID, cc.ContractIdentifier, cc.FunctionName, pq.Array(cc.FunctionArgs)); err != nil {
				return fmt.Errorf("insert contract call for %s: %w", txn.TxID, err)
			}
		}

		if cd := txn.ContractDeployment; cd != nil {
			if cd.ID == uuid.Nil {
				cd.ID = uuid.New()
			}
			cd.TransactionID = txn.ID
			cd.TxID = txn.TxID
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO contract_deployments (id, transaction_id, tx_id, contract_identifier, deleted, deleted_at)
				VALUES ($1, $2, $3, $4, false, NULL)
			`, cd.ID, cd.TransactionID, cd.TxID, cd.ContractIdentifier); err != nil {
				return fmt.Errorf("insert contract deployment for %s: %w", txn.TxID, err)
			}
		}
	}
	return nil
}

func (r *BlockRepo) insertEvents(ctx context.Context, tx *sql.Tx, txn *model.Transaction) error {
	if len(txn.Events) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO chain_events (id, transaction_id, tx_id, event_index, event_type,
		                          asset_identifier, contract_identifier, sender, recipient,
		                          amount, topic, value, deleted, deleted_at)
		VALUES `)

	args := make([]interface{}, 0, len(txn.Events)*12)
	for i, ev := range txn.Events {
		if ev.ID == uuid.Nil {
			ev.ID = uuid.New()
		}
		ev.TransactionID = txn.ID
		ev.TxID = txn.TxID
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 12
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, false, NULL)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12)
		value := ev.Value
		if value == nil {
			value = []byte("null")
		}
		args = append(args,
			ev.ID, ev.TransactionID, ev.TxID, ev.EventIndex, ev.EventType,
			ev.AssetIdentifier, ev.ContractIdentifier, ev.Sender, ev.Recipient,
			ev.Amount, ev.Topic, value,
		)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert events for %s: %w", txn.TxID, err)
	}
	return nil
}

// RestoreTx clears the deleted mark on a block and everything it owns.
// The event rows follow their transactions so the deleted flags stay in sync.
func (r *BlockRepo) RestoreTx(ctx context.Context, tx *sql.Tx, blockID uuid.UUID) error {
	return r.setDeleted(ctx, tx, blockID, false, nil)
}

// SoftDeleteCascadeTx marks a block and everything it owns deleted at deletedAt.
func (r *BlockRepo) SoftDeleteCascadeTx(ctx context.Context, tx *sql.Tx, blockID uuid.UUID, deletedAt time.Time) error {
	return r.setDeleted(ctx, tx, blockID, true, &deletedAt)
}

func (r *BlockRepo) setDeleted(ctx context.Context, tx *sql.Tx, blockID uuid.UUID, deleted bool, deletedAt *time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE blocks SET deleted = $2, deleted_at = $3 WHERE id = $1
	`, blockID, deleted, deletedAt); err != nil {
		return fmt.Errorf("set block deleted=%t: %w", deleted, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET deleted = $2, deleted_at = $3 WHERE block_id = $1
	`, blockID, deleted, deletedAt); err != nil {
		return fmt.Errorf("cascade transactions deleted=%t: %w", deleted, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chain_events SET deleted = $2, deleted_at = $3
		WHERE transaction_id IN (SELECT id FROM transactions WHERE block_id = $1)
	`, blockID, deleted, deletedAt); err != nil {
		return fmt.Errorf("cascade events deleted=%t: %w", deleted, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE contract_calls SET deleted = $2, deleted_at = $3
		WHERE transaction_id IN (SELECT id FROM transactions WHERE block_id = $1)
	`, blockID, deleted, deletedAt); err != nil {
		return fmt.Errorf("cascade contract calls deleted=%t: %w", deleted, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE contract_deployments SET deleted = $2, deleted_at = $3
		WHERE transaction_id IN (SELECT id FROM transactions WHERE block_id = $1)
	`, blockID, deleted, deletedAt); err != nil {
		return fmt.Errorf("cascade contract deployments deleted=%t: %w", deleted, err)
	}
	return nil
}
