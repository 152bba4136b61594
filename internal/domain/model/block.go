package model

import (
	"time"

	"github.com/google/uuid"
)

// Block is a persisted chain block. It owns its transactions: soft-deleting
// or restoring a block cascades to every owned transaction and event.
type Block struct {
	ID         uuid.UUID  `db:"id"`
	Network    Network    `db:"network"`
	Height     int64      `db:"height"`
	Hash       string     `db:"hash"`
	ParentHash string     `db:"parent_hash"`
	Timestamp  time.Time  `db:"timestamp"`
	Deleted    bool       `db:"deleted"`
	DeletedAt  *time.Time `db:"deleted_at"`
	CreatedAt  time.Time  `db:"created_at"`

	Transactions []*Transaction `db:"-"`
}
