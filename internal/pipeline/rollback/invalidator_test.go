package rollback

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/feed"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
	storemocks "github.com/mUsaulug/stacks-chain-monitor-sub002/internal/store/mocks"
)

type fakeDriver struct{}
type fakeConn struct{}
type fakeTxImpl struct{}

func (d *fakeDriver) Open(name string) (driver.Conn, error) { return &fakeConn{}, nil }
func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return &fakeTxImpl{}, nil }
func (tx *fakeTxImpl) Commit() error          { return nil }
func (tx *fakeTxImpl) Rollback() error        { return nil }

func init() {
	sql.Register("fake_rollback", &fakeDriver{})
}

func openFakeTx(t *testing.T) *sql.Tx {
	t.Helper()
	db, err := sql.Open("fake_rollback", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	return tx
}

func newInvalidatorFixture(t *testing.T) (*storemocks.MockBlockRepository, *storemocks.MockNotificationRepository, *Invalidator) {
	t.Helper()
	ctrl := gomock.NewController(t)
	blockRepo := storemocks.NewMockBlockRepository(ctrl)
	notifRepo := storemocks.NewMockNotificationRepository(ctrl)
	inv := NewInvalidator(blockRepo, notifRepo, model.NetworkTestnet, slog.Default())
	return blockRepo, notifRepo, inv
}

func rollbackEvent(hash string, height int64) feed.BlockEvent {
	return feed.BlockEvent{BlockIdentifier: feed.BlockIdentifier{Hash: hash, Height: height}}
}

func TestHandleBlockTx_SoftDeletesAndInvalidates(t *testing.T) {
	blockRepo, notifRepo, inv := newInvalidatorFixture(t)
	tx := openFakeTx(t)

	frozen := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	inv.now = func() time.Time { return frozen }

	block := &model.Block{ID: uuid.New(), Hash: "0xblock", Height: 1200}
	blockRepo.EXPECT().FindByHashTx(gomock.Any(), tx, "0xblock").Return(block, nil)
	blockRepo.EXPECT().SoftDeleteCascadeTx(gomock.Any(), tx, block.ID, frozen).Return(nil)
	notifRepo.EXPECT().BulkInvalidateByBlockTx(gomock.Any(), tx, block.ID, gomock.Any()).
		DoAndReturn(func(ctx context.Context, tx *sql.Tx, blockID uuid.UUID, reason string) (int64, error) {
			assert.Contains(t, reason, "0xblock")
			assert.Contains(t, reason, "1200")
			return 3, nil
		})

	require.NoError(t, inv.HandleBlockTx(context.Background(), tx, rollbackEvent("0xblock", 1200)))
}

func TestHandleBlockTx_UnknownBlockIsSkipped(t *testing.T) {
	blockRepo, _, inv := newInvalidatorFixture(t)
	tx := openFakeTx(t)

	blockRepo.EXPECT().FindByHashTx(gomock.Any(), tx, "0xnever").Return(nil, nil)

	// The feed can retract blocks this instance never ingested.
	require.NoError(t, inv.HandleBlockTx(context.Background(), tx, rollbackEvent("0xnever", 990)))
}

func TestHandleBlockTx_AlreadyDeletedIsNoOp(t *testing.T) {
	blockRepo, _, inv := newInvalidatorFixture(t)
	tx := openFakeTx(t)

	deleted := &model.Block{ID: uuid.New(), Hash: "0xblock", Height: 1200, Deleted: true}
	blockRepo.EXPECT().FindByHashTx(gomock.Any(), tx, "0xblock").Return(deleted, nil)

	require.NoError(t, inv.HandleBlockTx(context.Background(), tx, rollbackEvent("0xblock", 1200)))
}

func TestHandleBlockTx_SoftDeleteErrorPropagates(t *testing.T) {
	blockRepo, _, inv := newInvalidatorFixture(t)
	tx := openFakeTx(t)

	block := &model.Block{ID: uuid.New(), Hash: "0xblock", Height: 1200}
	blockRepo.EXPECT().FindByHashTx(gomock.Any(), tx, "0xblock").Return(block, nil)
	blockRepo.EXPECT().SoftDeleteCascadeTx(gomock.Any(), tx, block.ID, gomock.Any()).
		Return(errors.New("deadlock detected"))

	err := inv.HandleBlockTx(context.Background(), tx, rollbackEvent("0xblock", 1200))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soft delete block")
}

func TestHandleBlockTx_InvalidateErrorPropagates(t *testing.T) {
	blockRepo, notifRepo, inv := newInvalidatorFixture(t)
	tx := openFakeTx(t)

	block := &model.Block{ID: uuid.New(), Hash: "0xblock", Height: 1200}
	blockRepo.EXPECT().FindByHashTx(gomock.Any(), tx, "0xblock").Return(block, nil)
	blockRepo.EXPECT().SoftDeleteCascadeTx(gomock.Any(), tx, block.ID, gomock.Any()).Return(nil)
	notifRepo.EXPECT().BulkInvalidateByBlockTx(gomock.Any(), tx, block.ID, gomock.Any()).
		Return(int64(0), errors.New("connection reset by peer"))

	err := inv.HandleBlockTx(context.Background(), tx, rollbackEvent("0xblock", 1200))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalidate notifications")
}
