package ingest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/feed"
	"github.com/mUsaulug/stacks-chain-monitor-sub002/internal/domain/model"
	storemocks "github.com/mUsaulug/stacks-chain-monitor-sub002/internal/store/mocks"
)

// fakeDriver / fakeConn / fakeTxImpl provide a minimal sql.Driver
// so we can call BeginTx and get a real *sql.Tx for testing.
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
	sql.Register("fake_ingest", &fakeDriver{})
}

func openFakeDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("fake_ingest", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupBeginTx(t *testing.T, mockDB *storemocks.MockTxBeginner) {
	fakeDB := openFakeDB(t)
	mockDB.EXPECT().BeginTx(gomock.Any(), gomock.Nil()).
		DoAndReturn(func(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
			return fakeDB.BeginTx(ctx, opts)
		}).AnyTimes()
}

// stubEvaluator returns canned notifications and records which transactions
// it saw.
type stubEvaluator struct {
	perTx []*model.AlertNotification
	seen  []string
}

func (s *stubEvaluator) EvaluateTransactionTx(ctx context.Context, tx *sql.Tx, txn *model.Transaction) []*model.AlertNotification {
	s.seen = append(s.seen, txn.TxID)
	return s.perTx
}

// stubRollbacks records the rolled-back hashes and can fail on demand.
type stubRollbacks struct {
	hashes []string
	err    error
}

func (s *stubRollbacks) HandleBlockTx(ctx context.Context, tx *sql.Tx, ev feed.BlockEvent) error {
	if s.err != nil {
		return s.err
	}
	s.hashes = append(s.hashes, ev.BlockIdentifier.Hash)
	return nil
}

func newIngesterFixture(t *testing.T) (*storemocks.MockBlockRepository, *stubEvaluator, *stubRollbacks, *Ingester) {
	t.Helper()
	ctrl := gomock.NewController(t)
	mockDB := storemocks.NewMockTxBeginner(ctrl)
	blockRepo := storemocks.NewMockBlockRepository(ctrl)
	eval := &stubEvaluator{}
	rollbacks := &stubRollbacks{}
	setupBeginTx(t, mockDB)

	ing := New(mockDB, blockRepo, eval, rollbacks, model.NetworkTestnet, slog.Default(),
		WithRetryConfig(3, time.Millisecond, time.Millisecond),
	)
	ing.sleepFn = func(context.Context, time.Duration) error { return nil }
	return blockRepo, eval, rollbacks, ing
}

func TestProcessPayload_AppliesBlockAndReturnsPending(t *testing.T) {
	blockRepo, eval, _, ing := newIngesterFixture(t)

	note := &model.AlertNotification{ID: uuid.New(), TxID: "0xtx1"}
	eval.perTx = []*model.AlertNotification{note}

	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "0xblock").Return(nil, nil)
	blockRepo.EXPECT().SaveTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	payload := &feed.Payload{Apply: []feed.BlockEvent{applyEvent("0xblock", 1200, contractCallEvent("0xtx1"))}}
	pending, err := ing.ProcessPayload(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Same(t, note, pending[0])
	assert.Equal(t, []string{"0xtx1"}, eval.seen)
}

func TestProcessPayload_RollbacksRunBeforeApplies(t *testing.T) {
	blockRepo, eval, rollbacks, ing := newIngesterFixture(t)

	var order []string
	rollbackEv := feed.BlockEvent{BlockIdentifier: feed.BlockIdentifier{Hash: "0xold", Height: 1199}}

	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "0xnew").
		DoAndReturn(func(context.Context, *sql.Tx, string) (*model.Block, error) {
			order = append(order, "apply")
			return nil, nil
		})
	blockRepo.EXPECT().SaveTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	payload := &feed.Payload{
		Apply:    []feed.BlockEvent{applyEvent("0xnew", 1200)},
		Rollback: []feed.BlockEvent{rollbackEv},
	}
	_, err := ing.ProcessPayload(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, []string{"0xold"}, rollbacks.hashes)
	assert.Equal(t, []string{"apply"}, order)
	assert.Empty(t, eval.seen)
}

func TestProcessPayload_DuplicateApplyIsNoOp(t *testing.T) {
	blockRepo, eval, _, ing := newIngesterFixture(t)

	existing := &model.Block{ID: uuid.New(), Hash: "0xblock", Height: 1200}
	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "0xblock").Return(existing, nil)

	payload := &feed.Payload{Apply: []feed.BlockEvent{applyEvent("0xblock", 1200, contractCallEvent("0xtx1"))}}
	pending, err := ing.ProcessPayload(context.Background(), payload)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, eval.seen, "duplicate blocks are not re-evaluated")
}

func TestProcessPayload_ReapplyRestoresDeletedBlock(t *testing.T) {
	blockRepo, eval, _, ing := newIngesterFixture(t)

	deleted := &model.Block{ID: uuid.New(), Hash: "0xblock", Height: 1200, Deleted: true}
	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "0xblock").Return(deleted, nil)
	blockRepo.EXPECT().RestoreTx(gomock.Any(), gomock.Any(), deleted.ID).Return(nil)

	payload := &feed.Payload{Apply: []feed.BlockEvent{applyEvent("0xblock", 1200, contractCallEvent("0xtx1"))}}
	pending, err := ing.ProcessPayload(context.Background(), payload)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, eval.seen, "restoration does not re-trigger rules")
}

func TestProcessPayload_RedeliveryConsultsRepositoryEachTime(t *testing.T) {
	blockRepo, eval, _, ing := newIngesterFixture(t)

	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "0xblock").Return(nil, nil)
	blockRepo.EXPECT().SaveTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	payload := &feed.Payload{Apply: []feed.BlockEvent{applyEvent("0xblock", 1200, contractCallEvent("0xtx1"))}}
	_, err := ing.ProcessPayload(context.Background(), payload)
	require.NoError(t, err)

	// Redelivery re-reads the row and lands on the duplicate path.
	live := &model.Block{ID: uuid.New(), Hash: "0xblock", Height: 1200}
	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "0xblock").Return(live, nil)
	pending, err := ing.ProcessPayload(context.Background(), payload)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, []string{"0xtx1"}, eval.seen, "redelivered blocks are not re-evaluated")
}

func TestProcessPayload_RestoresBlockRolledBackByAnotherConsumer(t *testing.T) {
	blockRepo, eval, _, ing := newIngesterFixture(t)

	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "0xblock").Return(nil, nil)
	blockRepo.EXPECT().SaveTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	applyPayload := &feed.Payload{Apply: []feed.BlockEvent{applyEvent("0xblock", 1200)}}
	_, err := ing.ProcessPayload(context.Background(), applyPayload)
	require.NoError(t, err)

	// Another consumer in the group rolled the block back in the meantime.
	// Re-applying the same hash must read the row fresh and restore it, not
	// swallow it as already processed.
	deleted := &model.Block{ID: uuid.New(), Hash: "0xblock", Height: 1200, Deleted: true}
	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "0xblock").Return(deleted, nil)
	blockRepo.EXPECT().RestoreTx(gomock.Any(), gomock.Any(), deleted.ID).Return(nil)
	_, err = ing.ProcessPayload(context.Background(), applyPayload)
	require.NoError(t, err)
	assert.Empty(t, eval.seen, "restoration does not re-trigger rules")
}

func TestProcessPayload_HeightConflictIsTerminal(t *testing.T) {
	blockRepo, _, rollbacks, ing := newIngesterFixture(t)

	// A reorg payload rolls back the incumbent and applies the fork block at
	// the same height. If a live block still holds the height, the insert
	// must fail for good rather than retry forever.
	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "0xfork").Return(nil, nil)
	blockRepo.EXPECT().SaveTx(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&pq.Error{Code: "23505", Constraint: "uniq_blocks_height_live"}).Times(1)

	payload := &feed.Payload{
		Rollback: []feed.BlockEvent{{BlockIdentifier: feed.BlockIdentifier{Hash: "0xold", Height: 1200}}},
		Apply:    []feed.BlockEvent{applyEvent("0xfork", 1200)},
	}
	_, err := ing.ProcessPayload(context.Background(), payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal_failure")
	assert.Equal(t, []string{"0xold"}, rollbacks.hashes)
}

func TestProcessPayload_UniqueViolationRetriesAndFindsDuplicate(t *testing.T) {
	blockRepo, _, _, ing := newIngesterFixture(t)

	// First attempt: the insert races with a concurrent writer. The retry
	// re-reads and finds the block already live.
	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "0xblock").Return(nil, nil)
	blockRepo.EXPECT().SaveTx(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&pq.Error{Code: "23505"})
	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "0xblock").
		Return(&model.Block{ID: uuid.New(), Hash: "0xblock", Height: 1200}, nil)

	payload := &feed.Payload{Apply: []feed.BlockEvent{applyEvent("0xblock", 1200)}}
	pending, err := ing.ProcessPayload(context.Background(), payload)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessPayload_MalformedBlockIsTerminal(t *testing.T) {
	blockRepo, _, _, ing := newIngesterFixture(t)

	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "").Return(nil, nil)

	payload := &feed.Payload{Apply: []feed.BlockEvent{applyEvent("", 1200)}}
	_, err := ing.ProcessPayload(context.Background(), payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal_failure")
}

func TestProcessPayload_TransientErrorExhaustsRetries(t *testing.T) {
	blockRepo, _, _, ing := newIngesterFixture(t)

	blockRepo.EXPECT().FindByHashTx(gomock.Any(), gomock.Any(), "0xblock").
		Return(nil, errors.New("connection refused")).Times(3)

	payload := &feed.Payload{Apply: []feed.BlockEvent{applyEvent("0xblock", 1200)}}
	_, err := ing.ProcessPayload(context.Background(), payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient_recovery_exhausted")
}

func TestProcessPayload_RollbackFailureAbortsPayload(t *testing.T) {
	blockRepo, eval, rollbacks, ing := newIngesterFixture(t)
	_ = blockRepo

	rollbacks.err = errors.New("invalid payload")

	payload := &feed.Payload{
		Apply:    []feed.BlockEvent{applyEvent("0xnew", 1200)},
		Rollback: []feed.BlockEvent{{BlockIdentifier: feed.BlockIdentifier{Hash: "0xold", Height: 1199}}},
	}
	_, err := ing.ProcessPayload(context.Background(), payload)
	require.Error(t, err)
	assert.Empty(t, eval.seen, "applies are not attempted after a rollback failure")
}

func TestRetryDelay_CapsAtMax(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockDB := storemocks.NewMockTxBeginner(ctrl)
	blockRepo := storemocks.NewMockBlockRepository(ctrl)

	ing := New(mockDB, blockRepo, &stubEvaluator{}, &stubRollbacks{}, model.NetworkTestnet, slog.Default(),
		WithRetryConfig(5, 100*time.Millisecond, 300*time.Millisecond),
	)

	assert.Equal(t, 100*time.Millisecond, ing.retryDelay(1))
	assert.Equal(t, 200*time.Millisecond, ing.retryDelay(2))
	assert.Equal(t, 300*time.Millisecond, ing.retryDelay(3))
	assert.Equal(t, 300*time.Millisecond, ing.retryDelay(4))
}
