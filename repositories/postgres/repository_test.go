package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewDBFromConn(conn, zap.NewNop()), mock
}

func TestTransactionManager_CarriesTransactionInContext(t *testing.T) {
	db, mock := newMockDB(t)
	tm := NewTransactionManager(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
		got, ok := repositories.TransactionFromContext(ctx)
		require.True(t, ok)
		assert.Same(t, tx, got)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	tm := NewTransactionManager(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
		return errors.New("abort")
	})
	assert.EqualError(t, err, "abort")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiptRepository_LockTailRequiresTransaction(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewReceiptRepository(db, zap.NewNop())

	_, err := repo.LockTail(context.Background())
	assert.Error(t, err)
}

func TestReceiptRepository_LockTailAndAppend(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReceiptRepository(db, zap.NewNop())
	tm := NewTransactionManager(db, zap.NewNop())

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	receipt := &models.AuditReceipt{
		ID:           uuid.New(),
		Sequence:     8,
		Kind:         models.ReceiptEscrowFunded,
		Timestamp:    ts,
		ActorID:      "req-1",
		ActorKind:    models.ActorRequester,
		ResourceID:   "esc-1",
		ResourceKind: "escrow",
		DetailsHash:  "d",
		PreviousHash: "prev",
		ReceiptHash:  "next",
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_hash, last_sequence, last_timestamp FROM ledger_tail WHERE id = 1 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"last_hash", "last_sequence", "last_timestamp"}).AddRow("prev", 7, ts))
	mock.ExpectExec("INSERT INTO audit_receipts").
		WithArgs(receipt.ID, int64(8), receipt.Kind, ts, "req-1", receipt.ActorKind, "esc-1", "escrow", "d", "prev", "next").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ledger_tail").
		WithArgs("next", int64(8), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
		tail, err := repo.LockTail(ctx)
		require.NoError(t, err)
		assert.Equal(t, "prev", tail.LastHash)
		assert.Equal(t, int64(7), tail.LastSequence)
		return repo.Append(ctx, receipt)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiptRepository_GetByIDScansProof(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReceiptRepository(db, zap.NewNop())

	id := uuid.New()
	batchID := uuid.New()
	proofJSON := []byte(`{"leafHash":"a","leafIndex":1,"siblings":[{"hash":"b","isLeft":true}],"root":"r"}`)
	cols := []string{"id", "sequence", "kind", "timestamp", "actor_id", "actor_kind", "resource_id", "resource_kind",
		"details_hash", "previous_hash", "receipt_hash", "merkle_proof", "merkle_batch_id"}

	mock.ExpectQuery("SELECT (.+) FROM audit_receipts WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(id.String(), 1, "SETTLEMENT", time.Now(), "ds-1", "DS", "c-1", "contract",
			"d", "GENESIS", "a", proofJSON, batchID.String()))

	rec, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec.MerkleProof)
	assert.Equal(t, 1, rec.MerkleProof.LeafIndex)
	assert.True(t, rec.MerkleProof.Siblings[0].IsLeft)
	require.NotNil(t, rec.MerkleBatchID)
	assert.Equal(t, batchID, *rec.MerkleBatchID)
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
}

func TestReceiptRepository_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReceiptRepository(db, zap.NewNop())

	mock.ExpectQuery("SELECT (.+) FROM audit_receipts WHERE receipt_hash").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByHash(context.Background(), "missing")
	assert.True(t, errors.Is(err, repositories.ErrNotFound))
}

func TestReceiptRepository_AttachProofOnlyOnce(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReceiptRepository(db, zap.NewNop())
	proof := &models.MerkleProof{LeafHash: "a", Root: "a"}

	mock.ExpectExec("UPDATE audit_receipts SET merkle_proof").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE audit_receipts SET merkle_proof").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.AttachProof(context.Background(), uuid.New(), uuid.New(), proof)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AttachProof(context.Background(), uuid.New(), uuid.New(), proof)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalRepository_DuplicateKey(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJournalRepository(db, zap.NewNop())

	mock.ExpectExec("INSERT INTO journal_entries").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "journal_entries_idempotency_key_key"})

	err := repo.Insert(context.Background(), &models.JournalEntry{
		ID: uuid.New(), Amount: decimal.NewFromInt(1), IdempotencyKey: "k",
	})
	assert.True(t, errors.Is(err, repositories.ErrDuplicate))
}

func TestJournalRepository_AccountBalances(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJournalRepository(db, zap.NewNop())

	mock.ExpectQuery("SELECT account, currency, SUM\\(delta\\)").
		WillReturnRows(sqlmock.NewRows([]string{"account", "currency", "balance"}).
			AddRow("ESCROW:e", "USD", "60.0000").
			AddRow("REQUESTER_FUNDS:r", "USD", "-60.0000"))

	balances, err := repo.AccountBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.True(t, balances[0].Balance.Equal(decimal.NewFromInt(60)))
	assert.True(t, balances[0].Balance.Add(balances[1].Balance).IsZero())
}

func TestEscrowRepository_UpdateMissingRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEscrowRepository(db, zap.NewNop())

	mock.ExpectExec("UPDATE escrow_accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), models.NewEscrowAccount("r", "q", "USD"))
	assert.True(t, errors.Is(err, repositories.ErrNotFound))
}

func TestEscrowRepository_GetByIDForUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEscrowRepository(db, zap.NewNop())

	id := uuid.New()
	now := time.Now()
	cols := []string{"id", "requester_id", "request_id", "currency", "funded_amount", "locked_amount",
		"released_amount", "refunded_amount", "status", "anchor_reference", "version", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT (.+) FROM escrow_accounts WHERE id = \\$1 FOR UPDATE").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(id.String(), "r", "q", "USD", "100", "40", "0", "0", "LOCKED", nil, 3, now, now))

	e, err := repo.GetByIDForUpdate(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowLocked, e.Status)
	assert.Equal(t, "60", e.Available().String())
	assert.Nil(t, e.AnchorReference)
}

func TestPayoutRepository_WindowStats(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPayoutRepository(db, zap.NewNop())

	since := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\), COALESCE\\(SUM\\(amount\\), 0\\)").
		WithArgs("ds-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(3, "150.5000"))

	count, total, err := repo.WindowStats(context.Background(), "ds-1", since)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, "150.5", total.String())
}

func TestBalanceRepository_LockOrCreate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBalanceRepository(db, zap.NewNop())

	now := time.Now()
	cols := []string{"ds_id", "currency", "available", "pending", "total_earned", "total_paid_out",
		"last_settlement_at", "last_payout_at", "version", "updated_at"}

	mock.ExpectExec("INSERT INTO ds_balances").
		WithArgs("ds-1", "USD", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM ds_balances WHERE ds_id = \\$1 FOR UPDATE").
		WithArgs("ds-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("ds-1", "USD", "10", "5", "15", "0", now, nil, 2, now))

	b, err := repo.LockOrCreate(context.Background(), "ds-1", "USD")
	require.NoError(t, err)
	assert.True(t, b.Balanced())
	assert.NotNil(t, b.LastSettlementAt)
	assert.Nil(t, b.LastPayoutAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryFactory_NewRepositories(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := NewDBFromConn(conn, zap.NewNop())

	factory := NewRepositoryFactoryFromDB(db, zap.NewNop())
	assert.Same(t, db, factory.GetDB())

	repos := factory.NewRepositories()
	assert.NotNil(t, repos.Receipts)
	assert.NotNil(t, repos.Batches)
	assert.NotNil(t, repos.Escrows)
	assert.NotNil(t, repos.Journal)
	assert.NotNil(t, repos.Balances)
	assert.NotNil(t, repos.Payouts)
	assert.NotNil(t, repos.Settlements)
	assert.NotNil(t, repos.Contracts)
	assert.NotNil(t, repos.Transactions)

	mock.ExpectClose()
	require.NoError(t, factory.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_AppliesLockTimeout(t *testing.T) {
	db, mock := newMockDB(t)
	tm := NewTransactionManagerWithLockTimeout(db, zap.NewNop(), 1500*time.Millisecond)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT set_config('lock_timeout', $1, true)")).
		WithArgs("1500ms").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := tm.InTransaction(context.Background(), func(context.Context, repositories.Transaction) error {
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscrowRepository_LockWaitTimesOut(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEscrowRepository(db, zap.NewNop())
	tm := NewTransactionManagerWithLockTimeout(db, zap.NewNop(), time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("set_config('lock_timeout'")).
		WithArgs("1000ms").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM escrow_accounts WHERE id = \\$1 FOR UPDATE").
		WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	err := tm.InTransaction(context.Background(), func(ctx context.Context, _ repositories.Transaction) error {
		_, err := repo.GetByIDForUpdate(ctx, uuid.New())
		return err
	})
	assert.ErrorIs(t, err, repositories.ErrLockTimeout)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceRepository_DeadlockIsLockTimeout(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBalanceRepository(db, zap.NewNop())

	mock.ExpectExec("INSERT INTO ds_balances").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM ds_balances WHERE ds_id = \\$1 FOR UPDATE").
		WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})

	_, err := repo.LockOrCreate(context.Background(), "ds-1", "USD")
	assert.ErrorIs(t, err, repositories.ErrLockTimeout)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiptRepository_KindAndTimeRangeQueries(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReceiptRepository(db, zap.NewNop())
	ctx := context.Background()

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	cols := []string{"id", "sequence", "kind", "timestamp", "actor_id", "actor_kind", "resource_id", "resource_kind",
		"details_hash", "previous_hash", "receipt_hash", "merkle_proof", "merkle_batch_id"}
	row := func(seq int64) *sqlmock.Rows {
		return sqlmock.NewRows(cols).AddRow(uuid.NewString(), seq, "SETTLEMENT", from.Add(time.Hour), "settlement-service", "SYSTEM",
			uuid.NewString(), "settlement", "d", "p", "h", nil, nil)
	}

	mock.ExpectQuery("FROM audit_receipts\\s+WHERE kind = \\$1\\s+ORDER BY sequence DESC").
		WithArgs(models.ReceiptSettlement, 10, 5).
		WillReturnRows(row(9))
	mock.ExpectQuery("FROM audit_receipts\\s+WHERE timestamp BETWEEN \\$1 AND \\$2").
		WithArgs(from, to, nil, 0).
		WillReturnRows(row(4))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_receipts WHERE kind = $1 AND timestamp BETWEEN $2 AND $3")).
		WithArgs(models.ReceiptSettlement, from, to).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	byKind, err := repo.ListByKind(ctx, models.ReceiptSettlement, 10, 5)
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, int64(9), byKind[0].Sequence)

	inRange, err := repo.ListByTimeRange(ctx, from, to, 0, 0)
	require.NoError(t, err)
	require.Len(t, inRange, 1)
	assert.Nil(t, inRange[0].MerkleProof)

	n, err := repo.CountByKindInRange(ctx, models.ReceiptSettlement, from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepository_History(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSettlementRepository(db, zap.NewNop())
	ctx := context.Background()

	cols := []string{"id", "idempotency_key", "contract_id", "ds_id", "escrow_id", "amount", "currency", "receipt_id", "created_at"}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows(cols).
			AddRow(uuid.NewString(), "k-2", "c-1", "ds-1", uuid.NewString(), "25.5", "USD", uuid.NewString(), now).
			AddRow(uuid.NewString(), "k-1", "c-1", "ds-1", uuid.NewString(), "10", "USD", uuid.NewString(), now.Add(-time.Hour))
	}

	mock.ExpectQuery("FROM settlements\\s+WHERE ds_id = \\$1\\s+ORDER BY created_at DESC").
		WithArgs("ds-1", 20, 0).
		WillReturnRows(rows())
	mock.ExpectQuery("FROM settlements\\s+WHERE contract_id = \\$1").
		WithArgs("c-1", nil, 0).
		WillReturnRows(rows())

	byDS, err := repo.ListByDS(ctx, "ds-1", 20, 0)
	require.NoError(t, err)
	require.Len(t, byDS, 2)
	assert.Equal(t, "k-2", byDS[0].IdempotencyKey)
	assert.True(t, byDS[0].Amount.Equal(decimal.RequireFromString("25.5")))

	byContract, err := repo.ListByContract(ctx, "c-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, byContract, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContractRepository_ListByEscrow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewContractRepository(db, zap.NewNop())
	escrowID := uuid.New()

	cols := []string{"id", "status", "ds_id", "requester_id", "request_id", "escrow_id", "unit_price", "currency", "updated_at"}
	mock.ExpectQuery("FROM consent_contracts WHERE escrow_id = \\$1 ORDER BY id").
		WithArgs(escrowID).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("c-1", "ACTIVE", "ds-1", "req-1", "r-1", escrowID.String(), "1.5", "USD", time.Now()).
			AddRow("c-2", "REVOKED", "ds-2", "req-1", "r-1", escrowID.String(), "1.5", "USD", time.Now()))

	list, err := repo.ListByEscrow(context.Background(), escrowID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ds-2", list[1].DSID)
	assert.Equal(t, escrowID, list[0].EscrowID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
