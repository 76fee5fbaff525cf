// Package memory keeps every repository in process memory. It backs the
// single-node deployment and the service tests.
//
// Write transactions are serialized: Begin takes a store-wide writer lock
// that is held until Commit or Rollback. Each mutation made inside a
// transaction records an undo step, replayed in reverse on Rollback.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"go.uber.org/zap"
)

// ErrTxDone is returned when a finished transaction is committed again
var ErrTxDone = errors.New("transaction already finished")

// Store holds all tables
type Store struct {
	writer sync.Mutex
	mu     sync.RWMutex
	logger *zap.Logger

	receipts      []*models.AuditReceipt
	receiptByID   map[uuid.UUID]int
	receiptByHash map[string]int
	tail          models.LedgerTail

	batches     map[uuid.UUID]*models.MerkleBatch
	batchOrder  []uuid.UUID
	batchByRoot map[string]uuid.UUID

	escrows         map[uuid.UUID]*models.EscrowAccount
	escrowByRequest map[string]uuid.UUID

	journal      []*models.JournalEntry
	journalByKey map[string]int

	balances map[string]*models.DataSovereignBalance

	payouts     map[uuid.UUID]*models.PayoutInstruction
	payoutOrder []uuid.UUID
	payoutByKey map[string]uuid.UUID

	settlements     map[string]*models.Settlement
	settlementOrder []string
	contracts       map[string]*models.ConsentContract
}

// NewStore creates an empty store
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:          logger,
		receiptByID:     make(map[uuid.UUID]int),
		receiptByHash:   make(map[string]int),
		batches:         make(map[uuid.UUID]*models.MerkleBatch),
		batchByRoot:     make(map[string]uuid.UUID),
		escrows:         make(map[uuid.UUID]*models.EscrowAccount),
		escrowByRequest: make(map[string]uuid.UUID),
		journalByKey:    make(map[string]int),
		balances:        make(map[string]*models.DataSovereignBalance),
		payouts:         make(map[uuid.UUID]*models.PayoutInstruction),
		payoutByKey:     make(map[string]uuid.UUID),
		settlements:     make(map[string]*models.Settlement),
		contracts:       make(map[string]*models.ConsentContract),
	}
}

// Repositories wires every in-memory repository to this store
func (s *Store) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		Receipts:     &ReceiptRepository{s: s},
		Batches:      &MerkleBatchRepository{s: s},
		Escrows:      &EscrowRepository{s: s},
		Journal:      &JournalRepository{s: s},
		Balances:     &BalanceRepository{s: s},
		Payouts:      &PayoutRepository{s: s},
		Settlements:  &SettlementRepository{s: s},
		Contracts:    &ContractRepository{s: s},
		Transactions: &TransactionManager{s: s},
	}
}

// TransactionManager implements repositories.TransactionManager
type TransactionManager struct {
	s *Store
}

// NewTransactionManager creates a transaction manager for s
func NewTransactionManager(s *Store) *TransactionManager {
	return &TransactionManager{s: s}
}

// Begin waits for the writer lock and starts a transaction
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tm.s.writer.Lock()
	tx := &Transaction{s: tm.s}
	tx.ctx = repositories.ContextWithTransaction(ctx, tx)
	tm.s.logger.Debug("transaction started")
	return tx, nil
}

// InTransaction executes fn within a transaction
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := tm.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx.Context(), tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Transaction implements repositories.Transaction
type Transaction struct {
	s    *Store
	ctx  context.Context
	undo []func()
	done bool
}

// Commit releases the writer lock and keeps all changes
func (t *Transaction) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.undo = nil
	t.s.writer.Unlock()
	t.s.logger.Debug("transaction committed")
	return nil
}

// Rollback reverts every change made in the transaction
func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.s.mu.Unlock()
	t.undo = nil
	t.s.writer.Unlock()
	t.s.logger.Debug("transaction rolled back")
	return nil
}

// Context returns the context carrying this transaction
func (t *Transaction) Context() context.Context {
	return t.ctx
}

// write applies a mutation under the table lock. Inside a transaction of
// this store the undo step is recorded; outside one the writer lock is
// taken for the duration of the call.
func (s *Store) write(ctx context.Context, apply func() (undo func(), err error)) error {
	tx, ok := repositories.TransactionFromContext(ctx)
	mtx, mine := tx.(*Transaction)
	if !ok || !mine || mtx.s != s || mtx.done {
		s.writer.Lock()
		defer s.writer.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := apply()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	undo, err := apply()
	if err == nil && undo != nil {
		mtx.undo = append(mtx.undo, undo)
	}
	return err
}

func (s *Store) read(fn func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn()
}
