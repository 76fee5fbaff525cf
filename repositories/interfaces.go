package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
)

var (
	// ErrNotFound is wrapped by every repository lookup that finds no row
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is wrapped when a unique constraint rejects an insert
	ErrDuplicate = errors.New("duplicate record")

	// ErrLockTimeout is wrapped when a row lock was not granted in time
	ErrLockTimeout = errors.New("lock wait timed out")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction. The returned transaction's Context
	// carries it, so repositories called with that context join it.
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

type transactionContextKey struct{}

// ContextWithTransaction returns a copy of ctx carrying tx
func ContextWithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, transactionContextKey{}, tx)
}

// TransactionFromContext retrieves a transaction from the context if available
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(transactionContextKey{}).(Transaction)
	return tx, ok
}

// ReceiptRepository handles audit receipt storage. Receipts are append-only.
type ReceiptRepository interface {
	// LockTail reads the chain tail and holds it exclusively until the transaction ends
	LockTail(ctx context.Context) (models.LedgerTail, error)

	// Append inserts the receipt and advances the tail to it
	Append(ctx context.Context, receipt *models.AuditReceipt) error

	// GetByID retrieves a receipt by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditReceipt, error)

	// GetByHash retrieves the receipt whose receipt hash equals hash
	GetByHash(ctx context.Context, hash string) (*models.AuditReceipt, error)

	// ListFromSequence retrieves receipts in chain order starting at fromSeq
	ListFromSequence(ctx context.Context, fromSeq int64, limit int) ([]*models.AuditReceipt, error)

	// ListUnbatched retrieves receipts without a Merkle proof in chain order
	ListUnbatched(ctx context.Context, limit int) ([]*models.AuditReceipt, error)

	// ListByResource retrieves receipts about one resource, newest first
	ListByResource(ctx context.Context, resourceKind, resourceID string, limit, offset int) ([]*models.AuditReceipt, error)

	// ListByActor retrieves receipts produced by one actor, newest first
	ListByActor(ctx context.Context, actorID string, limit, offset int) ([]*models.AuditReceipt, error)

	// ListByKind retrieves receipts of one kind, newest first
	ListByKind(ctx context.Context, kind models.ReceiptKind, limit, offset int) ([]*models.AuditReceipt, error)

	// ListByTimeRange retrieves receipts with from <= timestamp <= to, newest first
	ListByTimeRange(ctx context.Context, from, to time.Time, limit, offset int) ([]*models.AuditReceipt, error)

	// CountByKindInRange counts receipts of one kind with from <= timestamp <= to
	CountByKindInRange(ctx context.Context, kind models.ReceiptKind, from, to time.Time) (int64, error)

	// AttachProof stores a proof on a receipt that has none.
	// Returns false when the receipt was already proofed.
	AttachProof(ctx context.Context, id uuid.UUID, batchID uuid.UUID, proof *models.MerkleProof) (bool, error)
}

// MerkleBatchRepository handles Merkle batch headers
type MerkleBatchRepository interface {
	// Create inserts a new batch header
	Create(ctx context.Context, batch *models.MerkleBatch) error

	// GetByID retrieves a batch by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.MerkleBatch, error)

	// GetByRoot retrieves the batch with the given root
	GetByRoot(ctx context.Context, root string) (*models.MerkleBatch, error)

	// ListByStatus retrieves batches in an anchor status, oldest first
	ListByStatus(ctx context.Context, status models.AnchorStatus, limit int) ([]*models.MerkleBatch, error)

	// UpdateAnchor persists the anchor outcome of a batch
	UpdateAnchor(ctx context.Context, batch *models.MerkleBatch) error
}

// EscrowRepository handles escrow account data operations
type EscrowRepository interface {
	// Create creates a new escrow; wraps ErrDuplicate when the request already has one
	Create(ctx context.Context, escrow *models.EscrowAccount) error

	// GetByID retrieves an escrow by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error)

	// GetByIDForUpdate retrieves an escrow and locks its row until the transaction ends
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error)

	// GetByRequestID retrieves the escrow of a request
	GetByRequestID(ctx context.Context, requestID string) (*models.EscrowAccount, error)

	// Update writes the counters, status and anchor reference of an escrow
	Update(ctx context.Context, escrow *models.EscrowAccount) error
}

// JournalRepository handles the append-only double-entry journal
type JournalRepository interface {
	// Insert appends an entry; wraps ErrDuplicate on a reused idempotency key
	Insert(ctx context.Context, entry *models.JournalEntry) error

	// GetByIdempotencyKey retrieves the entry posted under key
	GetByIdempotencyKey(ctx context.Context, key string) (*models.JournalEntry, error)

	// ListByReference retrieves entries for one escrow or payout in posting order
	ListByReference(ctx context.Context, referenceID string) ([]*models.JournalEntry, error)

	// AccountBalances returns credits minus debits per account and currency
	AccountBalances(ctx context.Context) ([]models.AccountBalance, error)
}

// BalanceRepository handles data sovereign balance rows
type BalanceRepository interface {
	// Get retrieves the balance of a data sovereign
	Get(ctx context.Context, dsID string) (*models.DataSovereignBalance, error)

	// LockOrCreate retrieves and locks the balance row, creating an empty one first if needed
	LockOrCreate(ctx context.Context, dsID, currency string) (*models.DataSovereignBalance, error)

	// Update writes the balance counters
	Update(ctx context.Context, balance *models.DataSovereignBalance) error
}

// PayoutRepository handles payout instructions
type PayoutRepository interface {
	// Create inserts a new instruction; wraps ErrDuplicate on a reused idempotency key
	Create(ctx context.Context, payout *models.PayoutInstruction) error

	// GetByID retrieves an instruction by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutInstruction, error)

	// GetByIDForUpdate retrieves an instruction and locks it until the transaction ends
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.PayoutInstruction, error)

	// GetByIdempotencyKey retrieves the instruction created under key
	GetByIdempotencyKey(ctx context.Context, key string) (*models.PayoutInstruction, error)

	// Update writes status and timestamps of an instruction
	Update(ctx context.Context, payout *models.PayoutInstruction) error

	// ListByDS retrieves instructions of a data sovereign, newest first
	ListByDS(ctx context.Context, dsID string, limit, offset int) ([]*models.PayoutInstruction, error)

	// WindowStats counts and sums the non-failed, non-cancelled instructions created since
	WindowStats(ctx context.Context, dsID string, since time.Time) (int, decimal.Decimal, error)

	// ListStuck retrieves PROCESSING instructions that started before cutoff
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*models.PayoutInstruction, error)
}

// SettlementRepository stores applied settlements for idempotent replay
type SettlementRepository interface {
	// Create inserts a settlement; wraps ErrDuplicate on a reused idempotency key
	Create(ctx context.Context, settlement *models.Settlement) error

	// GetByIdempotencyKey retrieves the settlement applied under key
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Settlement, error)

	// ListByDS retrieves settlements credited to a data sovereign, newest first
	ListByDS(ctx context.Context, dsID string, limit, offset int) ([]*models.Settlement, error)

	// ListByContract retrieves settlements applied under a contract, newest first
	ListByContract(ctx context.Context, contractID string, limit, offset int) ([]*models.Settlement, error)
}

// ContractRepository is the read path into consent contracts
type ContractRepository interface {
	// GetByID retrieves a contract by ID
	GetByID(ctx context.Context, id string) (*models.ConsentContract, error)

	// Upsert stores the latest known state of a contract
	Upsert(ctx context.Context, contract *models.ConsentContract) error

	// ListByEscrow retrieves the contracts paid from an escrow
	ListByEscrow(ctx context.Context, escrowID uuid.UUID) ([]*models.ConsentContract, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Receipts     ReceiptRepository
	Batches      MerkleBatchRepository
	Escrows      EscrowRepository
	Journal      JournalRepository
	Balances     BalanceRepository
	Payouts      PayoutRepository
	Settlements  SettlementRepository
	Contracts    ContractRepository
	Transactions TransactionManager
}
