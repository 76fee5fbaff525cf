package postgres

import (
	"time"

	"github.com/upb/consent-ledger/config"
	"github.com/upb/consent-ledger/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db          *DB
	logger      *zap.Logger
	lockTimeout time.Duration
}

// NewRepositoryFactory opens the pool and creates a factory over it
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	return &RepositoryFactory{db: db, logger: logger, lockTimeout: cfg.Database.LockTimeout}, nil
}

// NewRepositoryFactoryFromDB creates a factory over an existing pool
func NewRepositoryFactoryFromDB(db *DB, logger *zap.Logger) *RepositoryFactory {
	return &RepositoryFactory{db: db, logger: logger}
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Receipts:     NewReceiptRepository(f.db, f.logger),
		Batches:      NewMerkleBatchRepository(f.db, f.logger),
		Escrows:      NewEscrowRepository(f.db, f.logger),
		Journal:      NewJournalRepository(f.db, f.logger),
		Balances:     NewBalanceRepository(f.db, f.logger),
		Payouts:      NewPayoutRepository(f.db, f.logger),
		Settlements:  NewSettlementRepository(f.db, f.logger),
		Contracts:    NewContractRepository(f.db, f.logger),
		Transactions: NewTransactionManagerWithLockTimeout(f.db, f.logger, f.lockTimeout),
	}
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}
