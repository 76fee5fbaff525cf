package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/consent-ledger/config"
	"go.uber.org/zap"
)

// DB is the postgres pool shared by every repository
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB opens the pool and pings it before returning
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// NewDBFromConn wraps an already opened pool
func NewDBFromConn(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck backs the database entry of /readyz
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// schema creates every table. ledger_tail holds a single row that append
// transactions lock to serialize the hash chain.
const schema = `
	CREATE TABLE IF NOT EXISTS audit_receipts (
		id UUID PRIMARY KEY,
		sequence BIGINT NOT NULL UNIQUE,
		kind VARCHAR(50) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		actor_id VARCHAR(255) NOT NULL,
		actor_kind VARCHAR(20) NOT NULL,
		resource_id VARCHAR(255) NOT NULL,
		resource_kind VARCHAR(100) NOT NULL,
		details_hash VARCHAR(64) NOT NULL,
		previous_hash VARCHAR(64) NOT NULL,
		receipt_hash VARCHAR(64) NOT NULL UNIQUE,
		merkle_proof JSONB,
		merkle_batch_id UUID
	);

	CREATE TABLE IF NOT EXISTS ledger_tail (
		id SMALLINT PRIMARY KEY CHECK (id = 1),
		last_hash VARCHAR(64) NOT NULL,
		last_sequence BIGINT NOT NULL,
		last_timestamp TIMESTAMPTZ
	);
	INSERT INTO ledger_tail (id, last_hash, last_sequence) VALUES (1, 'GENESIS', 0)
		ON CONFLICT (id) DO NOTHING;

	CREATE TABLE IF NOT EXISTS merkle_batches (
		id UUID PRIMARY KEY,
		root VARCHAR(64) NOT NULL UNIQUE,
		leaf_count INTEGER NOT NULL,
		first_sequence BIGINT NOT NULL,
		last_sequence BIGINT NOT NULL,
		metadata_hash VARCHAR(64) NOT NULL,
		anchor_id TEXT,
		anchor_status VARCHAR(20) NOT NULL,
		anchor_error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		anchored_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS escrow_accounts (
		id UUID PRIMARY KEY,
		requester_id VARCHAR(255) NOT NULL,
		request_id VARCHAR(255) NOT NULL UNIQUE,
		currency VARCHAR(10) NOT NULL,
		funded_amount NUMERIC(20, 4) NOT NULL DEFAULT 0,
		locked_amount NUMERIC(20, 4) NOT NULL DEFAULT 0,
		released_amount NUMERIC(20, 4) NOT NULL DEFAULT 0,
		refunded_amount NUMERIC(20, 4) NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL,
		anchor_reference TEXT,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (funded_amount - locked_amount - released_amount - refunded_amount >= 0)
	);

	CREATE TABLE IF NOT EXISTS journal_entries (
		id UUID PRIMARY KEY,
		debit_account VARCHAR(255) NOT NULL,
		credit_account VARCHAR(255) NOT NULL,
		amount NUMERIC(20, 4) NOT NULL CHECK (amount > 0),
		currency VARCHAR(10) NOT NULL,
		memo TEXT NOT NULL DEFAULT '',
		idempotency_key VARCHAR(255) NOT NULL UNIQUE,
		reference_id VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ds_balances (
		ds_id VARCHAR(255) PRIMARY KEY,
		currency VARCHAR(10) NOT NULL,
		available NUMERIC(20, 4) NOT NULL DEFAULT 0,
		pending NUMERIC(20, 4) NOT NULL DEFAULT 0,
		total_earned NUMERIC(20, 4) NOT NULL DEFAULT 0,
		total_paid_out NUMERIC(20, 4) NOT NULL DEFAULT 0,
		last_settlement_at TIMESTAMPTZ,
		last_payout_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payout_instructions (
		id UUID PRIMARY KEY,
		ds_id VARCHAR(255) NOT NULL,
		amount NUMERIC(20, 4) NOT NULL,
		currency VARCHAR(10) NOT NULL,
		method VARCHAR(30) NOT NULL,
		destination_hash VARCHAR(128) NOT NULL,
		status VARCHAR(20) NOT NULL,
		idempotency_key VARCHAR(255) NOT NULL UNIQUE,
		external_reference TEXT,
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		processing_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settlements (
		id UUID PRIMARY KEY,
		idempotency_key VARCHAR(255) NOT NULL UNIQUE,
		contract_id VARCHAR(255) NOT NULL,
		ds_id VARCHAR(255) NOT NULL,
		escrow_id UUID NOT NULL REFERENCES escrow_accounts(id),
		amount NUMERIC(20, 4) NOT NULL,
		currency VARCHAR(10) NOT NULL,
		receipt_id UUID NOT NULL REFERENCES audit_receipts(id),
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS consent_contracts (
		id VARCHAR(255) PRIMARY KEY,
		status VARCHAR(20) NOT NULL,
		ds_id VARCHAR(255) NOT NULL,
		requester_id VARCHAR(255) NOT NULL,
		request_id VARCHAR(255) NOT NULL,
		escrow_id UUID NOT NULL,
		unit_price NUMERIC(20, 4) NOT NULL,
		currency VARCHAR(10) NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_receipts_resource ON audit_receipts(resource_kind, resource_id, sequence DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_receipts_actor ON audit_receipts(actor_id, sequence DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_receipts_unbatched ON audit_receipts(sequence) WHERE merkle_proof IS NULL;
	CREATE INDEX IF NOT EXISTS idx_audit_receipts_kind ON audit_receipts(kind, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_receipts_timestamp ON audit_receipts(timestamp);

	CREATE INDEX IF NOT EXISTS idx_merkle_batches_status ON merkle_batches(anchor_status, created_at);

	CREATE INDEX IF NOT EXISTS idx_journal_entries_reference ON journal_entries(reference_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_journal_entries_debit ON journal_entries(debit_account);
	CREATE INDEX IF NOT EXISTS idx_journal_entries_credit ON journal_entries(credit_account);

	CREATE INDEX IF NOT EXISTS idx_payout_instructions_ds ON payout_instructions(ds_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_payout_instructions_processing ON payout_instructions(processing_at) WHERE status = 'PROCESSING';

	CREATE INDEX IF NOT EXISTS idx_settlements_ds ON settlements(ds_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_settlements_contract ON settlements(contract_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_consent_contracts_escrow ON consent_contracts(escrow_id);
`

// InitSchema creates the ledger tables when they do not exist
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
