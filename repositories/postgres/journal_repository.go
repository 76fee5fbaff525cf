package postgres

import (
	"context"
	"fmt"

	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"go.uber.org/zap"
)

const journalColumns = `id, debit_account, credit_account, amount, currency, memo, idempotency_key, reference_id, created_at`

// JournalRepository implements the repositories.JournalRepository interface
type JournalRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewJournalRepository creates a new journal repository
func NewJournalRepository(db *DB, logger *zap.Logger) repositories.JournalRepository {
	return &JournalRepository{db: db, logger: logger}
}

// Insert appends an entry
func (r *JournalRepository) Insert(ctx context.Context, entry *models.JournalEntry) error {
	query := `INSERT INTO journal_entries (` + journalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		entry.ID,
		entry.DebitAccount,
		entry.CreditAccount,
		entry.Amount,
		entry.Currency,
		entry.Memo,
		entry.IdempotencyKey,
		entry.ReferenceID,
		entry.CreatedAt,
	)
	if err != nil {
		return mapError("insert journal entry", err)
	}

	r.logger.Debug("journal entry inserted",
		zap.String("debit", entry.DebitAccount),
		zap.String("credit", entry.CreditAccount),
		zap.String("amount", entry.Amount.String()))
	return nil
}

// GetByIdempotencyKey retrieves the entry posted under key
func (r *JournalRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.JournalEntry, error) {
	query := `SELECT ` + journalColumns + ` FROM journal_entries WHERE idempotency_key = $1`
	e, err := scanEntry(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, key))
	if err != nil {
		return nil, mapError("get journal entry", err)
	}
	return e, nil
}

// ListByReference retrieves entries for one reference in posting order
func (r *JournalRepository) ListByReference(ctx context.Context, referenceID string) ([]*models.JournalEntry, error) {
	query := `SELECT ` + journalColumns + `
		FROM journal_entries
		WHERE reference_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, referenceID)
	if err != nil {
		return nil, mapError("list journal entries", err)
	}
	defer rows.Close()

	var entries []*models.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}
	return entries, nil
}

// AccountBalances nets credits minus debits per account and currency
func (r *JournalRepository) AccountBalances(ctx context.Context) ([]models.AccountBalance, error) {
	query := `
		SELECT account, currency, SUM(delta) AS balance
		FROM (
			SELECT credit_account AS account, currency, amount AS delta FROM journal_entries
			UNION ALL
			SELECT debit_account AS account, currency, -amount AS delta FROM journal_entries
		) moves
		GROUP BY account, currency
		ORDER BY account, currency`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		return nil, mapError("sum journal accounts", err)
	}
	defer rows.Close()

	var balances []models.AccountBalance
	for rows.Next() {
		var b models.AccountBalance
		if err := rows.Scan(&b.Account, &b.Currency, &b.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan account balance: %w", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account balances: %w", err)
	}
	return balances, nil
}

func scanEntry(row rowScanner) (*models.JournalEntry, error) {
	var e models.JournalEntry
	err := row.Scan(
		&e.ID,
		&e.DebitAccount,
		&e.CreditAccount,
		&e.Amount,
		&e.Currency,
		&e.Memo,
		&e.IdempotencyKey,
		&e.ReferenceID,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
