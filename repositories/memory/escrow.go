package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
)

// EscrowRepository implements repositories.EscrowRepository
type EscrowRepository struct {
	s *Store
}

func cloneEscrow(e *models.EscrowAccount) *models.EscrowAccount {
	c := *e
	return &c
}

// Create stores a new escrow; one per request
func (r *EscrowRepository) Create(ctx context.Context, escrow *models.EscrowAccount) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.escrowByRequest[escrow.RequestID]; ok {
			return nil, fmt.Errorf("escrow for request %s: %w", escrow.RequestID, repositories.ErrDuplicate)
		}
		if _, ok := r.s.escrows[escrow.ID]; ok {
			return nil, fmt.Errorf("escrow %s: %w", escrow.ID, repositories.ErrDuplicate)
		}
		r.s.escrows[escrow.ID] = cloneEscrow(escrow)
		r.s.escrowByRequest[escrow.RequestID] = escrow.ID
		return func() {
			delete(r.s.escrows, escrow.ID)
			delete(r.s.escrowByRequest, escrow.RequestID)
		}, nil
	})
}

// GetByID retrieves an escrow by ID
func (r *EscrowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error) {
	var out *models.EscrowAccount
	r.s.read(func() {
		if e, ok := r.s.escrows[id]; ok {
			out = cloneEscrow(e)
		}
	})
	if out == nil {
		return nil, fmt.Errorf("escrow %s: %w", id, repositories.ErrNotFound)
	}
	return out, nil
}

// GetByIDForUpdate is GetByID; the transaction's writer lock makes the row exclusive
func (r *EscrowRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error) {
	return r.GetByID(ctx, id)
}

// GetByRequestID retrieves the escrow of a request
func (r *EscrowRepository) GetByRequestID(ctx context.Context, requestID string) (*models.EscrowAccount, error) {
	var out *models.EscrowAccount
	r.s.read(func() {
		if id, ok := r.s.escrowByRequest[requestID]; ok {
			out = cloneEscrow(r.s.escrows[id])
		}
	})
	if out == nil {
		return nil, fmt.Errorf("escrow for request %s: %w", requestID, repositories.ErrNotFound)
	}
	return out, nil
}

// Update replaces the stored escrow state
func (r *EscrowRepository) Update(ctx context.Context, escrow *models.EscrowAccount) error {
	return r.s.write(ctx, func() (func(), error) {
		cur, ok := r.s.escrows[escrow.ID]
		if !ok {
			return nil, fmt.Errorf("escrow %s: %w", escrow.ID, repositories.ErrNotFound)
		}
		r.s.escrows[escrow.ID] = cloneEscrow(escrow)
		return func() { r.s.escrows[escrow.ID] = cur }, nil
	})
}

// JournalRepository implements repositories.JournalRepository
type JournalRepository struct {
	s *Store
}

func cloneEntry(e *models.JournalEntry) *models.JournalEntry {
	c := *e
	return &c
}

// Insert appends an entry
func (r *JournalRepository) Insert(ctx context.Context, entry *models.JournalEntry) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.journalByKey[entry.IdempotencyKey]; ok {
			return nil, fmt.Errorf("journal key %s: %w", entry.IdempotencyKey, repositories.ErrDuplicate)
		}
		n := len(r.s.journal)
		r.s.journal = append(r.s.journal, cloneEntry(entry))
		r.s.journalByKey[entry.IdempotencyKey] = n
		return func() {
			r.s.journal = r.s.journal[:n]
			delete(r.s.journalByKey, entry.IdempotencyKey)
		}, nil
	})
}

// GetByIdempotencyKey retrieves the entry posted under key
func (r *JournalRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.JournalEntry, error) {
	var out *models.JournalEntry
	r.s.read(func() {
		if idx, ok := r.s.journalByKey[key]; ok {
			out = cloneEntry(r.s.journal[idx])
		}
	})
	if out == nil {
		return nil, fmt.Errorf("journal key %s: %w", key, repositories.ErrNotFound)
	}
	return out, nil
}

// ListByReference retrieves entries for one reference in posting order
func (r *JournalRepository) ListByReference(ctx context.Context, referenceID string) ([]*models.JournalEntry, error) {
	var out []*models.JournalEntry
	r.s.read(func() {
		for _, e := range r.s.journal {
			if e.ReferenceID == referenceID {
				out = append(out, cloneEntry(e))
			}
		}
	})
	return out, nil
}

// AccountBalances nets credits minus debits per account and currency
func (r *JournalRepository) AccountBalances(ctx context.Context) ([]models.AccountBalance, error) {
	type key struct{ account, currency string }
	sums := make(map[key]decimal.Decimal)
	r.s.read(func() {
		for _, e := range r.s.journal {
			dk := key{e.DebitAccount, e.Currency}
			ck := key{e.CreditAccount, e.Currency}
			sums[dk] = sums[dk].Sub(e.Amount)
			sums[ck] = sums[ck].Add(e.Amount)
		}
	})

	out := make([]models.AccountBalance, 0, len(sums))
	for k, v := range sums {
		out = append(out, models.AccountBalance{Account: k.account, Currency: k.currency, Balance: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}
