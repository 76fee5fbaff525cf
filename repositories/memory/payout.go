package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
)

// BalanceRepository implements repositories.BalanceRepository
type BalanceRepository struct {
	s *Store
}

func cloneBalance(b *models.DataSovereignBalance) *models.DataSovereignBalance {
	c := *b
	return &c
}

// Get retrieves the balance of a data sovereign
func (r *BalanceRepository) Get(ctx context.Context, dsID string) (*models.DataSovereignBalance, error) {
	var out *models.DataSovereignBalance
	r.s.read(func() {
		if b, ok := r.s.balances[dsID]; ok {
			out = cloneBalance(b)
		}
	})
	if out == nil {
		return nil, fmt.Errorf("balance %s: %w", dsID, repositories.ErrNotFound)
	}
	return out, nil
}

// LockOrCreate returns the balance row, inserting an empty one first if needed
func (r *BalanceRepository) LockOrCreate(ctx context.Context, dsID, currency string) (*models.DataSovereignBalance, error) {
	var out *models.DataSovereignBalance
	err := r.s.write(ctx, func() (func(), error) {
		if b, ok := r.s.balances[dsID]; ok {
			out = cloneBalance(b)
			return nil, nil
		}
		b := models.NewDataSovereignBalance(dsID, currency)
		r.s.balances[dsID] = b
		out = cloneBalance(b)
		return func() { delete(r.s.balances, dsID) }, nil
	})
	return out, err
}

// Update replaces the stored balance
func (r *BalanceRepository) Update(ctx context.Context, balance *models.DataSovereignBalance) error {
	return r.s.write(ctx, func() (func(), error) {
		cur, ok := r.s.balances[balance.DSID]
		if !ok {
			return nil, fmt.Errorf("balance %s: %w", balance.DSID, repositories.ErrNotFound)
		}
		r.s.balances[balance.DSID] = cloneBalance(balance)
		return func() { r.s.balances[balance.DSID] = cur }, nil
	})
}

// PayoutRepository implements repositories.PayoutRepository
type PayoutRepository struct {
	s *Store
}

func clonePayout(p *models.PayoutInstruction) *models.PayoutInstruction {
	c := *p
	return &c
}

// Create inserts an instruction
func (r *PayoutRepository) Create(ctx context.Context, payout *models.PayoutInstruction) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.payoutByKey[payout.IdempotencyKey]; ok {
			return nil, fmt.Errorf("payout key %s: %w", payout.IdempotencyKey, repositories.ErrDuplicate)
		}
		r.s.payouts[payout.ID] = clonePayout(payout)
		r.s.payoutByKey[payout.IdempotencyKey] = payout.ID
		r.s.payoutOrder = append(r.s.payoutOrder, payout.ID)
		n := len(r.s.payoutOrder) - 1
		return func() {
			delete(r.s.payouts, payout.ID)
			delete(r.s.payoutByKey, payout.IdempotencyKey)
			r.s.payoutOrder = r.s.payoutOrder[:n]
		}, nil
	})
}

// GetByID retrieves an instruction by ID
func (r *PayoutRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutInstruction, error) {
	var out *models.PayoutInstruction
	r.s.read(func() {
		if p, ok := r.s.payouts[id]; ok {
			out = clonePayout(p)
		}
	})
	if out == nil {
		return nil, fmt.Errorf("payout %s: %w", id, repositories.ErrNotFound)
	}
	return out, nil
}

// GetByIDForUpdate is GetByID; the transaction's writer lock makes the row exclusive
func (r *PayoutRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.PayoutInstruction, error) {
	return r.GetByID(ctx, id)
}

// GetByIdempotencyKey retrieves the instruction created under key
func (r *PayoutRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.PayoutInstruction, error) {
	var out *models.PayoutInstruction
	r.s.read(func() {
		if id, ok := r.s.payoutByKey[key]; ok {
			out = clonePayout(r.s.payouts[id])
		}
	})
	if out == nil {
		return nil, fmt.Errorf("payout key %s: %w", key, repositories.ErrNotFound)
	}
	return out, nil
}

// Update replaces the stored instruction
func (r *PayoutRepository) Update(ctx context.Context, payout *models.PayoutInstruction) error {
	return r.s.write(ctx, func() (func(), error) {
		cur, ok := r.s.payouts[payout.ID]
		if !ok {
			return nil, fmt.Errorf("payout %s: %w", payout.ID, repositories.ErrNotFound)
		}
		r.s.payouts[payout.ID] = clonePayout(payout)
		return func() { r.s.payouts[payout.ID] = cur }, nil
	})
}

// ListByDS retrieves instructions of a data sovereign, newest first
func (r *PayoutRepository) ListByDS(ctx context.Context, dsID string, limit, offset int) ([]*models.PayoutInstruction, error) {
	var out []*models.PayoutInstruction
	skipped := 0
	r.s.read(func() {
		for i := len(r.s.payoutOrder) - 1; i >= 0; i-- {
			p := r.s.payouts[r.s.payoutOrder[i]]
			if p.DSID != dsID {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, clonePayout(p))
		}
	})
	return out, nil
}

// WindowStats counts and sums live instructions created at or after since
func (r *PayoutRepository) WindowStats(ctx context.Context, dsID string, since time.Time) (int, decimal.Decimal, error) {
	count := 0
	total := decimal.Zero
	r.s.read(func() {
		for _, p := range r.s.payouts {
			if p.DSID != dsID || p.CreatedAt.Before(since) {
				continue
			}
			if p.Status == models.PayoutFailed || p.Status == models.PayoutCancelled {
				continue
			}
			count++
			total = total.Add(p.Amount)
		}
	})
	return count, total, nil
}

// ListStuck retrieves PROCESSING instructions that started before cutoff
func (r *PayoutRepository) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*models.PayoutInstruction, error) {
	var out []*models.PayoutInstruction
	r.s.read(func() {
		for _, id := range r.s.payoutOrder {
			if limit > 0 && len(out) >= limit {
				break
			}
			p := r.s.payouts[id]
			if p.Status != models.PayoutProcessing || p.ProcessingAt == nil {
				continue
			}
			if p.ProcessingAt.Before(cutoff) {
				out = append(out, clonePayout(p))
			}
		}
	})
	return out, nil
}

// SettlementRepository implements repositories.SettlementRepository
type SettlementRepository struct {
	s *Store
}

// Create stores a settlement
func (r *SettlementRepository) Create(ctx context.Context, settlement *models.Settlement) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.settlements[settlement.IdempotencyKey]; ok {
			return nil, fmt.Errorf("settlement key %s: %w", settlement.IdempotencyKey, repositories.ErrDuplicate)
		}
		c := *settlement
		r.s.settlements[settlement.IdempotencyKey] = &c
		r.s.settlementOrder = append(r.s.settlementOrder, settlement.IdempotencyKey)
		n := len(r.s.settlementOrder) - 1
		return func() {
			delete(r.s.settlements, settlement.IdempotencyKey)
			r.s.settlementOrder = r.s.settlementOrder[:n]
		}, nil
	})
}

// ListByDS returns settlements credited to dsID, newest first
func (r *SettlementRepository) ListByDS(ctx context.Context, dsID string, limit, offset int) ([]*models.Settlement, error) {
	return r.listNewestFirst(func(st *models.Settlement) bool { return st.DSID == dsID }, limit, offset), nil
}

// ListByContract returns settlements applied under contractID, newest first
func (r *SettlementRepository) ListByContract(ctx context.Context, contractID string, limit, offset int) ([]*models.Settlement, error) {
	return r.listNewestFirst(func(st *models.Settlement) bool { return st.ContractID == contractID }, limit, offset), nil
}

func (r *SettlementRepository) listNewestFirst(match func(*models.Settlement) bool, limit, offset int) []*models.Settlement {
	var out []*models.Settlement
	skipped := 0
	r.s.read(func() {
		for i := len(r.s.settlementOrder) - 1; i >= 0; i-- {
			st := r.s.settlements[r.s.settlementOrder[i]]
			if !match(st) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			c := *st
			out = append(out, &c)
		}
	})
	return out
}

// GetByIdempotencyKey retrieves the settlement applied under key
func (r *SettlementRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Settlement, error) {
	var out *models.Settlement
	r.s.read(func() {
		if st, ok := r.s.settlements[key]; ok {
			c := *st
			out = &c
		}
	})
	if out == nil {
		return nil, fmt.Errorf("settlement key %s: %w", key, repositories.ErrNotFound)
	}
	return out, nil
}

// ContractRepository implements repositories.ContractRepository
type ContractRepository struct {
	s *Store
}

// GetByID retrieves a contract by ID
func (r *ContractRepository) GetByID(ctx context.Context, id string) (*models.ConsentContract, error) {
	var out *models.ConsentContract
	r.s.read(func() {
		if c, ok := r.s.contracts[id]; ok {
			cc := *c
			out = &cc
		}
	})
	if out == nil {
		return nil, fmt.Errorf("contract %s: %w", id, repositories.ErrNotFound)
	}
	return out, nil
}

// Upsert stores the latest state of a contract
func (r *ContractRepository) Upsert(ctx context.Context, contract *models.ConsentContract) error {
	return r.s.write(ctx, func() (func(), error) {
		prev, existed := r.s.contracts[contract.ID]
		c := *contract
		r.s.contracts[contract.ID] = &c
		return func() {
			if existed {
				r.s.contracts[contract.ID] = prev
			} else {
				delete(r.s.contracts, contract.ID)
			}
		}, nil
	})
}

// ListByEscrow returns the contracts paid from escrowID ordered by contract ID
func (r *ContractRepository) ListByEscrow(ctx context.Context, escrowID uuid.UUID) ([]*models.ConsentContract, error) {
	var out []*models.ConsentContract
	r.s.read(func() {
		for _, c := range r.s.contracts {
			if c.EscrowID == escrowID {
				cc := *c
				out = append(out, &cc)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
