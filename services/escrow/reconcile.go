package escrow

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/services"
	"go.uber.org/zap"
)

// Counters are the four cumulative escrow amounts
type Counters struct {
	Funded   decimal.Decimal `json:"funded"`
	Locked   decimal.Decimal `json:"locked"`
	Released decimal.Decimal `json:"released"`
	Refunded decimal.Decimal `json:"refunded"`
}

func (c Counters) equal(o Counters) bool {
	return c.Funded.Equal(o.Funded) &&
		c.Locked.Equal(o.Locked) &&
		c.Released.Equal(o.Released) &&
		c.Refunded.Equal(o.Refunded)
}

// ReconcileReport compares the stored counters with the journal
type ReconcileReport struct {
	EscrowID   uuid.UUID `json:"escrow_id"`
	Stored     Counters  `json:"stored"`
	Journal    Counters  `json:"journal"`
	Entries    int       `json:"entries"`
	Consistent bool      `json:"consistent"`
}

// Reconcile folds the journal entries that reference the escrow and compares
// them with its counters. A mismatch is an integrity violation.
func (s *Service) Reconcile(ctx context.Context, escrowID uuid.UUID) (*ReconcileReport, error) {
	e, err := s.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	entries, err := s.journal.ListByReference(ctx, e.ID.String())
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		EscrowID: e.ID,
		Stored: Counters{
			Funded:   e.FundedAmount,
			Locked:   e.LockedAmount,
			Released: e.ReleasedAmount,
			Refunded: e.RefundedAmount,
		},
		Journal: foldEntries(e.ID.String(), entries),
		Entries: len(entries),
	}
	report.Consistent = report.Stored.equal(report.Journal)
	if report.Consistent {
		return report, nil
	}

	s.logger.Error("escrow counters disagree with journal",
		zap.String("security_event", "escrow_mismatch"),
		zap.String("escrow_id", e.ID.String()),
		zap.String("stored_funded", e.FundedAmount.String()),
		zap.String("journal_funded", report.Journal.Funded.String()),
		zap.String("stored_released", e.ReleasedAmount.String()),
		zap.String("journal_released", report.Journal.Released.String()))
	return report, services.Derive(services.ErrEscrowMismatch, nil).WithDetail("escrow_id", e.ID.String())
}

func foldEntries(escrowID string, entries []*models.JournalEntry) Counters {
	escrowAcct := models.AccountLabel(models.AccountEscrow, escrowID)
	lockedAcct := models.AccountLabel(models.AccountEscrowLocked, escrowID)
	isRequester := func(acct string) bool { return strings.HasPrefix(acct, models.AccountRequesterFunds+":") }
	isDS := func(acct string) bool { return strings.HasPrefix(acct, models.AccountDSBalance+":") }

	c := Counters{Funded: decimal.Zero, Locked: decimal.Zero, Released: decimal.Zero, Refunded: decimal.Zero}
	for _, en := range entries {
		switch {
		case isRequester(en.DebitAccount) && en.CreditAccount == escrowAcct:
			c.Funded = c.Funded.Add(en.Amount)
		case en.DebitAccount == escrowAcct && en.CreditAccount == lockedAcct:
			c.Locked = c.Locked.Add(en.Amount)
		case en.DebitAccount == lockedAcct && isDS(en.CreditAccount):
			c.Locked = c.Locked.Sub(en.Amount)
			c.Released = c.Released.Add(en.Amount)
		case en.DebitAccount == escrowAcct && isRequester(en.CreditAccount):
			c.Refunded = c.Refunded.Add(en.Amount)
		case en.DebitAccount == lockedAcct && isRequester(en.CreditAccount):
			c.Locked = c.Locked.Sub(en.Amount)
			c.Refunded = c.Refunded.Add(en.Amount)
		}
	}
	return c
}
