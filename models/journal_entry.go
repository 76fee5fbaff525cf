package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account label prefixes used by the double-entry journal
const (
	AccountRequesterFunds = "REQUESTER_FUNDS"
	AccountEscrow         = "ESCROW"
	AccountEscrowLocked   = "ESCROW_LOCKED"
	AccountDSBalance      = "DS_BALANCE"
	AccountDSPending      = "DS_PENDING"
	AccountPayoutRail     = "PAYOUT_RAIL"
)

// AccountLabel builds a journal account label such as "ESCROW:<id>"
func AccountLabel(prefix, id string) string {
	return fmt.Sprintf("%s:%s", prefix, id)
}

// JournalEntry is one matched debit/credit movement. Entries are never updated.
type JournalEntry struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	DebitAccount   string          `json:"debit_account" db:"debit_account"`
	CreditAccount  string          `json:"credit_account" db:"credit_account"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	Memo           string          `json:"memo" db:"memo"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	ReferenceID    string          `json:"reference_id" db:"reference_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the JournalEntry model
func (JournalEntry) TableName() string {
	return "journal_entries"
}

// SamePosting reports whether o describes the same movement as e, ignoring id and time
func (e *JournalEntry) SamePosting(o *JournalEntry) bool {
	return e.DebitAccount == o.DebitAccount &&
		e.CreditAccount == o.CreditAccount &&
		e.Amount.Equal(o.Amount) &&
		e.Currency == o.Currency
}

// AccountBalance is the signed net of one journal account: credits minus debits
type AccountBalance struct {
	Account  string          `json:"account"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}
