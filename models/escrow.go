package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EscrowStatus represents the state of an escrow account
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "PENDING"
	EscrowFunded   EscrowStatus = "FUNDED"
	EscrowLocked   EscrowStatus = "LOCKED"
	EscrowSettled  EscrowStatus = "SETTLED"
	EscrowRefunded EscrowStatus = "REFUNDED"
	EscrowDisputed EscrowStatus = "DISPUTED"
)

// EscrowAccount holds a requester's funds for one request
type EscrowAccount struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	RequesterID     string          `json:"requester_id" db:"requester_id"`
	RequestID       string          `json:"request_id" db:"request_id"`
	Currency        string          `json:"currency" db:"currency"`
	FundedAmount    decimal.Decimal `json:"funded_amount" db:"funded_amount"`
	LockedAmount    decimal.Decimal `json:"locked_amount" db:"locked_amount"`
	ReleasedAmount  decimal.Decimal `json:"released_amount" db:"released_amount"`
	RefundedAmount  decimal.Decimal `json:"refunded_amount" db:"refunded_amount"`
	Status          EscrowStatus    `json:"status" db:"status"`
	AnchorReference *string         `json:"anchor_reference,omitempty" db:"anchor_reference"`
	Version         int64           `json:"version" db:"version"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the EscrowAccount model
func (EscrowAccount) TableName() string {
	return "escrow_accounts"
}

// NewEscrowAccount creates an unfunded escrow
func NewEscrowAccount(requesterID, requestID, currency string) *EscrowAccount {
	now := Now()
	return &EscrowAccount{
		ID:             uuid.New(),
		RequesterID:    requesterID,
		RequestID:      requestID,
		Currency:       currency,
		FundedAmount:   decimal.Zero,
		LockedAmount:   decimal.Zero,
		ReleasedAmount: decimal.Zero,
		RefundedAmount: decimal.Zero,
		Status:         EscrowPending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Available is the canonical unencumbered balance: funded - locked - released - refunded
func (e *EscrowAccount) Available() decimal.Decimal {
	return e.FundedAmount.Sub(e.LockedAmount).Sub(e.ReleasedAmount).Sub(e.RefundedAmount)
}

// IsSufficientlyFunded is the delivery gate
func (e *EscrowAccount) IsSufficientlyFunded(required decimal.Decimal) bool {
	if e.Status != EscrowFunded && e.Status != EscrowLocked {
		return false
	}
	return e.Available().GreaterThanOrEqual(required)
}

// IsTerminal reports whether every funded unit has left the escrow
func (e *EscrowAccount) IsTerminal() bool {
	return e.Status == EscrowSettled || e.Status == EscrowRefunded
}

// SettleStatus moves the account to its terminal state once funded value has
// been fully released and/or refunded.
func (e *EscrowAccount) SettleStatus() {
	if !e.FundedAmount.IsPositive() {
		return
	}
	if !e.ReleasedAmount.Add(e.RefundedAmount).Equal(e.FundedAmount) {
		return
	}
	if e.ReleasedAmount.IsPositive() {
		e.Status = EscrowSettled
	} else {
		e.Status = EscrowRefunded
	}
}

// Touch bumps the version and modification time
func (e *EscrowAccount) Touch() {
	e.Version++
	e.UpdatedAt = Now()
}
