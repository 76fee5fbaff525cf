package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutMethod is the external rail a payout is sent through
type PayoutMethod string

const (
	PayoutBankTransfer  PayoutMethod = "BANK_TRANSFER"
	PayoutMobileMoney   PayoutMethod = "MOBILE_MONEY"
	PayoutCrypto        PayoutMethod = "CRYPTO"
	PayoutLocalProvider PayoutMethod = "LOCAL_PROVIDER"
)

// PayoutMethods lists every supported method
var PayoutMethods = []PayoutMethod{PayoutBankTransfer, PayoutMobileMoney, PayoutCrypto, PayoutLocalProvider}

// Valid reports whether m is a supported method
func (m PayoutMethod) Valid() bool {
	switch m {
	case PayoutBankTransfer, PayoutMobileMoney, PayoutCrypto, PayoutLocalProvider:
		return true
	}
	return false
}

// PayoutStatus represents the lifecycle of a payout instruction
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutCompleted  PayoutStatus = "COMPLETED"
	PayoutFailed     PayoutStatus = "FAILED"
	PayoutCancelled  PayoutStatus = "CANCELLED"
)

// PayoutInstruction asks the payment rail to move a data sovereign's earnings out
type PayoutInstruction struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	DSID              string          `json:"ds_id" db:"ds_id"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Currency          string          `json:"currency" db:"currency"`
	Method            PayoutMethod    `json:"method" db:"method"`
	DestinationHash   string          `json:"destination_hash" db:"destination_hash"`
	Status            PayoutStatus    `json:"status" db:"status"`
	IdempotencyKey    string          `json:"idempotency_key" db:"idempotency_key"`
	ExternalReference *string         `json:"external_reference,omitempty" db:"external_reference"`
	FailureReason     *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	ProcessingAt      *time.Time      `json:"processing_at,omitempty" db:"processing_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the PayoutInstruction model
func (PayoutInstruction) TableName() string {
	return "payout_instructions"
}

// NewPayoutInstruction creates a PENDING instruction
func NewPayoutInstruction(dsID string, amount decimal.Decimal, currency string, method PayoutMethod, destinationHash, idempotencyKey string) *PayoutInstruction {
	now := Now()
	return &PayoutInstruction{
		ID:              uuid.New(),
		DSID:            dsID,
		Amount:          amount,
		Currency:        currency,
		Method:          method,
		DestinationHash: destinationHash,
		Status:          PayoutPending,
		IdempotencyKey:  idempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// MarkProcessing moves a PENDING instruction to PROCESSING
func (p *PayoutInstruction) MarkProcessing() {
	now := Now()
	p.Status = PayoutProcessing
	p.ProcessingAt = &now
	p.UpdatedAt = now
}

// MarkCompleted records a confirmed transfer
func (p *PayoutInstruction) MarkCompleted(externalRef string) {
	now := Now()
	p.Status = PayoutCompleted
	if externalRef != "" {
		p.ExternalReference = &externalRef
	}
	p.CompletedAt = &now
	p.UpdatedAt = now
}

// MarkFailed records a failed or timed-out transfer
func (p *PayoutInstruction) MarkFailed(reason string) {
	now := Now()
	p.Status = PayoutFailed
	p.FailureReason = &reason
	p.CompletedAt = &now
	p.UpdatedAt = now
}

// MarkCancelled records a cancellation before processing
func (p *PayoutInstruction) MarkCancelled() {
	now := Now()
	p.Status = PayoutCancelled
	p.CompletedAt = &now
	p.UpdatedAt = now
}
