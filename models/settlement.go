package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConsentContractStatus is the lifecycle state of a consent contract
type ConsentContractStatus string

const (
	ContractPending ConsentContractStatus = "PENDING"
	ContractActive  ConsentContractStatus = "ACTIVE"
	ContractRevoked ConsentContractStatus = "REVOKED"
	ContractExpired ConsentContractStatus = "EXPIRED"
)

// ConsentContract is the read model of a consent contract owned by the consent service
type ConsentContract struct {
	ID          string                `json:"id" db:"id"`
	Status      ConsentContractStatus `json:"status" db:"status"`
	DSID        string                `json:"ds_id" db:"ds_id"`
	RequesterID string                `json:"requester_id" db:"requester_id"`
	RequestID   string                `json:"request_id" db:"request_id"`
	EscrowID    uuid.UUID             `json:"escrow_id" db:"escrow_id"`
	UnitPrice   decimal.Decimal       `json:"unit_price" db:"unit_price"`
	Currency    string                `json:"currency" db:"currency"`
	UpdatedAt   time.Time             `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the ConsentContract model
func (ConsentContract) TableName() string {
	return "consent_contracts"
}

// IsActive reports whether settlement may proceed against the contract
func (c *ConsentContract) IsActive() bool {
	return c.Status == ContractActive
}

// Settlement records one applied settlement so a replay can return it without effect
type Settlement struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	ContractID     string          `json:"contract_id" db:"contract_id"`
	DSID           string          `json:"ds_id" db:"ds_id"`
	EscrowID       uuid.UUID       `json:"escrow_id" db:"escrow_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	ReceiptID      uuid.UUID       `json:"receipt_id" db:"receipt_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Settlement model
func (Settlement) TableName() string {
	return "settlements"
}
