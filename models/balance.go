package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DataSovereignBalance is the earnings row of one data sovereign
type DataSovereignBalance struct {
	DSID             string          `json:"ds_id" db:"ds_id"`
	Currency         string          `json:"currency" db:"currency"`
	Available        decimal.Decimal `json:"available" db:"available"`
	Pending          decimal.Decimal `json:"pending" db:"pending"`
	TotalEarned      decimal.Decimal `json:"total_earned" db:"total_earned"`
	TotalPaidOut     decimal.Decimal `json:"total_paid_out" db:"total_paid_out"`
	LastSettlementAt *time.Time      `json:"last_settlement_at,omitempty" db:"last_settlement_at"`
	LastPayoutAt     *time.Time      `json:"last_payout_at,omitempty" db:"last_payout_at"`
	Version          int64           `json:"version" db:"version"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the DataSovereignBalance model
func (DataSovereignBalance) TableName() string {
	return "ds_balances"
}

// NewDataSovereignBalance creates an empty balance row
func NewDataSovereignBalance(dsID, currency string) *DataSovereignBalance {
	return &DataSovereignBalance{
		DSID:         dsID,
		Currency:     currency,
		Available:    decimal.Zero,
		Pending:      decimal.Zero,
		TotalEarned:  decimal.Zero,
		TotalPaidOut: decimal.Zero,
		UpdatedAt:    Now(),
	}
}

// Balanced reports whether available + pending + paid out equals total earned
func (b *DataSovereignBalance) Balanced() bool {
	return b.Available.Add(b.Pending).Add(b.TotalPaidOut).Equal(b.TotalEarned)
}

// Credit records settled earnings
func (b *DataSovereignBalance) Credit(amount decimal.Decimal, at time.Time) {
	b.Available = b.Available.Add(amount)
	b.TotalEarned = b.TotalEarned.Add(amount)
	b.LastSettlementAt = &at
	b.touch()
}

// Hold moves amount from available to pending for an in-flight payout
func (b *DataSovereignBalance) Hold(amount decimal.Decimal) {
	b.Available = b.Available.Sub(amount)
	b.Pending = b.Pending.Add(amount)
	b.touch()
}

// Release returns a held amount to available after a failed or cancelled payout
func (b *DataSovereignBalance) Release(amount decimal.Decimal) {
	b.Pending = b.Pending.Sub(amount)
	b.Available = b.Available.Add(amount)
	b.touch()
}

// PayOut clears a held amount once the rail confirmed the transfer
func (b *DataSovereignBalance) PayOut(amount decimal.Decimal, at time.Time) {
	b.Pending = b.Pending.Sub(amount)
	b.TotalPaidOut = b.TotalPaidOut.Add(amount)
	b.LastPayoutAt = &at
	b.touch()
}

func (b *DataSovereignBalance) touch() {
	b.Version++
	b.UpdatedAt = Now()
}
