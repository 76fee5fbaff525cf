package models

import (
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the previous hash carried by the first receipt in the chain
const GenesisHash = "GENESIS"

// ReceiptKind represents the type of consequential event a receipt records
type ReceiptKind string

const (
	ReceiptEscrowCreated   ReceiptKind = "ESCROW_CREATED"
	ReceiptEscrowFunded    ReceiptKind = "ESCROW_FUNDED"
	ReceiptEscrowLocked    ReceiptKind = "ESCROW_LOCKED"
	ReceiptEscrowReleased  ReceiptKind = "ESCROW_RELEASED"
	ReceiptEscrowRefunded  ReceiptKind = "ESCROW_REFUNDED"
	ReceiptEscrowDisputed  ReceiptKind = "ESCROW_DISPUTED"
	ReceiptSettlement      ReceiptKind = "SETTLEMENT"
	ReceiptPayoutRequested ReceiptKind = "PAYOUT_REQUESTED"
	ReceiptPayoutCompleted ReceiptKind = "PAYOUT_COMPLETED"
	ReceiptPayoutCancelled ReceiptKind = "PAYOUT_CANCELLED"
	ReceiptConsentGranted  ReceiptKind = "CONSENT_GRANTED"
	ReceiptConsentRevoked  ReceiptKind = "CONSENT_REVOKED"
	ReceiptDataAccess      ReceiptKind = "DATA_ACCESS"
	ReceiptMerkleAnchored  ReceiptKind = "MERKLE_ANCHORED"
)

// Valid reports whether k is a known receipt kind
func (k ReceiptKind) Valid() bool {
	switch k {
	case ReceiptEscrowCreated, ReceiptEscrowFunded, ReceiptEscrowLocked, ReceiptEscrowReleased,
		ReceiptEscrowRefunded, ReceiptEscrowDisputed, ReceiptSettlement, ReceiptPayoutRequested,
		ReceiptPayoutCompleted, ReceiptPayoutCancelled, ReceiptConsentGranted, ReceiptConsentRevoked,
		ReceiptDataAccess, ReceiptMerkleAnchored:
		return true
	}
	return false
}

// ActorKind identifies who performed the event
type ActorKind string

const (
	ActorRequester ActorKind = "REQUESTER"
	ActorDS        ActorKind = "DS"
	ActorSystem    ActorKind = "SYSTEM"
)

// Valid reports whether k is a known actor kind
func (k ActorKind) Valid() bool {
	return k == ActorRequester || k == ActorDS || k == ActorSystem
}

// AuditReceipt is one link of the hash chain
type AuditReceipt struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	Sequence      int64        `json:"sequence" db:"sequence"`
	Kind          ReceiptKind  `json:"kind" db:"kind"`
	Timestamp     time.Time    `json:"timestamp" db:"timestamp"`
	ActorID       string       `json:"actor_id" db:"actor_id"`
	ActorKind     ActorKind    `json:"actor_kind" db:"actor_kind"`
	ResourceID    string       `json:"resource_id" db:"resource_id"`
	ResourceKind  string       `json:"resource_kind" db:"resource_kind"`
	DetailsHash   string       `json:"details_hash" db:"details_hash"`
	PreviousHash  string       `json:"previous_hash" db:"previous_hash"`
	ReceiptHash   string       `json:"receipt_hash" db:"receipt_hash"`
	MerkleProof   *MerkleProof `json:"merkle_proof,omitempty" db:"merkle_proof"` // nil until batched
	MerkleBatchID *uuid.UUID   `json:"merkle_batch_id,omitempty" db:"merkle_batch_id"`
}

// TableName returns the table name for the AuditReceipt model
func (AuditReceipt) TableName() string {
	return "audit_receipts"
}

// IsBatched reports whether a Merkle proof has been attached
func (r *AuditReceipt) IsBatched() bool {
	return r.MerkleProof != nil
}

// LedgerTail is the pointer to the most recently appended receipt
type LedgerTail struct {
	LastHash      string
	LastSequence  int64
	LastTimestamp time.Time
}

// Empty reports whether the ledger has no receipts yet
func (t LedgerTail) Empty() bool {
	return t.LastSequence == 0
}

// Now returns the current time in the precision receipts and rows are stored with.
// Postgres keeps microseconds, so hashing must not depend on anything finer.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
