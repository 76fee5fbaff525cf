package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProofStep is one sibling on the path from a leaf to the root
type ProofStep struct {
	Hash   string `json:"hash"`
	IsLeft bool   `json:"isLeft"`
}

// MerkleProof is the externally verifiable inclusion proof of one receipt.
// Its JSON form is published, so field names must not change.
type MerkleProof struct {
	LeafHash  string      `json:"leafHash"`
	LeafIndex int         `json:"leafIndex"`
	Siblings  []ProofStep `json:"siblings"`
	Root      string      `json:"root"`
}

// Value implements driver.Valuer so proofs are stored as JSONB
func (p MerkleProof) Value() (driver.Value, error) {
	if p.Siblings == nil {
		p.Siblings = []ProofStep{}
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner
func (p *MerkleProof) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("cannot scan %T into MerkleProof", src)
	}
}

// AnchorStatus tracks delivery of a batch root to the anchor sink
type AnchorStatus string

const (
	AnchorPending  AnchorStatus = "PENDING"
	AnchorAnchored AnchorStatus = "ANCHORED"
	AnchorFailed   AnchorStatus = "FAILED"
)

// MerkleBatch is the persisted header of one batch; the tree itself is rebuilt on demand
type MerkleBatch struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	Root          string       `json:"root" db:"root"`
	LeafCount     int          `json:"leaf_count" db:"leaf_count"`
	FirstSequence int64        `json:"first_sequence" db:"first_sequence"`
	LastSequence  int64        `json:"last_sequence" db:"last_sequence"`
	MetadataHash  string       `json:"metadata_hash" db:"metadata_hash"`
	AnchorID      *string      `json:"anchor_id,omitempty" db:"anchor_id"`
	AnchorStatus  AnchorStatus `json:"anchor_status" db:"anchor_status"`
	AnchorError   *string      `json:"anchor_error,omitempty" db:"anchor_error"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	AnchoredAt    *time.Time   `json:"anchored_at,omitempty" db:"anchored_at"`
}

// TableName returns the table name for the MerkleBatch model
func (MerkleBatch) TableName() string {
	return "merkle_batches"
}

// NewMerkleBatch creates a batch header awaiting anchoring
func NewMerkleBatch(root string, leafCount int, firstSeq, lastSeq int64, metadataHash string) *MerkleBatch {
	return &MerkleBatch{
		ID:            uuid.New(),
		Root:          root,
		LeafCount:     leafCount,
		FirstSequence: firstSeq,
		LastSequence:  lastSeq,
		MetadataHash:  metadataHash,
		AnchorStatus:  AnchorPending,
		CreatedAt:     Now(),
	}
}
