package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/upb/consent-ledger/models"
)

// ComputeReceiptHash returns the hex SHA-256 of the receipt's canonical
// pipe-joined fields. The stored hash and proof fields are not part of it.
func ComputeReceiptHash(r *models.AuditReceipt) string {
	canonical := strings.Join([]string{
		string(r.Kind),
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.ActorID,
		string(r.ActorKind),
		r.ResourceID,
		r.ResourceKind,
		r.DetailsHash,
		r.PreviousHash,
	}, "|")
	return sha256Hex([]byte(canonical))
}

// HashDetails hashes the JSON encoding of v. Maps encode with sorted keys,
// so equal details always hash equally.
func HashDetails(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode receipt details: %w", err)
	}
	return sha256Hex(raw), nil
}

// MustHashDetails is HashDetails for values that always encode
func MustHashDetails(v interface{}) string {
	h, err := HashDetails(v)
	if err != nil {
		panic(err)
	}
	return h
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
