// Package merkle builds Merkle trees over receipt hashes, attaches inclusion
// proofs to receipts, and verifies them.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/upb/consent-ledger/models"
)

// ErrEmptyTree is returned when a tree is built from no leaves
var ErrEmptyTree = errors.New("cannot build merkle tree from empty list")

// Tree holds every level from the (padded) leaves up to the root
type Tree struct {
	Levels    [][]string
	Root      string
	LeafCount int
}

// HashPair returns the parent of two hex node hashes
func HashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// BuildTree hashes pairs bottom-up. Any level above one node with an odd
// count has its last node duplicated; a single leaf is its own root.
func BuildTree(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	var levels [][]string
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		levels = append(levels, level)

		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, HashPair(level[i], level[i+1]))
		}
		level = next
	}
	levels = append(levels, level)

	return &Tree{Levels: levels, Root: level[0], LeafCount: len(leaves)}, nil
}

// Proof returns the sibling path of leaf i
func (t *Tree) Proof(i int) (*models.MerkleProof, error) {
	if i < 0 || i >= t.LeafCount {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", i, t.LeafCount)
	}

	siblings := make([]models.ProofStep, 0, len(t.Levels)-1)
	idx := i
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if idx%2 == 0 {
			siblings = append(siblings, models.ProofStep{Hash: level[idx+1], IsLeft: false})
		} else {
			siblings = append(siblings, models.ProofStep{Hash: level[idx-1], IsLeft: true})
		}
		idx /= 2
	}

	return &models.MerkleProof{
		LeafHash:  t.Levels[0][i],
		LeafIndex: i,
		Siblings:  siblings,
		Root:      t.Root,
	}, nil
}

// Fold recomputes the root implied by a proof
func Fold(proof *models.MerkleProof) string {
	h := proof.LeafHash
	for _, s := range proof.Siblings {
		if s.IsLeft {
			h = HashPair(s.Hash, h)
		} else {
			h = HashPair(h, s.Hash)
		}
	}
	return h
}

// VerifyProof reports whether folding the leaf through its siblings yields expectedRoot
func VerifyProof(proof *models.MerkleProof, expectedRoot string) bool {
	if proof == nil || proof.LeafHash == "" || expectedRoot == "" {
		return false
	}
	return Fold(proof) == expectedRoot
}

// EncodeProof renders the compact text form leaf:index:L<hash>,R<hash>:root
func EncodeProof(proof *models.MerkleProof) string {
	steps := make([]string, len(proof.Siblings))
	for i, s := range proof.Siblings {
		side := "R"
		if s.IsLeft {
			side = "L"
		}
		steps[i] = side + s.Hash
	}
	return strings.Join([]string{
		proof.LeafHash,
		strconv.Itoa(proof.LeafIndex),
		strings.Join(steps, ","),
		proof.Root,
	}, ":")
}

// ParseProof reads the compact text form produced by EncodeProof
func ParseProof(s string) (*models.MerkleProof, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid proof format: want 4 fields, got %d", len(parts))
	}

	index, err := strconv.Atoi(parts[1])
	if err != nil || index < 0 {
		return nil, fmt.Errorf("invalid proof leaf index %q", parts[1])
	}

	proof := &models.MerkleProof{
		LeafHash:  parts[0],
		LeafIndex: index,
		Siblings:  []models.ProofStep{},
		Root:      parts[3],
	}
	if parts[2] == "" {
		return proof, nil
	}

	for _, step := range strings.Split(parts[2], ",") {
		if len(step) < 2 {
			return nil, fmt.Errorf("invalid proof step %q", step)
		}
		switch step[0] {
		case 'L':
			proof.Siblings = append(proof.Siblings, models.ProofStep{Hash: step[1:], IsLeft: true})
		case 'R':
			proof.Siblings = append(proof.Siblings, models.ProofStep{Hash: step[1:], IsLeft: false})
		default:
			return nil, fmt.Errorf("invalid proof step side %q", step[:1])
		}
	}
	return proof, nil
}
