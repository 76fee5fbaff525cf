package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/consent-ledger/models"
)

func leafHashes(n int) []string {
	out := make([]string, n)
	for i := range out {
		sum := sha256.Sum256([]byte(fmt.Sprintf("receipt-%d", i)))
		out[i] = hex.EncodeToString(sum[:])
	}
	return out
}

func flipBit(t *testing.T, h string) string {
	raw, err := hex.DecodeString(h)
	require.NoError(t, err)
	raw[0] ^= 0x01
	return hex.EncodeToString(raw)
}

func TestBuildTree_Empty(t *testing.T) {
	_, err := BuildTree(nil)
	assert.ErrorIs(t, err, ErrEmptyTree)
}

func TestProofs_VerifyForEveryLeaf(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			leaves := leafHashes(n)
			tree, err := BuildTree(leaves)
			require.NoError(t, err)

			for i := range leaves {
				proof, err := tree.Proof(i)
				require.NoError(t, err)
				assert.Equal(t, leaves[i], proof.LeafHash)
				assert.Equal(t, i, proof.LeafIndex)
				assert.Equal(t, tree.Root, proof.Root)
				assert.True(t, VerifyProof(proof, tree.Root), "leaf %d", i)
			}
		})
	}
}

func TestProofs_FlippedLeafFails(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7} {
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			tree, err := BuildTree(leafHashes(n))
			require.NoError(t, err)

			for i := 0; i < n; i++ {
				proof, err := tree.Proof(i)
				require.NoError(t, err)
				proof.LeafHash = flipBit(t, proof.LeafHash)
				assert.False(t, VerifyProof(proof, tree.Root), "leaf %d", i)
			}
		})
	}
}

func TestBuildTree_SingleLeafIsRoot(t *testing.T) {
	leaves := leafHashes(1)
	tree, err := BuildTree(leaves)
	require.NoError(t, err)

	assert.Equal(t, leaves[0], tree.Root)
	proof, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, proof.Siblings)
}

func TestBuildTree_FiveLeavesPadToSix(t *testing.T) {
	leaves := leafHashes(5)
	tree, err := BuildTree(leaves)
	require.NoError(t, err)

	require.Len(t, tree.Levels[0], 6)
	assert.Equal(t, leaves[4], tree.Levels[0][5])
	assert.Len(t, tree.Levels[1], 4, "three parents padded to four")
	assert.Len(t, tree.Levels[2], 2)
	assert.Len(t, tree.Levels[3], 1)
	assert.Equal(t, 5, tree.LeafCount)

	expectedRoot := HashPair(
		HashPair(HashPair(leaves[0], leaves[1]), HashPair(leaves[2], leaves[3])),
		HashPair(HashPair(leaves[4], leaves[4]), HashPair(leaves[4], leaves[4])),
	)
	assert.Equal(t, expectedRoot, tree.Root)

	_, err = tree.Proof(5)
	assert.Error(t, err, "padding node has no proof of its own")
}

func TestProof_SiblingSides(t *testing.T) {
	leaves := leafHashes(2)
	tree, err := BuildTree(leaves)
	require.NoError(t, err)

	left, err := tree.Proof(0)
	require.NoError(t, err)
	right, err := tree.Proof(1)
	require.NoError(t, err)

	assert.Equal(t, []models.ProofStep{{Hash: leaves[1], IsLeft: false}}, left.Siblings)
	assert.Equal(t, []models.ProofStep{{Hash: leaves[0], IsLeft: true}}, right.Siblings)
}

func TestVerifyProof_Rejects(t *testing.T) {
	tree, err := BuildTree(leafHashes(3))
	require.NoError(t, err)
	proof, err := tree.Proof(2)
	require.NoError(t, err)

	assert.False(t, VerifyProof(nil, tree.Root))
	assert.False(t, VerifyProof(proof, ""))
	assert.False(t, VerifyProof(proof, flipBit(t, tree.Root)))

	proof.Siblings[0].IsLeft = !proof.Siblings[0].IsLeft
	assert.False(t, VerifyProof(proof, tree.Root))
}

func TestProofEncoding(t *testing.T) {
	tree, err := BuildTree(leafHashes(7))
	require.NoError(t, err)
	proof, err := tree.Proof(6)
	require.NoError(t, err)

	text := EncodeProof(proof)
	parsed, err := ParseProof(text)
	require.NoError(t, err)
	assert.Equal(t, proof, parsed)
	assert.True(t, VerifyProof(parsed, tree.Root))

	raw, err := json.Marshal(proof)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"leafHash"`)
	assert.Contains(t, string(raw), `"isLeft"`)
}

func TestParseProof(t *testing.T) {
	single, err := ParseProof("abc:0::abc")
	require.NoError(t, err)
	assert.Empty(t, single.Siblings)
	assert.True(t, VerifyProof(single, "abc"))

	tests := []struct {
		name  string
		input string
	}{
		{"too few fields", "abc:0:abc"},
		{"bad index", "abc:x:Rdef:root"},
		{"negative index", "abc:-1:Rdef:root"},
		{"bad side", "abc:0:Xdef:root"},
		{"empty step", "abc:0:Rdef,:root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProof(tt.input)
			assert.Error(t, err)
		})
	}
}
