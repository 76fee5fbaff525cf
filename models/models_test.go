package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Escrow tests
func TestNewEscrowAccount(t *testing.T) {
	e := NewEscrowAccount("req-1", "dr-1", "USD")

	assert.NotEqual(t, "", e.ID.String())
	assert.Equal(t, EscrowPending, e.Status)
	assert.Equal(t, int64(1), e.Version)
	assert.True(t, e.Available().IsZero())
	assert.Equal(t, "escrow_accounts", e.TableName())
}

func TestEscrowAccount_Available(t *testing.T) {
	e := NewEscrowAccount("req-1", "dr-1", "USD")
	e.FundedAmount = d("100")
	e.LockedAmount = d("30")
	e.ReleasedAmount = d("25.5")
	e.RefundedAmount = d("4.5")

	assert.True(t, e.Available().Equal(d("40")))
}

func TestEscrowAccount_IsSufficientlyFunded(t *testing.T) {
	tests := []struct {
		name     string
		status   EscrowStatus
		funded   string
		required string
		want     bool
	}{
		{"funded with enough", EscrowFunded, "50", "50", true},
		{"locked with enough", EscrowLocked, "50", "10", true},
		{"funded but short", EscrowFunded, "50", "50.01", false},
		{"pending", EscrowPending, "0", "0", false},
		{"disputed", EscrowDisputed, "50", "10", false},
		{"settled", EscrowSettled, "50", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEscrowAccount("req-1", "dr-1", "USD")
			e.Status = tt.status
			e.FundedAmount = d(tt.funded)
			assert.Equal(t, tt.want, e.IsSufficientlyFunded(d(tt.required)))
		})
	}
}

func TestEscrowAccount_SettleStatus(t *testing.T) {
	tests := []struct {
		name     string
		funded   string
		released string
		refunded string
		want     EscrowStatus
	}{
		{"fully released", "100", "100", "0", EscrowSettled},
		{"released and refunded", "100", "60", "40", EscrowSettled},
		{"fully refunded", "100", "0", "100", EscrowRefunded},
		{"value still held", "100", "60", "0", EscrowLocked},
		{"never funded", "0", "0", "0", EscrowLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEscrowAccount("req-1", "dr-1", "USD")
			e.Status = EscrowLocked
			e.FundedAmount = d(tt.funded)
			e.ReleasedAmount = d(tt.released)
			e.RefundedAmount = d(tt.refunded)

			e.SettleStatus()
			assert.Equal(t, tt.want, e.Status)
			assert.Equal(t, tt.want == EscrowSettled || tt.want == EscrowRefunded, e.IsTerminal())
		})
	}
}

func TestEscrowAccount_Touch(t *testing.T) {
	e := NewEscrowAccount("req-1", "dr-1", "USD")
	before := e.UpdatedAt
	time.Sleep(time.Millisecond)

	e.Touch()
	assert.Equal(t, int64(2), e.Version)
	assert.True(t, e.UpdatedAt.After(before))
}

// Balance tests
func TestDataSovereignBalance_Lifecycle(t *testing.T) {
	b := NewDataSovereignBalance("ds-1", "USD")
	assert.True(t, b.Balanced())

	at := Now()
	b.Credit(d("100"), at)
	b.Hold(d("40"))
	b.Hold(d("10"))
	b.PayOut(d("40"), at)
	b.Release(d("10"))

	assert.True(t, b.Available.Equal(d("60")))
	assert.True(t, b.Pending.IsZero())
	assert.True(t, b.TotalEarned.Equal(d("100")))
	assert.True(t, b.TotalPaidOut.Equal(d("40")))
	assert.True(t, b.Balanced())
	assert.Equal(t, int64(5), b.Version)
	require.NotNil(t, b.LastSettlementAt)
	require.NotNil(t, b.LastPayoutAt)
}

// Payout tests
func TestPayoutMethod_Valid(t *testing.T) {
	for _, m := range PayoutMethods {
		assert.True(t, m.Valid(), string(m))
	}
	assert.False(t, PayoutMethod("CHEQUE").Valid())
	assert.False(t, PayoutMethod("").Valid())
}

func TestPayoutInstruction_Transitions(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		p := NewPayoutInstruction("ds-1", d("25"), "USD", PayoutCrypto, "sha256:w", "k-1")
		assert.Equal(t, PayoutPending, p.Status)

		p.MarkProcessing()
		assert.Equal(t, PayoutProcessing, p.Status)
		require.NotNil(t, p.ProcessingAt)

		p.MarkCompleted("tx-9")
		assert.Equal(t, PayoutCompleted, p.Status)
		require.NotNil(t, p.ExternalReference)
		assert.Equal(t, "tx-9", *p.ExternalReference)
		assert.NotNil(t, p.CompletedAt)
	})

	t.Run("completed without reference", func(t *testing.T) {
		p := NewPayoutInstruction("ds-1", d("25"), "USD", PayoutCrypto, "sha256:w", "k-2")
		p.MarkCompleted("")
		assert.Nil(t, p.ExternalReference)
	})

	t.Run("failed", func(t *testing.T) {
		p := NewPayoutInstruction("ds-1", d("25"), "USD", PayoutBankTransfer, "sha256:w", "k-3")
		p.MarkFailed("rail timeout")
		assert.Equal(t, PayoutFailed, p.Status)
		require.NotNil(t, p.FailureReason)
		assert.Equal(t, "rail timeout", *p.FailureReason)
	})

	t.Run("cancelled", func(t *testing.T) {
		p := NewPayoutInstruction("ds-1", d("25"), "USD", PayoutMobileMoney, "sha256:w", "k-4")
		p.MarkCancelled()
		assert.Equal(t, PayoutCancelled, p.Status)
		assert.NotNil(t, p.CompletedAt)
	})
}

// Receipt tests
func TestReceiptKinds(t *testing.T) {
	assert.True(t, ReceiptSettlement.Valid())
	assert.True(t, ReceiptMerkleAnchored.Valid())
	assert.False(t, ReceiptKind("SETTLEMENT_REVERSED").Valid())

	assert.True(t, ActorSystem.Valid())
	assert.False(t, ActorKind("ROBOT").Valid())
}

func TestLedgerTail_Empty(t *testing.T) {
	assert.True(t, LedgerTail{}.Empty())
	assert.False(t, LedgerTail{LastHash: "abc", LastSequence: 1}.Empty())
}

func TestNow_MicrosecondPrecision(t *testing.T) {
	now := Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.Zero(t, now.Nanosecond()%1000)
}

// Journal tests
func TestAccountLabel(t *testing.T) {
	assert.Equal(t, "ESCROW:abc", AccountLabel(AccountEscrow, "abc"))
	assert.Equal(t, "DS_BALANCE:ds-1", AccountLabel(AccountDSBalance, "ds-1"))
}

func TestJournalEntry_SamePosting(t *testing.T) {
	base := &JournalEntry{DebitAccount: "A", CreditAccount: "B", Amount: d("10"), Currency: "USD", Memo: "x"}

	tests := []struct {
		name  string
		other *JournalEntry
		want  bool
	}{
		{"memo and scale ignored", &JournalEntry{DebitAccount: "A", CreditAccount: "B", Amount: d("10.00"), Currency: "USD", Memo: "y"}, true},
		{"swapped accounts", &JournalEntry{DebitAccount: "B", CreditAccount: "A", Amount: d("10"), Currency: "USD"}, false},
		{"different amount", &JournalEntry{DebitAccount: "A", CreditAccount: "B", Amount: d("11"), Currency: "USD"}, false},
		{"different currency", &JournalEntry{DebitAccount: "A", CreditAccount: "B", Amount: d("10"), Currency: "EUR"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.SamePosting(tt.other))
		})
	}
}

// Merkle tests
func TestMerkleProof_ValueScan(t *testing.T) {
	proof := MerkleProof{LeafHash: "aa", LeafIndex: 1, Root: "ff"}

	v, err := proof.Value()
	require.NoError(t, err)
	raw, ok := v.([]byte)
	require.True(t, ok)
	assert.JSONEq(t, `{"leafHash":"aa","leafIndex":1,"siblings":[],"root":"ff"}`, string(raw))

	var back MerkleProof
	require.NoError(t, back.Scan(raw))
	assert.Equal(t, "aa", back.LeafHash)
	assert.Equal(t, 1, back.LeafIndex)

	require.NoError(t, back.Scan(`{"leafHash":"bb","leafIndex":0,"siblings":[{"hash":"cc","isLeft":true}],"root":"dd"}`))
	require.Len(t, back.Siblings, 1)
	assert.True(t, back.Siblings[0].IsLeft)

	assert.Error(t, back.Scan(42))
}

func TestMerkleProof_PublishedFieldNames(t *testing.T) {
	raw, err := json.Marshal(MerkleProof{LeafHash: "aa", Siblings: []ProofStep{{Hash: "bb", IsLeft: false}}, Root: "cc"})
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, name := range []string{"leafHash", "leafIndex", "siblings", "root"} {
		assert.Contains(t, fields, name)
	}
}
