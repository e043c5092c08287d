package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/audit"
	"github.com/ineyio/creditgate/records"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func record() creditgate.RequestRecord {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return creditgate.RequestRecord{
		ID:               "r1",
		AccountID:        "acct",
		State:            creditgate.StateCompleted,
		ChosenProviderID: "p2",
		ChosenModel:      "m2",
		HeldAmount:       20,
		ActualCost:       15,
		UnitsConsumed:    15,
		Attempts:         []creditgate.Attempt{{ProviderID: "p1", Held: 30, Error: "timeout"}, {ProviderID: "p2", Held: 20}},
		CompletedAt:      at,
	}
}

func TestNewSigner_Rejects(t *testing.T) {
	_, err := audit.NewSigner("zz")
	assert.Error(t, err)
	_, err = audit.NewSigner("abcd")
	assert.Error(t, err)
	_, err = audit.NewSigner("0000000000000000000000000000000000000000000000000000000000000000")
	assert.Error(t, err)
}

func TestSigner_SignVerify(t *testing.T) {
	s, err := audit.NewSigner(testKey)
	require.NoError(t, err)
	assert.Len(t, s.PublicKey(), 66)

	rec := record()
	rec.Signature = s.Sign(rec)
	require.NoError(t, s.Verify(rec))

	// Deterministic signatures.
	assert.Equal(t, rec.Signature, s.Sign(rec))

	tampered := rec
	tampered.ActualCost = 1
	assert.ErrorIs(t, s.Verify(tampered), audit.ErrBadSignature)

	// Settlement fields are outside the digest.
	settled := rec
	settled.Settled = true
	settled.Reward = 40
	assert.NoError(t, s.Verify(settled))

	bad := rec
	bad.Signature = "00"
	assert.ErrorIs(t, s.Verify(bad), audit.ErrBadSignature)
}

func TestSignedStore_SignsTerminalRecords(t *testing.T) {
	ctx := context.Background()
	s, err := audit.NewSigner(testKey)
	require.NoError(t, err)
	store := audit.NewSignedStore(records.NewMemoryStore(), s)

	pending := record()
	pending.ID = "r0"
	pending.State = creditgate.StateExecuting
	pending.Signature = "stale"
	require.NoError(t, store.Save(ctx, pending))
	got, err := store.Get(ctx, "r0")
	require.NoError(t, err)
	assert.Empty(t, got.Signature)

	require.NoError(t, store.Save(ctx, record()))
	got, err = store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.NotEmpty(t, got.Signature)
	assert.NoError(t, s.Verify(got))
}
