package records_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/records"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func completed(id string, at time.Time) creditgate.RequestRecord {
	return creditgate.RequestRecord{
		ID:          id,
		AccountID:   "acct",
		State:       creditgate.StateCompleted,
		ActualCost:  15,
		Attempts:    []creditgate.Attempt{{ProviderID: "p1", Held: 20}},
		CreatedAt:   at,
		UpdatedAt:   at,
		CompletedAt: at,
	}
}

func TestMemoryStore_SaveGetCopies(t *testing.T) {
	ctx := context.Background()
	s := records.NewMemoryStore()

	rec := completed("r1", t0)
	require.NoError(t, s.Save(ctx, rec))
	rec.Attempts[0].ProviderID = "mutated"

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.Attempts[0].ProviderID)

	got.Attempts[0].ProviderID = "again"
	again, _ := s.Get(ctx, "r1")
	assert.Equal(t, "p1", again.Attempts[0].ProviderID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, creditgate.ErrRecordNotFound)
}

func TestMemoryStore_MarkSettledOnce(t *testing.T) {
	ctx := context.Background()
	s := records.NewMemoryStore()
	require.NoError(t, s.Save(ctx, completed("r1", t0)))

	ok, err := s.MarkSettled(ctx, "r1", creditgate.Settlement{Reward: 40, SettledAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkSettled(ctx, "r1", creditgate.Settlement{Reward: 99})
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := s.Get(ctx, "r1")
	assert.True(t, got.Settled)
	assert.Equal(t, int64(40), got.Reward)

	// Settled records are immutable.
	err = s.Save(ctx, got)
	assert.ErrorIs(t, err, creditgate.ErrInvalidTransition)
}

func TestMemoryStore_MarkSettledRequiresCompleted(t *testing.T) {
	ctx := context.Background()
	s := records.NewMemoryStore()
	rec := completed("r1", t0)
	rec.State = creditgate.StateFailed
	require.NoError(t, s.Save(ctx, rec))

	_, err := s.MarkSettled(ctx, "r1", creditgate.Settlement{})
	assert.ErrorIs(t, err, creditgate.ErrInvalidTransition)
}

func TestMemoryStore_ConcurrentMarkSettled(t *testing.T) {
	ctx := context.Background()
	s := records.NewMemoryStore()
	require.NoError(t, s.Save(ctx, completed("r1", t0)))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.MarkSettled(ctx, "r1", creditgate.Settlement{Reward: 10}); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore_UnsettledAndStale(t *testing.T) {
	ctx := context.Background()
	s := records.NewMemoryStore()

	require.NoError(t, s.Save(ctx, completed("old", t0)))
	require.NoError(t, s.Save(ctx, completed("older", t0.Add(-time.Hour))))
	require.NoError(t, s.Save(ctx, completed("new", t0.Add(time.Hour))))

	pending := creditgate.RequestRecord{ID: "stuck", State: creditgate.StateExecuting, UpdatedAt: t0}
	require.NoError(t, s.Save(ctx, pending))

	got, err := s.Unsettled(ctx, t0.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "older", got[0].ID)
	assert.Equal(t, "old", got[1].ID)

	got, err = s.Unsettled(ctx, t0.Add(2*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	stale, err := s.Stale(ctx, t0.Add(time.Second), 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stuck", stale[0].ID)
}

func TestMemoryStore_Purge(t *testing.T) {
	ctx := context.Background()
	s := records.NewMemoryStore()

	require.NoError(t, s.Save(ctx, completed("unsettled", t0)))
	require.NoError(t, s.Save(ctx, completed("settled", t0)))
	_, err := s.MarkSettled(ctx, "settled", creditgate.Settlement{SettledAt: t0})
	require.NoError(t, err)

	failed := completed("failed", t0)
	failed.State = creditgate.StateFailed
	require.NoError(t, s.Save(ctx, failed))
	require.NoError(t, s.Save(ctx, completed("recent", t0.Add(48*time.Hour))))

	n, err := s.Purge(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s.Len())

	_, err = s.Get(ctx, "unsettled")
	assert.NoError(t, err)
}
