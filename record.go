package creditgate

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// RequestState is the lifecycle state of a RequestRecord.
type RequestState string

const (
	StatePending   RequestState = "pending"
	StateHeld      RequestState = "held"
	StateExecuting RequestState = "executing"
	StateCompleted RequestState = "completed"
	StateFailed    RequestState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions lists the allowed next states. Executing -> Pending is the
// fallback path: the hold is refunded before the next candidate is held.
var transitions = map[RequestState][]RequestState{
	StatePending:   {StateHeld, StateFailed},
	StateHeld:      {StateExecuting, StateFailed},
	StateExecuting: {StateCompleted, StateFailed, StatePending},
}

// Attempt is one dispatch to a candidate.
type Attempt struct {
	ProviderID string        `json:"provider_id"`
	Model      string        `json:"model"`
	Held       int64         `json:"held"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
}

// RequestRecord tracks one request from hold to settlement. It is owned by
// the Dispatcher until it is terminal, then by settlement; once settled it
// is immutable history.
type RequestRecord struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	Classification Classification `json:"classification"`

	ChosenProviderID string `json:"chosen_provider_id,omitempty"`
	ChosenModel      string `json:"chosen_model,omitempty"`
	HeldAmount       int64  `json:"held_amount"`
	ActualCost       int64  `json:"actual_cost"`
	UnitsConsumed    int64  `json:"units_consumed"`

	State    RequestState `json:"state"`
	Attempts []Attempt    `json:"attempts,omitempty"`
	Failure  string       `json:"failure,omitempty"`

	Settled     bool          `json:"settled"`
	SettledAt   time.Time     `json:"settled_at,omitzero"`
	Reward      int64         `json:"reward"`
	Quality     *QualityScore `json:"quality,omitempty"`
	NeedsReview bool          `json:"needs_review,omitempty"`

	// Signature is a hex audit signature over the terminal record.
	Signature string `json:"signature,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Transition moves the record to state to at time at.
func (r *RequestRecord) Transition(to RequestState, at time.Time) error {
	if !slices.Contains(transitions[r.State], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
	}
	r.State = to
	r.UpdatedAt = at
	if to.Terminal() {
		r.CompletedAt = at
	}
	return nil
}

// Settlement is the outcome applied to a Completed record.
type Settlement struct {
	Reward      int64
	Quality     *QualityScore
	NeedsReview bool
	SettledAt   time.Time
}

// RecordStore persists RequestRecords.
type RecordStore interface {
	// Save inserts or replaces a record. Settled records are immutable:
	// saving over one fails with ErrInvalidTransition.
	Save(ctx context.Context, rec RequestRecord) error

	// Get returns a record or ErrRecordNotFound.
	Get(ctx context.Context, id string) (RequestRecord, error)

	// MarkSettled applies s to a Completed, unsettled record. It returns
	// false without changes when the record is already settled.
	MarkSettled(ctx context.Context, id string, s Settlement) (bool, error)

	// Unsettled returns Completed records not yet settled whose completion
	// is before cutoff, oldest first, at most limit (0 = no limit).
	Unsettled(ctx context.Context, cutoff time.Time, limit int) ([]RequestRecord, error)

	// Stale returns Pending, Held or Executing records last updated before
	// cutoff, at most limit (0 = no limit).
	Stale(ctx context.Context, cutoff time.Time, limit int) ([]RequestRecord, error)

	// Purge deletes terminal records completed before cutoff and returns
	// how many were removed. Completed records are only purged once settled.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// noopRecordStore keeps nothing. Without a real store the ledger's
// once-per-request credit still guarantees a single settlement, but the
// Sweeper has nothing to reconcile.
type noopRecordStore struct{}

func (noopRecordStore) Save(context.Context, RequestRecord) error { return nil }
func (noopRecordStore) Get(_ context.Context, id string) (RequestRecord, error) {
	return RequestRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
}
func (noopRecordStore) MarkSettled(context.Context, string, Settlement) (bool, error) {
	return true, nil
}
func (noopRecordStore) Unsettled(context.Context, time.Time, int) ([]RequestRecord, error) {
	return nil, nil
}
func (noopRecordStore) Stale(context.Context, time.Time, int) ([]RequestRecord, error) {
	return nil, nil
}
func (noopRecordStore) Purge(context.Context, time.Time) (int, error) { return 0, nil }
