package gormstore

import (
	"time"

	"github.com/ineyio/creditgate"
)

// requestRow mirrors the creditgate_requests table.
type requestRow struct {
	ID             string                    `gorm:"primaryKey;size:64"`
	AccountID      string                    `gorm:"size:128;not null;index:idx_requests_account"`
	Classification creditgate.Classification `gorm:"serializer:json;not null"`

	ChosenProviderID string `gorm:"size:128"`
	ChosenModel      string `gorm:"size:128"`
	HeldAmount       int64  `gorm:"not null;default:0"`
	ActualCost       int64  `gorm:"not null;default:0"`
	UnitsConsumed    int64  `gorm:"not null;default:0"`

	State    string               `gorm:"size:16;not null;index:idx_requests_state_updated,priority:1"`
	Attempts []creditgate.Attempt `gorm:"serializer:json"`
	Failure  string

	Settled     bool `gorm:"not null;default:false;index:idx_requests_unsettled,priority:1"`
	SettledAt   *time.Time
	Reward      int64                    `gorm:"not null;default:0"`
	Quality     *creditgate.QualityScore `gorm:"serializer:json"`
	NeedsReview bool                     `gorm:"not null;default:false"`
	Signature   string

	CreatedAt   time.Time  `gorm:"not null;autoCreateTime:false"`
	UpdatedAt   time.Time  `gorm:"not null;autoUpdateTime:false;index:idx_requests_state_updated,priority:2"`
	CompletedAt *time.Time `gorm:"index:idx_requests_unsettled,priority:2"`
}

func (requestRow) TableName() string { return "creditgate_requests" }

func toRow(r creditgate.RequestRecord) requestRow {
	return requestRow{
		ID:               r.ID,
		AccountID:        r.AccountID,
		Classification:   r.Classification,
		ChosenProviderID: r.ChosenProviderID,
		ChosenModel:      r.ChosenModel,
		HeldAmount:       r.HeldAmount,
		ActualCost:       r.ActualCost,
		UnitsConsumed:    r.UnitsConsumed,
		State:            string(r.State),
		Attempts:         r.Attempts,
		Failure:          r.Failure,
		Settled:          r.Settled,
		SettledAt:        timePtr(r.SettledAt),
		Reward:           r.Reward,
		Quality:          r.Quality,
		NeedsReview:      r.NeedsReview,
		Signature:        r.Signature,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
		CompletedAt:      timePtr(r.CompletedAt),
	}
}

func (row requestRow) record() creditgate.RequestRecord {
	return creditgate.RequestRecord{
		ID:               row.ID,
		AccountID:        row.AccountID,
		Classification:   row.Classification,
		ChosenProviderID: row.ChosenProviderID,
		ChosenModel:      row.ChosenModel,
		HeldAmount:       row.HeldAmount,
		ActualCost:       row.ActualCost,
		UnitsConsumed:    row.UnitsConsumed,
		State:            creditgate.RequestState(row.State),
		Attempts:         row.Attempts,
		Failure:          row.Failure,
		Settled:          row.Settled,
		SettledAt:        timeVal(row.SettledAt),
		Reward:           row.Reward,
		Quality:          row.Quality,
		NeedsReview:      row.NeedsReview,
		Signature:        row.Signature,
		CreatedAt:        row.CreatedAt.UTC(),
		UpdatedAt:        row.UpdatedAt.UTC(),
		CompletedAt:      timeVal(row.CompletedAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
