package creditgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Settler issues exactly one reward Credit per Completed request.
//
// The ledger refuses a second Credit for the same request id and the record
// store refuses a second MarkSettled, so a live settlement racing the sweeper
// credits once and marks once.
type Settler struct {
	ledger    Ledger
	records   RecordStore
	dir       *Directory
	evaluator *Evaluator
	meter     Meter
	logger    *zap.Logger
	now       func() time.Time
}

// NewSettler creates a Settler. dir may be nil; when set, quality scores
// feed the provider's rolling quality.
func NewSettler(ledger Ledger, records RecordStore, dir *Directory, evaluator *Evaluator, meter Meter, logger *zap.Logger) *Settler {
	if evaluator == nil {
		evaluator = NewEvaluator()
	}
	if meter == nil {
		meter = noopMeter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settler{
		ledger:    ledger,
		records:   records,
		dir:       dir,
		evaluator: evaluator,
		meter:     meter,
		logger:    logger.With(zap.String("component", "settler")),
		now:       time.Now,
	}
}

// Settle evaluates the interaction and credits the reward. A failed
// evaluation credits BaselineReward and flags the record for review.
func (s *Settler) Settle(ctx context.Context, rec RequestRecord, in Interaction, feedback *float64) (Settlement, error) {
	score, err := s.evaluator.Evaluate(ctx, rec, in, feedback)
	if err != nil {
		s.logger.Warn("evaluation failed, applying baseline reward",
			zap.String("request_id", rec.ID),
			zap.Error(err),
		)
		return s.apply(ctx, rec, Settlement{Reward: BaselineReward, NeedsReview: true}, ReasonBaseline)
	}

	if s.dir != nil && rec.ChosenProviderID != "" {
		s.dir.RecordQuality(rec.ChosenProviderID, score.Score)
	}
	return s.apply(ctx, rec, Settlement{Reward: score.ComputedReward, Quality: &score}, ReasonReward)
}

// SettleBaseline credits BaselineReward without evaluation and flags the
// record for review. The reconciliation sweep uses it.
func (s *Settler) SettleBaseline(ctx context.Context, rec RequestRecord) (Settlement, error) {
	return s.apply(ctx, rec, Settlement{Reward: BaselineReward, NeedsReview: true}, ReasonReconcile)
}

func (s *Settler) apply(ctx context.Context, rec RequestRecord, st Settlement, reason string) (Settlement, error) {
	if rec.State != StateCompleted {
		return Settlement{}, fmt.Errorf("%w: cannot settle %s record %s", ErrInvalidTransition, rec.State, rec.ID)
	}
	st.SettledAt = s.now().UTC()

	// Any remainder of the hold is returned before the reward so a
	// completion whose release failed is reconciled here.
	if _, released, err := s.ledger.Release(ctx, rec.AccountID, rec.ID); err != nil {
		return Settlement{}, fmt.Errorf("creditgate: settle %s: release: %w", rec.ID, err)
	} else if released > 0 {
		s.logger.Warn("released leftover hold at settlement",
			zap.String("request_id", rec.ID),
			zap.Int64("amount", released),
		)
	}

	outcome := OutcomeRewarded
	if st.NeedsReview {
		outcome = OutcomeBaseline
	}

	_, err := s.ledger.Credit(ctx, rec.AccountID, st.Reward, rec.ID, reason)
	switch {
	case errors.Is(err, ErrDuplicateCredit):
		// Credited by a concurrent settlement. If that one did not get to
		// mark the record, mark it here with the amount that landed.
		outcome = OutcomeDuplicate
		st.NeedsReview = true
		st.Reward = s.creditedAmount(ctx, rec)
	case err != nil:
		s.logger.Error("reward credit failed",
			zap.String("request_id", rec.ID),
			zap.String("account_id", rec.AccountID),
			zap.Error(err),
		)
		return Settlement{}, fmt.Errorf("creditgate: settle %s: credit: %w", rec.ID, err)
	}

	marked, err := s.records.MarkSettled(ctx, rec.ID, st)
	if err != nil {
		s.logger.Error("mark settled failed", zap.String("request_id", rec.ID), zap.Error(err))
		return Settlement{}, fmt.Errorf("creditgate: settle %s: mark: %w", rec.ID, err)
	}
	if !marked {
		outcome = OutcomeDuplicate
		stored, err := s.records.Get(ctx, rec.ID)
		if err == nil {
			st = Settlement{Reward: stored.Reward, Quality: stored.Quality, NeedsReview: stored.NeedsReview, SettledAt: stored.SettledAt}
		}
	}

	var quality float64
	if st.Quality != nil {
		quality = st.Quality.Score
	}
	s.meter.OnSettle(SettleEvent{
		RequestID:   rec.ID,
		AccountID:   rec.AccountID,
		Provider:    rec.ChosenProviderID,
		Reward:      st.Reward,
		Quality:     quality,
		NeedsReview: st.NeedsReview,
		Outcome:     outcome,
	})
	return st, nil
}

// creditedAmount returns the reward already credited for rec, or 0 when it
// cannot be read back.
func (s *Settler) creditedAmount(ctx context.Context, rec RequestRecord) int64 {
	txs, err := s.ledger.History(ctx, rec.AccountID, time.Time{}, time.Time{})
	if err != nil {
		s.logger.Warn("reading back duplicate credit failed",
			zap.String("request_id", rec.ID),
			zap.Error(err),
		)
		return 0
	}
	for _, tx := range txs {
		if tx.Kind == TxCredit && tx.RequestID == rec.ID {
			return tx.Amount
		}
	}
	return 0
}
