package creditgate

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepReport counts what one sweep did.
type SweepReport struct {
	Settled  int `json:"settled"`
	Released int `json:"released"`
	Purged   int `json:"purged"`
	Errors   int `json:"errors"`
}

// Sweeper is the reconciliation loop. Each pass it
//  1. settles Completed records left unsettled past ReconcileAfter with the
//     baseline reward,
//  2. releases the holds of records stuck before completion past the
//     request deadline and fails them,
//  3. purges terminal records older than the retention window.
type Sweeper struct {
	ledger  Ledger
	records RecordStore
	settler *Settler
	cfg     SettlementConfig

	// staleAfter must exceed the longest a live request can take.
	staleAfter time.Duration

	batch  int
	now    func() time.Time
	logger *zap.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepLogger sets the logger.
func WithSweepLogger(logger *zap.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// WithSweepClock overrides the clock.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithStaleAfter overrides how long a request may stay unfinished before its
// hold is released. Defaults to the request timeout plus a minute.
func WithStaleAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.staleAfter = d }
}

// NewSweeper creates a Sweeper.
func NewSweeper(ledger Ledger, records RecordStore, settler *Settler, cfg Config, opts ...SweeperOption) *Sweeper {
	cfg = cfg.WithDefaults()
	s := &Sweeper{
		ledger:     ledger,
		records:    records,
		settler:    settler,
		cfg:        cfg.Settlement,
		staleAfter: cfg.Dispatch.RequestTimeout + time.Minute,
		batch:      500,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "sweeper"))
	return s
}

// Run sweeps every SweepInterval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("sweep failed", zap.Error(err))
				continue
			}
			if report != (SweepReport{}) {
				s.logger.Info("sweep finished",
					zap.Int("settled", report.Settled),
					zap.Int("released", report.Released),
					zap.Int("purged", report.Purged),
					zap.Int("errors", report.Errors),
				)
			}
		}
	}
}

// Sweep runs one reconciliation pass. Per-record failures are logged and
// counted; only store query failures are returned.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	now := s.now()
	var settled, released, failed atomic.Int64

	unsettled, err := s.records.Unsettled(ctx, now.Add(-s.cfg.ReconcileAfter), s.batch)
	if err != nil {
		return SweepReport{}, err
	}
	stale, err := s.records.Stale(ctx, now.Add(-s.staleAfter), s.batch)
	if err != nil {
		return SweepReport{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SweepConcurrency)

	for _, rec := range unsettled {
		g.Go(func() error {
			if _, err := s.settler.SettleBaseline(gctx, rec); err != nil {
				failed.Add(1)
				s.logger.Error("reconcile settlement failed", zap.String("request_id", rec.ID), zap.Error(err))
				return nil
			}
			settled.Add(1)
			return nil
		})
	}

	for _, rec := range stale {
		g.Go(func() error {
			if err := s.abandon(gctx, rec, now); err != nil {
				failed.Add(1)
				s.logger.Error("release of stale request failed", zap.String("request_id", rec.ID), zap.Error(err))
				return nil
			}
			released.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return SweepReport{}, err
	}

	purged, err := s.records.Purge(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		return SweepReport{}, err
	}

	return SweepReport{
		Settled:  int(settled.Load()),
		Released: int(released.Load()),
		Purged:   purged,
		Errors:   int(failed.Load()),
	}, nil
}

// abandon releases whatever rec still holds and fails it.
func (s *Sweeper) abandon(ctx context.Context, rec RequestRecord, now time.Time) error {
	_, amount, err := s.ledger.Release(ctx, rec.AccountID, rec.ID)
	if err != nil {
		return err
	}
	if err := rec.Transition(StateFailed, now.UTC()); err != nil {
		return err
	}
	rec.Failure = "abandoned: request exceeded its deadline"
	s.logger.Warn("abandoned request released",
		zap.String("request_id", rec.ID),
		zap.String("account_id", rec.AccountID),
		zap.Int64("released", amount),
	)
	return s.records.Save(ctx, rec)
}
