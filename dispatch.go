package creditgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/ineyio/creditgate"

// DispatchResult is the outcome of a successful dispatch.
type DispatchResult struct {
	Candidate Candidate
	Response  ExecuteResponse
	Attempts  int
	Held      int64
	Charged   int64
	Refunded  int64
}

// Dispatcher executes a request against ranked candidates, holding credits
// before each attempt and reconciling them after.
//
// Every ledger call after the first hold runs on a context detached from
// the caller's cancellation, so a cancelled request still releases its hold.
// A record left non-terminal because the ledger was unreachable is picked up
// by the Sweeper.
type Dispatcher struct {
	ledger   Ledger
	dir      *Directory
	router   *Router
	adapters map[string]ProviderAdapter
	records  RecordStore
	meter    Meter
	cfg      DispatchConfig
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. cfg zero values take defaults.
func NewDispatcher(
	ledger Ledger,
	dir *Directory,
	router *Router,
	adapters []ProviderAdapter,
	records RecordStore,
	meter Meter,
	cfg DispatchConfig,
	logger *zap.Logger,
) *Dispatcher {
	cfg = Config{Dispatch: cfg}.WithDefaults().Dispatch
	if meter == nil {
		meter = noopMeter{}
	}
	if records == nil {
		records = noopRecordStore{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := make(map[string]ProviderAdapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Dispatcher{
		ledger:   ledger,
		dir:      dir,
		router:   router,
		adapters: m,
		records:  records,
		meter:    meter,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "dispatcher")),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// Dispatch runs rec through the ranked candidates. rec must be Pending and
// is updated in place.
//
// At most MaxAttempts providers are called. A candidate whose hold is
// refused for funds is skipped without using an attempt. Fatal provider
// errors stop the chain. On total failure every hold has been refunded and a
// *ProviderUnavailableError is returned; if no candidate could be held at
// all the hold's *InsufficientFundsError is returned instead.
func (d *Dispatcher) Dispatch(ctx context.Context, acct Account, rec *RequestRecord, ranked RankedCandidates, req Request) (DispatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	ledgerCtx := context.WithoutCancel(ctx)

	var (
		attempts int
		lastErr  error
		holdErr  error
	)

	for _, c := range ranked.Candidates {
		if attempts >= d.cfg.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		adapter, ok := d.adapters[c.Adapter]
		if !ok {
			d.logger.Warn("no adapter registered for provider",
				zap.String("provider", c.ProviderID),
				zap.String("adapter", c.Adapter),
			)
			lastErr = fmt.Errorf("%w: no adapter %q", ErrProviderUnavailable, c.Adapter)
			continue
		}

		if !d.dir.Acquire(c.ProviderID) {
			// Another request took this provider's recovery probe.
			d.logger.Debug("provider probe already taken",
				zap.String("request_id", rec.ID),
				zap.String("provider", c.ProviderID),
			)
			continue
		}

		// Pending -> Held.
		if _, err := d.ledger.Hold(ledgerCtx, acct.ID, c.EstimatedCost, rec.ID); err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				holdErr = err
				continue
			}
			d.fail(ledgerCtx, rec, "hold failed: "+err.Error())
			return DispatchResult{}, fmt.Errorf("creditgate: hold: %w", err)
		}
		rec.ChosenProviderID = c.ProviderID
		rec.ChosenModel = c.Model.Name
		rec.HeldAmount = c.EstimatedCost
		d.transition(ledgerCtx, rec, StateHeld)

		// Held -> Executing.
		d.transition(ledgerCtx, rec, StateExecuting)
		attempts++

		d.meter.OnRoute(RouteEvent{
			RequestID:      rec.ID,
			AccountID:      acct.ID,
			Provider:       c.ProviderID,
			Model:          c.Model.Name,
			QualityTier:    c.Model.CapabilityTier,
			Widened:        c.Widened,
			AttemptNum:     attempts,
			EstimatedUnits: rec.Classification.EstimatedUnits,
			Held:           c.EstimatedCost,
		})

		resp, attempt, err := d.execute(ctx, adapter, c, rec, req)
		rec.Attempts = append(rec.Attempts, attempt)

		if err != nil {
			d.dir.RecordFailure(c.ProviderID)
			d.meter.OnResult(ResultEvent{
				RequestID: rec.ID,
				AccountID: acct.ID,
				Provider:  c.ProviderID,
				Model:     c.Model.Name,
				Duration:  attempt.Duration,
				Error:     err,
			})
			d.logger.Warn("provider attempt failed",
				zap.String("request_id", rec.ID),
				zap.String("provider", c.ProviderID),
				zap.String("model", c.Model.Name),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			lastErr = err

			// Refund the hold before moving on.
			if _, _, rerr := d.ledger.Release(ledgerCtx, acct.ID, rec.ID); rerr != nil {
				d.logger.Error("refund after failed attempt failed",
					zap.String("request_id", rec.ID),
					zap.String("account_id", acct.ID),
					zap.Error(rerr),
				)
				d.save(ledgerCtx, rec)
				return DispatchResult{}, &ProviderUnavailableError{RequestID: rec.ID, Attempts: attempts, Last: err}
			}
			rec.HeldAmount = 0
			d.transition(ledgerCtx, rec, StatePending)

			if IsFatal(err) {
				break
			}
			continue
		}

		return d.complete(ledgerCtx, acct, rec, c, resp, attempts)
	}

	if attempts == 0 && holdErr != nil {
		d.fail(ledgerCtx, rec, "insufficient funds for every candidate")
		return DispatchResult{}, holdErr
	}

	reason := "all attempts failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	d.fail(ledgerCtx, rec, reason)
	return DispatchResult{}, &ProviderUnavailableError{RequestID: rec.ID, Attempts: attempts, Last: lastErr}
}

// execute calls the adapter under the per-attempt deadline.
func (d *Dispatcher) execute(ctx context.Context, adapter ProviderAdapter, c Candidate, rec *RequestRecord, req Request) (ExecuteResponse, Attempt, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	attemptCtx, span := d.tracer.Start(attemptCtx, "creditgate.attempt",
		trace.WithAttributes(
			attribute.String("creditgate.request_id", rec.ID),
			attribute.String("creditgate.provider", c.ProviderID),
			attribute.String("creditgate.model", c.Model.Name),
			attribute.Int64("creditgate.held", c.EstimatedCost),
		),
	)
	defer span.End()

	deadline, _ := attemptCtx.Deadline()
	start := d.now()
	resp, err := adapter.Execute(attemptCtx, ExecuteRequest{
		Auth:        c.Auth,
		Model:       c.Model.Name,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxUnits:    req.MaxUnits,
		Deadline:    deadline,
	})
	attempt := Attempt{
		ProviderID: c.ProviderID,
		Model:      c.Model.Name,
		Held:       c.EstimatedCost,
		Duration:   d.now().Sub(start),
		StartedAt:  start.UTC(),
	}
	if err == nil && attemptCtx.Err() != nil {
		// The adapter ignored its deadline.
		err = fmt.Errorf("%w: %w", ErrProviderUnavailable, attemptCtx.Err())
	}
	if err != nil {
		attempt.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt failed")
		return ExecuteResponse{}, attempt, err
	}
	span.SetAttributes(attribute.Int64("creditgate.units_consumed", resp.UnitsConsumed))
	return resp, attempt, nil
}

// complete reconciles the hold against the actual cost: Debit the actual
// cost, then release the remainder.
func (d *Dispatcher) complete(ctx context.Context, acct Account, rec *RequestRecord, c Candidate, resp ExecuteResponse, attempts int) (DispatchResult, error) {
	d.dir.RecordSuccess(c.ProviderID)

	units := resp.UnitsConsumed
	if units <= 0 {
		units = rec.Classification.EstimatedUnits
	}
	// The hold is the ceiling of what a request may cost.
	actual := min(d.router.EstimateCost(c.ProviderModel, units, acct.Tier), c.EstimatedCost)

	if _, err := d.ledger.Debit(ctx, acct.ID, actual, rec.ID); err != nil {
		d.logger.Error("debit of actual cost failed",
			zap.String("request_id", rec.ID),
			zap.String("account_id", acct.ID),
			zap.Int64("amount", actual),
			zap.Error(err),
		)
		d.save(ctx, rec)
		return DispatchResult{}, fmt.Errorf("creditgate: debit: %w", err)
	}
	_, refunded, err := d.ledger.Release(ctx, acct.ID, rec.ID)
	if err != nil {
		// Settlement releases the remainder.
		d.logger.Error("refund of unused hold failed",
			zap.String("request_id", rec.ID),
			zap.String("account_id", acct.ID),
			zap.Error(err),
		)
	}

	rec.ActualCost = actual
	rec.UnitsConsumed = units
	d.transition(ctx, rec, StateCompleted)

	d.meter.OnResult(ResultEvent{
		RequestID:     rec.ID,
		AccountID:     acct.ID,
		Provider:      c.ProviderID,
		Model:         c.Model.Name,
		Success:       true,
		Duration:      rec.Attempts[len(rec.Attempts)-1].Duration,
		UnitsConsumed: units,
		Charged:       actual,
	})

	return DispatchResult{
		Candidate: c,
		Response:  resp,
		Attempts:  attempts,
		Held:      c.EstimatedCost,
		Charged:   actual,
		Refunded:  refunded,
	}, nil
}

func (d *Dispatcher) transition(ctx context.Context, rec *RequestRecord, to RequestState) {
	if err := rec.Transition(to, d.now().UTC()); err != nil {
		// Only reachable through a programming error.
		d.logger.Error("invalid request transition", zap.String("request_id", rec.ID), zap.Error(err))
		return
	}
	d.save(ctx, rec)
}

func (d *Dispatcher) fail(ctx context.Context, rec *RequestRecord, reason string) {
	rec.Failure = reason
	d.transition(ctx, rec, StateFailed)
}

func (d *Dispatcher) save(ctx context.Context, rec *RequestRecord) {
	if err := d.records.Save(ctx, *rec); err != nil {
		d.logger.Error("save request record failed",
			zap.String("request_id", rec.ID),
			zap.String("state", string(rec.State)),
			zap.Error(err),
		)
	}
}
