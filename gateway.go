package creditgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Gateway is the metered request gateway: it classifies a request, routes
// it, holds credits, dispatches with fallback and settles the reward.
type Gateway struct {
	cfg        Config
	ledger     Ledger
	dir        *Directory
	classifier Classifier
	policy     Policy
	router     *Router
	dispatcher *Dispatcher
	settler    *Settler
	evaluator  *Evaluator
	records    RecordStore
	meter      Meter
	base       *zap.Logger
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPolicy sets the routing policy.
func WithPolicy(p Policy) Option {
	return func(g *Gateway) { g.policy = p }
}

// WithClassifier sets the request classifier.
func WithClassifier(c Classifier) Option {
	return func(g *Gateway) { g.classifier = c }
}

// WithRecordStore sets where request records are kept.
func WithRecordStore(rs RecordStore) Option {
	return func(g *Gateway) { g.records = rs }
}

// WithEvaluator sets the quality evaluator.
func WithEvaluator(e *Evaluator) Option {
	return func(g *Gateway) { g.evaluator = e }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(g *Gateway) { g.meter = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithDirectory uses dir instead of building one from the config.
func WithDirectory(dir *Directory) Option {
	return func(g *Gateway) { g.dir = dir }
}

// WithClock overrides the clock used for records.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a Gateway over ledger and adapters.
// Default components (WeightedPolicy from cfg, RuleClassifier, Evaluator,
// NoopMeter, no record store) are used unless overridden via options.
func NewGateway(cfg Config, ledger Ledger, adapters []ProviderAdapter, opts ...Option) (*Gateway, error) {
	if ledger == nil {
		return nil, fmt.Errorf("creditgate: a ledger is required")
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("creditgate: at least one provider adapter is required")
	}
	cfg = cfg.WithDefaults()

	g := &Gateway{
		cfg:    cfg,
		ledger: ledger,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	// Apply defaults after options.
	if g.dir == nil {
		dir, err := NewDirectory(cfg.DirectoryProviders(),
			WithHealthConfig(cfg.Health),
			WithEWMAAlpha(cfg.Quality.EWMAAlpha),
			WithDirectoryLogger(g.logger),
		)
		if err != nil {
			return nil, err
		}
		g.dir = dir
	}
	if g.policy == nil {
		g.policy = NewWeightedPolicy(cfg.Routing.Weights)
	}
	if g.classifier == nil {
		g.classifier = NewRuleClassifier()
	}
	if g.evaluator == nil {
		g.evaluator = NewEvaluator(WithDepthThreshold(cfg.Settlement.DepthThreshold))
	}
	if g.records == nil {
		g.records = noopRecordStore{}
	}
	if g.meter == nil {
		g.meter = noopMeter{}
	}
	g.tracer = otel.Tracer(tracerName)

	g.router = NewRouter(g.dir, g.policy, cfg.Routing.TierDiscounts)
	g.dispatcher = NewDispatcher(ledger, g.dir, g.router, adapters, g.records, g.meter, cfg.Dispatch, g.logger)
	g.dispatcher.now = g.now
	g.settler = NewSettler(ledger, g.records, g.dir, g.evaluator, g.meter, g.logger)
	g.settler.now = g.now
	g.base = g.logger
	g.logger = g.logger.With(zap.String("component", "gateway"))
	return g, nil
}

// SubmitRequest runs req for accountID end to end. The caller receives
// either a completed result with an itemized cost or a structured error:
// *ClassificationError, *InsufficientFundsError, *NoEligibleProviderError,
// *ProviderUnavailableError, or ErrAccountNotFound.
func (g *Gateway) SubmitRequest(ctx context.Context, accountID string, req Request) (result RequestResult, err error) {
	ctx, span := g.tracer.Start(ctx, "creditgate.SubmitRequest",
		trace.WithAttributes(attribute.String("creditgate.account_id", accountID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "request failed")
		}
		span.End()
	}()

	acct, err := g.ledger.Account(ctx, accountID)
	if err != nil {
		return RequestResult{}, g.internal(err)
	}

	cls, err := g.classifier.Classify(req, acct.Tier)
	if err != nil {
		return RequestResult{}, err
	}

	ranked, err := g.router.Route(acct, cls)
	if err != nil {
		g.logger.Info("request not routable",
			zap.String("account_id", accountID),
			zap.String("quality_tier", string(cls.QualityTier)),
			zap.Error(err),
		)
		return RequestResult{}, err
	}
	if ranked.ServedTier != ranked.RequestedTier {
		g.logger.Info("quality tier widened",
			zap.String("account_id", accountID),
			zap.String("requested", string(ranked.RequestedTier)),
			zap.String("served", string(ranked.ServedTier)),
		)
	}

	now := g.now().UTC()
	rec := RequestRecord{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		Classification: cls,
		State:          StatePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	span.SetAttributes(attribute.String("creditgate.request_id", rec.ID))
	if err := g.records.Save(ctx, rec); err != nil {
		return RequestResult{}, fmt.Errorf("creditgate: save request record: %w", err)
	}

	dr, err := g.dispatcher.Dispatch(ctx, acct, &rec, ranked, req)
	if err != nil {
		return RequestResult{}, g.internal(err)
	}

	// Settlement must not be lost to caller cancellation.
	settleCtx := context.WithoutCancel(ctx)
	st, err := g.settler.Settle(settleCtx, rec, Interaction{
		Prompt:       req.Messages,
		Content:      dr.Response.Content,
		FinishReason: dr.Response.FinishReason,
	}, req.Feedback)
	if err != nil {
		// The Sweeper settles it later with the baseline reward.
		g.logger.Error("settlement deferred to reconciliation",
			zap.String("request_id", rec.ID),
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		st = Settlement{NeedsReview: true}
	}

	balance, err := g.ledger.Balance(settleCtx, accountID)
	if err != nil {
		g.logger.Warn("balance read after settlement failed", zap.String("account_id", accountID), zap.Error(err))
	}

	return RequestResult{
		RequestID:      rec.ID,
		Content:        dr.Response.Content,
		Provider:       dr.Candidate.ProviderID,
		Model:          dr.Candidate.Model.Name,
		Attempts:       dr.Attempts,
		UnitsConsumed:  rec.UnitsConsumed,
		Classification: cls,
		Cost: CostBreakdown{
			Held:     dr.Held,
			Charged:  dr.Charged,
			Refunded: dr.Refunded,
			Reward:   st.Reward,
		},
		Balance:     balance,
		NeedsReview: st.NeedsReview,
		CompletedAt: rec.CompletedAt,
	}, nil
}

// GetBalance returns a point-in-time snapshot of the account's balance.
func (g *Gateway) GetBalance(ctx context.Context, accountID string) (int64, error) {
	bal, err := g.ledger.Balance(ctx, accountID)
	if err != nil {
		return 0, g.internal(err)
	}
	return bal, nil
}

// GetTransactionHistory returns the account's transactions in [from, to).
func (g *Gateway) GetTransactionHistory(ctx context.Context, accountID string, from, to time.Time) ([]Transaction, error) {
	txs, err := g.ledger.History(ctx, accountID, from, to)
	if err != nil {
		return nil, g.internal(err)
	}
	return txs, nil
}

// Providers returns the runtime state of every provider.
func (g *Gateway) Providers() []ProviderStatus {
	return g.dir.Snapshot()
}

// Directory returns the provider directory.
func (g *Gateway) Directory() *Directory { return g.dir }

// Settler returns the settler, for wiring a Sweeper.
func (g *Gateway) Settler() *Settler { return g.settler }

// NewSweeper creates a Sweeper sharing the gateway's ledger, records and settler.
func (g *Gateway) NewSweeper(opts ...SweeperOption) *Sweeper {
	opts = append([]SweeperOption{WithSweepLogger(g.base), WithSweepClock(g.now)}, opts...)
	return NewSweeper(g.ledger, g.records, g.settler, g.cfg, opts...)
}

// internal hides ledger conflicts that exhausted their retries behind a
// generic failure; everything else is already structured.
func (g *Gateway) internal(err error) error {
	if errors.Is(err, ErrLedgerConflict) {
		g.logger.Error("ledger contention exhausted retries", zap.Error(err))
		return fmt.Errorf("creditgate: ledger busy, retry later: %w", ErrProviderUnavailable)
	}
	return err
}
