package creditgate

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Provider is an upstream service capable of executing model requests.
type Provider struct {
	ID string

	// Adapter names the ProviderAdapter that executes this provider's
	// models. Defaults to ID.
	Adapter string
	Auth    Auth

	Models       []ModelSpec
	DiscountRate float64

	// BaseQuality seeds the rolling quality score.
	BaseQuality float64

	// MinAccountTier restricts the provider to accounts at or above a tier.
	MinAccountTier AccountTier
}

// ModelSpec describes one model offered by a provider.
type ModelSpec struct {
	ProviderID     string
	Name           string
	CostPerUnit    float64
	CapabilityTier QualityTier
}

// ProviderModel is an immutable snapshot of one routable (provider, model) pair.
type ProviderModel struct {
	ProviderID     string
	Adapter        string
	Auth           Auth
	Model          ModelSpec
	DiscountRate   float64
	Quality        float64
	Availability   Availability
	MinAccountTier AccountTier
}

// ProviderStatus is a point-in-time view of a provider's runtime state.
type ProviderStatus struct {
	ID           string       `json:"id"`
	Quality      float64      `json:"quality"`
	Availability Availability `json:"-"`
	State        string       `json:"availability"`
	Models       int          `json:"models"`
}

// Directory is the registry of upstream providers and their live quality
// and availability. Membership changes take a lock; quality and availability
// updates are per provider and never contend across providers.
type Directory struct {
	mu        sync.RWMutex
	providers map[string]*providerEntry

	health HealthConfig
	alpha  float64
	now    func() time.Time
	logger *zap.Logger
}

type providerEntry struct {
	spec    Provider
	quality atomic.Uint64 // math.Float64bits of the EWMA score
	avail   *availability
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithHealthConfig sets the availability thresholds.
func WithHealthConfig(cfg HealthConfig) DirectoryOption {
	return func(d *Directory) { d.health = cfg }
}

// WithEWMAAlpha sets the weight of each new quality observation.
func WithEWMAAlpha(alpha float64) DirectoryOption {
	return func(d *Directory) { d.alpha = alpha }
}

// WithDirectoryClock overrides the clock used for availability windows.
func WithDirectoryClock(now func() time.Time) DirectoryOption {
	return func(d *Directory) { d.now = now }
}

// WithDirectoryLogger sets the logger.
func WithDirectoryLogger(logger *zap.Logger) DirectoryOption {
	return func(d *Directory) { d.logger = logger }
}

// NewDirectory creates a Directory holding providers.
func NewDirectory(providers []Provider, opts ...DirectoryOption) (*Directory, error) {
	d := &Directory{
		providers: make(map[string]*providerEntry, len(providers)),
		alpha:     DefaultEWMAAlpha,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.health = d.health.withDefaults()
	d.logger = d.logger.With(zap.String("component", "directory"))

	for _, p := range providers {
		if err := d.Add(p); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Add registers a provider. Re-adding an id fails.
func (d *Directory) Add(p Provider) error {
	if p.ID == "" {
		return fmt.Errorf("creditgate: directory: provider id is required")
	}
	if p.Adapter == "" {
		p.Adapter = p.ID
	}
	if p.MinAccountTier == "" {
		p.MinAccountTier = AccountBasic
	}
	models := make([]ModelSpec, len(p.Models))
	for i, m := range p.Models {
		if !m.CapabilityTier.Valid() {
			return fmt.Errorf("creditgate: directory: provider %s: model %s: invalid tier %q", p.ID, m.Name, m.CapabilityTier)
		}
		m.ProviderID = p.ID
		models[i] = m
	}
	p.Models = models

	e := &providerEntry{spec: p, avail: newAvailability(d.health)}
	e.quality.Store(math.Float64bits(p.BaseQuality))

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.providers[p.ID]; ok {
		return fmt.Errorf("creditgate: directory: duplicate provider %q", p.ID)
	}
	d.providers[p.ID] = e
	return nil
}

// Remove unregisters a provider.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	delete(d.providers, id)
	d.mu.Unlock()
}

func (d *Directory) entry(id string) (*providerEntry, bool) {
	d.mu.RLock()
	e, ok := d.providers[id]
	d.mu.RUnlock()
	return e, ok
}

func (d *Directory) entries() []*providerEntry {
	d.mu.RLock()
	out := make([]*providerEntry, 0, len(d.providers))
	for _, e := range d.providers {
		out = append(out, e)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].spec.ID < out[j].spec.ID })
	return out
}

// CandidatesFor returns every eligible (provider, model) pair whose model
// serves tier, ordered by provider id then model name. A Down provider past
// its cool-down is listed but must be claimed with Acquire before a call.
func (d *Directory) CandidatesFor(tier QualityTier) []ProviderModel {
	now := d.now()
	var out []ProviderModel
	for _, e := range d.entries() {
		var matching []ModelSpec
		for _, m := range e.spec.Models {
			if m.CapabilityTier == tier {
				matching = append(matching, m)
			}
		}
		if len(matching) == 0 || !e.avail.Eligible(now) {
			continue
		}

		quality := math.Float64frombits(e.quality.Load())
		state := e.avail.State()
		sort.Slice(matching, func(i, j int) bool { return matching[i].Name < matching[j].Name })
		for _, m := range matching {
			out = append(out, ProviderModel{
				ProviderID:     e.spec.ID,
				Adapter:        e.spec.Adapter,
				Auth:           e.spec.Auth,
				Model:          m,
				DiscountRate:   e.spec.DiscountRate,
				Quality:        quality,
				Availability:   state,
				MinAccountTier: e.spec.MinAccountTier,
			})
		}
	}
	return out
}

// EstimateCost returns ceil(units * cost_per_unit * (1 - discount_rate)).
func (d *Directory) EstimateCost(pm ProviderModel, units int64) int64 {
	return CostFor(units, pm.Model.CostPerUnit, pm.DiscountRate)
}

// RecordQuality folds a new quality observation into the provider's EWMA.
func (d *Directory) RecordQuality(providerID string, score float64) {
	e, ok := d.entry(providerID)
	if !ok {
		return
	}
	score = math.Max(0, math.Min(1, score))
	for {
		old := e.quality.Load()
		cur := math.Float64frombits(old)
		next := cur + d.alpha*(score-cur)
		if e.quality.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// Quality returns the provider's rolling quality score.
func (d *Directory) Quality(providerID string) (float64, bool) {
	e, ok := d.entry(providerID)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(e.quality.Load()), true
}

// Acquire claims the right to call providerID now. It is always granted
// unless the provider is Down, where one caller per cool-down gets the probe.
func (d *Directory) Acquire(providerID string) bool {
	e, ok := d.entry(providerID)
	if !ok {
		return false
	}
	return e.avail.Acquire(d.now())
}

// RecordSuccess marks a successful dispatch.
func (d *Directory) RecordSuccess(providerID string) {
	if e, ok := d.entry(providerID); ok {
		e.avail.RecordSuccess()
	}
}

// RecordFailure marks a failed dispatch and returns the resulting state.
func (d *Directory) RecordFailure(providerID string) Availability {
	e, ok := d.entry(providerID)
	if !ok {
		return Healthy
	}
	before := e.avail.State()
	after := e.avail.RecordFailure(d.now())
	if after != before {
		d.logger.Warn("provider availability changed",
			zap.String("provider", providerID),
			zap.Stringer("from", before),
			zap.Stringer("to", after),
		)
	}
	return after
}

// Availability returns the provider's current availability.
func (d *Directory) Availability(providerID string) Availability {
	e, ok := d.entry(providerID)
	if !ok {
		return Down
	}
	return e.avail.State()
}

// Snapshot returns the runtime state of every provider, ordered by id.
func (d *Directory) Snapshot() []ProviderStatus {
	entries := d.entries()
	out := make([]ProviderStatus, 0, len(entries))
	for _, e := range entries {
		state := e.avail.State()
		out = append(out, ProviderStatus{
			ID:           e.spec.ID,
			Quality:      math.Float64frombits(e.quality.Load()),
			Availability: state,
			State:        state.String(),
			Models:       len(e.spec.Models),
		})
	}
	return out
}
