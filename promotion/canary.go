package promotion

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"outreach-ab-engine/experiment"
	"outreach-ab-engine/metrics"
)

// Canary defaults. Overridable through CanaryConfig.
const (
	DefaultCanaryTrafficPct  = 20.0
	DefaultCanaryWindowHours = 24.0
)

// CanaryConfig tunes the rollout controller.
type CanaryConfig struct {
	TrafficPct  float64
	WindowHours float64
}

// DefaultCanaryConfig returns the standard canary parameters.
func DefaultCanaryConfig() CanaryConfig {
	return CanaryConfig{
		TrafficPct:  DefaultCanaryTrafficPct,
		WindowHours: DefaultCanaryWindowHours,
	}
}

// EventSink receives promotion lifecycle events (canary started, completed,
// rolled back) for dashboards and webhooks. May be nil.
type EventSink interface {
	PromotionEvent(event string, p *Promotion)
}

// Controller drives promoted variants through the canary state machine:
// pending -> canary -> completed, or canary -> rolled_back. In-memory records
// are the source of truth; the persistence port is best-effort write-through.
type Controller struct {
	mu      sync.Mutex
	records map[string]*Promotion

	registry *experiment.Registry
	store    Store // optional
	health   HealthChecker
	traffic  TrafficAllocator
	sink     EventSink // optional
	cfg      CanaryConfig
}

// NewController creates a canary rollout controller. store and sink may be
// nil; health and traffic fall back to the default stubs when nil.
func NewController(registry *experiment.Registry, store Store, health HealthChecker, traffic TrafficAllocator, sink EventSink, cfg CanaryConfig) *Controller {
	if health == nil {
		health = &StaticHealthChecker{Healthy: true}
	}
	if traffic == nil {
		traffic = LogAllocator{}
	}
	if cfg.TrafficPct <= 0 {
		cfg.TrafficPct = DefaultCanaryTrafficPct
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = DefaultCanaryWindowHours
	}
	return &Controller{
		records:  make(map[string]*Promotion),
		registry: registry,
		store:    store,
		health:   health,
		traffic:  traffic,
		sink:     sink,
		cfg:      cfg,
	}
}

// Restore loads previously persisted in-flight canaries into memory, so a
// restart resumes monitoring where it left off. Terminal records are skipped.
func (c *Controller) Restore() {
	if c.store == nil {
		return
	}
	pending, err := c.store.PendingCanaries()
	if err != nil {
		log.Printf("⚠️ Failed to restore pending canaries: %v", err)
		return
	}

	c.mu.Lock()
	restored := 0
	for i := range pending {
		p := pending[i]
		if p.Terminal() {
			continue
		}
		if _, exists := c.records[p.ID]; !exists {
			c.records[p.ID] = &p
			restored++
		}
	}
	c.mu.Unlock()

	if restored > 0 {
		log.Printf("🔄 Restored %d in-flight canaries", restored)
	}
}

// Promote creates a promotion record for the variant and immediately advances
// it into canary, signalling the canary traffic allocation. The control
// variant (second-best by conversion rate) becomes the recorded previous
// default. Fails with experiment.ErrNotFound / experiment.ErrUnknownVariant,
// and with ErrInvalidState when the pair already has an in-flight canary or
// was promoted inside the dedup window.
func (c *Controller) Promote(experimentID, variant, actor, promotionType string) (*Promotion, error) {
	since := time.Now().AddDate(0, 0, -DefaultLookbackDays)
	if c.hasRecentPromotion(experimentID, variant, since) {
		return nil, fmt.Errorf("%w: %s/%s already has a recent promotion", ErrInvalidState, experimentID, variant)
	}

	result, err := c.registry.StatsFor(experimentID)
	if err != nil {
		return nil, err
	}

	var winner *experiment.VariantStats
	for i := range result.Variants {
		if result.Variants[i].Variant == variant {
			winner = &result.Variants[i]
			break
		}
	}
	if winner == nil {
		return nil, fmt.Errorf("%w: %q in experiment %s", experiment.ErrUnknownVariant, variant, experimentID)
	}

	// Control is the best-performing other variant
	control := ""
	controlRate := 0.0
	for _, vs := range experiment.RankedRates(result) {
		if vs.Variant != variant {
			control = vs.Variant
			controlRate = vs.ConversionRate
			break
		}
	}

	lift := experiment.Lift(winner.ConversionRate, controlRate)
	if math.IsInf(lift, 1) {
		lift = math.MaxFloat64
	}

	now := time.Now()
	p := &Promotion{
		ID:               uuid.NewString(),
		ExperimentID:     experimentID,
		Variant:          variant,
		PreviousDefault:  control,
		Type:             promotionType,
		Actor:            actor,
		PValue:           result.PValue,
		LiftPct:          lift,
		SampleSize:       result.TotalImpressions,
		Metrics:          snapshotMetrics(result),
		CanaryStatus:     StatusPending,
		CanaryTrafficPct: c.cfg.TrafficPct,
		CreatedAt:        now,
	}

	c.mu.Lock()
	c.records[p.ID] = p
	c.mu.Unlock()

	c.persistInsert(p)

	// pending is transient: advance to canary immediately
	startedAt := time.Now()
	c.mu.Lock()
	p.CanaryStatus = StatusCanary
	p.CanaryStartedAt = &startedAt
	c.mu.Unlock()

	c.persistUpdate(p)
	c.signalTraffic(p, c.cfg.TrafficPct)
	c.emit("canary_started", p)

	metrics.PromotionsTotal.WithLabelValues(promotionType).Inc()
	metrics.CanariesInFlight.Inc()

	log.Printf("🚀 Promoted %s/%s (%s by %s): canary at %.0f%% traffic",
		experimentID, variant, promotionType, actor, c.cfg.TrafficPct)
	return c.snapshot(p.ID), nil
}

// MonitorReport aggregates the results of one monitor sweep. Per-record
// failures are collected here instead of aborting the sweep.
type MonitorReport struct {
	Checked    int
	Completed  []string
	RolledBack []string
	Errors     []error
}

// Monitor sweeps all canary-status records whose monitoring window has
// elapsed, completing healthy ones and rolling back unhealthy ones. Terminal
// records are excluded from the sweep, so re-running is a no-op for them.
func (c *Controller) Monitor() MonitorReport {
	window := time.Duration(c.cfg.WindowHours * float64(time.Hour))
	cutoff := time.Now().Add(-window)

	c.mu.Lock()
	due := make([]*Promotion, 0)
	for _, p := range c.records {
		if p.CanaryStatus == StatusCanary && p.CanaryStartedAt != nil && p.CanaryStartedAt.Before(cutoff) {
			due = append(due, p)
		}
	}
	c.mu.Unlock()

	report := MonitorReport{Checked: len(due)}
	for _, p := range due {
		healthy, reason, err := c.checkHealth(p)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("promotion %s: %w", p.ID, err))
			continue
		}
		if healthy {
			if err := c.complete(p.ID); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("promotion %s: %w", p.ID, err))
				continue
			}
			report.Completed = append(report.Completed, p.ID)
		} else {
			if reason == "" {
				reason = "canary health check failed"
			}
			if err := c.rollback(p.ID, reason); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("promotion %s: %w", p.ID, err))
				continue
			}
			report.RolledBack = append(report.RolledBack, p.ID)
		}
	}

	if report.Checked > 0 {
		log.Printf("🔍 Canary monitor: %d checked, %d completed, %d rolled back, %d errors",
			report.Checked, len(report.Completed), len(report.RolledBack), len(report.Errors))
	}
	return report
}

// checkHealth shields the sweep from a panicking health-check plugin.
func (c *Controller) checkHealth(p *Promotion) (healthy bool, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			healthy, reason = false, ""
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	return c.health.Check(p.ExperimentID, p.Variant, *p.CanaryStartedAt)
}

// ManualRollback forces a canary-status record into rolled_back with the
// operator's reason. Terminal records fail with ErrInvalidState.
func (c *Controller) ManualRollback(promotionID, reason string) error {
	c.mu.Lock()
	p, ok := c.records[promotionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, promotionID)
	}
	if p.Terminal() {
		status := p.CanaryStatus
		c.mu.Unlock()
		return fmt.Errorf("%w: promotion %s is already %s", ErrInvalidState, promotionID, status)
	}
	c.mu.Unlock()

	return c.rollback(promotionID, reason)
}

// Get returns a copy of a promotion record.
func (c *Controller) Get(promotionID string) (*Promotion, error) {
	p := c.snapshot(promotionID)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, promotionID)
	}
	return p, nil
}

// List returns copies of all promotion records, newest first.
func (c *Controller) List() []Promotion {
	c.mu.Lock()
	all := make([]Promotion, 0, len(c.records))
	for _, p := range c.records {
		all = append(all, *p)
	}
	c.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all
}

// complete transitions canary -> completed under the record lock, then signals
// full rollout. Losing the status race to another transition is an
// ErrInvalidState, which prevents double completion.
func (c *Controller) complete(promotionID string) error {
	now := time.Now()

	c.mu.Lock()
	p, ok := c.records[promotionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, promotionID)
	}
	if p.CanaryStatus != StatusCanary {
		status := p.CanaryStatus
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot complete from %s", ErrInvalidState, status)
	}
	p.CanaryStatus = StatusCompleted
	p.CanaryEndedAt = &now
	p.FullRolloutAt = &now
	c.mu.Unlock()

	c.persistUpdate(p)
	c.signalTraffic(p, 100)
	c.emit("canary_completed", p)
	metrics.CanariesInFlight.Dec()

	log.Printf("✅ Canary completed: %s/%s now at full rollout", p.ExperimentID, p.Variant)
	return nil
}

// rollback transitions canary -> rolled_back, identical bookkeeping for the
// automatic and manual paths.
func (c *Controller) rollback(promotionID, reason string) error {
	now := time.Now()

	c.mu.Lock()
	p, ok := c.records[promotionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, promotionID)
	}
	if p.CanaryStatus != StatusCanary && p.CanaryStatus != StatusPending {
		status := p.CanaryStatus
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot roll back from %s", ErrInvalidState, status)
	}
	p.CanaryStatus = StatusRolledBack
	p.CanaryEndedAt = &now
	p.RolledBackAt = &now
	p.RollbackReason = reason
	c.mu.Unlock()

	c.persistUpdate(p)
	// Revert traffic to the pre-promotion default
	c.signalTraffic(p, 0)
	c.emit("canary_rolled_back", p)
	metrics.RollbacksTotal.Inc()
	metrics.CanariesInFlight.Dec()

	log.Printf("↩️ Rolled back %s/%s: %s", p.ExperimentID, p.Variant, reason)
	return nil
}

// hasRecentPromotion reports whether the pair has an in-flight promotion or
// one created after since. The in-memory records enforce de-duplication even
// with no persistence port attached; the evaluator's lookback query covers
// records from before the last restart.
func (c *Controller) hasRecentPromotion(experimentID, variant string, since time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.records {
		if p.ExperimentID != experimentID || p.Variant != variant {
			continue
		}
		if !p.Terminal() || p.CreatedAt.After(since) {
			return true
		}
	}
	return false
}

func (c *Controller) snapshot(promotionID string) *Promotion {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.records[promotionID]
	if !ok {
		return nil
	}
	copied := *p
	return &copied
}

func (c *Controller) persistInsert(p *Promotion) {
	if c.store == nil {
		return
	}
	if err := c.store.InsertPromotion(p); err != nil {
		log.Printf("⚠️ Failed to persist promotion %s: %v", p.ID, err)
	}
}

func (c *Controller) persistUpdate(p *Promotion) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdatePromotion(p); err != nil {
		log.Printf("⚠️ Failed to persist promotion update %s: %v", p.ID, err)
	}
}

func (c *Controller) signalTraffic(p *Promotion, pct float64) {
	if err := c.traffic.SetAllocation(p.ExperimentID, p.Variant, pct); err != nil {
		log.Printf("⚠️ Traffic allocation signal failed for %s/%s: %v", p.ExperimentID, p.Variant, err)
	}
}

func (c *Controller) emit(event string, p *Promotion) {
	if c.sink == nil {
		return
	}
	copied := *p
	c.sink.PromotionEvent(event, &copied)
}
