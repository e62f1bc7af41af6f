package promotion

import (
	"log"
	"math"
	"sort"
	"time"

	"outreach-ab-engine/experiment"
)

// Default promotion thresholds. An experiment must clear every one of these
// before its winner becomes a candidate.
const (
	DefaultMaxPValue      = 0.05
	DefaultMinLiftPct     = 10.0
	DefaultMinSampleSize  = 1000
	DefaultMinRuntimeDays = 7.0
	DefaultLookbackDays   = 7
)

// Thresholds are the promotion gates applied by the evaluator.
type Thresholds struct {
	MaxPValue      float64
	MinLiftPct     float64
	MinSampleSize  int
	MinRuntimeDays float64
	LookbackDays   int
}

// DefaultThresholds returns the standard promotion gates.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxPValue:      DefaultMaxPValue,
		MinLiftPct:     DefaultMinLiftPct,
		MinSampleSize:  DefaultMinSampleSize,
		MinRuntimeDays: DefaultMinRuntimeDays,
		LookbackDays:   DefaultLookbackDays,
	}
}

// Evaluator scans experiments against promotion thresholds and produces
// ranked candidates. Evaluation is side-effect free: acting on a candidate is
// the canary controller's job.
type Evaluator struct {
	registry   *experiment.Registry
	store      Store // optional, for the recent-promotion lookback
	thresholds Thresholds
}

// NewEvaluator creates an evaluator. store may be nil; the lookback then
// treats everything as not recently promoted.
func NewEvaluator(registry *experiment.Registry, store Store, thresholds Thresholds) *Evaluator {
	return &Evaluator{registry: registry, store: store, thresholds: thresholds}
}

// Scan sweeps all active experiments and returns the candidates that clear
// every gate, best lift first. Skips are logged with reasons and never abort
// the sweep.
func (e *Evaluator) Scan() []Candidate {
	candidates := make([]Candidate, 0)

	for _, summary := range e.registry.ListActive() {
		candidate, reason := e.evaluate(summary.ID)
		if candidate == nil {
			if reason != "" {
				log.Printf("⏭️ Skipping %s: %s", summary.ID, reason)
			}
			continue
		}
		log.Printf("🎯 Promotion candidate: %s winner=%s lift=%.1f%% p=%.4f n=%d",
			candidate.ExperimentID, candidate.WinnerVariant, candidate.LiftPct,
			candidate.PValue, candidate.SampleSize)
		candidates = append(candidates, *candidate)
	}

	// Best lift first
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LiftPct > candidates[j].LiftPct
	})
	return candidates
}

// evaluate applies the gate chain to one experiment. A nil candidate with an
// empty reason means an internal error already logged.
func (e *Evaluator) evaluate(experimentID string) (*Candidate, string) {
	result, err := e.registry.StatsFor(experimentID)
	if err != nil {
		log.Printf("❌ Error computing stats for %s: %v", experimentID, err)
		return nil, ""
	}

	t := e.thresholds

	if result.RuntimeDays < t.MinRuntimeDays {
		return nil, "" // routine for young experiments, not worth a log line
	}
	if result.TotalImpressions < t.MinSampleSize {
		return nil, ""
	}
	if !result.IsSignificant || result.PValue >= t.MaxPValue {
		return nil, ""
	}

	ranked := experiment.RankedRates(result)
	if len(ranked) < 2 {
		return nil, "fewer than 2 variants with data"
	}
	winner, control := ranked[0], ranked[1]

	lift := experiment.Lift(winner.ConversionRate, control.ConversionRate)
	if lift < t.MinLiftPct {
		return nil, ""
	}

	if e.recentlyPromoted(experimentID, winner.Variant) {
		return nil, "promoted within lookback window"
	}

	candidate := &Candidate{
		ExperimentID:   experimentID,
		WinnerVariant:  winner.Variant,
		ControlVariant: control.Variant,
		PValue:         result.PValue,
		LiftPct:        lift,
		SampleSize:     result.TotalImpressions,
		RuntimeDays:    result.RuntimeDays,
		WinnerRate:     winner.ConversionRate,
		ControlRate:    control.ConversionRate,
		WinnerCILow:    winner.CILow,
		WinnerCIHigh:   winner.CIHigh,
		Metrics:        snapshotMetrics(result),
	}
	if math.IsInf(candidate.LiftPct, 1) {
		// Keep the snapshot JSON-safe; the gate already passed
		candidate.LiftPct = math.MaxFloat64
	}
	return candidate, ""
}

// recentlyPromoted queries the persistence port for a promotion of the same
// experiment/variant pair inside the lookback window. An absent or failing
// port reads as "not recently promoted", the safe default for a sweep.
func (e *Evaluator) recentlyPromoted(experimentID, variant string) bool {
	if e.store == nil {
		return false
	}
	since := time.Now().AddDate(0, 0, -e.thresholds.LookbackDays)
	recent, err := e.store.RecentPromotions(experimentID, variant, since)
	if err != nil {
		log.Printf("⚠️ Lookback query failed for %s/%s, assuming not recently promoted: %v",
			experimentID, variant, err)
		return false
	}
	return len(recent) > 0
}

func snapshotMetrics(result *experiment.Result) MetricsSnapshot {
	snapshot := MetricsSnapshot{
		TotalImpressions: result.TotalImpressions,
		TotalConversions: result.TotalConversions,
		VariantRates:     make(map[string]float64, len(result.Variants)),
		VariantSamples:   make(map[string]int, len(result.Variants)),
		CapturedAt:       time.Now(),
	}
	for _, vs := range result.Variants {
		snapshot.VariantRates[vs.Variant] = vs.ConversionRate
		snapshot.VariantSamples[vs.Variant] = vs.Impressions
	}
	return snapshot
}
