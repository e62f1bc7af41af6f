package experiment

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// variantAccumulator tracks assignments and outcomes for one variant.
type variantAccumulator struct {
	subjects   map[string]bool // assigned subject ids (impressions)
	converters map[string]bool // subjects with >=1 outcome event
	events     []OutcomeEvent
	totalValue float64
}

func newVariantAccumulator() *variantAccumulator {
	return &variantAccumulator{
		subjects:   make(map[string]bool),
		converters: make(map[string]bool),
	}
}

// experimentData shards the outcome store per experiment so background
// aggregation of one experiment never blocks recording on another.
type experimentData struct {
	mu        sync.Mutex
	variants  map[string]*variantAccumulator
	order     []string // fixed variant order for stable rollups
	createdAt time.Time
	status    func() string
}

// OutcomeStore accumulates assignments and outcome events per experiment and
// variant, and computes the aggregate rollup on demand.
type OutcomeStore struct {
	mu          sync.RWMutex
	experiments map[string]*experimentData
}

// NewOutcomeStore creates an empty outcome store.
func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{experiments: make(map[string]*experimentData)}
}

// Track registers an experiment's variants with the store. Called by the
// registry on creation; idempotent.
func (s *OutcomeStore) Track(exp *Experiment, status func() string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[exp.ID]; ok {
		return
	}
	data := &experimentData{
		variants:  make(map[string]*variantAccumulator, len(exp.Variants)),
		order:     append([]string(nil), exp.Variants...),
		createdAt: exp.CreatedAt,
		status:    status,
	}
	for _, v := range exp.Variants {
		data.variants[v] = newVariantAccumulator()
	}
	s.experiments[exp.ID] = data
}

// Untrack removes an experiment's accumulated data. Only the registry's
// explicit removal path calls this.
func (s *OutcomeStore) Untrack(experimentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.experiments, experimentID)
}

func (s *OutcomeStore) data(experimentID string) (*experimentData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.experiments[experimentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, experimentID)
	}
	return data, nil
}

// RecordAssignment increments the variant's impression set for the subject.
// Repeat calls for the same subject are no-ops, so racing first-time callers
// settle on exactly one impression. Returns true if this call recorded a new
// impression.
func (s *OutcomeStore) RecordAssignment(experimentID, subjectID, variant string) (bool, error) {
	data, err := s.data(experimentID)
	if err != nil {
		return false, err
	}

	data.mu.Lock()
	defer data.mu.Unlock()

	acc, ok := data.variants[variant]
	if !ok {
		return false, fmt.Errorf("%w: %q in experiment %s", ErrUnknownVariant, variant, experimentID)
	}
	if acc.subjects[subjectID] {
		return false, nil
	}
	acc.subjects[subjectID] = true
	return true, nil
}

// RecordOutcome appends an outcome event for a subject. The variant must be a
// member of the experiment and the subject must have been assigned to it; the
// kind must be in the fixed vocabulary. Conversion counting is by distinct
// subject, so three events from one subject add one conversion.
func (s *OutcomeStore) RecordOutcome(experimentID, subjectID, variant, kind string, value float64) (*OutcomeEvent, error) {
	if !ValidOutcomeKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcomeKind, kind)
	}

	data, err := s.data(experimentID)
	if err != nil {
		return nil, err
	}

	data.mu.Lock()
	defer data.mu.Unlock()

	acc, ok := data.variants[variant]
	if !ok {
		return nil, fmt.Errorf("%w: %q in experiment %s", ErrUnknownVariant, variant, experimentID)
	}
	if !acc.subjects[subjectID] {
		return nil, fmt.Errorf("%w: subject %s was not assigned to %q", ErrUnknownVariant, subjectID, variant)
	}

	event := OutcomeEvent{
		ExperimentID: experimentID,
		SubjectID:    subjectID,
		Variant:      variant,
		Kind:         kind,
		Value:        value,
		RecordedAt:   time.Now(),
	}
	acc.events = append(acc.events, event)
	acc.converters[subjectID] = true
	acc.totalValue += value

	return &event, nil
}

// AssignedVariant returns the variant a subject is assigned to, or "" when the
// subject has no assignment in the experiment.
func (s *OutcomeStore) AssignedVariant(experimentID, subjectID string) string {
	data, err := s.data(experimentID)
	if err != nil {
		return ""
	}

	data.mu.Lock()
	defer data.mu.Unlock()
	for _, v := range data.order {
		if data.variants[v].subjects[subjectID] {
			return v
		}
	}
	return ""
}

// StatsFor computes the full experiment rollup. Safe at any time, including
// with zero recorded data: callers get zero-valued stats and no error.
func (s *OutcomeStore) StatsFor(experimentID string) (*Result, error) {
	data, err := s.data(experimentID)
	if err != nil {
		return nil, err
	}

	data.mu.Lock()
	variantStats := make([]VariantStats, 0, len(data.order))
	totalImpressions := 0
	totalConversions := 0
	for _, name := range data.order {
		acc := data.variants[name]
		vs := VariantStats{
			Variant:     name,
			Impressions: len(acc.subjects),
			Conversions: len(acc.converters),
			TotalValue:  acc.totalValue,
			TotalEvents: len(acc.events),
		}
		if vs.Impressions > 0 {
			vs.ConversionRate = float64(vs.Conversions) / float64(vs.Impressions)
		}
		vs.CILow, vs.CIHigh = WaldInterval(vs.ConversionRate, vs.Impressions)
		variantStats = append(variantStats, vs)
		totalImpressions += vs.Impressions
		totalConversions += vs.Conversions
	}
	createdAt := data.createdAt
	status := data.status()
	data.mu.Unlock()

	sig := Analyze(variantStats)

	return &Result{
		ExperimentID:     experimentID,
		Status:           status,
		Variants:         variantStats,
		TotalImpressions: totalImpressions,
		TotalConversions: totalConversions,
		PValue:           sig.PValue,
		IsSignificant:    sig.IsSignificant,
		Winner:           sig.Winner,
		RuntimeDays:      time.Since(createdAt).Hours() / 24,
	}, nil
}

// RankedRates returns variants sorted by conversion rate descending,
// considering only variants with at least one impression.
func RankedRates(result *Result) []VariantStats {
	ranked := make([]VariantStats, 0, len(result.Variants))
	for _, vs := range result.Variants {
		if vs.Impressions > 0 {
			ranked = append(ranked, vs)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ConversionRate > ranked[j].ConversionRate
	})
	return ranked
}
