package experiment

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"
)

// splitTolerance is the allowed deviation of a traffic split's sum from 1.0.
const splitTolerance = 1e-6

// AssignmentCache is an optional write-through cache for subject assignments
// (backed by redis in production). A nil cache disables it; the in-memory
// assignment map remains the source of truth either way.
type AssignmentCache interface {
	GetAssignment(experimentID, subjectID string) (string, bool)
	PutAssignment(experimentID, subjectID, variant string)
}

// Registry is the in-memory catalog of experiment definitions. It owns the
// lifecycle transitions and delegates assignment bookkeeping to the outcome
// store. An explicit instance is created by the host process and injected into
// callers; there is no package-level singleton.
type Registry struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment

	outcomes *OutcomeStore
	store    Store           // optional write-through persistence
	cache    AssignmentCache // optional assignment cache
}

// NewRegistry creates a registry. store and cache may be nil; the registry
// then runs in-memory only.
func NewRegistry(outcomes *OutcomeStore, store Store, cache AssignmentCache) *Registry {
	return &Registry{
		experiments: make(map[string]*Experiment),
		outcomes:    outcomes,
		store:       store,
		cache:       cache,
	}
}

// Outcomes exposes the outcome store backing this registry.
func (r *Registry) Outcomes() *OutcomeStore {
	return r.outcomes
}

// Create registers a new experiment. The traffic split defaults to uniform
// when nil. Fails with ErrAlreadyExists on a taken id and ErrInvalidDefinition
// on fewer than 2 variants, duplicate variant names, or a split that does not
// sum to 1.0 or references unknown variants.
func (r *Registry) Create(id string, variants []string, trafficSplit map[string]float64) (*Summary, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty experiment id", ErrInvalidDefinition)
	}
	if len(variants) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 variants, got %d", ErrInvalidDefinition, len(variants))
	}
	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		if v == "" {
			return nil, fmt.Errorf("%w: empty variant name", ErrInvalidDefinition)
		}
		if seen[v] {
			return nil, fmt.Errorf("%w: duplicate variant %q", ErrInvalidDefinition, v)
		}
		seen[v] = true
	}

	if trafficSplit == nil {
		trafficSplit = UniformSplit(variants)
	} else {
		sum := 0.0
		for name, weight := range trafficSplit {
			if !seen[name] {
				return nil, fmt.Errorf("%w: traffic split references unknown variant %q", ErrInvalidDefinition, name)
			}
			if weight < 0 {
				return nil, fmt.Errorf("%w: negative weight for variant %q", ErrInvalidDefinition, name)
			}
			sum += weight
		}
		if math.Abs(sum-1.0) > splitTolerance {
			return nil, fmt.Errorf("%w: traffic split sums to %.6f, want 1.0", ErrInvalidDefinition, sum)
		}
		// Copy so the caller's map can't mutate the experiment afterwards
		copied := make(map[string]float64, len(trafficSplit))
		for name, weight := range trafficSplit {
			copied[name] = weight
		}
		trafficSplit = copied
	}

	exp := &Experiment{
		ID:           id,
		Variants:     append([]string(nil), variants...),
		TrafficSplit: trafficSplit,
		Status:       StatusActive,
		CreatedAt:    time.Now(),
	}

	r.mu.Lock()
	if _, taken := r.experiments[id]; taken {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	r.experiments[id] = exp
	snapshot := *exp
	r.mu.Unlock()

	r.outcomes.Track(exp, func() string { return r.statusOf(id) })

	// Write-through persistence is best-effort
	if r.store != nil {
		if err := r.store.SaveExperiment(&snapshot); err != nil {
			log.Printf("⚠️ Failed to persist experiment %s: %v", id, err)
		}
	}

	log.Printf("✅ Created experiment %s with %d variants", id, len(variants))
	return r.summarize(snapshot), nil
}

// Restore re-registers a previously persisted experiment, keeping its
// original status and creation time so runtime-based gates survive restarts.
// No write-through happens; the definition came from the store.
func (r *Registry) Restore(exp Experiment) error {
	if exp.ID == "" || len(exp.Variants) < 2 {
		return fmt.Errorf("%w: %s", ErrInvalidDefinition, exp.ID)
	}
	if exp.TrafficSplit == nil {
		exp.TrafficSplit = UniformSplit(exp.Variants)
	}
	if exp.Status == "" {
		exp.Status = StatusActive
	}

	r.mu.Lock()
	if _, taken := r.experiments[exp.ID]; taken {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, exp.ID)
	}
	copied := exp
	r.experiments[exp.ID] = &copied
	r.mu.Unlock()

	id := exp.ID
	r.outcomes.Track(&copied, func() string { return r.statusOf(id) })
	return nil
}

// Get returns a copy of the experiment definition.
func (r *Registry) Get(id string) (*Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exp, ok := r.experiments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copied := *exp
	copied.Variants = append([]string(nil), exp.Variants...)
	split := make(map[string]float64, len(exp.TrafficSplit))
	for name, weight := range exp.TrafficSplit {
		split[name] = weight
	}
	copied.TrafficSplit = split
	return &copied, nil
}

// ListActive returns summaries of all active experiments, ordered by id.
func (r *Registry) ListActive() []Summary {
	r.mu.RLock()
	active := make([]Experiment, 0, len(r.experiments))
	for _, exp := range r.experiments {
		if exp.Status == StatusActive {
			active = append(active, *exp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	summaries := make([]Summary, 0, len(active))
	for _, exp := range active {
		summaries = append(summaries, *r.summarize(exp))
	}
	return summaries
}

// Deactivate transitions an experiment from active to completed. Calling on an
// already-completed experiment simply re-reports completion. Subsequent
// assignment attempts fail with ErrNotActive.
func (r *Registry) Deactivate(id string) (*Summary, error) {
	r.mu.Lock()
	exp, ok := r.experiments[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	wasActive := exp.Status == StatusActive
	exp.Status = StatusCompleted
	snapshot := *exp
	r.mu.Unlock()

	if wasActive {
		if r.store != nil {
			if err := r.store.MarkExperimentCompleted(id); err != nil {
				log.Printf("⚠️ Failed to persist completion of %s: %v", id, err)
			}
		}
		log.Printf("🏁 Experiment %s completed", id)
	}
	return r.summarize(snapshot), nil
}

// Remove deletes an experiment and its accumulated data. Destruction is only
// ever explicit; normal lifecycle transitions never remove anything.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	if _, ok := r.experiments[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.experiments, id)
	r.mu.Unlock()

	r.outcomes.Untrack(id)
	log.Printf("🗑️ Experiment %s removed", id)
	return nil
}

// GetOrAssignVariant returns the subject's variant for an active experiment,
// assigning one deterministically on first call. The assignment is recorded in
// the outcome store exactly once per subject; repeat calls return the cached
// assignment without re-hashing or re-incrementing impressions.
func (r *Registry) GetOrAssignVariant(id, subjectID string) (string, error) {
	r.mu.RLock()
	exp, ok := r.experiments[id]
	if !ok {
		r.mu.RUnlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if exp.Status != StatusActive {
		r.mu.RUnlock()
		return "", fmt.Errorf("%w: %s is %s", ErrNotActive, id, exp.Status)
	}
	variants := exp.Variants
	split := exp.TrafficSplit
	r.mu.RUnlock()

	// Existing assignment wins, no re-hash
	if variant := r.outcomes.AssignedVariant(id, subjectID); variant != "" {
		return variant, nil
	}
	if r.cache != nil {
		if variant, ok := r.cache.GetAssignment(id, subjectID); ok {
			// Replay a cache hit into the in-memory store (no-op when racing)
			if _, err := r.outcomes.RecordAssignment(id, subjectID, variant); err == nil {
				return variant, nil
			}
		}
	}

	variant := AssignVariant(subjectID, id, variants, split)

	created, err := r.outcomes.RecordAssignment(id, subjectID, variant)
	if err != nil {
		return "", err
	}
	if created {
		if r.cache != nil {
			r.cache.PutAssignment(id, subjectID, variant)
		}
		if r.store != nil {
			if err := r.store.SaveAssignment(id, subjectID, variant, time.Now()); err != nil {
				log.Printf("⚠️ Failed to persist assignment %s/%s: %v", id, subjectID, err)
			}
		}
	}
	return variant, nil
}

// RecordOutcome validates and records an outcome event for a subject, with
// best-effort write-through to persistence.
func (r *Registry) RecordOutcome(id, subjectID, variant, kind string, value float64) error {
	r.mu.RLock()
	_, ok := r.experiments[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	event, err := r.outcomes.RecordOutcome(id, subjectID, variant, kind, value)
	if err != nil {
		return err
	}

	if r.store != nil {
		if err := r.store.SaveOutcome(event); err != nil {
			log.Printf("⚠️ Failed to persist outcome %s/%s: %v", id, subjectID, err)
		}
	}
	return nil
}

// StatsFor returns the full rollup for an experiment.
func (r *Registry) StatsFor(id string) (*Result, error) {
	r.mu.RLock()
	_, ok := r.experiments[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.outcomes.StatsFor(id)
}

// Reset clears all experiments and their data. Test harnesses only; never
// called in production control flow.
func (r *Registry) Reset() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.experiments))
	for id := range r.experiments {
		ids = append(ids, id)
	}
	r.experiments = make(map[string]*Experiment)
	r.mu.Unlock()

	for _, id := range ids {
		r.outcomes.Untrack(id)
	}
}

func (r *Registry) statusOf(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if exp, ok := r.experiments[id]; ok {
		return exp.Status
	}
	return ""
}

// summarize takes an experiment by value; callers copy under the registry
// lock so the Status read cannot race a concurrent Deactivate.
func (r *Registry) summarize(exp Experiment) *Summary {
	summary := &Summary{
		ID:           exp.ID,
		Variants:     append([]string(nil), exp.Variants...),
		Status:       exp.Status,
		CreatedAt:    exp.CreatedAt,
		RuntimeHours: time.Since(exp.CreatedAt).Hours(),
	}
	if result, err := r.outcomes.StatsFor(exp.ID); err == nil {
		summary.Impressions = result.TotalImpressions
		summary.Conversions = result.TotalConversions
	}
	return summary
}
