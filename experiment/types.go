package experiment

import "time"

// Experiment status lifecycle: active -> completed. Completed is terminal;
// removal is a separate explicit operation, not a status.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Outcome kinds form a small closed vocabulary. Recording any other kind is
// rejected at the boundary.
const (
	OutcomeConversion = "conversion"
	OutcomeResponse   = "response"
	OutcomeEngagement = "engagement"
)

// ValidOutcomeKind reports whether kind is part of the outcome vocabulary.
func ValidOutcomeKind(kind string) bool {
	switch kind {
	case OutcomeConversion, OutcomeResponse, OutcomeEngagement:
		return true
	}
	return false
}

// Experiment is a controlled experiment definition. Variants and the traffic
// split are immutable after creation; only Status and accumulated data change.
type Experiment struct {
	ID           string             `json:"id"`
	Variants     []string           `json:"variants"`
	TrafficSplit map[string]float64 `json:"traffic_split"`
	Status       string             `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Summary is the lightweight view of an experiment returned by list/create calls.
type Summary struct {
	ID           string    `json:"id"`
	Variants     []string  `json:"variants"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	Impressions  int       `json:"impressions"`
	Conversions  int       `json:"conversions"`
	RuntimeHours float64   `json:"runtime_hours"`
}

// OutcomeEvent is a single recorded outcome for a subject. All events are
// retained; conversion counting is by distinct subject, not event count.
type OutcomeEvent struct {
	ExperimentID string    `json:"experiment_id"`
	SubjectID    string    `json:"subject_id"`
	Variant      string    `json:"variant"`
	Kind         string    `json:"kind"`
	Value        float64   `json:"value"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// VariantStats is the derived per-variant rollup.
type VariantStats struct {
	Variant        string  `json:"variant"`
	Impressions    int     `json:"impressions"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
	TotalValue     float64 `json:"total_value"`
	TotalEvents    int     `json:"total_events"`
	CILow          float64 `json:"ci_low"`
	CIHigh         float64 `json:"ci_high"`
}

// Result is the derived per-experiment rollup including the significance check
// between the top-two variants by conversion rate.
type Result struct {
	ExperimentID     string         `json:"experiment_id"`
	Status           string         `json:"status"`
	Variants         []VariantStats `json:"variants"`
	TotalImpressions int            `json:"total_impressions"`
	TotalConversions int            `json:"total_conversions"`
	PValue           float64        `json:"p_value"`
	IsSignificant    bool           `json:"is_significant"`
	Winner           string         `json:"winner,omitempty"`
	RuntimeDays      float64        `json:"runtime_days"`
}

// Store is the optional write-through persistence port. All methods are
// best-effort: failures are logged by the caller and never fail the in-memory
// operation. A nil Store disables persistence entirely.
type Store interface {
	SaveExperiment(exp *Experiment) error
	MarkExperimentCompleted(experimentID string) error
	SaveAssignment(experimentID, subjectID, variant string, assignedAt time.Time) error
	SaveOutcome(event *OutcomeEvent) error
}
