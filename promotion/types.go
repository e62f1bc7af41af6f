package promotion

import (
	"errors"
	"time"
)

// Canary lifecycle status values. pending exists only transiently at record
// creation; completed and rolled_back are terminal.
const (
	StatusPending    = "pending"
	StatusCanary     = "canary"
	StatusCompleted  = "completed"
	StatusRolledBack = "rolled_back"
)

// Promotion types: a scheduled sweep promotes automatically, an operator
// promotes manually.
const (
	TypeAutomatic = "automatic"
	TypeManual    = "manual"
)

// Error taxonomy for promotion operations.
var (
	// ErrNotFound indicates the promotion record does not exist
	ErrNotFound = errors.New("promotion not found")

	// ErrInvalidState indicates an illegal canary transition
	ErrInvalidState = errors.New("invalid promotion state")
)

// Candidate is a transient snapshot of an experiment that cleared every
// promotion threshold. It is persisted only when a promotion is actually
// created from it.
type Candidate struct {
	ExperimentID   string  `json:"experiment_id"`
	WinnerVariant  string  `json:"winner_variant"`
	ControlVariant string  `json:"control_variant"`
	PValue         float64 `json:"p_value"`
	LiftPct        float64 `json:"lift_pct"`
	SampleSize     int     `json:"sample_size"`
	RuntimeDays    float64 `json:"runtime_days"`
	WinnerRate     float64 `json:"winner_rate"`
	ControlRate    float64 `json:"control_rate"`
	WinnerCILow    float64 `json:"winner_ci_low"`
	WinnerCIHigh   float64 `json:"winner_ci_high"`

	// Metrics is the full statistical snapshot for audit
	Metrics MetricsSnapshot `json:"metrics"`
}

// MetricsSnapshot captures the per-variant statistics at evaluation time.
type MetricsSnapshot struct {
	TotalImpressions int                `json:"total_impressions"`
	TotalConversions int                `json:"total_conversions"`
	VariantRates     map[string]float64 `json:"variant_rates"`
	VariantSamples   map[string]int     `json:"variant_samples"`
	CapturedAt       time.Time          `json:"captured_at"`
}

// Promotion is the durable unit of the canary state machine. Created once per
// promotion attempt, updated in place as the canary progresses, never deleted.
type Promotion struct {
	ID              string  `json:"id"`
	ExperimentID    string  `json:"experiment_id"`
	Variant         string  `json:"variant"`
	PreviousDefault string  `json:"previous_default"`
	Type            string  `json:"type"` // automatic | manual
	Actor           string  `json:"actor"`
	PValue          float64 `json:"p_value"`
	LiftPct         float64 `json:"lift_pct"`
	SampleSize      int     `json:"sample_size"`

	Metrics MetricsSnapshot `json:"metrics"`

	CanaryStatus     string     `json:"canary_status"`
	CanaryTrafficPct float64    `json:"canary_traffic_pct"`
	CreatedAt        time.Time  `json:"created_at"`
	CanaryStartedAt  *time.Time `json:"canary_started_at,omitempty"`
	CanaryEndedAt    *time.Time `json:"canary_ended_at,omitempty"`
	FullRolloutAt    *time.Time `json:"full_rollout_at,omitempty"`
	RolledBackAt     *time.Time `json:"rolled_back_at,omitempty"`
	RollbackReason   string     `json:"rollback_reason,omitempty"`
}

// Terminal reports whether the promotion can no longer transition.
func (p *Promotion) Terminal() bool {
	return p.CanaryStatus == StatusCompleted || p.CanaryStatus == StatusRolledBack
}

// Store is the optional persistence port for promotion records. All writes are
// best-effort; queries degrade to safe defaults when the port is nil or
// failing (a failed lookback query reads as "not recently promoted").
type Store interface {
	InsertPromotion(p *Promotion) error
	UpdatePromotion(p *Promotion) error
	RecentPromotions(experimentID, variant string, since time.Time) ([]Promotion, error)
	PendingCanaries() ([]Promotion, error)
}

// HealthChecker decides whether a canary is safe to complete. Real
// implementations consult error-rate/latency/conversion dashboards.
type HealthChecker interface {
	// Check returns healthy=false with a reason when the canary must roll back.
	Check(experimentID, variant string, canaryStart time.Time) (healthy bool, reason string, err error)
}

// TrafficAllocator is the signal boundary to the serving layer: invoked on
// canary start, full rollout, and rollback with the percentage of traffic the
// promoted variant should receive.
type TrafficAllocator interface {
	SetAllocation(experimentID, variant string, trafficPct float64) error
}
