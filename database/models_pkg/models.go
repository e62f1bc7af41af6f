package models

import "time"

// ExperimentRecord is the durable form of an experiment definition. Variants
// and the traffic split are stored as JSON text since postgres json columns
// are opaque for every query this system runs.
type ExperimentRecord struct {
	ID           string     `gorm:"primaryKey;size:100" json:"id"`
	VariantsJSON string     `gorm:"column:variants;type:text;not null" json:"variants"`
	SplitJSON    string     `gorm:"column:traffic_split;type:text;not null" json:"traffic_split"`
	Status       string     `gorm:"size:20;index;not null" json:"status"`
	CreatedAt    time.Time  `gorm:"not null" json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TableName specifies the table name for ExperimentRecord
func (ExperimentRecord) TableName() string {
	return "ab_experiments"
}

// AssignmentRecord is one subject's sticky variant assignment. The unique
// index on (experiment_id, subject_id) backs the insert-once semantics; a
// conflicting insert is treated as already-assigned, not an error.
type AssignmentRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ExperimentID string    `gorm:"size:100;uniqueIndex:idx_assignment_subject;not null" json:"experiment_id"`
	SubjectID    string    `gorm:"size:100;uniqueIndex:idx_assignment_subject;not null" json:"subject_id"`
	Variant      string    `gorm:"size:100;not null" json:"variant"`
	AssignedAt   time.Time `gorm:"index;not null" json:"assigned_at"`
}

// TableName specifies the table name for AssignmentRecord
func (AssignmentRecord) TableName() string {
	return "ab_assignments"
}

// OutcomeEventRecord is an append-only outcome observation. High-volume table;
// the repository batches inserts through the raw connection.
type OutcomeEventRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ExperimentID string    `gorm:"size:100;index;not null" json:"experiment_id"`
	SubjectID    string    `gorm:"size:100;index;not null" json:"subject_id"`
	Variant      string    `gorm:"size:100;not null" json:"variant"`
	Kind         string    `gorm:"size:20;not null" json:"kind"`
	Value        float64   `gorm:"type:decimal(15,4)" json:"value"`
	RecordedAt   time.Time `gorm:"index;not null" json:"recorded_at"`
}

// TableName specifies the table name for OutcomeEventRecord
func (OutcomeEventRecord) TableName() string {
	return "ab_outcome_events"
}

// PromotionRecord is the audit trail of the canary state machine. Records are
// inserted once and updated in place as the canary progresses; never deleted.
type PromotionRecord struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	ExperimentID     string     `gorm:"size:100;index;not null" json:"experiment_id"`
	Variant          string     `gorm:"size:100;not null" json:"variant"`
	PreviousDefault  string     `gorm:"size:100" json:"previous_default"`
	Type             string     `gorm:"size:20;not null" json:"type"`
	Actor            string     `gorm:"size:100" json:"actor"`
	PValue           float64    `gorm:"type:decimal(10,8)" json:"p_value"`
	LiftPct          float64    `gorm:"type:decimal(15,4)" json:"lift_pct"`
	SampleSize       int        `json:"sample_size"`
	MetricsJSON      string     `gorm:"column:metrics;type:text" json:"metrics"`
	CanaryStatus     string     `gorm:"size:20;index;not null" json:"canary_status"`
	CanaryTrafficPct float64    `gorm:"type:decimal(5,2)" json:"canary_traffic_pct"`
	CreatedAt        time.Time  `gorm:"index;not null" json:"created_at"`
	CanaryStartedAt  *time.Time `json:"canary_started_at,omitempty"`
	CanaryEndedAt    *time.Time `json:"canary_ended_at,omitempty"`
	FullRolloutAt    *time.Time `json:"full_rollout_at,omitempty"`
	RolledBackAt     *time.Time `json:"rolled_back_at,omitempty"`
	RollbackReason   string     `gorm:"type:text" json:"rollback_reason,omitempty"`
}

// TableName specifies the table name for PromotionRecord
func (PromotionRecord) TableName() string {
	return "ab_promotions"
}
