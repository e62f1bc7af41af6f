package database

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm/clause"

	"outreach-ab-engine/experiment"
	"outreach-ab-engine/promotion"
)

// ExperimentRepository persists experiment definitions, assignments and
// outcome events. It implements the experiment.Store port. The raw connection
// is optional; when present it carries the outcome insert path.
type ExperimentRepository struct {
	db  *Database
	raw *DB
}

// NewExperimentRepository creates a new experiment repository. raw may be nil.
func NewExperimentRepository(db *Database, raw *DB) *ExperimentRepository {
	return &ExperimentRepository{db: db, raw: raw}
}

// InitSchema performs auto-migration for all experimentation tables.
func (r *ExperimentRepository) InitSchema() error {
	fmt.Println("🔄 Starting database schema initialization...")

	err := r.db.db.AutoMigrate(
		&ExperimentRecord{},
		&AssignmentRecord{},
		&OutcomeEventRecord{},
		&PromotionRecord{},
	)
	if err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	// Composite index for the per-experiment time-windowed outcome queries
	r.db.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_outcome_events_experiment_time
		ON ab_outcome_events (experiment_id, recorded_at)
	`)

	fmt.Println("✅ Database schema initialization completed successfully")
	return nil
}

// SaveExperiment upserts an experiment definition.
func (r *ExperimentRepository) SaveExperiment(exp *experiment.Experiment) error {
	variants, err := json.Marshal(exp.Variants)
	if err != nil {
		return WrapDBError("SaveExperiment", err)
	}
	split, err := json.Marshal(exp.TrafficSplit)
	if err != nil {
		return WrapDBError("SaveExperiment", err)
	}

	record := ExperimentRecord{
		ID:           exp.ID,
		VariantsJSON: string(variants),
		SplitJSON:    string(split),
		Status:       exp.Status,
		CreatedAt:    exp.CreatedAt,
	}

	result := r.db.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"variants", "traffic_split", "status"}),
	}).Create(&record)
	return WrapDBError("SaveExperiment", result.Error)
}

// MarkExperimentCompleted sets the experiment status to completed and stamps
// the completion time. Idempotent: re-completing is a no-op.
func (r *ExperimentRepository) MarkExperimentCompleted(experimentID string) error {
	now := time.Now()
	result := r.db.db.Model(&ExperimentRecord{}).
		Where("id = ? AND status <> ?", experimentID, experiment.StatusCompleted).
		Updates(map[string]interface{}{
			"status":       experiment.StatusCompleted,
			"completed_at": now,
		})
	return WrapDBError("MarkExperimentCompleted", result.Error)
}

// SaveAssignment records a subject's sticky assignment. A duplicate
// (experiment, subject) insert is silently ignored; the first write wins.
func (r *ExperimentRepository) SaveAssignment(experimentID, subjectID, variant string, assignedAt time.Time) error {
	record := AssignmentRecord{
		ExperimentID: experimentID,
		SubjectID:    subjectID,
		Variant:      variant,
		AssignedAt:   assignedAt,
	}
	result := r.db.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	return WrapDBError("SaveAssignment", result.Error)
}

// SaveOutcome appends one outcome event. Uses the raw connection when
// available; the ORM otherwise.
func (r *ExperimentRepository) SaveOutcome(event *experiment.OutcomeEvent) error {
	if r.raw != nil {
		_, err := r.raw.GetConn().Exec(`
			INSERT INTO ab_outcome_events (experiment_id, subject_id, variant, kind, value, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, event.ExperimentID, event.SubjectID, event.Variant, event.Kind, event.Value, event.RecordedAt)
		return WrapDBError("SaveOutcome", err)
	}

	record := OutcomeEventRecord{
		ExperimentID: event.ExperimentID,
		SubjectID:    event.SubjectID,
		Variant:      event.Variant,
		Kind:         event.Kind,
		Value:        event.Value,
		RecordedAt:   event.RecordedAt,
	}
	return WrapDBError("SaveOutcome", r.db.db.Create(&record).Error)
}

// SaveOutcomeBatch appends a burst of outcome events in one transaction on
// the raw connection. Falls back to per-event saves without it.
func (r *ExperimentRepository) SaveOutcomeBatch(events []experiment.OutcomeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if r.raw == nil {
		for i := range events {
			if err := r.SaveOutcome(&events[i]); err != nil {
				return err
			}
		}
		return nil
	}

	tx, err := r.raw.GetConn().Begin()
	if err != nil {
		return WrapDBError("SaveOutcomeBatch", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO ab_outcome_events (experiment_id, subject_id, variant, kind, value, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		tx.Rollback()
		return WrapDBError("SaveOutcomeBatch", err)
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		if _, err := stmt.Exec(e.ExperimentID, e.SubjectID, e.Variant, e.Kind, e.Value, e.RecordedAt); err != nil {
			tx.Rollback()
			return WrapDBError("SaveOutcomeBatch", err)
		}
	}

	return WrapDBError("SaveOutcomeBatch", tx.Commit())
}

// LoadExperiments returns all persisted experiment definitions, for rebuilding
// the in-memory registry at startup.
func (r *ExperimentRepository) LoadExperiments() ([]experiment.Experiment, error) {
	var records []ExperimentRecord
	if err := r.db.db.Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, WrapDBError("LoadExperiments", err)
	}

	experiments := make([]experiment.Experiment, 0, len(records))
	for _, rec := range records {
		exp := experiment.Experiment{
			ID:        rec.ID,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
		}
		if err := json.Unmarshal([]byte(rec.VariantsJSON), &exp.Variants); err != nil {
			log.Printf("⚠️ Skipping experiment %s: corrupt variants column: %v", rec.ID, err)
			continue
		}
		if err := json.Unmarshal([]byte(rec.SplitJSON), &exp.TrafficSplit); err != nil {
			log.Printf("⚠️ Skipping experiment %s: corrupt traffic_split column: %v", rec.ID, err)
			continue
		}
		experiments = append(experiments, exp)
	}
	return experiments, nil
}

// LoadAssignments returns all persisted assignments for one experiment.
func (r *ExperimentRepository) LoadAssignments(experimentID string) ([]AssignmentRecord, error) {
	var records []AssignmentRecord
	err := r.db.db.Where("experiment_id = ?", experimentID).Find(&records).Error
	if err != nil {
		return nil, WrapDBError("LoadAssignments", err)
	}
	return records, nil
}

// PromotionRepository persists promotion records. It implements the
// promotion.Store port.
type PromotionRepository struct {
	db *Database
}

// NewPromotionRepository creates a new promotion repository.
func NewPromotionRepository(db *Database) *PromotionRepository {
	return &PromotionRepository{db: db}
}

// InsertPromotion writes a new promotion record.
func (r *PromotionRepository) InsertPromotion(p *promotion.Promotion) error {
	record, err := toPromotionRecord(p)
	if err != nil {
		return WrapDBError("InsertPromotion", err)
	}
	return WrapDBError("InsertPromotion", r.db.db.Create(record).Error)
}

// UpdatePromotion rewrites an existing promotion record in place.
func (r *PromotionRepository) UpdatePromotion(p *promotion.Promotion) error {
	record, err := toPromotionRecord(p)
	if err != nil {
		return WrapDBError("UpdatePromotion", err)
	}
	result := r.db.db.Model(&PromotionRecord{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
		"canary_status":     record.CanaryStatus,
		"canary_started_at": record.CanaryStartedAt,
		"canary_ended_at":   record.CanaryEndedAt,
		"full_rollout_at":   record.FullRolloutAt,
		"rolled_back_at":    record.RolledBackAt,
		"rollback_reason":   record.RollbackReason,
	})
	if result.Error != nil {
		return WrapDBError("UpdatePromotion", result.Error)
	}
	if result.RowsAffected == 0 {
		return NewNotFoundErrorWithID("promotion", p.ID)
	}
	return nil
}

// RecentPromotions returns promotions of the given experiment/variant pair
// created after the given time, newest first.
func (r *PromotionRepository) RecentPromotions(experimentID, variant string, since time.Time) ([]promotion.Promotion, error) {
	var records []PromotionRecord
	err := r.db.db.
		Where("experiment_id = ? AND variant = ? AND created_at > ?", experimentID, variant, since).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, WrapDBError("RecentPromotions", err)
	}
	return fromPromotionRecords(records), nil
}

// PendingCanaries returns all promotions still in a non-terminal state.
func (r *PromotionRepository) PendingCanaries() ([]promotion.Promotion, error) {
	var records []PromotionRecord
	err := r.db.db.
		Where("canary_status IN ?", []string{promotion.StatusPending, promotion.StatusCanary}).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, WrapDBError("PendingCanaries", err)
	}
	return fromPromotionRecords(records), nil
}

func toPromotionRecord(p *promotion.Promotion) (*PromotionRecord, error) {
	metrics, err := json.Marshal(p.Metrics)
	if err != nil {
		return nil, err
	}
	return &PromotionRecord{
		ID:               p.ID,
		ExperimentID:     p.ExperimentID,
		Variant:          p.Variant,
		PreviousDefault:  p.PreviousDefault,
		Type:             p.Type,
		Actor:            p.Actor,
		PValue:           p.PValue,
		LiftPct:          p.LiftPct,
		SampleSize:       p.SampleSize,
		MetricsJSON:      string(metrics),
		CanaryStatus:     p.CanaryStatus,
		CanaryTrafficPct: p.CanaryTrafficPct,
		CreatedAt:        p.CreatedAt,
		CanaryStartedAt:  p.CanaryStartedAt,
		CanaryEndedAt:    p.CanaryEndedAt,
		FullRolloutAt:    p.FullRolloutAt,
		RolledBackAt:     p.RolledBackAt,
		RollbackReason:   p.RollbackReason,
	}, nil
}

func fromPromotionRecords(records []PromotionRecord) []promotion.Promotion {
	promotions := make([]promotion.Promotion, 0, len(records))
	for _, rec := range records {
		p := promotion.Promotion{
			ID:               rec.ID,
			ExperimentID:     rec.ExperimentID,
			Variant:          rec.Variant,
			PreviousDefault:  rec.PreviousDefault,
			Type:             rec.Type,
			Actor:            rec.Actor,
			PValue:           rec.PValue,
			LiftPct:          rec.LiftPct,
			SampleSize:       rec.SampleSize,
			CanaryStatus:     rec.CanaryStatus,
			CanaryTrafficPct: rec.CanaryTrafficPct,
			CreatedAt:        rec.CreatedAt,
			CanaryStartedAt:  rec.CanaryStartedAt,
			CanaryEndedAt:    rec.CanaryEndedAt,
			FullRolloutAt:    rec.FullRolloutAt,
			RolledBackAt:     rec.RolledBackAt,
			RollbackReason:   rec.RollbackReason,
		}
		if rec.MetricsJSON != "" {
			if err := json.Unmarshal([]byte(rec.MetricsJSON), &p.Metrics); err != nil {
				log.Printf("⚠️ Corrupt metrics column on promotion %s: %v", rec.ID, err)
			}
		}
		promotions = append(promotions, p)
	}
	return promotions
}
