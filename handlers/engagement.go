package handlers

import (
	"errors"
	"fmt"
	"log"
	"time"

	"outreach-ab-engine/experiment"
	"outreach-ab-engine/feed"
	"outreach-ab-engine/metrics"
	"outreach-ab-engine/realtime"
)

// frameTypeEventBatch is the feed frame carrying outcome event bursts.
const frameTypeEventBatch = "event_batch"

// staleEventCutoff drops events older than this; replayed history would skew
// runtime-windowed statistics.
const staleEventCutoff = 48 * time.Hour

// EngagementHandler ingests outcome event batches from the feed into the
// experiment registry. Subjects seen here for the first time get assigned on
// the spot, so engagement arriving before the serving layer reported the
// assignment still counts.
type EngagementHandler struct {
	registry *experiment.Registry
	broker   *realtime.Broker // optional
}

// NewEngagementHandler creates the event batch handler. broker may be nil.
func NewEngagementHandler(registry *experiment.Registry, broker *realtime.Broker) *EngagementHandler {
	return &EngagementHandler{
		registry: registry,
		broker:   broker,
	}
}

// GetFrameType returns the frame type this handler accepts
func (h *EngagementHandler) GetFrameType() string {
	return frameTypeEventBatch
}

// Handle records every event in the frame. Per-event failures are logged and
// skipped; one malformed event never drops the rest of the batch.
func (h *EngagementHandler) Handle(frame *feed.Frame) error {
	recorded := 0
	for i := range frame.Events {
		event := &frame.Events[i]
		if err := h.recordEvent(event); err != nil {
			metrics.FeedEventsTotal.WithLabelValues("rejected").Inc()
			log.Printf("⚠️ Dropped feed event for %s/%s: %v", event.ExperimentID, event.SubjectID, err)
			continue
		}
		metrics.FeedEventsTotal.WithLabelValues("recorded").Inc()
		recorded++
	}

	if recorded > 0 && h.broker != nil {
		h.broker.Broadcast(realtime.EventOutcomeRecorded, map[string]interface{}{
			"count": recorded,
		})
	}
	return nil
}

func (h *EngagementHandler) recordEvent(event *feed.Event) error {
	if !event.OccurredAt.IsZero() && time.Since(event.OccurredAt) > staleEventCutoff {
		return errors.New("event older than ingest cutoff")
	}
	// Validate before assigning, so a malformed event leaves no impression behind
	if !experiment.ValidOutcomeKind(event.Kind) {
		return fmt.Errorf("%w: %q", experiment.ErrInvalidOutcomeKind, event.Kind)
	}

	variant := h.registry.Outcomes().AssignedVariant(event.ExperimentID, event.SubjectID)
	if variant == "" {
		assigned, err := h.registry.GetOrAssignVariant(event.ExperimentID, event.SubjectID)
		if err != nil {
			return err
		}
		variant = assigned
		metrics.AssignmentsTotal.WithLabelValues(event.ExperimentID, variant).Inc()
	}

	if err := h.registry.RecordOutcome(event.ExperimentID, event.SubjectID, variant, event.Kind, event.Value); err != nil {
		return err
	}

	metrics.OutcomesTotal.WithLabelValues(event.ExperimentID, event.Kind).Inc()
	return nil
}
