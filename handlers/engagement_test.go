package handlers

import (
	"testing"
	"time"

	"outreach-ab-engine/experiment"
	"outreach-ab-engine/feed"
)

func newTestRegistry(t *testing.T) *experiment.Registry {
	t.Helper()
	reg := experiment.NewRegistry(experiment.NewOutcomeStore(), nil, nil)
	if _, err := reg.Create("cta_test", []string{"a", "b"}, nil); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestHandleRecordsBatch(t *testing.T) {
	reg := newTestRegistry(t)
	handler := NewEngagementHandler(reg, nil)

	frame := &feed.Frame{
		Type: frameTypeEventBatch,
		Events: []feed.Event{
			{ExperimentID: "cta_test", SubjectID: "lead-1", Kind: experiment.OutcomeConversion, Value: 250},
			{ExperimentID: "cta_test", SubjectID: "lead-2", Kind: experiment.OutcomeResponse},
		},
	}
	if err := handler.Handle(frame); err != nil {
		t.Fatal(err)
	}

	result, err := reg.StatsFor("cta_test")
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalImpressions != 2 {
		t.Errorf("expected 2 subjects assigned on ingest, got %d", result.TotalImpressions)
	}
	if result.TotalConversions != 1 {
		t.Errorf("expected 1 conversion, got %d", result.TotalConversions)
	}
}

func TestHandleSkipsBadEventsKeepsRest(t *testing.T) {
	reg := newTestRegistry(t)
	handler := NewEngagementHandler(reg, nil)

	stale := time.Now().Add(-72 * time.Hour)
	frame := &feed.Frame{
		Type: frameTypeEventBatch,
		Events: []feed.Event{
			{ExperimentID: "cta_test", SubjectID: "lead-1", Kind: "bogus_kind"},
			{ExperimentID: "ghost", SubjectID: "lead-2", Kind: experiment.OutcomeConversion},
			{ExperimentID: "cta_test", SubjectID: "lead-3", Kind: experiment.OutcomeConversion, OccurredAt: stale},
			{ExperimentID: "cta_test", SubjectID: "lead-4", Kind: experiment.OutcomeConversion},
		},
	}
	if err := handler.Handle(frame); err != nil {
		t.Fatalf("per-event failures must not fail the batch: %v", err)
	}

	result, err := reg.StatsFor("cta_test")
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalImpressions != 1 || result.TotalConversions != 1 {
		t.Errorf("expected only the valid event recorded, got %d/%d",
			result.TotalImpressions, result.TotalConversions)
	}
}

func TestHandleUsesExistingAssignment(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Outcomes().RecordAssignment("cta_test", "lead-1", "b"); err != nil {
		t.Fatal(err)
	}
	handler := NewEngagementHandler(reg, nil)

	frame := &feed.Frame{
		Type: frameTypeEventBatch,
		Events: []feed.Event{
			{ExperimentID: "cta_test", SubjectID: "lead-1", Kind: experiment.OutcomeConversion},
		},
	}
	if err := handler.Handle(frame); err != nil {
		t.Fatal(err)
	}

	result, err := reg.StatsFor("cta_test")
	if err != nil {
		t.Fatal(err)
	}
	for _, vs := range result.Variants {
		if vs.Variant == "b" && vs.Conversions != 1 {
			t.Errorf("conversion not credited to prior assignment: %+v", vs)
		}
		if vs.Variant == "a" && vs.Impressions != 0 {
			t.Errorf("subject reassigned away from prior variant: %+v", vs)
		}
	}
}

func TestHandlerManagerDispatch(t *testing.T) {
	reg := newTestRegistry(t)
	manager := NewHandlerManager()
	manager.RegisterHandler(NewEngagementHandler(reg, nil))

	// Unknown frame types are acks and pongs, not errors
	if err := manager.HandleFrame(&feed.Frame{Type: "subscribe_ack"}); err != nil {
		t.Errorf("unknown frame type errored: %v", err)
	}

	frame := &feed.Frame{
		Type: frameTypeEventBatch,
		Events: []feed.Event{
			{ExperimentID: "cta_test", SubjectID: "lead-1", Kind: experiment.OutcomeConversion},
		},
	}
	if err := manager.HandleFrame(frame); err != nil {
		t.Fatal(err)
	}
	result, err := reg.StatsFor("cta_test")
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalConversions != 1 {
		t.Errorf("dispatched frame not recorded, got %d conversions", result.TotalConversions)
	}
}
