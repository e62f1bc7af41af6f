package promotion

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"outreach-ab-engine/experiment"
)

type allocation struct {
	experimentID string
	variant      string
	trafficPct   float64
}

// recordingAllocator captures traffic signals for assertions.
type recordingAllocator struct {
	calls []allocation
}

func (a *recordingAllocator) SetAllocation(experimentID, variant string, trafficPct float64) error {
	a.calls = append(a.calls, allocation{experimentID, variant, trafficPct})
	return nil
}

type sinkEvent struct {
	event       string
	promotionID string
}

// recordingSink captures lifecycle events for assertions.
type recordingSink struct {
	events []sinkEvent
}

func (s *recordingSink) PromotionEvent(event string, p *Promotion) {
	s.events = append(s.events, sinkEvent{event, p.ID})
}

func (s *recordingSink) last() string {
	if len(s.events) == 0 {
		return ""
	}
	return s.events[len(s.events)-1].event
}

// erroringChecker fails every health check.
type erroringChecker struct{}

func (erroringChecker) Check(experimentID, variant string, canaryStart time.Time) (bool, string, error) {
	return false, "", errors.New("dashboard unreachable")
}

// canaryRecord builds a persisted in-flight canary whose monitoring window
// started `age` ago.
func canaryRecord(id, experimentID, variant string, age time.Duration) Promotion {
	started := time.Now().Add(-age)
	return Promotion{
		ID:               id,
		ExperimentID:     experimentID,
		Variant:          variant,
		Type:             TypeAutomatic,
		CanaryStatus:     StatusCanary,
		CanaryTrafficPct: 20,
		CreatedAt:        started,
		CanaryStartedAt:  &started,
	}
}

func TestPromoteLifecycle(t *testing.T) {
	reg := experiment.NewRegistry(experiment.NewOutcomeStore(), nil, nil)
	seedExperiment(t, reg, "cta_test", 10*24*time.Hour)

	store := &fakeStore{}
	traffic := &recordingAllocator{}
	sink := &recordingSink{}
	ctrl := NewController(reg, store, nil, traffic, sink, DefaultCanaryConfig())

	p, err := ctrl.Promote("cta_test", "b", "tester", TypeManual)
	if err != nil {
		t.Fatal(err)
	}

	if p.CanaryStatus != StatusCanary {
		t.Errorf("expected canary status, got %s", p.CanaryStatus)
	}
	if p.CanaryStartedAt == nil {
		t.Error("canary start time not set")
	}
	if p.PreviousDefault != "a" {
		t.Errorf("expected control a as previous default, got %q", p.PreviousDefault)
	}
	if p.Type != TypeManual || p.Actor != "tester" {
		t.Errorf("wrong attribution: %s/%s", p.Type, p.Actor)
	}
	if p.LiftPct <= 0 {
		t.Errorf("expected positive lift over control, got %f", p.LiftPct)
	}
	if p.CanaryTrafficPct != DefaultCanaryTrafficPct {
		t.Errorf("expected default canary traffic, got %f", p.CanaryTrafficPct)
	}

	if len(store.inserted) != 1 {
		t.Errorf("expected 1 insert, got %d", len(store.inserted))
	}
	if len(store.updated) == 0 {
		t.Error("canary transition not persisted")
	}
	if len(traffic.calls) != 1 || traffic.calls[0].trafficPct != DefaultCanaryTrafficPct {
		t.Errorf("unexpected traffic signals: %+v", traffic.calls)
	}
	if sink.last() != "canary_started" {
		t.Errorf("expected canary_started event, got %q", sink.last())
	}

	got, err := ctrl.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID || got.CanaryStatus != StatusCanary {
		t.Error("stored record does not match returned promotion")
	}
}

func TestPromoteErrors(t *testing.T) {
	reg := experiment.NewRegistry(experiment.NewOutcomeStore(), nil, nil)
	seedExperiment(t, reg, "cta_test", 10*24*time.Hour)
	ctrl := NewController(reg, nil, nil, nil, nil, DefaultCanaryConfig())

	if _, err := ctrl.Promote("ghost", "b", "tester", TypeManual); !errors.Is(err, experiment.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown experiment, got %v", err)
	}
	if _, err := ctrl.Promote("cta_test", "z", "tester", TypeManual); !errors.Is(err, experiment.ErrUnknownVariant) {
		t.Errorf("expected ErrUnknownVariant, got %v", err)
	}
}

func TestPromoteDeduplicatesRepeatedPromotions(t *testing.T) {
	reg := experiment.NewRegistry(experiment.NewOutcomeStore(), nil, nil)
	seedExperiment(t, reg, "cta_test", 10*24*time.Hour)
	ctrl := NewController(reg, nil, nil, nil, nil, DefaultCanaryConfig())

	if _, err := ctrl.Promote("cta_test", "b", "scanner", TypeAutomatic); err != nil {
		t.Fatal(err)
	}

	// The next sweep surfaces the same winner; the second promotion is refused
	if _, err := ctrl.Promote("cta_test", "b", "scanner", TypeAutomatic); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for duplicate promotion, got %v", err)
	}
	if got := len(ctrl.List()); got != 1 {
		t.Errorf("duplicate promotion created a record, have %d", got)
	}

	// A different variant of the same experiment is still promotable
	if _, err := ctrl.Promote("cta_test", "a", "operator", TypeManual); err != nil {
		t.Errorf("different variant blocked by dedup: %v", err)
	}
}

func TestPromoteDeduplicatesAfterCompletion(t *testing.T) {
	reg := experiment.NewRegistry(experiment.NewOutcomeStore(), nil, nil)
	seedExperiment(t, reg, "cta_test", 10*24*time.Hour)

	store := &fakeStore{pending: []Promotion{canaryRecord("promo-1", "cta_test", "b", 48*time.Hour)}}
	ctrl := NewController(reg, store, &StaticHealthChecker{Healthy: true}, nil, nil, DefaultCanaryConfig())
	ctrl.Restore()

	report := ctrl.Monitor()
	if len(report.Completed) != 1 {
		t.Fatalf("expected the restored canary to complete, got %+v", report)
	}

	// Completed two days ago, still inside the lookback window
	if _, err := ctrl.Promote("cta_test", "b", "scanner", TypeAutomatic); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState inside the lookback window, got %v", err)
	}
}

func TestMonitorCompletesHealthyCanary(t *testing.T) {
	store := &fakeStore{pending: []Promotion{canaryRecord("promo-1", "cta_test", "b", 48*time.Hour)}}
	traffic := &recordingAllocator{}
	sink := &recordingSink{}
	ctrl := NewController(nil, store, &StaticHealthChecker{Healthy: true}, traffic, sink, DefaultCanaryConfig())
	ctrl.Restore()

	report := ctrl.Monitor()
	if report.Checked != 1 || len(report.Completed) != 1 || report.Completed[0] != "promo-1" {
		t.Fatalf("unexpected report: %+v", report)
	}

	p, err := ctrl.Get("promo-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CanaryStatus != StatusCompleted {
		t.Errorf("expected completed, got %s", p.CanaryStatus)
	}
	if p.FullRolloutAt == nil || p.CanaryEndedAt == nil {
		t.Error("completion timestamps not set")
	}
	if len(traffic.calls) != 1 || traffic.calls[0].trafficPct != 100 {
		t.Errorf("expected full rollout signal, got %+v", traffic.calls)
	}
	if sink.last() != "canary_completed" {
		t.Errorf("expected canary_completed event, got %q", sink.last())
	}

	// Terminal records drop out of subsequent sweeps
	if again := ctrl.Monitor(); again.Checked != 0 {
		t.Errorf("completed canary swept again: %+v", again)
	}
}

func TestMonitorRollsBackUnhealthyCanary(t *testing.T) {
	store := &fakeStore{pending: []Promotion{canaryRecord("promo-1", "cta_test", "b", 48*time.Hour)}}
	traffic := &recordingAllocator{}
	sink := &recordingSink{}
	health := &StaticHealthChecker{Healthy: false, Reason: "error rate spike"}
	ctrl := NewController(nil, store, health, traffic, sink, DefaultCanaryConfig())
	ctrl.Restore()

	report := ctrl.Monitor()
	if len(report.RolledBack) != 1 || report.RolledBack[0] != "promo-1" {
		t.Fatalf("unexpected report: %+v", report)
	}

	p, err := ctrl.Get("promo-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CanaryStatus != StatusRolledBack {
		t.Errorf("expected rolled_back, got %s", p.CanaryStatus)
	}
	if p.RollbackReason != "error rate spike" {
		t.Errorf("reason not recorded: %q", p.RollbackReason)
	}
	if p.RolledBackAt == nil {
		t.Error("rollback timestamp not set")
	}
	if len(traffic.calls) != 1 || traffic.calls[0].trafficPct != 0 {
		t.Errorf("expected traffic reverted to 0, got %+v", traffic.calls)
	}
	if sink.last() != "canary_rolled_back" {
		t.Errorf("expected canary_rolled_back event, got %q", sink.last())
	}
}

func TestMonitorRespectsWindow(t *testing.T) {
	store := &fakeStore{pending: []Promotion{canaryRecord("promo-1", "cta_test", "b", time.Hour)}}
	ctrl := NewController(nil, store, &StaticHealthChecker{Healthy: false}, nil, nil, DefaultCanaryConfig())
	ctrl.Restore()

	report := ctrl.Monitor()
	if report.Checked != 0 {
		t.Errorf("canary inside its window was swept: %+v", report)
	}
	p, err := ctrl.Get("promo-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CanaryStatus != StatusCanary {
		t.Errorf("in-window canary transitioned to %s", p.CanaryStatus)
	}
}

func TestMonitorHealthCheckErrorLeavesCanary(t *testing.T) {
	store := &fakeStore{pending: []Promotion{canaryRecord("promo-1", "cta_test", "b", 48*time.Hour)}}
	ctrl := NewController(nil, store, erroringChecker{}, nil, nil, DefaultCanaryConfig())
	ctrl.Restore()

	report := ctrl.Monitor()
	if len(report.Errors) != 1 {
		t.Fatalf("expected 1 error, got %+v", report)
	}
	if len(report.Completed) != 0 || len(report.RolledBack) != 0 {
		t.Error("errored check still transitioned the canary")
	}
	p, err := ctrl.Get("promo-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CanaryStatus != StatusCanary {
		t.Errorf("expected canary to stay in place, got %s", p.CanaryStatus)
	}
}

func TestManualRollback(t *testing.T) {
	store := &fakeStore{pending: []Promotion{canaryRecord("promo-1", "cta_test", "b", time.Hour)}}
	traffic := &recordingAllocator{}
	ctrl := NewController(nil, store, nil, traffic, nil, DefaultCanaryConfig())
	ctrl.Restore()

	if err := ctrl.ManualRollback("ghost", "oops"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := ctrl.ManualRollback("promo-1", "operator decision"); err != nil {
		t.Fatal(err)
	}
	p, err := ctrl.Get("promo-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CanaryStatus != StatusRolledBack || p.RollbackReason != "operator decision" {
		t.Errorf("rollback not applied: %s / %q", p.CanaryStatus, p.RollbackReason)
	}

	// Terminal records refuse further transitions
	if err := ctrl.ManualRollback("promo-1", "again"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on terminal record, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	reg := experiment.NewRegistry(experiment.NewOutcomeStore(), nil, nil)
	seedExperiment(t, reg, "cta_test", 10*24*time.Hour)
	ctrl := NewController(reg, nil, nil, nil, nil, DefaultCanaryConfig())

	first, err := ctrl.Promote("cta_test", "b", "tester", TypeManual)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := ctrl.Promote("cta_test", "a", "tester", TypeManual)
	if err != nil {
		t.Fatal(err)
	}

	all := ctrl.List()
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
	if all[0].ID != second.ID || all[1].ID != first.ID {
		t.Error("records not ordered newest first")
	}
}

func TestDriftHealthChecker(t *testing.T) {
	outcomes := experiment.NewOutcomeStore()
	exp := &experiment.Experiment{ID: "cta_test", Variants: []string{"a", "b"}}
	outcomes.Track(exp, func() string { return experiment.StatusActive })

	// 100 impressions on b, 5 conversions: 5% against a 20% baseline
	for i := 0; i < 100; i++ {
		subject := fmt.Sprintf("s-%d", i)
		if _, err := outcomes.RecordAssignment("cta_test", subject, "b"); err != nil {
			t.Fatal(err)
		}
		if i < 5 {
			if _, err := outcomes.RecordOutcome("cta_test", subject, "b", experiment.OutcomeConversion, 1); err != nil {
				t.Fatal(err)
			}
		}
	}

	checker := &DriftHealthChecker{
		Outcomes:       outcomes,
		BaselineRate:   0.20,
		MaxDropPct:     20,
		MinImpressions: 50,
	}
	healthy, reason, err := checker.Check("cta_test", "b", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if healthy {
		t.Error("75% rate drop should be unhealthy")
	}
	if reason == "" {
		t.Error("expected a rollback reason")
	}

	// Too little traffic to judge: stays healthy
	checker.MinImpressions = 500
	healthy, _, err = checker.Check("cta_test", "b", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !healthy {
		t.Error("insufficient canary traffic should read as healthy")
	}

	// Unknown variant is an error, not a verdict
	if _, _, err := checker.Check("cta_test", "z", time.Now()); err == nil {
		t.Error("expected error for unknown variant")
	}
}
