package experiment

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return NewRegistry(NewOutcomeStore(), nil, nil)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		variants []string
		split    map[string]float64
		wantErr  error
	}{
		{
			name:     "empty id",
			id:       "",
			variants: []string{"a", "b"},
			wantErr:  ErrInvalidDefinition,
		},
		{
			name:     "single variant",
			id:       "solo",
			variants: []string{"only"},
			wantErr:  ErrInvalidDefinition,
		},
		{
			name:     "duplicate variants",
			id:       "dupes",
			variants: []string{"a", "a"},
			wantErr:  ErrInvalidDefinition,
		},
		{
			name:     "empty variant name",
			id:       "blank",
			variants: []string{"a", ""},
			wantErr:  ErrInvalidDefinition,
		},
		{
			name:     "split does not sum to one",
			id:       "badsplit",
			variants: []string{"a", "b"},
			split:    map[string]float64{"a": 0.5, "b": 0.4},
			wantErr:  ErrInvalidDefinition,
		},
		{
			name:     "split references unknown variant",
			id:       "ghostsplit",
			variants: []string{"a", "b"},
			split:    map[string]float64{"a": 0.5, "c": 0.5},
			wantErr:  ErrInvalidDefinition,
		},
		{
			name:     "valid with uniform default",
			id:       "ok",
			variants: []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := newTestRegistry()
			_, err := registry.Create(tt.id, tt.variants, tt.split)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCreateDuplicateID(t *testing.T) {
	registry := newTestRegistry()
	if _, err := registry.Create("cta_test", []string{"a", "b"}, nil); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := registry.Create("cta_test", []string{"x", "y"}, nil)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetOrAssignVariantConcurrentFirstCall(t *testing.T) {
	registry := newTestRegistry()
	if _, err := registry.Create("cta_test", []string{"a", "b"}, nil); err != nil {
		t.Fatal(err)
	}

	// 16 callers race the first assignment of the same subject
	const callers = 16
	variants := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := registry.GetOrAssignVariant("cta_test", "lead-race")
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			variants[i] = v
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if variants[i] != variants[0] {
			t.Fatalf("callers observed different variants: %q and %q", variants[0], variants[i])
		}
	}

	result, err := registry.StatsFor("cta_test")
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalImpressions != 1 {
		t.Errorf("racing first assignments counted %d impressions, want 1", result.TotalImpressions)
	}
}

func TestGetOrAssignVariantSticky(t *testing.T) {
	registry := newTestRegistry()
	if _, err := registry.Create("cta_test", []string{"direct", "soft"}, nil); err != nil {
		t.Fatal(err)
	}

	first, err := registry.GetOrAssignVariant("cta_test", "lead-42")
	if err != nil {
		t.Fatalf("assignment failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		again, err := registry.GetOrAssignVariant("cta_test", "lead-42")
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("assignment not sticky: %s -> %s", first, again)
		}
	}

	// One subject, many lookups: exactly one impression
	result, err := registry.StatsFor("cta_test")
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalImpressions != 1 {
		t.Errorf("expected 1 impression, got %d", result.TotalImpressions)
	}
}

func TestGetOrAssignVariantNotActive(t *testing.T) {
	registry := newTestRegistry()
	if _, err := registry.Create("done_test", []string{"a", "b"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Deactivate("done_test"); err != nil {
		t.Fatal(err)
	}

	_, err := registry.GetOrAssignVariant("done_test", "lead-1")
	if !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive, got %v", err)
	}
}

func TestGetOrAssignVariantUnknownExperiment(t *testing.T) {
	registry := newTestRegistry()
	_, err := registry.GetOrAssignVariant("ghost", "lead-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeactivateIdempotent(t *testing.T) {
	registry := newTestRegistry()
	if _, err := registry.Create("cta_test", []string{"a", "b"}, nil); err != nil {
		t.Fatal(err)
	}

	first, err := registry.Deactivate("cta_test")
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", first.Status)
	}

	// Re-deactivating re-reports the completed state without error
	second, err := registry.Deactivate("cta_test")
	if err != nil {
		t.Fatalf("second deactivate errored: %v", err)
	}
	if second.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", second.Status)
	}
}

func TestDeactivateKeepsStats(t *testing.T) {
	registry := newTestRegistry()
	if _, err := registry.Create("cta_test", []string{"a", "b"}, nil); err != nil {
		t.Fatal(err)
	}
	variant, err := registry.GetOrAssignVariant("cta_test", "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := registry.RecordOutcome("cta_test", "lead-1", variant, OutcomeConversion, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Deactivate("cta_test"); err != nil {
		t.Fatal(err)
	}

	result, err := registry.StatsFor("cta_test")
	if err != nil {
		t.Fatalf("stats unavailable after deactivation: %v", err)
	}
	if result.TotalConversions != 1 {
		t.Errorf("expected 1 conversion after deactivation, got %d", result.TotalConversions)
	}
	if result.Status != StatusCompleted {
		t.Errorf("expected completed status in rollup, got %s", result.Status)
	}
}

func TestRemoveDropsEverything(t *testing.T) {
	registry := newTestRegistry()
	if _, err := registry.Create("cta_test", []string{"a", "b"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.GetOrAssignVariant("cta_test", "lead-1"); err != nil {
		t.Fatal(err)
	}

	if err := registry.Remove("cta_test"); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Get("cta_test"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after removal, got %v", err)
	}
	if _, err := registry.StatsFor("cta_test"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected stats gone after removal, got %v", err)
	}
}

func TestRestorePreservesCreatedAt(t *testing.T) {
	registry := newTestRegistry()
	created := time.Now().Add(-10 * 24 * time.Hour)

	err := registry.Restore(Experiment{
		ID:        "old_test",
		Variants:  []string{"a", "b"},
		Status:    StatusActive,
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	result, err := registry.StatsFor("old_test")
	if err != nil {
		t.Fatal(err)
	}
	if result.RuntimeDays < 9.9 {
		t.Errorf("runtime reset on restore: %.2f days, want ~10", result.RuntimeDays)
	}
}

func TestListActiveSortedAndFiltered(t *testing.T) {
	registry := newTestRegistry()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if _, err := registry.Create(id, []string{"a", "b"}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := registry.Deactivate("bravo"); err != nil {
		t.Fatal(err)
	}

	active := registry.ListActive()
	if len(active) != 2 {
		t.Fatalf("expected 2 active, got %d", len(active))
	}
	if active[0].ID != "alpha" || active[1].ID != "charlie" {
		t.Errorf("unexpected order: %s, %s", active[0].ID, active[1].ID)
	}
}

func TestResetClearsEverything(t *testing.T) {
	registry := newTestRegistry()
	for _, id := range []string{"exp_a", "exp_b"} {
		if _, err := registry.Create(id, []string{"a", "b"}, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := registry.GetOrAssignVariant(id, "lead-1"); err != nil {
			t.Fatal(err)
		}
	}

	registry.Reset()

	if active := registry.ListActive(); len(active) != 0 {
		t.Errorf("expected empty registry after reset, got %d experiments", len(active))
	}
	if _, err := registry.StatsFor("exp_a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after reset, got %v", err)
	}

	// Reset leaves the registry usable
	if _, err := registry.Create("exp_a", []string{"a", "b"}, nil); err != nil {
		t.Errorf("recreate after reset failed: %v", err)
	}
}

func TestEndToEndExperimentFlow(t *testing.T) {
	registry := newTestRegistry()
	if _, err := registry.Create("cta_test", []string{"direct", "soft"}, nil); err != nil {
		t.Fatal(err)
	}

	// Five leads get assigned and every one of them converts
	for i := 0; i < 5; i++ {
		subject := fmt.Sprintf("lead-%d", i)
		v, err := registry.GetOrAssignVariant("cta_test", subject)
		if err != nil {
			t.Fatal(err)
		}
		if err := registry.RecordOutcome("cta_test", subject, v, OutcomeConversion, 250.0); err != nil {
			t.Fatal(err)
		}
	}

	result, err := registry.StatsFor("cta_test")
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalImpressions != 5 {
		t.Errorf("expected 5 impressions, got %d", result.TotalImpressions)
	}
	if result.TotalConversions != 5 {
		t.Errorf("expected 5 conversions, got %d", result.TotalConversions)
	}
	if len(result.Variants) != 2 {
		t.Fatalf("expected both variants in the breakdown, got %d", len(result.Variants))
	}

	totalValue := 0.0
	for _, vs := range result.Variants {
		totalValue += vs.TotalValue
		if vs.Impressions > 0 && vs.ConversionRate == 0 {
			t.Errorf("variant %s has impressions but zero conversion rate", vs.Variant)
		}
	}
	if totalValue != 1250.0 {
		t.Errorf("expected total value 1250, got %f", totalValue)
	}
}
