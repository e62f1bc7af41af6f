package experiment

import (
	"math"
	"testing"
)

func TestAnalyzeSignificantDifference(t *testing.T) {
	// 10% vs 30% at 500 impressions each is decisively significant
	stats := []VariantStats{
		{Variant: "control", Impressions: 500, Conversions: 50, ConversionRate: 0.10},
		{Variant: "treatment", Impressions: 500, Conversions: 150, ConversionRate: 0.30},
	}

	sig := Analyze(stats)
	if !sig.IsSignificant {
		t.Fatalf("expected significance, got p=%f", sig.PValue)
	}
	if sig.Winner != "treatment" {
		t.Errorf("expected winner treatment, got %q", sig.Winner)
	}
	if sig.PValue >= 0.05 {
		t.Errorf("expected p < 0.05, got %f", sig.PValue)
	}
}

func TestAnalyzeNearIdenticalRates(t *testing.T) {
	stats := []VariantStats{
		{Variant: "a", Impressions: 100, Conversions: 20, ConversionRate: 0.20},
		{Variant: "b", Impressions: 100, Conversions: 21, ConversionRate: 0.21},
	}

	sig := Analyze(stats)
	if sig.IsSignificant {
		t.Errorf("near-identical small samples declared significant, p=%f", sig.PValue)
	}
	if sig.Winner != "" {
		t.Errorf("no winner expected, got %q", sig.Winner)
	}
}

func TestAnalyzeDegenerateInputs(t *testing.T) {
	tests := []struct {
		name  string
		stats []VariantStats
	}{
		{
			name:  "no variants",
			stats: nil,
		},
		{
			name: "single variant with data",
			stats: []VariantStats{
				{Variant: "only", Impressions: 100, Conversions: 10, ConversionRate: 0.10},
				{Variant: "empty", Impressions: 0},
			},
		},
		{
			name: "zero pooled variance",
			stats: []VariantStats{
				{Variant: "a", Impressions: 100, Conversions: 0, ConversionRate: 0},
				{Variant: "b", Impressions: 100, Conversions: 0, ConversionRate: 0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Analyze(tt.stats)
			if sig.IsSignificant {
				t.Error("degenerate input declared significant")
			}
			if sig.PValue != 1.0 {
				t.Errorf("expected p=1.0, got %f", sig.PValue)
			}
		})
	}
}

func TestAnalyzeMinImpressionsFloor(t *testing.T) {
	// Huge rate gap but only 10 impressions per side: floor blocks significance
	stats := []VariantStats{
		{Variant: "a", Impressions: 10, Conversions: 0, ConversionRate: 0},
		{Variant: "b", Impressions: 10, Conversions: 9, ConversionRate: 0.9},
	}

	sig := Analyze(stats)
	if sig.IsSignificant {
		t.Errorf("significance declared below the impression floor, p=%f", sig.PValue)
	}
}

func TestWaldInterval(t *testing.T) {
	tests := []struct {
		name        string
		rate        float64
		impressions int
		wantLow     float64
		wantHigh    float64
	}{
		{"zero impressions", 0.5, 0, 0, 0},
		{"clamped low", 0.01, 20, 0, 0.0537},
		{"clamped high", 0.99, 20, 0.9463, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			low, high := WaldInterval(tt.rate, tt.impressions)
			if math.Abs(low-tt.wantLow) > 0.001 {
				t.Errorf("low = %f, want %f", low, tt.wantLow)
			}
			if math.Abs(high-tt.wantHigh) > 0.001 {
				t.Errorf("high = %f, want %f", high, tt.wantHigh)
			}
		})
	}
}

func TestWaldIntervalContainsRate(t *testing.T) {
	low, high := WaldInterval(0.3, 500)
	if low >= 0.3 || high <= 0.3 {
		t.Errorf("interval [%f, %f] does not contain the rate", low, high)
	}
	if high-low > 0.1 {
		t.Errorf("interval [%f, %f] implausibly wide for n=500", low, high)
	}
}

func TestLift(t *testing.T) {
	tests := []struct {
		name    string
		winner  float64
		control float64
		want    float64
	}{
		{"normal lift", 0.30, 0.20, 50.0},
		{"negative lift", 0.10, 0.20, -50.0},
		{"zero both", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Lift(tt.winner, tt.control)
			if math.Abs(got-tt.want) > 0.0001 {
				t.Errorf("Lift(%f, %f) = %f, want %f", tt.winner, tt.control, got, tt.want)
			}
		})
	}
}

func TestLiftInfiniteOnZeroControl(t *testing.T) {
	if got := Lift(0.2, 0); !math.IsInf(got, 1) {
		t.Errorf("expected +Inf lift over a zero control rate, got %f", got)
	}
}
