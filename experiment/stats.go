package experiment

import (
	"math"
	"sort"
)

// Statistical parameters for the two-proportion significance check.
const (
	// significanceLevel is the two-sided alpha for declaring a winner.
	significanceLevel = 0.05

	// minImpressionsPerVariant is the per-variant sample floor below which
	// significance is never declared, regardless of what the arithmetic says.
	// Keeps a handful of early outcomes from graduating an experiment.
	minImpressionsPerVariant = 25

	// z95 is the critical value for the 95% Wald interval.
	z95 = 1.96
)

// Significance holds the outcome of the best-vs-second-best comparison.
type Significance struct {
	PValue        float64
	IsSignificant bool
	Winner        string
}

// Analyze runs a two-proportion z-test between the top-two variants by
// conversion rate. Degenerate inputs (fewer than two variants with data, zero
// pooled variance) resolve to "not significant" with p=1.0 rather than
// dividing by zero.
func Analyze(stats []VariantStats) Significance {
	notSignificant := Significance{PValue: 1.0}

	// Rank by conversion rate descending; only variants with impressions count
	ranked := make([]VariantStats, 0, len(stats))
	for _, vs := range stats {
		if vs.Impressions > 0 {
			ranked = append(ranked, vs)
		}
	}
	if len(ranked) < 2 {
		return notSignificant
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ConversionRate > ranked[j].ConversionRate
	})

	best, second := ranked[0], ranked[1]

	nA := float64(best.Impressions)
	nB := float64(second.Impressions)
	pooled := (float64(best.Conversions) + float64(second.Conversions)) / (nA + nB)

	se := math.Sqrt(pooled * (1 - pooled) * (1/nA + 1/nB))
	if se == 0 {
		return notSignificant
	}

	z := (best.ConversionRate - second.ConversionRate) / se
	pValue := 2 * (1 - normalCDF(math.Abs(z)))

	significant := pValue < significanceLevel &&
		best.Impressions >= minImpressionsPerVariant &&
		second.Impressions >= minImpressionsPerVariant

	result := Significance{PValue: pValue, IsSignificant: significant}
	if significant {
		result.Winner = best.Variant
	}
	return result
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// WaldInterval returns the two-sided 95% confidence interval on a conversion
// rate, clamped to [0,1]. Zero impressions yields [0,0].
func WaldInterval(rate float64, impressions int) (low, high float64) {
	if impressions <= 0 {
		return 0, 0
	}
	margin := z95 * math.Sqrt(rate*(1-rate)/float64(impressions))
	low = rate - margin
	high = rate + margin
	if low < 0 {
		low = 0
	}
	if high > 1 {
		high = 1
	}
	return low, high
}

// Lift returns the relative improvement of winnerRate over controlRate in
// percent. A zero control rate is treated as infinite lift when the winner
// converts at all, and zero lift otherwise.
func Lift(winnerRate, controlRate float64) float64 {
	if controlRate == 0 {
		if winnerRate > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return (winnerRate - controlRate) / controlRate * 100
}
