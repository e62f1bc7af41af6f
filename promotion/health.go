package promotion

import (
	"fmt"
	"log"
	"time"

	"outreach-ab-engine/experiment"
)

// StaticHealthChecker reports a fixed verdict. The always-healthy instance is
// the default until a real error-rate/latency checker is plugged in.
type StaticHealthChecker struct {
	Healthy bool
	Reason  string
}

// Check implements HealthChecker.
func (c *StaticHealthChecker) Check(experimentID, variant string, canaryStart time.Time) (bool, string, error) {
	return c.Healthy, c.Reason, nil
}

// DriftHealthChecker rolls a canary back when the promoted variant's
// conversion rate has dropped too far below the rate captured at promotion
// time. It reads live stats from the outcome store.
type DriftHealthChecker struct {
	Outcomes *experiment.OutcomeStore

	// BaselineRate is the variant's conversion rate at promotion time.
	BaselineRate float64

	// MaxDropPct is the tolerated relative drop in percent before the canary
	// is declared unhealthy. Zero means any drop at all rolls back, so wire a
	// sensible value (20 is the usual starting point).
	MaxDropPct float64

	// MinImpressions guards against judging drift from a trickle of traffic.
	MinImpressions int
}

// Check implements HealthChecker.
func (c *DriftHealthChecker) Check(experimentID, variant string, canaryStart time.Time) (bool, string, error) {
	result, err := c.Outcomes.StatsFor(experimentID)
	if err != nil {
		return false, "", fmt.Errorf("drift check: %w", err)
	}

	for _, vs := range result.Variants {
		if vs.Variant != variant {
			continue
		}
		if vs.Impressions < c.MinImpressions {
			// Not enough canary traffic to judge; stay healthy
			return true, "", nil
		}
		if c.BaselineRate <= 0 {
			return true, "", nil
		}
		dropPct := (c.BaselineRate - vs.ConversionRate) / c.BaselineRate * 100
		if dropPct > c.MaxDropPct {
			reason := fmt.Sprintf("conversion rate dropped %.1f%% below promotion baseline (%.4f -> %.4f)",
				dropPct, c.BaselineRate, vs.ConversionRate)
			return false, reason, nil
		}
		return true, "", nil
	}

	return false, "", fmt.Errorf("drift check: %w: %q", experiment.ErrUnknownVariant, variant)
}

// LogAllocator is the default TrafficAllocator: it only logs the requested
// allocation. The webhook-backed allocator replaces it when notifications are
// wired.
type LogAllocator struct{}

// SetAllocation implements TrafficAllocator.
func (LogAllocator) SetAllocation(experimentID, variant string, trafficPct float64) error {
	// Call site only; the serving layer owns the mechanism
	log.Printf("🚦 Traffic allocation: %s/%s -> %.0f%%", experimentID, variant, trafficPct)
	return nil
}
