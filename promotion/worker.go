package promotion

import (
	"errors"
	"log"
	"time"

	"outreach-ab-engine/metrics"
)

// Scanner periodically evaluates active experiments and auto-promotes the
// best candidate from each sweep.
type Scanner struct {
	evaluator  *Evaluator
	controller *Controller
	interval   time.Duration
	done       chan bool
}

// NewScanner creates the auto-promotion scan loop.
func NewScanner(evaluator *Evaluator, controller *Controller, interval time.Duration) *Scanner {
	return &Scanner{
		evaluator:  evaluator,
		controller: controller,
		interval:   interval,
		done:       make(chan bool),
	}
}

// Start begins the scan loop. Runs once immediately, then on every tick.
func (s *Scanner) Start() {
	log.Printf("🔄 Promotion scanner started (every %v)", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runScan()

	for {
		select {
		case <-ticker.C:
			s.runScan()
		case <-s.done:
			log.Println("🔄 Promotion scanner stopped")
			return
		}
	}
}

// Stop stops the scan loop.
func (s *Scanner) Stop() {
	s.done <- true
}

// runScan promotes every candidate the evaluator surfaces. The lookback gate
// inside the evaluator keeps repeat sweeps from re-promoting the same winner.
func (s *Scanner) runScan() {
	start := time.Now()
	candidates := s.evaluator.Scan()
	metrics.ScanDuration.Observe(time.Since(start).Seconds())
	if len(candidates) == 0 {
		return
	}

	promoted := 0
	for _, c := range candidates {
		if _, err := s.controller.Promote(c.ExperimentID, c.WinnerVariant, "scanner", TypeAutomatic); err != nil {
			if errors.Is(err, ErrInvalidState) {
				// Dedup gate: the pair is already in canary or recently promoted
				continue
			}
			log.Printf("❌ Auto-promotion failed for %s/%s: %v", c.ExperimentID, c.WinnerVariant, err)
			continue
		}
		promoted++
	}

	log.Printf("🏁 Promotion scan: %d candidates, %d promoted", len(candidates), promoted)
}

// Monitor periodically sweeps in-flight canaries, completing or rolling back
// the ones whose monitoring window has elapsed.
type Monitor struct {
	controller *Controller
	interval   time.Duration
	done       chan bool
}

// NewMonitor creates the canary monitor loop.
func NewMonitor(controller *Controller, interval time.Duration) *Monitor {
	return &Monitor{
		controller: controller,
		interval:   interval,
		done:       make(chan bool),
	}
}

// Start begins the monitor loop.
func (m *Monitor) Start() {
	log.Printf("🔄 Canary monitor started (every %v)", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report := m.controller.Monitor()
			for _, err := range report.Errors {
				log.Printf("⚠️ Canary monitor error: %v", err)
			}
		case <-m.done:
			log.Println("🔄 Canary monitor stopped")
			return
		}
	}
}

// Stop stops the monitor loop.
func (m *Monitor) Stop() {
	m.done <- true
}
