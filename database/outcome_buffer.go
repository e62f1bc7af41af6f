package database

import (
	"log"
	"sync"
	"time"

	"outreach-ab-engine/experiment"
)

// OutcomeBuffer is a write-behind wrapper around ExperimentRepository. Outcome
// events buffer in memory and flush as one transaction when the buffer fills
// or the flush ticker fires. All other store operations pass straight through.
type OutcomeBuffer struct {
	*ExperimentRepository

	mu      sync.Mutex
	pending []experiment.OutcomeEvent

	flushSize     int
	flushInterval time.Duration
	done          chan bool
}

// NewOutcomeBuffer wraps a repository with outcome batching.
func NewOutcomeBuffer(repo *ExperimentRepository, flushSize int, flushInterval time.Duration) *OutcomeBuffer {
	if flushSize <= 0 {
		flushSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &OutcomeBuffer{
		ExperimentRepository: repo,
		pending:              make([]experiment.OutcomeEvent, 0, flushSize),
		flushSize:            flushSize,
		flushInterval:        flushInterval,
		done:                 make(chan bool),
	}
}

// SaveOutcome buffers the event. The write to postgres happens on the next
// flush; the in-memory outcome store upstream already holds the event, so a
// crash loses at most one flush interval of history.
func (b *OutcomeBuffer) SaveOutcome(event *experiment.OutcomeEvent) error {
	b.mu.Lock()
	b.pending = append(b.pending, *event)
	full := len(b.pending) >= b.flushSize
	b.mu.Unlock()

	if full {
		return b.Flush()
	}
	return nil
}

// Flush writes all buffered events in one batch.
func (b *OutcomeBuffer) Flush() error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = make([]experiment.OutcomeEvent, 0, b.flushSize)
	b.mu.Unlock()

	if err := b.SaveOutcomeBatch(batch); err != nil {
		log.Printf("⚠️ Failed to flush %d outcome events: %v", len(batch), err)
		return err
	}
	return nil
}

// Start begins the periodic flush loop
func (b *OutcomeBuffer) Start() {
	log.Printf("🔄 Outcome buffer started (flush every %v or %d events)", b.flushInterval, b.flushSize)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.done:
			// Final flush so shutdown loses nothing
			b.Flush()
			log.Println("🔄 Outcome buffer stopped")
			return
		}
	}
}

// Stop stops the flush loop after a final flush
func (b *OutcomeBuffer) Stop() {
	b.done <- true
}
