package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// allocationRequest is the body POSTed to the serving layer's rollout endpoint.
type allocationRequest struct {
	ExperimentID string    `json:"experiment_id"`
	Variant      string    `json:"variant"`
	TrafficPct   float64   `json:"traffic_pct"`
	SignalledAt  time.Time `json:"signalled_at"`
}

// WebhookAllocator signals traffic allocation changes to the serving layer
// over HTTP. It implements the promotion.TrafficAllocator port.
type WebhookAllocator struct {
	url       string
	authToken string
	client    *http.Client
}

// NewWebhookAllocator creates an allocator pointed at the serving layer's
// rollout endpoint.
func NewWebhookAllocator(url, authToken string) *WebhookAllocator {
	return &WebhookAllocator{
		url:       url,
		authToken: authToken,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetAllocation delivers the allocation change. Unlike lifecycle webhooks this
// is synchronous: the canary controller needs to know the signal landed.
func (a *WebhookAllocator) SetAllocation(experimentID, variant string, trafficPct float64) error {
	body, err := json.Marshal(allocationRequest{
		ExperimentID: experimentID,
		Variant:      variant,
		TrafficPct:   trafficPct,
		SignalledAt:  time.Now(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, a.url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Outreach-AB-Engine/1.0")
	if a.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.authToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("allocation signal failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("allocation signal rejected with status %d", resp.StatusCode)
	}

	log.Printf("🚦 Traffic allocation delivered: %s/%s -> %.0f%%", experimentID, variant, trafficPct)
	return nil
}
