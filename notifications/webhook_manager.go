package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"outreach-ab-engine/promotion"
)

// WebhookManager delivers promotion lifecycle notifications to configured
// HTTP endpoints. It implements the promotion.EventSink port.
type WebhookManager struct {
	urls       []string
	authToken  string
	retryCount int
	retryDelay time.Duration
	client     *http.Client
}

// WebhookPayload represents the JSON payload sent to webhooks
type WebhookPayload struct {
	Event           string    `json:"Event"`
	PromotionID     string    `json:"PromotionID"`
	ExperimentID    string    `json:"ExperimentID"`
	Variant         string    `json:"Variant"`
	PreviousDefault string    `json:"PreviousDefault"`
	Type            string    `json:"Type"`
	Actor           string    `json:"Actor"`
	PValue          float64   `json:"PValue"`
	LiftPct         float64   `json:"LiftPct"`
	SampleSize      int       `json:"SampleSize"`
	CanaryStatus    string    `json:"CanaryStatus"`
	TrafficPct      float64   `json:"TrafficPct"`
	OccurredAt      time.Time `json:"OccurredAt"`
	Message         string    `json:"Message"`

	Metadata map[string]interface{} `json:"Metadata,omitempty"`
}

// NewWebhookManager creates a new webhook manager. An empty URL list yields a
// manager whose deliveries are no-ops.
func NewWebhookManager(urls []string, authToken string, retryCount int, retryDelay time.Duration) *WebhookManager {
	if retryCount <= 0 {
		retryCount = 1
	}
	return &WebhookManager{
		urls:       urls,
		authToken:  authToken,
		retryCount: retryCount,
		retryDelay: retryDelay,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// PromotionEvent delivers one lifecycle event to every configured endpoint.
// Deliveries run async so the canary state machine never blocks on a slow
// receiver.
func (wm *WebhookManager) PromotionEvent(event string, p *promotion.Promotion) {
	if len(wm.urls) == 0 {
		return
	}

	payload := wm.CreatePayload(event, p)
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		log.Printf("⚠️  Failed to marshal webhook payload: %v", err)
		return
	}

	for _, url := range wm.urls {
		go wm.deliverWebhook(url, payloadBytes)
	}
}

// CreatePayload generates the webhook payload for a promotion event
func (wm *WebhookManager) CreatePayload(event string, p *promotion.Promotion) WebhookPayload {
	// Example: "🚀 PROMOTION! cta_test winner=soft_close | Lift: +18.2% | p=0.0123 | n=2450 | canary"
	message := fmt.Sprintf("🚀 PROMOTION %s! %s winner=%s | Lift: %+.1f%% | p=%.4f | n=%d | %s",
		event,
		p.ExperimentID,
		p.Variant,
		p.LiftPct,
		p.PValue,
		p.SampleSize,
		p.CanaryStatus,
	)

	return WebhookPayload{
		Event:           event,
		PromotionID:     p.ID,
		ExperimentID:    p.ExperimentID,
		Variant:         p.Variant,
		PreviousDefault: p.PreviousDefault,
		Type:            p.Type,
		Actor:           p.Actor,
		PValue:          p.PValue,
		LiftPct:         p.LiftPct,
		SampleSize:      p.SampleSize,
		CanaryStatus:    p.CanaryStatus,
		TrafficPct:      p.CanaryTrafficPct,
		OccurredAt:      time.Now(),
		Message:         message,
		Metadata: map[string]interface{}{
			"variant_rates":   p.Metrics.VariantRates,
			"variant_samples": p.Metrics.VariantSamples,
			"rollback_reason": p.RollbackReason,
		},
	}
}

func (wm *WebhookManager) deliverWebhook(url string, payload []byte) {
	var resp *http.Response
	var err error

	for attempt := 1; attempt <= wm.retryCount; attempt++ {
		req, reqErr := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(payload))
		if reqErr != nil {
			log.Printf("⚠️  Invalid webhook request for %s: %v", url, reqErr)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Outreach-AB-Engine/1.0")
		if wm.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+wm.authToken)
		}

		log.Printf("🔹 Sending webhook to %s (Attempt %d/%d)", url, attempt, wm.retryCount)

		resp, err = wm.client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			resp.Body.Close()
			return
		}
		if resp != nil {
			resp.Body.Close()
		}

		if attempt < wm.retryCount {
			time.Sleep(wm.retryDelay)
		}
	}

	if err != nil {
		log.Printf("⚠️  Webhook delivery to %s failed: %v", url, err)
	} else if resp != nil {
		log.Printf("⚠️  Webhook delivery to %s failed with status %d", url, resp.StatusCode)
	}
}
