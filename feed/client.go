package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// allExperimentsWildcard subscribes to outcome events for every experiment.
const allExperimentsWildcard = "*"

// Event is one outcome observation delivered over the feed.
type Event struct {
	ExperimentID string    `json:"experiment_id"`
	SubjectID    string    `json:"subject_id"`
	Kind         string    `json:"kind"`
	Value        float64   `json:"value"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Frame is the wire envelope for feed messages. A single frame can carry a
// burst of events.
type Frame struct {
	Type   string  `json:"type"` // event_batch, ack, pong
	Events []Event `json:"events,omitempty"`
}

// subscribeRequest is the handshake frame sent after connecting.
type subscribeRequest struct {
	Action      string   `json:"action"`
	Experiments []string `json:"experiments"`
}

// pingRequest keeps the upstream connection alive.
type pingRequest struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Client represents a WebSocket client for the outcome event feed
type Client struct {
	url        string
	conn       *websocket.Conn
	header     http.Header
	writeMu    sync.Mutex
	pingCancel context.CancelFunc
}

// NewClient creates a new WebSocket client
func NewClient(url string, authToken string) *Client {
	header := make(http.Header)
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}

	return &Client{
		url:    url,
		header: header,
	}
}

// Connect establishes WebSocket connection
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, c.header)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	c.conn = conn
	log.Printf("✅ Connected to %s", c.url)
	return nil
}

// Subscribe sends the wildcard subscription so every experiment's outcome
// events flow through this connection.
func (c *Client) Subscribe() error {
	req := subscribeRequest{
		Action:      "subscribe",
		Experiments: []string{allExperimentsWildcard},
	}

	if err := c.WriteJSONMessage(req); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}

	log.Printf("📡 Subscribed to ALL experiments (wildcard subscription)")
	return nil
}

// StartPing starts periodic ping to keep connection alive
func (c *Client) StartPing(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.pingCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ping := pingRequest{Action: "ping", Timestamp: time.Now()}
				if err := c.WriteJSONMessage(ping); err != nil {
					log.Println("Failed to send ping:", err)
					return
				}
			}
		}
	}()
}

// WriteJSONMessage sends a JSON message to the WebSocket connection thread-safely
func (c *Client) WriteJSONMessage(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads and decodes one frame from the WebSocket
func (c *Client) ReadFrame() (*Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	frame := &Frame{}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}

	return frame, nil
}

// Close closes the WebSocket connection
func (c *Client) Close() error {
	if c.pingCancel != nil {
		c.pingCancel()
	}

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
