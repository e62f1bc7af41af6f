package feed

import (
	"context"
	"fmt"
	"log"
	"time"
)

// ConnectionManager handles feed connection lifecycle, health monitoring, and reconnection.
type ConnectionManager struct {
	client      *Client
	feedURL     string
	authToken   string
	lastMsgTime time.Time
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(feedURL, authToken string) *ConnectionManager {
	return &ConnectionManager{
		feedURL:     feedURL,
		authToken:   authToken,
		lastMsgTime: time.Now(),
	}
}

// Connect establishes the initial feed connection and subscribes.
func (cm *ConnectionManager) Connect() error {
	fmt.Println("🔌 Connecting to outcome event feed...")
	cm.client = NewClient(cm.feedURL, cm.authToken)

	if err := cm.client.Connect(); err != nil {
		return fmt.Errorf("feed connection failed: %w", err)
	}
	fmt.Println("✅ Outcome event feed connected!")

	return cm.client.Subscribe()
}

// StartPing starts the keep-alive pinger.
func (cm *ConnectionManager) StartPing(interval time.Duration) {
	if cm.client != nil {
		cm.client.StartPing(interval)
	}
}

// ReadFrame reads one frame from the feed.
func (cm *ConnectionManager) ReadFrame() (*Frame, error) {
	if cm.client == nil {
		return nil, fmt.Errorf("client not connected")
	}
	frame, err := cm.client.ReadFrame()
	if err == nil {
		cm.lastMsgTime = time.Now()
	}
	return frame, err
}

// Close closes the connection.
func (cm *ConnectionManager) Close() error {
	if cm.client != nil {
		return cm.client.Close()
	}
	return nil
}

// Reconnect tears down and re-establishes the feed connection.
func (cm *ConnectionManager) Reconnect() error {
	_ = cm.Close()

	cm.client = NewClient(cm.feedURL, cm.authToken)
	if err := cm.client.Connect(); err != nil {
		return fmt.Errorf("feed connection failed: %w", err)
	}

	if err := cm.client.Subscribe(); err != nil {
		return err
	}

	cm.StartPing(25 * time.Second)
	log.Println("✅ Feed reconnection successful")
	return nil
}

// RunHealthMonitor starts a background loop to check connection health.
func (cm *ConnectionManager) RunHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	log.Println("💓 Feed health monitoring started")

	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 Feed health monitoring stopped")
			return
		case <-ticker.C:
			timeSinceLastMessage := time.Since(cm.lastMsgTime)

			// If no message received in 5 minutes, consider connection unhealthy
			if timeSinceLastMessage > 5*time.Minute {
				log.Printf("⚠️  No feed message received for %v, reconnecting...", timeSinceLastMessage.Round(time.Second))

				if err := cm.Reconnect(); err != nil {
					log.Printf("❌ Feed reconnection failed: %v", err)
				} else {
					log.Println("✅ Feed reconnected successfully")
					cm.lastMsgTime = time.Now()
				}
			} else {
				log.Printf("💓 Feed healthy, last message %v ago", timeSinceLastMessage.Round(time.Second))
			}
		}
	}
}
