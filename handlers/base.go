package handlers

import "outreach-ab-engine/feed"

// FrameHandler is the base interface for feed frame handlers
type FrameHandler interface {
	// Handle processes one decoded feed frame
	Handle(frame *feed.Frame) error

	// GetFrameType returns the frame type this handler accepts
	GetFrameType() string
}
