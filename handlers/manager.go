package handlers

import (
	"fmt"
	"sync"

	"outreach-ab-engine/feed"
)

// HandlerManager routes decoded feed frames to registered handlers by type
type HandlerManager struct {
	handlers map[string]FrameHandler
	mu       sync.RWMutex
}

// NewHandlerManager creates a new HandlerManager
func NewHandlerManager() *HandlerManager {
	return &HandlerManager{
		handlers: make(map[string]FrameHandler),
	}
}

// RegisterHandler registers a handler for its frame type
func (hm *HandlerManager) RegisterHandler(handler FrameHandler) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.handlers[handler.GetFrameType()] = handler
	fmt.Printf("📦 Registered handler for frame type: %s\n", handler.GetFrameType())
}

// UnregisterHandler removes the handler for a frame type
func (hm *HandlerManager) UnregisterHandler(frameType string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	delete(hm.handlers, frameType)
}

// GetHandler returns the handler for a frame type
func (hm *HandlerManager) GetHandler(frameType string) (FrameHandler, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	handler, exists := hm.handlers[frameType]
	return handler, exists
}

// HandleFrame dispatches a frame to its handler. Unknown frame types (acks,
// pongs) are ignored rather than errored.
func (hm *HandlerManager) HandleFrame(frame *feed.Frame) error {
	handler, exists := hm.GetHandler(frame.Type)
	if !exists {
		return nil
	}
	return handler.Handle(frame)
}

// ListHandlers returns the registered frame types
func (hm *HandlerManager) ListHandlers() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	types := make([]string, 0, len(hm.handlers))
	for t := range hm.handlers {
		types = append(types, t)
	}
	return types
}
