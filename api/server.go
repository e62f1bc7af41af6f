package api

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"outreach-ab-engine/experiment"
	"outreach-ab-engine/promotion"
	"outreach-ab-engine/realtime"
)

// Server handles HTTP API requests
type Server struct {
	registry   *experiment.Registry
	evaluator  *promotion.Evaluator
	controller *promotion.Controller
	broker     *realtime.Broker
}

// NewServer creates a new API server instance
func NewServer(registry *experiment.Registry, evaluator *promotion.Evaluator, controller *promotion.Controller, broker *realtime.Broker) *Server {
	return &Server{
		registry:   registry,
		evaluator:  evaluator,
		controller: controller,
		broker:     broker,
	}
}

// Start starts the HTTP server on the specified port
func (s *Server) Start(port int) error {
	mux := http.NewServeMux()

	// Register routes
	mux.Handle("GET /api/events", s.broker) // SSE Endpoint
	mux.Handle("GET /metrics", promhttp.Handler())

	// Experiment Routes
	mux.HandleFunc("POST /api/experiments", s.handleCreateExperiment)
	mux.HandleFunc("GET /api/experiments", s.handleListExperiments)
	mux.HandleFunc("GET /api/experiments/{id}", s.handleGetExperiment)
	mux.HandleFunc("POST /api/experiments/{id}/complete", s.handleCompleteExperiment)
	mux.HandleFunc("DELETE /api/experiments/{id}", s.handleRemoveExperiment)
	mux.HandleFunc("GET /api/experiments/{id}/variant", s.handleGetVariant)
	mux.HandleFunc("POST /api/experiments/{id}/outcomes", s.handleRecordOutcome)
	mux.HandleFunc("GET /api/experiments/{id}/stats", s.handleGetStats)

	// Promotion Routes
	mux.HandleFunc("POST /api/promotions/scan", s.handleScanCandidates)
	mux.HandleFunc("POST /api/promotions", s.handleCreatePromotion)
	mux.HandleFunc("GET /api/promotions", s.handleListPromotions)
	mux.HandleFunc("GET /api/promotions/{id}", s.handleGetPromotion)
	mux.HandleFunc("POST /api/promotions/{id}/rollback", s.handleRollbackPromotion)

	// Dashboard summary
	mux.HandleFunc("GET /api/summary", s.handleSummary)

	mux.HandleFunc("GET /health", s.handleHealth)

	// Add middleware
	handler := s.corsMiddleware(s.loggingMiddleware(mux))

	serverAddr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Printf("🚀 API Server starting on %s", serverAddr)
	return http.ListenAndServe(serverAddr, handler)
}

// Middleware
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now(),
	})
}
