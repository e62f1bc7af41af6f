package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"outreach-ab-engine/experiment"
	"outreach-ab-engine/metrics"
	"outreach-ab-engine/promotion"
)

// createPromotionRequest is the POST /api/promotions body
type createPromotionRequest struct {
	ExperimentID string `json:"experiment_id"`
	Variant      string `json:"variant"`
	Actor        string `json:"actor"`
}

// rollbackRequest is the POST /api/promotions/{id}/rollback body
type rollbackRequest struct {
	Reason string `json:"reason"`
}

// handleScanCandidates runs a threshold scan and returns the candidates
// without acting on them. The scheduled scanner is the only auto-promoter.
func (s *Server) handleScanCandidates(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	candidates := s.evaluator.Scan()
	metrics.ScanDuration.Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"candidates": candidates,
		"count":      len(candidates),
		"scanned_at": time.Now(),
	})
}

func (s *Server) handleCreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req createPromotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ExperimentID == "" || req.Variant == "" {
		respondWithError(w, http.StatusBadRequest, "experiment_id and variant are required", nil)
		return
	}

	actor := req.Actor
	if actor == "" {
		actor = "api"
	}

	promoted, err := s.controller.Promote(req.ExperimentID, req.Variant, actor, promotion.TypeManual)
	if err != nil {
		writePromotionError(w, err)
		return
	}

	log.Printf("✅ Manual promotion created: %s for %s/%s", promoted.ID, promoted.ExperimentID, promoted.Variant)
	writeJSON(w, http.StatusCreated, promoted)
}

func (s *Server) handleListPromotions(w http.ResponseWriter, r *http.Request) {
	limit := getIntParam(r, "limit", 50)

	promotions := s.controller.List()
	if len(promotions) > limit {
		promotions = promotions[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"promotions": promotions,
		"count":      len(promotions),
	})
}

func (s *Server) handleGetPromotion(w http.ResponseWriter, r *http.Request) {
	promoted, err := s.controller.Get(r.PathValue("id"))
	if err != nil {
		writePromotionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, promoted)
}

func (s *Server) handleRollbackPromotion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual rollback via API"
	}

	if err := s.controller.ManualRollback(id, req.Reason); err != nil {
		writePromotionError(w, err)
		return
	}

	promoted, err := s.controller.Get(id)
	if err != nil {
		writePromotionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, promoted)
}

// handleSummary returns the dashboard overview: active experiments with their
// stats plus recent promotions.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	active := s.registry.ListActive()

	experiments := make([]map[string]interface{}, 0, len(active))
	for _, summary := range active {
		entry := map[string]interface{}{
			"experiment": summary,
		}
		if result, err := s.registry.StatsFor(summary.ID); err == nil {
			entry["stats"] = result
		}
		experiments = append(experiments, entry)
	}

	promotions := s.controller.List()
	if len(promotions) > 10 {
		promotions = promotions[:10]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiments":       experiments,
		"recent_promotions": promotions,
		"generated_at":      time.Now(),
	})
}

// writePromotionError maps promotion and experiment errors onto HTTP statuses.
func writePromotionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, promotion.ErrNotFound), errors.Is(err, experiment.ErrNotFound):
		respondWithError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, promotion.ErrInvalidState):
		respondWithError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, experiment.ErrUnknownVariant):
		respondWithError(w, http.StatusBadRequest, err.Error(), nil)
	default:
		respondWithError(w, http.StatusInternalServerError, "internal error", err)
	}
}
