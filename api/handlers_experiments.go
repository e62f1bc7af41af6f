package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"outreach-ab-engine/experiment"
	"outreach-ab-engine/metrics"
	"outreach-ab-engine/realtime"
)

// createExperimentRequest is the POST /api/experiments body
type createExperimentRequest struct {
	ID           string             `json:"id"`
	Variants     []string           `json:"variants"`
	TrafficSplit map[string]float64 `json:"traffic_split,omitempty"`
}

// recordOutcomeRequest is the POST /api/experiments/{id}/outcomes body
type recordOutcomeRequest struct {
	SubjectID string  `json:"subject_id"`
	Variant   string  `json:"variant"`
	Kind      string  `json:"kind"`
	Value     float64 `json:"value"`
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	summary, err := s.registry.Create(req.ID, req.Variants, req.TrafficSplit)
	if err != nil {
		writeExperimentError(w, err)
		return
	}

	metrics.ActiveExperiments.Inc()
	if s.broker != nil {
		s.broker.Broadcast(realtime.EventExperimentCreated, summary)
	}

	log.Printf("✅ Experiment created: %s with %d variants", summary.ID, len(summary.Variants))
	writeJSON(w, http.StatusCreated, summary)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	active := s.registry.ListActive()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiments": active,
		"count":       len(active),
	})
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeExperimentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleCompleteExperiment(w http.ResponseWriter, r *http.Request) {
	summary, err := s.registry.Deactivate(r.PathValue("id"))
	if err != nil {
		writeExperimentError(w, err)
		return
	}

	metrics.ActiveExperiments.Dec()
	if s.broker != nil {
		s.broker.Broadcast(realtime.EventExperimentCompleted, summary)
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRemoveExperiment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Remove(id); err != nil {
		writeExperimentError(w, err)
		return
	}

	log.Printf("🗑️ Experiment removed: %s", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetVariant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	subjectID := r.URL.Query().Get("subject_id")
	if subjectID == "" {
		respondWithError(w, http.StatusBadRequest, "subject_id is required", nil)
		return
	}

	variant, err := s.registry.GetOrAssignVariant(id, subjectID)
	if err != nil {
		writeExperimentError(w, err)
		return
	}

	metrics.AssignmentsTotal.WithLabelValues(id, variant).Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"experiment_id": id,
		"subject_id":    subjectID,
		"variant":       variant,
	})
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req recordOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.SubjectID == "" {
		respondWithError(w, http.StatusBadRequest, "subject_id is required", nil)
		return
	}

	// Variant is optional; resolve from the subject's assignment when omitted
	variant := req.Variant
	if variant == "" {
		assigned := s.registry.Outcomes().AssignedVariant(id, req.SubjectID)
		if assigned == "" {
			respondWithError(w, http.StatusConflict, "subject has no assignment in this experiment", nil)
			return
		}
		variant = assigned
	}

	if err := s.registry.RecordOutcome(id, req.SubjectID, variant, req.Kind, req.Value); err != nil {
		writeExperimentError(w, err)
		return
	}

	metrics.OutcomesTotal.WithLabelValues(id, req.Kind).Inc()
	if s.broker != nil {
		s.broker.Broadcast(realtime.EventOutcomeRecorded, map[string]interface{}{
			"experiment_id": id,
			"kind":          req.Kind,
		})
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := s.registry.StatsFor(id)
	if err != nil {
		writeExperimentError(w, err)
		return
	}

	for _, vs := range result.Variants {
		metrics.ConversionRate.WithLabelValues(id, vs.Variant).Set(vs.ConversionRate)
	}
	writeJSON(w, http.StatusOK, result)
}

// writeExperimentError maps the experiment error taxonomy onto HTTP statuses.
func writeExperimentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, experiment.ErrNotFound):
		respondWithError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, experiment.ErrAlreadyExists), errors.Is(err, experiment.ErrNotActive):
		respondWithError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, experiment.ErrInvalidDefinition),
		errors.Is(err, experiment.ErrUnknownVariant),
		errors.Is(err, experiment.ErrInvalidOutcomeKind):
		respondWithError(w, http.StatusBadRequest, err.Error(), nil)
	default:
		respondWithError(w, http.StatusInternalServerError, "internal error", err)
	}
}
