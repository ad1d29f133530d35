package handlers

import (
	"net/http"
	"time"

	"corral/internal/model"
)

type proposeActionRequest struct {
	SourceID      string  `json:"source_id"`
	Resource      string  `json:"resource"`
	Action        string  `json:"action"`
	PriorityScore float64 `json:"priority_score"`
}

// ProposeAction queues an action request; contention is settled on the next
// coordination tick.
func (s *Server) ProposeAction(w http.ResponseWriter, r *http.Request) {
	var req proposeActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if req.SourceID == "" || req.Resource == "" || req.Action == "" {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "source_id, resource and action are required")
		return
	}
	action := model.ActionRequest{
		SourceID:      req.SourceID,
		Resource:      req.Resource,
		Action:        req.Action,
		PriorityScore: req.PriorityScore,
		RequestedAt:   time.Now().UTC(),
	}
	if err := s.Supervisor.Propose(action); err != nil {
		if !mapErr(w, err) {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}

func (s *Server) ListConflicts(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	records, err := s.Store.ListConflicts(r.Context(), resource, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}
