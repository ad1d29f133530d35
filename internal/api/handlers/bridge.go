package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"corral/internal/bridge"
	"corral/internal/model"
)

func (s *Server) BridgeHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.Bridge.Health(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, health)
}

type sendTriggerRequest struct {
	Payload  map[string]any `json:"payload"`
	Priority string         `json:"priority"`
}

// SendTrigger pushes an improvement trigger through the bridge on demand.
func (s *Server) SendTrigger(w http.ResponseWriter, r *http.Request) {
	var req sendTriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	priority := model.Priority(req.Priority)
	if priority == "" {
		priority = model.PriorityHigh
	}
	if err := s.Bridge.Send(r.Context(), bridge.ContractImprovementTrigger, req.Payload, priority); err != nil {
		if !mapErr(w, err) {
			writeErr(w, http.StatusBadGateway, "PIPELINE_ERROR", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"sent": true})
}

type notificationRequest struct {
	Contract string         `json:"contract"`
	Version  string         `json:"version"`
	Payload  map[string]any `json:"payload"`
}

// Notification is the inbound webhook the external pipeline calls with
// deployment notifications.
func (s *Server) Notification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if req.Contract == "" {
		req.Contract = bridge.ContractDeploymentNotification
	}
	if err := s.Bridge.Receive(r.Context(), req.Contract, req.Version, req.Payload); err != nil {
		if !mapErr(w, err) {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	entries, err := s.Bridge.DeadLetters(r.Context(), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Bridge.Replay(r.Context(), id); err != nil {
		if !mapErr(w, err) {
			writeErr(w, http.StatusBadGateway, "REPLAY_FAILED", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replayed": id})
}

func (s *Server) ReplayAllDeadLetters(w http.ResponseWriter, r *http.Request) {
	replayed, err := s.Bridge.ReplayAll(r.Context())
	if err != nil && !mapErr(w, err) {
		writeErr(w, http.StatusBadGateway, "REPLAY_FAILED", err.Error())
		return
	}
	if err != nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replayed": replayed})
}

func (s *Server) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Bridge.Discard(r.Context(), id); err != nil {
		if !mapErr(w, err) {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discarded": id})
}
