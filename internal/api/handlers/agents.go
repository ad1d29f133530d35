package handlers

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"corral/internal/bus"
	"corral/internal/model"
)

type registerAgentRequest struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "agent_id is required")
		return
	}
	reg := model.AgentRegistration{AgentID: req.AgentID, Capabilities: req.Capabilities}
	if err := s.Registry.Register(reg); err != nil {
		if !mapErr(w, err) {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}
	agent, _ := s.Registry.Get(req.AgentID)
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) ListAgents(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("status") == "active" {
		writeJSON(w, http.StatusOK, s.Registry.ListActive())
		return
	}
	writeJSON(w, http.StatusOK, s.Registry.List())
}

func (s *Server) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		if !mapErr(w, err) {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// Heartbeat refreshes an agent's liveness. A heartbeat that revives a
// degraded or offline agent is announced on the agent status topic, same as
// the sweep transitions.
func (s *Server) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tr, err := s.Registry.Heartbeat(id)
	if err != nil {
		if !mapErr(w, err) {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}
	if tr.From != tr.To {
		if _, err := s.Bus.Publish(model.TopicAgentStatus, map[string]any{
			"agent_id": tr.AgentID,
			"from":     string(tr.From),
			"to":       string(tr.To),
			"evicted":  false,
		}, bus.PublishOptions{Priority: model.PriorityHigh, SenderID: "registry"}); err != nil {
			log.Printf("[api] announce revival of %s: %v", id, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "status": string(tr.To)})
}

func (s *Server) DeregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Registry.Deregister(id); err != nil {
		if !mapErr(w, err) {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id})
}

// ReportMetrics lets an agent push gauge readings for the next evaluation
// cycle.
func (s *Server) ReportMetrics(w http.ResponseWriter, r *http.Request) {
	var readings map[string]float64
	if err := decodeJSON(r, &readings); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	for name, value := range readings {
		s.Collector.Set(name, value)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(readings)})
}
