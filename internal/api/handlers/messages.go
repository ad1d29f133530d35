package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"corral/internal/bus"
	"corral/internal/model"
)

type publishRequest struct {
	Topic    string         `json:"topic"`
	Payload  map[string]any `json:"payload"`
	Priority string         `json:"priority"`
	TTL      string         `json:"ttl"`
	SenderID string         `json:"sender_id"`
}

func (s *Server) PublishMessage(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if req.Topic == "" {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "topic is required")
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d < 0 {
			writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "ttl must be a positive duration")
			return
		}
		ttl = d
	}
	id, err := s.Bus.Publish(req.Topic, req.Payload, bus.PublishOptions{
		Priority: model.Priority(req.Priority),
		TTL:      ttl,
		SenderID: req.SenderID,
	})
	if err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message_id": id})
}

func (s *Server) TopicStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Bus.Stats(chi.URLParam(r, "topic")))
}
