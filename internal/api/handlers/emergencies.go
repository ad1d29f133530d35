package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) ListEmergencies(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("scope") == "history" {
		writeJSON(w, http.StatusOK, s.Emergency.History())
		return
	}
	writeJSON(w, http.StatusOK, s.Emergency.Active())
}

func (s *Server) ResolveEmergency(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Emergency.Resolve(id); err != nil {
		if !mapErr(w, err) {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emergency_id": id, "resolved": true})
}
