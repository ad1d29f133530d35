package handlers

import (
	"net/http"

	"corral/internal/bridge"
	"corral/internal/bus"
	"corral/internal/config"
	"corral/internal/emergency"
	"corral/internal/registry"
	"corral/internal/storage/repos"
	"corral/internal/supervisor"
)

type Server struct {
	Config     config.Config
	Bus        *bus.Bus
	Registry   *registry.Registry
	Emergency  *emergency.Manager
	Supervisor *supervisor.Supervisor
	Collector  *supervisor.Collector
	Bridge     *bridge.Bridge
	Store      *repos.Store
}

func New(cfg config.Config, b *bus.Bus, reg *registry.Registry, em *emergency.Manager, sup *supervisor.Supervisor, col *supervisor.Collector, br *bridge.Bridge, store *repos.Store) *Server {
	return &Server{
		Config:     cfg,
		Bus:        b,
		Registry:   reg,
		Emergency:  em,
		Supervisor: sup,
		Collector:  col,
		Bridge:     br,
		Store:      store,
	}
}

func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	total, active := s.Registry.Count()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"agents_total":  total,
		"agents_active": active,
	})
}

// Stats aggregates loop, bus, and emergency state into one operator view.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	health, err := s.Bridge.Health(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	total, active := s.Registry.Count()
	writeJSON(w, http.StatusOK, map[string]any{
		"cycle":              s.Supervisor.Stats(),
		"bus":                s.Bus.Counters(),
		"bridge":             health,
		"agents_total":       total,
		"agents_active":      active,
		"emergencies_active": len(s.Emergency.Active()),
	})
}
