package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "dot" {
		out, err := s.deps.Topology.DOT(r.Context())
		if err != nil {
			writeErr(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/vnd.graphviz; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(out))
		return
	}
	topo, err := s.deps.Topology.GetTopology(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, topo)
}

func (s *Server) handleTopologyMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Topology.GetMetrics(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.deps.Topology.DetectCircularDependencies(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles, "count": len(cycles)})
}

func (s *Server) handleDependencyGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Topology.GetDependencyGraph(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}
