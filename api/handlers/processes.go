package handlers

import (
	"net/http"

	"github.com/siftdata/sift/engine/pkg/process"
	"github.com/siftdata/sift/engine/pkg/schema"
)

// ProcessesResponse lists the business processes discovered in the
// target schema.
type ProcessesResponse struct {
	Fingerprint string               `json:"fingerprint"`
	Processes   []process.Discovered `json:"processes"`
}

// Processes lists the processes discovered for the default target.
// Discovery reads the trained snapshot when one is recorded and falls
// back to a live introspection.
func (s *Server) Processes(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Processes == nil {
		http.Error(w, "process discovery is disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.resolveConn(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fingerprint := conn.Fingerprint()

	snap := s.trainedSnapshot(r, fingerprint)
	if snap == nil {
		live, err := s.cfg.Pipeline.Snapshot(r.Context(), conn)
		if err != nil {
			s.writeError(w, "schema introspection failed", err)
			return
		}
		snap = live
	}

	procs := s.cfg.Processes.Discover(fingerprint, snap)
	if procs == nil {
		procs = []process.Discovered{}
	}
	s.writeJSON(w, http.StatusOK, ProcessesResponse{
		Fingerprint: fingerprint,
		Processes:   procs,
	})
}

// trainedSnapshot reads the recorded snapshot, swallowing lookup
// failures: the caller falls back to live introspection.
func (s *Server) trainedSnapshot(r *http.Request, fingerprint string) *schema.Snapshot {
	if s.cfg.Ledger == nil {
		return nil
	}
	snap, err := s.cfg.Ledger.Trained(r.Context(), fingerprint)
	if err != nil {
		s.log.Warn("handlers: trained state lookup failed", "error", err)
		return nil
	}
	return snap
}
