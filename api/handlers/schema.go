package handlers

import (
	"net/http"

	"github.com/siftdata/sift/engine/pkg/schema"
)

// Schema returns the live schema of the default target, introspected
// fresh on every call.
func (s *Server) Schema(w http.ResponseWriter, r *http.Request) {
	conn, err := s.resolveConn(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := s.cfg.Pipeline.Snapshot(r.Context(), conn)
	if err != nil {
		s.writeError(w, "schema introspection failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// SchemaDiffResponse reports drift between the schema recorded by the
// last training run and the live one.
type SchemaDiffResponse struct {
	Fingerprint string      `json:"fingerprint"`
	Trained     bool        `json:"trained"`
	Drifted     bool        `json:"drifted"`
	Diff        schema.Diff `json:"diff"`
}

// SchemaDiff compares the recorded trained schema against the live one.
// A drifted diff means the next ask will re-train before answering.
func (s *Server) SchemaDiff(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		http.Error(w, "schema diff requires the metadata store", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.resolveConn(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fingerprint := conn.Fingerprint()

	trained, err := s.cfg.Ledger.Trained(r.Context(), fingerprint)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: s.internalError("trained state lookup failed", err),
		})
		return
	}

	resp := SchemaDiffResponse{Fingerprint: fingerprint}
	if trained == nil {
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	live, err := s.cfg.Pipeline.Snapshot(r.Context(), conn)
	if err != nil {
		s.writeError(w, "schema introspection failed", err)
		return
	}

	resp.Trained = true
	resp.Diff = schema.Compare(trained, live)
	resp.Drifted = !resp.Diff.Empty()
	s.writeJSON(w, http.StatusOK, resp)
}
