package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/siftdata/sift/api/metrics"
	"github.com/siftdata/sift/store"
)

// TrainRequest optionally overrides the target connection. An empty
// body trains the configured default.
type TrainRequest struct {
	Connection *ConnectionRequest `json:"connection,omitempty"`
}

// TrainResponse summarizes the forced re-ingest.
type TrainResponse struct {
	Fingerprint  string             `json:"fingerprint"`
	SnapshotHash string             `json:"snapshot_hash"`
	Tables       int                `json:"tables"`
	LastRun      *store.TrainingRun `json:"last_run,omitempty"`
}

// Train forces a full re-ingest of the target schema into the
// retrieval index, regardless of recorded training state.
func (s *Server) Train(w http.ResponseWriter, r *http.Request) {
	var req TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	conn, err := s.resolveConn(req.Connection)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := s.cfg.Pipeline.Train(r.Context(), conn)
	if err != nil {
		s.writeError(w, "training failed", err)
		return
	}
	metrics.TrainingRunsTotal.Inc()

	resp := TrainResponse{
		Fingerprint:  conn.Fingerprint(),
		SnapshotHash: snap.Hash(),
		Tables:       len(snap.Tables),
	}
	if s.cfg.Ledger != nil {
		runs, err := s.cfg.Ledger.TrainingRuns(r.Context(), conn.Fingerprint(), 1)
		if err != nil {
			s.log.Warn("handlers: training run lookup failed", "error", err)
		} else if len(runs) > 0 {
			resp.LastRun = &runs[0]
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
