package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/siftdata/sift/api/metrics"
	"github.com/siftdata/sift/engine/pkg/pipeline"
	"github.com/siftdata/sift/store"
)

// auditTimeout bounds the audit write after the response is decided.
const auditTimeout = 5 * time.Second

// AskRequest is one plain-language question. Connection overrides the
// configured default target.
type AskRequest struct {
	Question   string             `json:"question"`
	Connection *ConnectionRequest `json:"connection,omitempty"`
}

// Ask answers one question end to end and returns the terminal result:
// the SQL that ran, the attempt trail, the rows, and the chart and
// process recommendations.
func (s *Server) Ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}
	conn, err := s.resolveConn(req.Connection)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.cfg.Pipeline.Process(r.Context(), req.Question, conn)
	s.audit(r.Context(), conn.Fingerprint(), req.Question, res, err)
	if err != nil {
		s.writeError(w, "ask failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// audit records the terminal outcome of one ask and feeds the attempt
// trail into the metrics. Best effort; a failed write never affects the
// response that was already decided.
func (s *Server) audit(ctx context.Context, fingerprint, question string, res *pipeline.Result, err error) {
	rec := store.AskRecord{Fingerprint: fingerprint, Question: question}
	switch {
	case err == nil:
		rec.Outcome = "ok"
		rec.Attempts = len(res.Attempts)
		rec.SQL = res.SQL
		rec.RowCount = res.Result.RowCount
		rec.ElapsedMS = res.LatencyMS
		metrics.RecordTrail(res.Attempts)
	default:
		perr, ok := pipeline.As(err)
		if !ok {
			rec.Outcome = string(pipeline.KindInternal)
			break
		}
		rec.Outcome = string(perr.Kind)
		rec.Attempts = len(perr.Attempts)
		metrics.RecordTrail(perr.Attempts)
	}

	if s.cfg.Ledger == nil {
		return
	}
	// The request context may already be cancelled; the audit row still
	// has to land.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if werr := s.cfg.Ledger.RecordAsk(actx, rec); werr != nil {
		s.log.Warn("handlers: ask audit failed", "fingerprint", fingerprint, "error", werr)
	}
}
