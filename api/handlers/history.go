package handlers

import (
	"net/http"
	"strconv"

	"github.com/siftdata/sift/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// HistoryResponse is one page of the ask log, newest first.
type HistoryResponse struct {
	Items  []store.AskRecord `json:"items"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// History pages through audited asks. Query parameters: limit, offset,
// and fingerprint to scope to one connection.
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		http.Error(w, "history requires the metadata store", http.StatusServiceUnavailable)
		return
	}

	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	fingerprint := r.URL.Query().Get("fingerprint")

	items, err := s.cfg.Ledger.History(r.Context(), fingerprint, limit, offset)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: s.internalError("history lookup failed", err),
		})
		return
	}
	if items == nil {
		items = []store.AskRecord{}
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{
		Items:  items,
		Limit:  limit,
		Offset: offset,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
