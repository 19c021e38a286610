package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AskRecord is one audited pipeline run. Outcome is "ok" or the
// terminal error kind.
type AskRecord struct {
	ID          uuid.UUID `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Question    string    `json:"question"`
	SQL         string    `json:"sql,omitempty"`
	Outcome     string    `json:"outcome"`
	Attempts    int       `json:"attempts"`
	RowCount    int       `json:"row_count"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecordAsk appends one run to the audit log. A zero ID is filled in.
func (s *Store) RecordAsk(ctx context.Context, rec AskRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ask_log (id, fingerprint, question, sql_text, outcome, attempts, row_count, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Fingerprint, rec.Question, rec.SQL, rec.Outcome,
		rec.Attempts, rec.RowCount, rec.ElapsedMS)
	if err != nil {
		return fmt.Errorf("failed to record ask: %w", err)
	}
	return nil
}

// History pages through the ask log, newest first. An empty fingerprint
// spans every connection.
func (s *Store) History(ctx context.Context, fingerprint string, limit, offset int) ([]AskRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, fingerprint, question, sql_text, outcome, attempts, row_count, elapsed_ms, created_at
		FROM ask_log
		WHERE ($1 = '' OR fingerprint = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`,
		fingerprint, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query ask history: %w", err)
	}
	defer rows.Close()

	var out []AskRecord
	for rows.Next() {
		var r AskRecord
		if err := rows.Scan(&r.ID, &r.Fingerprint, &r.Question, &r.SQL, &r.Outcome,
			&r.Attempts, &r.RowCount, &r.ElapsedMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ask record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ask history: %w", err)
	}
	return out, nil
}
