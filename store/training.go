package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/siftdata/sift/engine/pkg/schema"
	"github.com/siftdata/sift/engine/pkg/trainer"
)

// Trained returns the snapshot recorded by the last successful training
// run for fingerprint, or nil when the fingerprint was never trained.
func (s *Store) Trained(ctx context.Context, fingerprint string) (*schema.Snapshot, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM schema_snapshots WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trained snapshot for %s: %w", fingerprint, err)
	}

	var snap schema.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode trained snapshot for %s: %w", fingerprint, err)
	}
	return &snap, nil
}

// RecordTrained stores snap as the trained state for run.Fingerprint and
// appends the run to the training history, atomically.
func (s *Store) RecordTrained(ctx context.Context, snap *schema.Snapshot, run trainer.Run) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", run.Fingerprint, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin training transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO schema_snapshots (fingerprint, snapshot_hash, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (fingerprint) DO UPDATE SET
			snapshot_hash = EXCLUDED.snapshot_hash,
			payload = EXCLUDED.payload,
			updated_at = now()`,
		run.Fingerprint, run.SnapshotHash, payload)
	if err != nil {
		return fmt.Errorf("failed to store snapshot for %s: %w", run.Fingerprint, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO training_runs (id, fingerprint, snapshot_hash, full_run, tables, items, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), run.Fingerprint, run.SnapshotHash, run.Full, run.Tables, run.Items,
		run.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record training run for %s: %w", run.Fingerprint, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit training transaction: %w", err)
	}
	s.log.Debug("store: training run recorded",
		"fingerprint", run.Fingerprint, "full", run.Full, "items", run.Items)
	return nil
}

// TrainingRun is one row of the training history.
type TrainingRun struct {
	ID           uuid.UUID `json:"id"`
	Fingerprint  string    `json:"fingerprint"`
	SnapshotHash string    `json:"snapshot_hash"`
	Full         bool      `json:"full"`
	Tables       int       `json:"tables"`
	Items        int       `json:"items"`
	ElapsedMS    int64     `json:"elapsed_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// TrainingRuns lists runs for fingerprint, newest first.
func (s *Store) TrainingRuns(ctx context.Context, fingerprint string, limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, fingerprint, snapshot_hash, full_run, tables, items, elapsed_ms, created_at
		FROM training_runs
		WHERE fingerprint = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		fingerprint, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list training runs: %w", err)
	}
	defer rows.Close()

	var out []TrainingRun
	for rows.Next() {
		var r TrainingRun
		if err := rows.Scan(&r.ID, &r.Fingerprint, &r.SnapshotHash, &r.Full,
			&r.Tables, &r.Items, &r.ElapsedMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan training run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read training runs: %w", err)
	}
	return out, nil
}
