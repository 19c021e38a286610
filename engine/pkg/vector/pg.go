package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig configures the pgvector-backed index.
type PGConfig struct {
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Embedder Embedder

	// Table is created on first use if missing.
	Table string
}

func (c *PGConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	if c.Embedder == nil {
		c.Embedder = NewHashEmbedder(512)
	}
	if c.Table == "" {
		c.Table = "sift_embeddings"
	}
	return nil
}

// PGIndex stores embeddings in PostgreSQL with the pgvector extension.
// Ranking uses cosine distance; ties break on item ID so results are
// stable run to run.
type PGIndex struct {
	cfg  *PGConfig
	log  *slog.Logger
	once sync.Once
	err  error
}

func NewPGIndex(cfg *PGConfig) (*PGIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pgvector index config: %w", err)
	}
	return &PGIndex{cfg: cfg, log: cfg.Logger}, nil
}

// ensure creates the extension and table on first use.
func (x *PGIndex) ensure(ctx context.Context) error {
	x.once.Do(func() {
		if _, err := x.cfg.Pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			x.err = fmt.Errorf("failed to create vector extension: %w", err)
			return
		}
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace text NOT NULL,
				id        text NOT NULL,
				kind      text NOT NULL,
				body      text NOT NULL,
				metadata  jsonb,
				embedding vector(%d) NOT NULL,
				PRIMARY KEY (namespace, id)
			)`, x.cfg.Table, x.cfg.Embedder.Dimensions())
		if _, err := x.cfg.Pool.Exec(ctx, ddl); err != nil {
			x.err = fmt.Errorf("failed to create embeddings table: %w", err)
		}
	})
	return x.err
}

func (x *PGIndex) Upsert(ctx context.Context, namespace string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	if err := x.ensure(ctx); err != nil {
		return err
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	embeddings, err := x.cfg.Embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed %d items: %w", len(items), err)
	}
	if len(embeddings) != len(items) {
		return fmt.Errorf("embedder returned %d vectors for %d items", len(embeddings), len(items))
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s (namespace, id, kind, body, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6::vector)
		ON CONFLICT (namespace, id) DO UPDATE SET
			kind = EXCLUDED.kind,
			body = EXCLUDED.body,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, x.cfg.Table)

	batch := &pgx.Batch{}
	for i, it := range items {
		var meta []byte
		if len(it.Metadata) > 0 {
			meta, err = json.Marshal(it.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata for %s: %w", it.ID, err)
			}
		}
		batch.Queue(sql, namespace, it.ID, string(it.Kind), it.Text, meta, vecLiteral(embeddings[i]))
	}
	br := x.cfg.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range items {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert embeddings: %w", err)
		}
	}
	x.log.Debug("vector index: upserted", "namespace", namespace, "items", len(items))
	return nil
}

func (x *PGIndex) Query(ctx context.Context, namespace, queryText string, k int, kinds ...Kind) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := x.ensure(ctx); err != nil {
		return nil, err
	}

	embeddings, err := x.cfg.Embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	qv := vecLiteral(embeddings[0])

	var kindFilter []string
	for _, kd := range kinds {
		kindFilter = append(kindFilter, string(kd))
	}

	sql := fmt.Sprintf(`
		SELECT id, kind, body, metadata, 1 - (embedding <=> $2::vector) AS score
		FROM %s
		WHERE namespace = $1
		  AND ($3::text[] IS NULL OR kind = ANY($3::text[]))
		ORDER BY embedding <=> $2::vector, id
		LIMIT $4`, x.cfg.Table)

	rows, err := x.cfg.Pool.Query(ctx, sql, namespace, qv, kindFilter, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var (
			s    Scored
			kind string
			meta []byte
		)
		if err := rows.Scan(&s.ID, &kind, &s.Text, &meta, &s.Score); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		s.Kind = Kind(kind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &s.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", s.ID, err)
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read embedding rows: %w", err)
	}
	return out, nil
}

func (x *PGIndex) All(ctx context.Context, namespace string, kind Kind) ([]Item, error) {
	if err := x.ensure(ctx); err != nil {
		return nil, err
	}
	sql := fmt.Sprintf(`
		SELECT id, kind, body, metadata
		FROM %s
		WHERE namespace = $1 AND kind = $2
		ORDER BY id`, x.cfg.Table)

	rows, err := x.cfg.Pool.Query(ctx, sql, namespace, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			it   Item
			k    string
			meta []byte
		)
		if err := rows.Scan(&it.ID, &k, &it.Text, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		it.Kind = Kind(k)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &it.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", it.ID, err)
			}
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read embedding rows: %w", err)
	}
	return out, nil
}

func (x *PGIndex) Delete(ctx context.Context, namespace string) error {
	if err := x.ensure(ctx); err != nil {
		return err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE namespace = $1", x.cfg.Table)
	if _, err := x.cfg.Pool.Exec(ctx, sql, namespace); err != nil {
		return fmt.Errorf("failed to delete namespace %s: %w", namespace, err)
	}
	return nil
}

func vecLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
