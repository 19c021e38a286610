// Package trainer keeps the retrieval index in sync with a live schema.
// Training is idempotent per connection fingerprint: the first pass does
// a full ingest, later passes diff against the recorded snapshot and
// re-ingest only what changed. Concurrent calls for one fingerprint
// share a single run.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/schema"
	"github.com/siftdata/sift/engine/pkg/vector"
)

const (
	DefaultMaxValues             = 30
	DefaultMaxCategoricalColumns = 50
	DefaultSampleTimeout         = 10 * time.Second
	DefaultSampleWorkers         = 4
	DefaultFullIngestRatio       = 0.2
)

// Run summarizes one completed training pass.
type Run struct {
	Fingerprint  string        `json:"fingerprint"`
	SnapshotHash string        `json:"snapshot_hash"`
	Full         bool          `json:"full"`
	Tables       int           `json:"tables"`
	Items        int           `json:"items"`
	Elapsed      time.Duration `json:"elapsed"`
}

// StateStore persists the trained snapshot per fingerprint so
// idempotence survives restarts. A failed run never reaches
// RecordTrained, so the next call retries from scratch.
type StateStore interface {
	// Trained returns the snapshot recorded by the last successful run
	// for fingerprint, or nil when the fingerprint was never trained.
	Trained(ctx context.Context, fingerprint string) (*schema.Snapshot, error)

	// RecordTrained stores snap as the trained state for run.Fingerprint.
	RecordTrained(ctx context.Context, snap *schema.Snapshot, run Run) error
}

// ProcessSource derives process documentation from a snapshot at
// training time. Wired to the process discoverer.
type ProcessSource interface {
	SchemaDocs(snap *schema.Snapshot) []string
}

// Archive receives each newly trained snapshot, e.g. for S3 cold
// storage. Archive failures are logged, not fatal.
type Archive interface {
	Put(ctx context.Context, fingerprint string, snap *schema.Snapshot) error
}

// Config configures a Trainer. Index and Logger are required; State
// defaults to the in-memory store, everything else to the documented
// defaults.
type Config struct {
	Logger *slog.Logger
	Index  vector.Index
	State  StateStore
	Clock  clockwork.Clock

	// Process derives process documentation at training time. Optional.
	Process ProcessSource

	// Archive receives each trained snapshot. Optional.
	Archive Archive

	// MaxValues is the categorical cardinality cap: columns with more
	// distinct values than this get no value list.
	MaxValues int

	// MaxCategoricalColumns caps how many columns per schema are probed
	// for value lists.
	MaxCategoricalColumns int

	// SampleTimeout bounds each DISTINCT probe.
	SampleTimeout time.Duration

	// SampleWorkers bounds probe concurrency.
	SampleWorkers int

	// FullIngestRatio forces a full ingest when the changed-table share
	// exceeds it.
	FullIngestRatio float64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Index == nil {
		return fmt.Errorf("vector index is required")
	}
	if c.State == nil {
		c.State = NewMemoryState()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxValues == 0 {
		c.MaxValues = DefaultMaxValues
	}
	if c.MaxCategoricalColumns == 0 {
		c.MaxCategoricalColumns = DefaultMaxCategoricalColumns
	}
	if c.SampleTimeout == 0 {
		c.SampleTimeout = DefaultSampleTimeout
	}
	if c.SampleWorkers == 0 {
		c.SampleWorkers = DefaultSampleWorkers
	}
	if c.FullIngestRatio == 0 {
		c.FullIngestRatio = DefaultFullIngestRatio
	}
	return nil
}

// Target bundles the per-connection resources one training run reads:
// the connection identity, a catalog querier for introspection, and an
// optional executor for categorical sampling.
type Target struct {
	Conn    *schema.ConnectionConfig
	Catalog schema.Catalog

	// Sampler runs the DISTINCT probes. Nil skips categorical sampling.
	Sampler execute.Executor
}

func (t *Target) Validate() error {
	if t.Conn == nil {
		return fmt.Errorf("connection config is required")
	}
	if err := t.Conn.Validate(); err != nil {
		return err
	}
	if t.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	return nil
}

// Trainer ingests schema structure, example queries, documentation, and
// categorical value lists into the retrieval index, one namespace per
// connection fingerprint.
type Trainer struct {
	cfg   *Config
	log   *slog.Logger
	group singleflight.Group
	pool  pond.ResultPool[[]vector.Item]
}

func New(cfg *Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trainer config: %w", err)
	}
	return &Trainer{
		cfg:  cfg,
		log:  cfg.Logger,
		pool: pond.NewResultPool[[]vector.Item](cfg.SampleWorkers),
	}, nil
}

// EnsureTrained makes sure the index holds current training data for the
// target. Unchanged schemas return immediately; drifted schemas are
// re-ingested incrementally or fully depending on how much moved.
// Concurrent calls for the same fingerprint block on one shared run.
// Returns the current snapshot.
func (t *Trainer) EnsureTrained(ctx context.Context, target Target) (*schema.Snapshot, error) {
	return t.run(ctx, target, false)
}

// Train forces a full re-ingest regardless of recorded state.
func (t *Trainer) Train(ctx context.Context, target Target) (*schema.Snapshot, error) {
	return t.run(ctx, target, true)
}

func (t *Trainer) run(ctx context.Context, target Target, force bool) (*schema.Snapshot, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training target: %w", err)
	}
	fingerprint := target.Conn.Fingerprint()
	v, err, shared := t.group.Do(fingerprint, func() (any, error) {
		return t.train(ctx, target, fingerprint, force)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		t.log.Debug("trainer: joined in-flight run", "fingerprint", fingerprint)
	}
	return v.(*schema.Snapshot), nil
}

func (t *Trainer) train(ctx context.Context, target Target, fingerprint string, force bool) (*schema.Snapshot, error) {
	profile, err := target.Conn.Profile()
	if err != nil {
		return nil, err
	}
	manager, err := schema.NewManager(&schema.ManagerConfig{
		Logger:  t.log,
		Catalog: target.Catalog,
		Profile: profile,
		Schema:  target.Conn.SchemaScope(),
	})
	if err != nil {
		return nil, err
	}

	snap, err := manager.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	prev, err := t.cfg.State.Trained(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("read trained state: %w", err)
	}
	if !force && prev != nil && prev.Hash() == snap.Hash() {
		t.log.Debug("trainer: schema unchanged", "fingerprint", fingerprint, "tables", len(snap.Tables))
		return snap, nil
	}

	full := force || prev == nil
	var tables []schema.Table
	if !full {
		diff := schema.Compare(prev, snap)
		ratio := float64(diff.ChangedCount()) / float64(max(len(prev.Tables), 1))
		switch {
		case diff.Empty():
			// Hash moved without a structural diff (comment edits);
			// comments feed retrieval text, so refresh everything.
			full = true
		case len(diff.RemovedTables) > 0:
			// Index deletion is namespace-wide, so dropped tables force
			// a rebuild.
			full = true
		case ratio > t.cfg.FullIngestRatio:
			full = true
		default:
			for _, name := range diff.AddedTables {
				tables = append(tables, *snap.Table(name))
			}
			for _, name := range diff.ModifiedTables {
				tables = append(tables, *snap.Table(name))
			}
		}
	}

	start := t.cfg.Clock.Now()
	if full {
		if err := t.cfg.Index.Delete(ctx, fingerprint); err != nil {
			return nil, fmt.Errorf("clear namespace: %w", err)
		}
		tables = snap.Tables
	}

	items := t.buildItems(snap, tables, profile)
	if target.Sampler != nil {
		values, err := t.sampleCategoricalValues(ctx, target.Sampler, profile, tables)
		if err != nil {
			return nil, err
		}
		items = append(items, values...)
	}
	if err := t.cfg.Index.Upsert(ctx, fingerprint, items); err != nil {
		return nil, fmt.Errorf("upsert training items: %w", err)
	}

	run := Run{
		Fingerprint:  fingerprint,
		SnapshotHash: snap.Hash(),
		Full:         full,
		Tables:       len(tables),
		Items:        len(items),
		Elapsed:      t.cfg.Clock.Since(start),
	}
	if err := t.cfg.State.RecordTrained(ctx, snap, run); err != nil {
		return nil, fmt.Errorf("record trained state: %w", err)
	}
	if t.cfg.Archive != nil {
		if err := t.cfg.Archive.Put(ctx, fingerprint, snap); err != nil {
			t.log.Warn("trainer: snapshot archive failed", "fingerprint", fingerprint, "error", err)
		}
	}
	t.log.Info("trainer: trained",
		"fingerprint", fingerprint,
		"full", full,
		"tables", run.Tables,
		"items", run.Items,
		"elapsed", run.Elapsed)
	return snap, nil
}
