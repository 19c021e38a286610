// Package pipeline drives one natural-language question end to end:
// ensure the connection is trained, run the generate-validate-execute
// correction loop, then attach chart and process recommendations to the
// materialized result. Every call terminates in exactly one Result or
// one Error; recoverable noise along the way stays inside the loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/siftdata/sift/engine/pkg/chart"
	"github.com/siftdata/sift/engine/pkg/correction"
	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/process"
	"github.com/siftdata/sift/engine/pkg/schema"
	"github.com/siftdata/sift/engine/pkg/trainer"
	"github.com/siftdata/sift/engine/pkg/validate"
)

const (
	DefaultStageSampleTimeout = 10 * time.Second

	// stageSampleLimit caps the transition probe that orders a discovered
	// process's stages. Status sets are small; the cap only guards
	// against probing a table that is not really a transition log.
	stageSampleLimit = 200
)

// Trainer keeps the retrieval index current for a connection.
// EnsureTrained is idempotent per fingerprint; Train forces a full
// re-ingest. *trainer.Trainer implements it.
type Trainer interface {
	EnsureTrained(ctx context.Context, target trainer.Target) (*schema.Snapshot, error)
	Train(ctx context.Context, target trainer.Target) (*schema.Snapshot, error)
}

// Corrector runs the bounded generate-validate-execute loop.
// *correction.Loop implements it.
type Corrector interface {
	Run(ctx context.Context, question string, target correction.Target) (*correction.Outcome, error)
}

// ChartAdvisor recommends a rendering for a result. *chart.Advisor
// implements it.
type ChartAdvisor interface {
	Advise(ctx context.Context, question string, result *execute.QueryResult) *chart.Spec
}

// Discoverer infers processes from schemas and detects flows in results.
// *process.Discoverer implements it.
type Discoverer interface {
	Discover(fingerprint string, snap *schema.Snapshot) []process.Discovered
	DetectFlow(result *execute.QueryResult, discovered []process.Discovered) *process.Flow
	Invalidate(fingerprint string)
	SetStages(fingerprint, mainTable string, stages []string)
}

// GraphSink mirrors discovered processes into an external graph store.
// *process.GraphStore implements it. Sink failures are logged, never
// fatal for the request that triggered the sync.
type GraphSink interface {
	Sync(ctx context.Context, fingerprint string, procs []process.Discovered) error
}

// Observer receives one callback per terminal outcome. The metrics
// layer implements it; engine code never touches collectors directly.
type Observer interface {
	PipelineCompleted(outcome string, attempts int, elapsed time.Duration)
}

// Handle bundles the live resources of one connection. Close releases
// them; nil Close means the connector owns the lifecycle.
type Handle struct {
	Catalog  schema.Catalog
	Executor execute.Executor
	Close    func()
}

// Connector opens handles for connection configs. Implementations own
// pooling policy; the coordinator holds one handle per fingerprint for
// its lifetime.
type Connector interface {
	Connect(ctx context.Context, conn *schema.ConnectionConfig) (*Handle, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, conn *schema.ConnectionConfig) (*Handle, error)

func (f ConnectorFunc) Connect(ctx context.Context, conn *schema.ConnectionConfig) (*Handle, error) {
	return f(ctx, conn)
}

// Result is the single terminal success shape: the SQL that ran, the
// trail of attempts behind it, the materialized rows, and the advisory
// chart and process views over them.
type Result struct {
	SQL       string               `json:"sql"`
	Attempts  []correction.Attempt `json:"attempts"`
	Result    *execute.QueryResult `json:"result"`
	Chart     *chart.Spec          `json:"chart"`
	Process   *process.Flow        `json:"process,omitempty"`
	LatencyMS int64                `json:"latency_ms"`
}

// Config configures a Coordinator.
type Config struct {
	Logger    *slog.Logger
	Trainer   Trainer
	Loop      Corrector
	Charts    ChartAdvisor
	Connector Connector
	Clock     clockwork.Clock

	// Discovery detects business processes. Nil disables process
	// detection and flow building entirely.
	Discovery Discoverer

	// Graph receives discovered processes whenever a schema is first
	// seen or drifts. Optional.
	Graph GraphSink

	// LLM streams result descriptions for Describe. Optional; Describe
	// fails without it, Process never needs it.
	LLM DescribeClient

	// Observer receives terminal outcomes. Optional.
	Observer Observer

	// StageSampleTimeout bounds each transition probe used to order a
	// discovered process's stages.
	StageSampleTimeout time.Duration

	// DescribeTimeout bounds one description stream.
	DescribeTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Trainer == nil {
		return errors.New("trainer is required")
	}
	if c.Loop == nil {
		return errors.New("correction loop is required")
	}
	if c.Charts == nil {
		return errors.New("chart advisor is required")
	}
	if c.Connector == nil {
		return errors.New("connector is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.StageSampleTimeout <= 0 {
		c.StageSampleTimeout = DefaultStageSampleTimeout
	}
	if c.DescribeTimeout <= 0 {
		c.DescribeTimeout = DefaultDescribeTimeout
	}
	return nil
}

// connection is the cached per-fingerprint state: the open handle plus
// the last snapshot hash seen, which gates discovery invalidation.
type connection struct {
	handle   *Handle
	lastHash string
}

// Coordinator owns the per-request orchestration and the per-connection
// handle cache. Safe for concurrent use.
type Coordinator struct {
	cfg *Config
	log *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

func New(cfg *Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return &Coordinator{
		cfg:   cfg,
		log:   cfg.Logger,
		conns: make(map[string]*connection),
	}, nil
}

// Process answers one question against one connection. The returned
// error, when non-nil, is always a *Error carrying the terminal kind,
// the user-facing message, and whatever attempt trail accumulated.
func (c *Coordinator) Process(ctx context.Context, question string, conn *schema.ConnectionConfig) (*Result, error) {
	start := c.cfg.Clock.Now()
	res, perr := c.process(ctx, question, conn)
	elapsed := c.cfg.Clock.Since(start)

	if perr != nil {
		if c.cfg.Observer != nil {
			c.cfg.Observer.PipelineCompleted(string(perr.Kind), len(perr.Attempts), elapsed)
		}
		c.log.Warn("pipeline: request failed",
			"kind", perr.Kind,
			"attempts", len(perr.Attempts),
			"elapsed", elapsed,
			"diagnostic", perr.Diagnostic)
		return nil, perr
	}

	res.LatencyMS = elapsed.Milliseconds()
	if c.cfg.Observer != nil {
		c.cfg.Observer.PipelineCompleted("ok", len(res.Attempts), elapsed)
	}
	c.log.Info("pipeline: request completed",
		"attempts", len(res.Attempts),
		"rows", res.Result.RowCount,
		"chart", res.Chart.Type,
		"process", res.Process != nil,
		"elapsed", elapsed)
	return res, nil
}

func (c *Coordinator) process(ctx context.Context, question string, conn *schema.ConnectionConfig) (*Result, *Error) {
	if strings.TrimSpace(question) == "" {
		return nil, fail(KindInternal, errors.New("question is empty"), nil)
	}
	profile, fingerprint, handle, perr := c.resolve(ctx, conn)
	if perr != nil {
		return nil, perr
	}

	snap, err := c.cfg.Trainer.EnsureTrained(ctx, trainer.Target{
		Conn:    conn,
		Catalog: handle.Catalog,
		Sampler: handle.Executor,
	})
	if err != nil {
		if cancelledBy(err) {
			return nil, fail(KindCancelled, err, nil)
		}
		return nil, fail(KindSchemaIntrospectionFailed, err, nil)
	}
	c.observeSnapshot(ctx, fingerprint, snap, handle, profile)

	validator, err := validate.New(&validate.Config{Logger: c.log, Dialect: profile})
	if err != nil {
		return nil, fail(KindInternal, err, nil)
	}

	outcome, err := c.cfg.Loop.Run(ctx, question, correction.Target{
		Namespace: fingerprint,
		Profile:   profile,
		Validator: validator,
		Executor:  handle.Executor,
	})
	if err != nil {
		var failure *correction.Failure
		if errors.As(err, &failure) {
			return nil, classifyFailure(failure)
		}
		if cancelledBy(err) {
			return nil, fail(KindCancelled, err, nil)
		}
		return nil, fail(KindInternal, err, nil)
	}

	res := &Result{
		SQL:      outcome.SQL,
		Attempts: outcome.Attempts,
		Result:   outcome.Result,
	}

	// Chart advice and process detection read the same result without
	// touching each other; run them together and join.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res.Chart = c.cfg.Charts.Advise(gctx, question, outcome.Result)
		return nil
	})
	if c.cfg.Discovery != nil {
		g.Go(func() error {
			res.Process = c.cfg.Discovery.DetectFlow(outcome.Result, c.cfg.Discovery.Discover(fingerprint, snap))
			return nil
		})
	}
	_ = g.Wait()

	return res, nil
}

// Train forces a full re-ingest for conn regardless of recorded state
// and returns the fresh snapshot. Errors follow the same terminal
// contract as Process.
func (c *Coordinator) Train(ctx context.Context, conn *schema.ConnectionConfig) (*schema.Snapshot, error) {
	profile, fingerprint, handle, perr := c.resolve(ctx, conn)
	if perr != nil {
		return nil, perr
	}
	snap, err := c.cfg.Trainer.Train(ctx, trainer.Target{
		Conn:    conn,
		Catalog: handle.Catalog,
		Sampler: handle.Executor,
	})
	if err != nil {
		if cancelledBy(err) {
			return nil, fail(KindCancelled, err, nil)
		}
		return nil, fail(KindSchemaIntrospectionFailed, err, nil)
	}
	c.observeSnapshot(ctx, fingerprint, snap, handle, profile)
	return snap, nil
}

// Snapshot introspects conn's live schema without touching the
// retrieval index or recorded training state.
func (c *Coordinator) Snapshot(ctx context.Context, conn *schema.ConnectionConfig) (*schema.Snapshot, error) {
	profile, _, handle, perr := c.resolve(ctx, conn)
	if perr != nil {
		return nil, perr
	}
	manager, err := schema.NewManager(&schema.ManagerConfig{
		Logger:  c.log,
		Catalog: handle.Catalog,
		Profile: profile,
		Schema:  conn.SchemaScope(),
	})
	if err != nil {
		return nil, fail(KindInternal, err, nil)
	}
	snap, err := manager.Snapshot(ctx)
	if err != nil {
		if cancelledBy(err) {
			return nil, fail(KindCancelled, err, nil)
		}
		return nil, fail(KindSchemaIntrospectionFailed, err, nil)
	}
	return snap, nil
}

// resolve validates conn and returns its profile, fingerprint, and open
// handle, classifying any failure into a terminal error.
func (c *Coordinator) resolve(ctx context.Context, conn *schema.ConnectionConfig) (dialect.Profile, string, *Handle, *Error) {
	if conn == nil {
		return nil, "", nil, fail(KindInternal, errors.New("connection config is required"), nil)
	}
	if err := conn.Validate(); err != nil {
		return nil, "", nil, fail(KindInternal, fmt.Errorf("connection config: %w", err), nil)
	}
	profile, err := conn.Profile()
	if err != nil {
		return nil, "", nil, fail(KindInternal, err, nil)
	}
	fingerprint := conn.Fingerprint()

	handle, err := c.handle(ctx, conn, fingerprint)
	if err != nil {
		if cancelledBy(err) {
			return nil, "", nil, fail(KindCancelled, err, nil)
		}
		return nil, "", nil, fail(KindExecutionConnectionLost, err, nil)
	}
	return profile, fingerprint, handle, nil
}

// handle returns the cached handle for fingerprint, opening one on first
// use. The dial runs outside the lock; when two requests race the loser
// closes its handle and adopts the winner's.
func (c *Coordinator) handle(ctx context.Context, conn *schema.ConnectionConfig, fingerprint string) (*Handle, error) {
	c.mu.Lock()
	if state, ok := c.conns[fingerprint]; ok {
		c.mu.Unlock()
		return state.handle, nil
	}
	c.mu.Unlock()

	handle, err := c.cfg.Connector.Connect(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", fingerprint, err)
	}
	if handle == nil || handle.Catalog == nil || handle.Executor == nil {
		return nil, fmt.Errorf("connect %s: connector returned an incomplete handle", fingerprint)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.conns[fingerprint]; ok {
		if handle.Close != nil {
			handle.Close()
		}
		return state.handle, nil
	}
	c.conns[fingerprint] = &connection{handle: handle}
	c.log.Info("pipeline: connection opened", "fingerprint", fingerprint, "dialect", conn.Dialect)
	return handle, nil
}

// observeSnapshot tracks the snapshot hash per fingerprint. First sight
// and drift invalidate the discovery cache, re-discover, order stages
// from the live transitions, and refresh the graph mirror, so process
// answers never describe a schema that no longer exists.
func (c *Coordinator) observeSnapshot(ctx context.Context, fingerprint string, snap *schema.Snapshot, handle *Handle, profile dialect.Profile) {
	hash := snap.Hash()
	c.mu.Lock()
	state := c.conns[fingerprint]
	changed := state != nil && state.lastHash != hash
	if state != nil {
		state.lastHash = hash
	}
	c.mu.Unlock()
	if !changed || c.cfg.Discovery == nil {
		return
	}

	c.cfg.Discovery.Invalidate(fingerprint)
	procs := c.cfg.Discovery.Discover(fingerprint, snap)
	procs = c.orderStages(ctx, fingerprint, handle.Executor, profile, procs)

	if c.cfg.Graph != nil && len(procs) > 0 {
		if err := c.cfg.Graph.Sync(ctx, fingerprint, procs); err != nil {
			c.log.Warn("pipeline: graph sync failed", "fingerprint", fingerprint, "error", err)
		}
	}
}

// orderStages probes each discovered transition log for its distinct
// from/to pairs and derives stage order from them. Best effort: a probe
// that fails or finds nothing leaves the process unordered.
func (c *Coordinator) orderStages(ctx context.Context, fingerprint string, executor execute.Executor, profile dialect.Profile, procs []process.Discovered) []process.Discovered {
	for i, p := range procs {
		if p.TransitionPattern == "" {
			continue
		}
		from, to, ok := strings.Cut(p.TransitionPattern, "/")
		if !ok {
			continue
		}
		table := p.HistoryTable
		if table == "" {
			table = p.MainTable
		}

		query := fmt.Sprintf("SELECT DISTINCT %s, %s FROM %s WHERE %s IS NOT NULL %s",
			profile.QuoteIdentifier(from),
			profile.QuoteIdentifier(to),
			profile.QuoteIdentifier(table),
			profile.QuoteIdentifier(to),
			profile.PaginationClause(stageSampleLimit))

		pctx, cancel := context.WithTimeout(ctx, c.cfg.StageSampleTimeout)
		res, err := executor.Execute(pctx, query)
		cancel()
		if err != nil {
			c.log.Debug("pipeline: transition probe failed",
				"table", table, "error", err)
			continue
		}

		stages := process.StagesFromTransitions(transitionPairs(res))
		if len(stages) < 2 {
			continue
		}
		procs[i].Stages = stages
		c.cfg.Discovery.SetStages(fingerprint, p.MainTable, stages)
		c.log.Debug("pipeline: stages ordered",
			"process", p.Name, "stages", strings.Join(stages, ","))
	}
	return procs
}

// transitionPairs reads the first two result columns as from/to pairs,
// keyed by the names the driver reported.
func transitionPairs(res *execute.QueryResult) [][2]string {
	if res == nil || len(res.Columns) < 2 {
		return nil
	}
	fromKey := res.Columns[0].Name
	toKey := res.Columns[1].Name
	pairs := make([][2]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		from, okFrom := row[fromKey].(string)
		to, okTo := row[toKey].(string)
		if !okFrom || !okTo {
			continue
		}
		pairs = append(pairs, [2]string{from, to})
	}
	return pairs
}

// Shutdown closes every cached connection handle. The coordinator must
// not be used afterwards.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fingerprint, state := range c.conns {
		if state.handle.Close != nil {
			state.handle.Close()
		}
		delete(c.conns, fingerprint)
	}
}
