package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const DefaultGraphDatabase = "neo4j"

// GraphClient is the Neo4j surface the store needs, satisfied by the
// driver-backed client and by fakes in tests.
type GraphClient interface {
	Session(ctx context.Context) (GraphSession, error)
	Close(ctx context.Context) error
}

// GraphSession executes Cypher, either directly or inside a managed
// write transaction.
type GraphSession interface {
	Run(ctx context.Context, cypher string, params map[string]any) (GraphResult, error)
	ExecuteWrite(ctx context.Context, work func(tx GraphTx) (any, error)) (any, error)
	Close(ctx context.Context) error
}

// GraphTx runs Cypher inside a transaction.
type GraphTx interface {
	Run(ctx context.Context, cypher string, params map[string]any) (GraphResult, error)
}

// GraphResult iterates query records.
type GraphResult interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
	Consume(ctx context.Context) error
}

type graphClient struct {
	driver   neo4j.DriverWithContext
	database string
}

type graphSession struct {
	sess neo4j.SessionWithContext
}

type graphTx struct {
	tx neo4j.ManagedTransaction
}

type graphResult struct {
	res neo4j.ResultWithContext
}

// NewGraphClient connects to Neo4j and verifies connectivity.
func NewGraphClient(ctx context.Context, log *slog.Logger, uri, database, username, password string) (GraphClient, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify neo4j connectivity: %w", err)
	}
	if database == "" {
		database = DefaultGraphDatabase
	}
	log.Info("process: graph store connected", "uri", uri, "database", database)
	return &graphClient{driver: driver, database: database}, nil
}

func (c *graphClient) Session(ctx context.Context) (GraphSession, error) {
	sess := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
	return &graphSession{sess: sess}, nil
}

func (c *graphClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (s *graphSession) Run(ctx context.Context, cypher string, params map[string]any) (GraphResult, error) {
	res, err := s.sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return &graphResult{res: res}, nil
}

func (s *graphSession) ExecuteWrite(ctx context.Context, work func(tx GraphTx) (any, error)) (any, error) {
	return s.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(&graphTx{tx: tx})
	})
}

func (s *graphSession) Close(ctx context.Context) error {
	return s.sess.Close(ctx)
}

func (t *graphTx) Run(ctx context.Context, cypher string, params map[string]any) (GraphResult, error) {
	res, err := t.tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return &graphResult{res: res}, nil
}

func (r *graphResult) Next(ctx context.Context) bool {
	return r.res.Next(ctx)
}

func (r *graphResult) Record() *neo4j.Record {
	return r.res.Record()
}

func (r *graphResult) Err() error {
	return r.res.Err()
}

func (r *graphResult) Consume(ctx context.Context) error {
	_, err := r.res.Consume(ctx)
	return err
}

// GraphStoreConfig holds configuration for the GraphStore.
type GraphStoreConfig struct {
	Logger *slog.Logger
	Client GraphClient
}

func (c *GraphStoreConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Client == nil {
		return errors.New("graph client is required")
	}
	return nil
}

// GraphStore mirrors discovery output into Neo4j so process models can
// be queried alongside the rest of the graph. Each sync replaces the
// fingerprint's subgraph atomically: readers see the old model or the
// new one, never a partial mix.
type GraphStore struct {
	cfg *GraphStoreConfig
	log *slog.Logger
}

// NewGraphStore creates a GraphStore.
func NewGraphStore(cfg *GraphStoreConfig) (*GraphStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph store config: %w", err)
	}
	return &GraphStore{cfg: cfg, log: cfg.Logger}, nil
}

// Sync writes the discovered processes for one fingerprint, replacing
// whatever the previous sync left so dropped processes do not linger.
func (s *GraphStore) Sync(ctx context.Context, fingerprint string, procs []Discovered) error {
	session, err := s.cfg.Client.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to create graph session: %w", err)
	}
	defer session.Close(ctx)

	now := time.Now()
	_, err = session.ExecuteWrite(ctx, func(tx GraphTx) (any, error) {
		clearCypher := `
			MATCH (p:Process {fingerprint: $fingerprint})
			OPTIONAL MATCH (p)-[:HAS_STAGE]->(s:Stage)
			DETACH DELETE p, s
		`
		res, err := tx.Run(ctx, clearCypher, map[string]any{"fingerprint": fingerprint})
		if err != nil {
			return nil, fmt.Errorf("failed to clear process subgraph: %w", err)
		}
		if err := res.Consume(ctx); err != nil {
			return nil, fmt.Errorf("failed to consume clear result: %w", err)
		}

		if len(procs) == 0 {
			return nil, nil
		}
		if err := mergeProcesses(ctx, tx, fingerprint, procs, now); err != nil {
			return nil, fmt.Errorf("failed to merge processes: %w", err)
		}
		if err := mergeStages(ctx, tx, fingerprint, procs); err != nil {
			return nil, fmt.Errorf("failed to merge stages: %w", err)
		}
		if err := mergeTransitions(ctx, tx, fingerprint, procs); err != nil {
			return nil, fmt.Errorf("failed to merge transitions: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to sync process graph: %w", err)
	}

	s.log.Info("process: graph sync completed",
		"fingerprint", fingerprint,
		"processes", len(procs))
	return nil
}

// mergeProcesses upserts one Process node per discovered process in a
// single batched query.
func mergeProcesses(ctx context.Context, tx GraphTx, fingerprint string, procs []Discovered, now time.Time) error {
	items := make([]map[string]any, len(procs))
	for i, p := range procs {
		items[i] = map[string]any{
			"name":               p.Name,
			"main_table":         p.MainTable,
			"history_table":      p.HistoryTable,
			"status_column":      p.StatusColumn,
			"transition_pattern": p.TransitionPattern,
			"confidence":         p.Confidence,
			"evidence":           p.Evidence,
		}
	}
	cypher := `
		UNWIND $items AS item
		MERGE (p:Process {fingerprint: $fingerprint, main_table: item.main_table})
		SET p.name = item.name,
		    p.history_table = item.history_table,
		    p.status_column = item.status_column,
		    p.transition_pattern = item.transition_pattern,
		    p.confidence = item.confidence,
		    p.evidence = item.evidence,
		    p.synced_at = $synced_at
	`
	res, err := tx.Run(ctx, cypher, map[string]any{
		"fingerprint": fingerprint,
		"items":       items,
		"synced_at":   now.Unix(),
	})
	if err != nil {
		return err
	}
	return res.Consume(ctx)
}

// mergeStages upserts Stage nodes with their position in the sequence
// and attaches them to the owning Process.
func mergeStages(ctx context.Context, tx GraphTx, fingerprint string, procs []Discovered) error {
	var items []map[string]any
	for _, p := range procs {
		for i, stage := range p.Stages {
			items = append(items, map[string]any{
				"main_table": p.MainTable,
				"name":       stage,
				"position":   i,
			})
		}
	}
	if len(items) == 0 {
		return nil
	}
	cypher := `
		UNWIND $items AS item
		MATCH (p:Process {fingerprint: $fingerprint, main_table: item.main_table})
		MERGE (s:Stage {fingerprint: $fingerprint, process: item.main_table, name: item.name})
		SET s.position = item.position
		MERGE (p)-[:HAS_STAGE]->(s)
	`
	res, err := tx.Run(ctx, cypher, map[string]any{
		"fingerprint": fingerprint,
		"items":       items,
	})
	if err != nil {
		return err
	}
	return res.Consume(ctx)
}

// mergeTransitions links consecutive stages of each process.
func mergeTransitions(ctx context.Context, tx GraphTx, fingerprint string, procs []Discovered) error {
	var items []map[string]any
	for _, p := range procs {
		for i := 0; i+1 < len(p.Stages); i++ {
			items = append(items, map[string]any{
				"main_table": p.MainTable,
				"from":       p.Stages[i],
				"to":         p.Stages[i+1],
			})
		}
	}
	if len(items) == 0 {
		return nil
	}
	cypher := `
		UNWIND $items AS item
		MATCH (a:Stage {fingerprint: $fingerprint, process: item.main_table, name: item.from})
		MATCH (b:Stage {fingerprint: $fingerprint, process: item.main_table, name: item.to})
		MERGE (a)-[:TRANSITIONS]->(b)
	`
	res, err := tx.Run(ctx, cypher, map[string]any{
		"fingerprint": fingerprint,
		"items":       items,
	})
	if err != nil {
		return err
	}
	return res.Consume(ctx)
}

// Processes reads back the stored process models for a fingerprint,
// stages in position order.
func (s *GraphStore) Processes(ctx context.Context, fingerprint string) ([]Discovered, error) {
	session, err := s.cfg.Client.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph session: %w", err)
	}
	defer session.Close(ctx)

	cypher := `
		MATCH (p:Process {fingerprint: $fingerprint})
		OPTIONAL MATCH (p)-[:HAS_STAGE]->(s:Stage)
		WITH p, s ORDER BY p.main_table, s.position
		WITH p, collect(s.name) AS stages
		RETURN p.name AS name,
		       p.main_table AS main_table,
		       p.history_table AS history_table,
		       p.status_column AS status_column,
		       p.transition_pattern AS transition_pattern,
		       p.confidence AS confidence,
		       p.evidence AS evidence,
		       stages
		ORDER BY main_table
	`
	result, err := session.Run(ctx, cypher, map[string]any{"fingerprint": fingerprint})
	if err != nil {
		return nil, fmt.Errorf("failed to query processes: %w", err)
	}

	var procs []Discovered
	for result.Next(ctx) {
		record := result.Record()
		p := Discovered{
			Name:              recordString(record, "name"),
			MainTable:         recordString(record, "main_table"),
			HistoryTable:      recordString(record, "history_table"),
			StatusColumn:      recordString(record, "status_column"),
			TransitionPattern: recordString(record, "transition_pattern"),
		}
		if v, ok := record.Get("confidence"); ok {
			if f, ok := v.(float64); ok {
				p.Confidence = f
			}
		}
		if v, ok := record.Get("evidence"); ok {
			p.Evidence = stringList(v)
		}
		if v, ok := record.Get("stages"); ok {
			p.Stages = stringList(v)
		}
		procs = append(procs, p)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processes: %w", err)
	}
	return procs, nil
}

func recordString(record *neo4j.Record, key string) string {
	v, ok := record.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
