// Command sift is the operations CLI: metadata migrations, training
// passes, one-off questions, and schema inspection against the same
// environment configuration the API service reads.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"

	"github.com/siftdata/sift/api/config"
	"github.com/siftdata/sift/engine/pkg/chart"
	"github.com/siftdata/sift/engine/pkg/correction"
	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/generate"
	"github.com/siftdata/sift/engine/pkg/llm"
	"github.com/siftdata/sift/engine/pkg/pipeline"
	"github.com/siftdata/sift/engine/pkg/process"
	"github.com/siftdata/sift/engine/pkg/schema"
	"github.com/siftdata/sift/engine/pkg/trainer"
	"github.com/siftdata/sift/engine/pkg/vector"
	"github.com/siftdata/sift/store"
)

const askPreviewRows = 25

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Metadata store configuration
	metadataDSNFlag := flag.String("metadata-dsn", "", "metadata PostgreSQL DSN (or set SIFT_METADATA_DSN env var)")

	// Target database configuration
	targetDialectFlag := flag.String("target-dialect", "", "target dialect: postgres or clickhouse (or set SIFT_TARGET_DIALECT env var)")
	targetHostFlag := flag.String("target-host", "", "target database host (or set SIFT_TARGET_HOST env var)")
	targetPortFlag := flag.Int("target-port", 0, "target database port (or set SIFT_TARGET_PORT env var)")
	targetDatabaseFlag := flag.String("target-database", "", "target database name (or set SIFT_TARGET_DATABASE env var)")
	targetSchemaFlag := flag.String("target-schema", "", "target schema scope (or set SIFT_TARGET_SCHEMA env var)")
	targetUserFlag := flag.String("target-user", "", "target database user (or set SIFT_TARGET_USER env var)")
	targetPasswordFlag := flag.String("target-password", "", "target database password (or set SIFT_TARGET_PASSWORD env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run metadata database migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show metadata database migration status")
	trainFlag := flag.Bool("train", false, "Force a full training pass against the target database")
	askFlag := flag.String("ask", "", "Answer one question against the target database and exit")
	snapshotFlag := flag.Bool("snapshot", false, "Introspect the target database and print the schema snapshot as JSON")
	diffFlag := flag.Bool("diff", false, "Diff the live target schema against the last trained snapshot")
	historyFlag := flag.Bool("history", false, "List recent asks from the audit log")
	trainingRunsFlag := flag.Bool("training-runs", false, "List recent training runs for the target")
	limitFlag := flag.Int("limit", 20, "Row limit for --history and --training-runs")

	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logs go to stderr so --snapshot output stays pipeable.
	level := cfg.Level()
	if *verboseFlag {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))

	// Flags override the environment so a one-off run against another
	// database needs no .env edit.
	if *metadataDSNFlag != "" {
		cfg.MetadataDSN = *metadataDSNFlag
	}
	if *targetHostFlag != "" || *targetDatabaseFlag != "" {
		if cfg.Target == nil {
			cfg.Target = &schema.ConnectionConfig{Dialect: "postgres", Port: 5432}
		}
	}
	if cfg.Target != nil {
		if *targetDialectFlag != "" {
			cfg.Target.Dialect = *targetDialectFlag
		}
		if *targetHostFlag != "" {
			cfg.Target.Host = *targetHostFlag
		}
		if *targetPortFlag != 0 {
			cfg.Target.Port = *targetPortFlag
		}
		if *targetDatabaseFlag != "" {
			cfg.Target.Database = *targetDatabaseFlag
		}
		if *targetSchemaFlag != "" {
			cfg.Target.Schema = *targetSchemaFlag
		}
		if *targetUserFlag != "" {
			cfg.Target.User = *targetUserFlag
		}
		if *targetPasswordFlag != "" {
			cfg.Target.Password = *targetPasswordFlag
		}
	}

	ctx := context.Background()

	// Execute commands
	if *migrateFlag {
		if cfg.MetadataDSN == "" {
			return fmt.Errorf("--metadata-dsn is required for --migrate")
		}
		return store.Migrate(ctx, log, cfg.MetadataDSN)
	}

	if *migrateStatusFlag {
		if cfg.MetadataDSN == "" {
			return fmt.Errorf("--metadata-dsn is required for --migrate-status")
		}
		return store.MigrationStatus(ctx, log, cfg.MetadataDSN)
	}

	if *trainFlag {
		return runTrain(ctx, log, cfg)
	}

	if *askFlag != "" {
		return runAsk(ctx, log, cfg, *askFlag)
	}

	if *snapshotFlag {
		return printSnapshot(ctx, log, cfg)
	}

	if *diffFlag {
		return printDiff(ctx, log, cfg)
	}

	if *historyFlag {
		return printHistory(ctx, log, cfg, *limitFlag)
	}

	if *trainingRunsFlag {
		return printTrainingRuns(ctx, log, cfg, *limitFlag)
	}

	return nil
}

// requireTarget returns the target connection or an actionable error.
func requireTarget(cfg *config.Config) (*schema.ConnectionConfig, error) {
	if cfg.Target == nil {
		return nil, fmt.Errorf("a target connection is required: set SIFT_TARGET_HOST and SIFT_TARGET_DATABASE or pass --target-host and --target-database")
	}
	if err := cfg.Target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target connection: %w", err)
	}
	return cfg.Target, nil
}

// connectTarget opens a handle on the target with the configured
// execution limits. The returned cleanup is always safe to call.
func connectTarget(ctx context.Context, cfg *config.Config, conn *schema.ConnectionConfig) (*pipeline.Handle, func(), error) {
	connector := &pipeline.DialectConnector{Exec: execute.Config{
		RowLimit:         cfg.MaxRows,
		StatementTimeout: cfg.QueryTimeout,
	}}
	handle, err := connector.Connect(ctx, conn)
	if err != nil {
		return nil, func() {}, fmt.Errorf("connect target: %w", err)
	}
	cleanup := func() {
		if handle.Close != nil {
			handle.Close()
		}
	}
	return handle, cleanup, nil
}

// openStore connects the metadata store. Callers own the returned pool.
func openStore(ctx context.Context, log *slog.Logger, cfg *config.Config) (*store.Store, *pgxpool.Pool, error) {
	pool, err := store.NewPool(ctx, &store.PoolConfig{DSN: cfg.MetadataDSN})
	if err != nil {
		return nil, nil, fmt.Errorf("connect metadata database: %w", err)
	}
	meta, err := store.New(&store.Config{Logger: log, Pool: pool})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return meta, pool, nil
}

// introspect captures a live snapshot of the target schema.
func introspect(ctx context.Context, log *slog.Logger, conn *schema.ConnectionConfig, handle *pipeline.Handle) (*schema.Snapshot, error) {
	profile, err := conn.Profile()
	if err != nil {
		return nil, err
	}
	manager, err := schema.NewManager(&schema.ManagerConfig{
		Logger:  log,
		Catalog: handle.Catalog,
		Profile: profile,
		Schema:  conn.SchemaScope(),
	})
	if err != nil {
		return nil, err
	}
	return manager.Snapshot(ctx)
}

func runTrain(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	conn, err := requireTarget(cfg)
	if err != nil {
		return err
	}
	if cfg.MetadataDSN == "" {
		return fmt.Errorf("--metadata-dsn is required for --train: an in-memory index is discarded on exit")
	}

	meta, pool, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	index, err := vector.NewPGIndex(&vector.PGConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}

	tcfg := &trainer.Config{Logger: log, Index: index, State: meta}
	if cfg.DiscoveryEnabled {
		discovery, err := process.New(&process.Config{Logger: log})
		if err != nil {
			return err
		}
		tcfg.Process = discovery
	}
	if cfg.ArchiveBucket != "" {
		s3, err := schema.NewS3Archive(ctx, schema.S3ArchiveConfig{
			Logger: log,
			Bucket: cfg.ArchiveBucket,
			Region: os.Getenv("AWS_REGION"),
			Prefix: cfg.ArchivePrefix,
		})
		if err != nil {
			log.Warn("cli: snapshot archive disabled", "error", err)
		} else {
			tcfg.Archive = s3
		}
	}
	train, err := trainer.New(tcfg)
	if err != nil {
		return err
	}

	handle, cleanup, err := connectTarget(ctx, cfg, conn)
	if err != nil {
		return err
	}
	defer cleanup()

	snap, err := train.Train(ctx, trainer.Target{
		Conn:    conn,
		Catalog: handle.Catalog,
		Sampler: handle.Executor,
	})
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	fmt.Printf("Trained %d tables (fingerprint %s)\n", len(snap.Tables), conn.Fingerprint())
	return nil
}

func runAsk(ctx context.Context, log *slog.Logger, cfg *config.Config, question string) error {
	conn, err := requireTarget(cfg)
	if err != nil {
		return err
	}
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf("--ask requires the ANTHROPIC_API_KEY env var")
	}

	// Same stack the API service wires, minus the servers: a metadata
	// store when configured, in-memory retrieval otherwise.
	var (
		meta  *store.Store
		index vector.Index
	)
	if cfg.MetadataDSN != "" {
		m, pool, err := openStore(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		meta = m
		pgIndex, err := vector.NewPGIndex(&vector.PGConfig{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		index = pgIndex
	} else {
		log.Warn("cli: no metadata database configured, training from scratch and leaving no audit row")
		index = vector.NewMemory()
	}

	model, err := llm.NewAnthropic(&llm.AnthropicConfig{
		Logger: log,
		APIKey: os.Getenv("ANTHROPIC_API_KEY"),
		Model:  anthropic.Model(cfg.AnthropicModel),
	})
	if err != nil {
		return err
	}

	tcfg := &trainer.Config{Logger: log, Index: index}
	if meta != nil {
		tcfg.State = meta
	}
	var discovery *process.Discoverer
	if cfg.DiscoveryEnabled {
		discovery, err = process.New(&process.Config{Logger: log})
		if err != nil {
			return err
		}
		tcfg.Process = discovery
	}
	train, err := trainer.New(tcfg)
	if err != nil {
		return err
	}

	gen, err := generate.New(&generate.Config{Logger: log, LLM: model, Index: index})
	if err != nil {
		return err
	}
	loop, err := correction.New(&correction.Config{Logger: log, Generator: gen, MaxAttempts: cfg.MaxAttempts})
	if err != nil {
		return err
	}
	charts, err := chart.New(&chart.Config{Logger: log, LLM: model})
	if err != nil {
		return err
	}

	pcfg := &pipeline.Config{
		Logger:  log,
		Trainer: train,
		Loop:    loop,
		Charts:  charts,
		Connector: &pipeline.DialectConnector{Exec: execute.Config{
			RowLimit:         cfg.MaxRows,
			StatementTimeout: cfg.QueryTimeout,
		}},
		LLM: model,
	}
	if discovery != nil {
		pcfg.Discovery = discovery
	}
	coordinator, err := pipeline.New(pcfg)
	if err != nil {
		return err
	}
	defer coordinator.Shutdown()

	res, err := coordinator.Process(ctx, question, conn)
	auditAsk(ctx, log, meta, conn.Fingerprint(), question, res, err)
	if err != nil {
		if perr, ok := pipeline.As(err); ok {
			printTrail(perr.Attempts)
			return fmt.Errorf("%s", perr.Friendly)
		}
		return err
	}

	if _, derr := coordinator.Describe(ctx, question, res.Result, func(chunk string) {
		fmt.Print(chunk)
	}); derr != nil {
		log.Warn("cli: describe failed", "error", derr)
	} else {
		fmt.Println()
	}

	fmt.Println()
	fmt.Println("SQL:")
	fmt.Println("  " + strings.ReplaceAll(strings.TrimSpace(res.SQL), "\n", "\n  "))
	fmt.Println()
	renderRows(res.Result, askPreviewRows)
	fmt.Println()
	fmt.Printf("%s in %s over %s\n",
		rowsLabel(res.Result),
		time.Duration(res.LatencyMS)*time.Millisecond,
		attemptsLabel(len(res.Attempts)))
	if res.Chart != nil && res.Chart.Type != chart.TypeTable {
		fmt.Printf("Suggested chart: %s (x=%s, y=%s)\n", res.Chart.Type, res.Chart.X, strings.Join(res.Chart.Y, ", "))
	}
	if res.Process != nil {
		fmt.Printf("Detected flow: %s (%d stages)\n", res.Process.Name, len(res.Process.Nodes))
	}
	return nil
}

// auditAsk mirrors the API's audit row so CLI asks land in the same
// history. Best effort.
func auditAsk(ctx context.Context, log *slog.Logger, meta *store.Store, fingerprint, question string, res *pipeline.Result, err error) {
	if meta == nil {
		return
	}
	rec := store.AskRecord{Fingerprint: fingerprint, Question: question}
	switch {
	case err == nil:
		rec.Outcome = "ok"
		rec.Attempts = len(res.Attempts)
		rec.SQL = res.SQL
		rec.RowCount = res.Result.RowCount
		rec.ElapsedMS = res.LatencyMS
	default:
		perr, ok := pipeline.As(err)
		if !ok {
			rec.Outcome = string(pipeline.KindInternal)
			break
		}
		rec.Outcome = string(perr.Kind)
		rec.Attempts = len(perr.Attempts)
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if werr := meta.RecordAsk(actx, rec); werr != nil {
		log.Warn("cli: ask audit failed", "fingerprint", fingerprint, "error", werr)
	}
}

func printSnapshot(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	conn, err := requireTarget(cfg)
	if err != nil {
		return err
	}
	handle, cleanup, err := connectTarget(ctx, cfg, conn)
	if err != nil {
		return err
	}
	defer cleanup()

	snap, err := introspect(ctx, log, conn, handle)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func printDiff(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	conn, err := requireTarget(cfg)
	if err != nil {
		return err
	}
	if cfg.MetadataDSN == "" {
		return fmt.Errorf("--metadata-dsn is required for --diff")
	}
	meta, pool, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	fingerprint := conn.Fingerprint()
	trained, err := meta.Trained(ctx, fingerprint)
	if err != nil {
		return err
	}
	if trained == nil {
		fmt.Printf("No trained snapshot for fingerprint %s; run --train first.\n", fingerprint)
		return nil
	}

	handle, cleanup, err := connectTarget(ctx, cfg, conn)
	if err != nil {
		return err
	}
	defer cleanup()
	live, err := introspect(ctx, log, conn, handle)
	if err != nil {
		return err
	}

	diff := schema.Compare(trained, live)
	if diff.Empty() {
		if trained.Hash() != live.Hash() {
			fmt.Println("No structural changes; table or column comments moved.")
		} else {
			fmt.Println("Schema unchanged since the last training run.")
		}
		return nil
	}

	fmt.Printf("Schema drift for %s (trained %s):\n", conn.Database, trained.CapturedAt.Format(time.RFC3339))
	if len(diff.AddedTables) > 0 {
		fmt.Printf("  added:    %s\n", strings.Join(diff.AddedTables, ", "))
	}
	if len(diff.RemovedTables) > 0 {
		fmt.Printf("  removed:  %s\n", strings.Join(diff.RemovedTables, ", "))
	}
	if len(diff.ModifiedTables) > 0 {
		fmt.Printf("  modified: %s\n", strings.Join(diff.ModifiedTables, ", "))
	}
	return nil
}

func printHistory(ctx context.Context, log *slog.Logger, cfg *config.Config, limit int) error {
	if cfg.MetadataDSN == "" {
		return fmt.Errorf("--metadata-dsn is required for --history")
	}
	meta, pool, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Scoped to the target when one is configured, global otherwise.
	var fingerprint string
	if cfg.Target != nil {
		fingerprint = cfg.Target.Fingerprint()
	}
	records, err := meta.History(ctx, fingerprint, limit, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No asks recorded.")
		return nil
	}

	table := newTable([]string{"When", "Outcome", "Attempts", "Rows", "Elapsed", "Question"})
	for _, r := range records {
		table.Append([]string{
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.Outcome,
			fmt.Sprintf("%d", r.Attempts),
			fmt.Sprintf("%d", r.RowCount),
			(time.Duration(r.ElapsedMS) * time.Millisecond).String(),
			truncate(r.Question, 60),
		})
	}
	table.Render()
	return nil
}

func printTrainingRuns(ctx context.Context, log *slog.Logger, cfg *config.Config, limit int) error {
	conn, err := requireTarget(cfg)
	if err != nil {
		return err
	}
	if cfg.MetadataDSN == "" {
		return fmt.Errorf("--metadata-dsn is required for --training-runs")
	}
	meta, pool, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	runs, err := meta.TrainingRuns(ctx, conn.Fingerprint(), limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No training runs recorded; run --train first.")
		return nil
	}

	table := newTable([]string{"When", "Full", "Tables", "Items", "Elapsed", "Snapshot"})
	for _, r := range runs {
		table.Append([]string{
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%t", r.Full),
			fmt.Sprintf("%d", r.Tables),
			fmt.Sprintf("%d", r.Items),
			(time.Duration(r.ElapsedMS) * time.Millisecond).String(),
			truncate(r.SnapshotHash, 12),
		})
	}
	table.Render()
	return nil
}

func renderRows(res *execute.QueryResult, maxRows int) {
	if res == nil || len(res.Rows) == 0 {
		fmt.Println("Query returned no rows.")
		return
	}
	headers := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		headers[i] = c.Name
	}
	table := newTable(headers)
	shown := len(res.Rows)
	if maxRows > 0 && shown > maxRows {
		shown = maxRows
	}
	for _, row := range res.Rows[:shown] {
		vals := make([]string, len(res.Columns))
		for i, c := range res.Columns {
			vals[i] = execute.FormatValue(row[c.Name])
		}
		table.Append(vals)
	}
	table.Render()
	if shown < len(res.Rows) {
		fmt.Printf("... %d more rows not shown\n", len(res.Rows)-shown)
	}
}

func newTable(headers []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader(headers)
	return table
}

func printTrail(attempts []correction.Attempt) {
	if len(attempts) == 0 {
		return
	}
	fmt.Println("Attempt trail:")
	for _, a := range attempts {
		fmt.Printf("  %d. %s", a.Number, a.Kind)
		if a.Layer != "" {
			fmt.Printf(" (%s)", a.Layer)
		}
		if a.Detail != "" {
			fmt.Printf(": %s", truncate(a.Detail, 120))
		}
		fmt.Println()
	}
}

func rowsLabel(res *execute.QueryResult) string {
	switch {
	case res == nil || res.RowCount == 0:
		return "No rows"
	case res.Truncated:
		return fmt.Sprintf("%d rows (capped)", res.RowCount)
	case res.RowCount == 1:
		return "1 row"
	default:
		return fmt.Sprintf("%d rows", res.RowCount)
	}
}

func attemptsLabel(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
