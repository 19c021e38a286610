//go:build evals

// Package evals holds live-model quality checks for the ask pipeline:
// a throwaway postgres is seeded with known commerce data, real
// Anthropic calls generate the SQL, and the assertions pin the answers
// the seeded data makes deterministic. Run with -tags evals and
// ANTHROPIC_API_KEY set.
package evals_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"

	"github.com/siftdata/sift/engine/pkg/chart"
	"github.com/siftdata/sift/engine/pkg/correction"
	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/generate"
	"github.com/siftdata/sift/engine/pkg/llm"
	"github.com/siftdata/sift/engine/pkg/pipeline"
	"github.com/siftdata/sift/engine/pkg/schema"
	"github.com/siftdata/sift/engine/pkg/trainer"
	"github.com/siftdata/sift/engine/pkg/vector"
	"github.com/siftdata/sift/internal/dbtest"
)

func init() {
	_ = godotenv.Load(".env")
}

// skipUnlessEval skips outside an explicit eval run: short mode, or no
// API key to spend.
func skipUnlessEval(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping eval in short mode")
	}
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		t.Skip("ANTHROPIC_API_KEY not set, skipping eval")
	}
}

func evalLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Seeded ground truth, mirrored by the assertions:
//
//	delivered orders: 3 (ids 1, 3, 5), totals 120 + 60 + 20 = 200
//	regions: north = Acme + Crux, south = Bolt
const seedCommerceSQL = `
CREATE TABLE customers (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	region TEXT NOT NULL
);
COMMENT ON TABLE customers IS 'Buyers, one row per account';
COMMENT ON COLUMN customers.region IS 'Sales region: north or south';

CREATE TABLE orders (
	id INTEGER PRIMARY KEY,
	customer_id INTEGER NOT NULL REFERENCES customers(id),
	status TEXT NOT NULL,
	total NUMERIC(10,2) NOT NULL,
	placed_at TIMESTAMPTZ NOT NULL
);
COMMENT ON COLUMN orders.status IS 'Lifecycle state: pending, shipped, delivered, cancelled';
COMMENT ON COLUMN orders.total IS 'Order value in USD';

INSERT INTO customers (id, name, region) VALUES
	(1, 'Acme', 'north'),
	(2, 'Bolt', 'south'),
	(3, 'Crux', 'north');

INSERT INTO orders (id, customer_id, status, total, placed_at) VALUES
	(1, 1, 'delivered', 120.00, '2026-07-01T10:00:00Z'),
	(2, 1, 'shipped',    80.00, '2026-07-03T10:00:00Z'),
	(3, 2, 'delivered',  60.00, '2026-07-05T10:00:00Z'),
	(4, 2, 'cancelled',  45.00, '2026-07-06T10:00:00Z'),
	(5, 3, 'delivered',  20.00, '2026-07-08T10:00:00Z'),
	(6, 3, 'pending',   150.00, '2026-07-09T10:00:00Z');
`

const (
	deliveredOrders  = 3
	deliveredRevenue = "200"
)

// evalRig is one seeded database plus a coordinator wired to a real
// model. Training happens lazily on the first Process call.
type evalRig struct {
	conn        *schema.ConnectionConfig
	coordinator *pipeline.Coordinator
	model       llm.Client
}

func newEvalRig(t *testing.T) *evalRig {
	t.Helper()
	ctx := context.Background()
	log := evalLogger()

	db, err := dbtest.NewPostgresDB(ctx, log, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	pool := dbtest.SetupTestPool(t, db)
	seedCommerce(t, pool)

	cc := pool.Config().ConnConfig
	conn := &schema.ConnectionConfig{
		Dialect:  "postgres",
		Host:     cc.Host,
		Port:     int(cc.Port),
		Database: cc.Database,
		User:     cc.User,
		Password: cc.Password,
	}
	require.NoError(t, conn.Validate())

	model, err := llm.NewAnthropic(&llm.AnthropicConfig{
		Logger: log,
		APIKey: os.Getenv("ANTHROPIC_API_KEY"),
	})
	require.NoError(t, err)

	index := vector.NewMemory()
	train, err := trainer.New(&trainer.Config{Logger: log, Index: index})
	require.NoError(t, err)
	gen, err := generate.New(&generate.Config{Logger: log, LLM: model, Index: index})
	require.NoError(t, err)
	loop, err := correction.New(&correction.Config{Logger: log, Generator: gen, MaxAttempts: 4})
	require.NoError(t, err)
	charts, err := chart.New(&chart.Config{Logger: log, LLM: model})
	require.NoError(t, err)

	coordinator, err := pipeline.New(&pipeline.Config{
		Logger:  log,
		Trainer: train,
		Loop:    loop,
		Charts:  charts,
		Connector: &pipeline.DialectConnector{Exec: execute.Config{
			RowLimit:         1000,
			StatementTimeout: 30 * time.Second,
		}},
		LLM: model,
	})
	require.NoError(t, err)
	t.Cleanup(coordinator.Shutdown)

	return &evalRig{conn: conn, coordinator: coordinator, model: model}
}

func seedCommerce(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), seedCommerceSQL)
	require.NoError(t, err)
}

// ask runs one question end to end and fails the test on a terminal
// pipeline error, logging the attempt trail first.
func (r *evalRig) ask(t *testing.T, question string) *pipeline.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	res, err := r.coordinator.Process(ctx, question, r.conn)
	if err != nil {
		if perr, ok := pipeline.As(err); ok {
			for _, a := range perr.Attempts {
				t.Logf("attempt %d: kind=%s layer=%s detail=%s", a.Number, a.Kind, a.Layer, a.Detail)
			}
		}
		t.Fatalf("pipeline failed for %q: %v", question, err)
	}
	t.Logf("question: %s", question)
	t.Logf("sql: %s", res.SQL)
	t.Logf("rows: %d, attempts: %d", res.Result.RowCount, len(res.Attempts))
	return res
}

// singleValue returns the only cell of a 1x1 result, as FormatValue
// renders it. Column naming is the model's choice, so values are read
// positionally.
func singleValue(t *testing.T, res *execute.QueryResult) string {
	t.Helper()
	require.Len(t, res.Rows, 1, "expected a single-row answer")
	require.Len(t, res.Columns, 1, "expected a single-column answer")
	return execute.FormatValue(res.Rows[0][res.Columns[0].Name])
}

// judgeAnswer asks the model itself whether a narrated answer satisfies
// every expectation. Seeded data defines correctness; the judge only
// reads the text.
func judgeAnswer(t *testing.T, model llm.Client, question, answer string, expectations []string) bool {
	t.Helper()
	var lines []string
	for i, exp := range expectations {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, exp))
	}
	prompt := fmt.Sprintf(`Question: %s

Answer under evaluation:
%s

Expectations (ALL must be satisfied by the answer):
%s

The answer comes from a database whose contents define the correct
values; do not fact-check against outside knowledge. Extra accurate
detail is acceptable. Reply with YES if every expectation is met,
otherwise NO, followed by one sentence of explanation.`,
		question, answer, strings.Join(lines, "\n"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	verdict, err := model.Complete(ctx,
		[]llm.Message{{Role: llm.RoleUser, Content: prompt}},
		llm.Options{System: "You are a strict test evaluator. Reply with YES or NO and one sentence.", MaxTokens: 256})
	require.NoError(t, err)

	verdict = strings.TrimSpace(verdict)
	t.Logf("judge: %s", verdict)
	return strings.HasPrefix(strings.ToUpper(verdict), "YES")
}
