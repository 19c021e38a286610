package generate

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/llm"
	"github.com/siftdata/sift/engine/pkg/queryerr"
	"github.com/siftdata/sift/engine/pkg/vector"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustProfile(t *testing.T, name string) dialect.Profile {
	t.Helper()
	p, err := dialect.Lookup(name)
	require.NoError(t, err)
	return p
}

// seededIndex fills a memory index with the item shapes training
// produces: DDL per table, example pairs, dialect and values docs, and a
// disambiguation note.
func seededIndex(t *testing.T, ns string) *vector.Memory {
	t.Helper()
	idx := vector.NewMemory()
	err := idx.Upsert(context.Background(), ns, []vector.Item{
		{
			ID:   "ddl:orders",
			Kind: vector.KindDDL,
			Text: "CREATE TABLE orders (id bigint, customer_id bigint, status text, total numeric, created_at timestamptz)",
		},
		{
			ID:   "ddl:customers",
			Kind: vector.KindDDL,
			Text: "CREATE TABLE customers (id bigint, name text, segment text)",
		},
		{
			ID:       "example:postgres:0",
			Kind:     vector.KindExample,
			Text:     "Question: How many orders were placed last week?\nSQL: SELECT COUNT(*) FROM orders WHERE created_at >= now() - interval '7 days'",
			Metadata: map[string]string{"question": "How many orders were placed last week?", "sql": "SELECT COUNT(*) FROM orders WHERE created_at >= now() - interval '7 days'"},
		},
		{
			ID:       "doc:dialect:postgres",
			Kind:     vector.KindDoc,
			Text:     "PostgreSQL notes: pagination uses LIMIT n.",
			Metadata: map[string]string{"topic": "dialect"},
		},
		{
			ID:       "doc:disambiguation",
			Kind:     vector.KindDoc,
			Text:     "Name disambiguation:\n- tables \"orders\" and \"orders_archive\" have similar names; check which one the question means",
			Metadata: map[string]string{"topic": "disambiguation"},
		},
		{
			ID:       "values:orders.status",
			Kind:     vector.KindDoc,
			Text:     "Column orders.status holds categorical values: cancelled, paid, pending, shipped",
			Metadata: map[string]string{"topic": "values"},
		},
	})
	require.NoError(t, err)
	return idx
}

func newGenerator(t *testing.T, client llm.Client, idx vector.Index, mutate func(*Config)) *Generator {
	t.Helper()
	cfg := &Config{
		Logger: testLogger(),
		LLM:    client,
		Index:  idx,
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	if mutate != nil {
		mutate(cfg)
	}
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func TestGenerateHappyPath(t *testing.T) {
	ctx := context.Background()
	client := llm.NewScripted("```sql\nSELECT status, COUNT(*) AS n FROM orders GROUP BY status\n```")
	g := newGenerator(t, client, seededIndex(t, "fp-1"), nil)

	sql, err := g.Generate(ctx, Request{
		Question:  "How many orders are there per status?",
		Namespace: "fp-1",
		Profile:   mustProfile(t, dialect.Postgres),
	})
	require.NoError(t, err)
	require.Equal(t, "SELECT status, COUNT(*) AS n FROM orders GROUP BY status", sql)

	calls := client.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 1)
	require.Equal(t, llm.RoleUser, calls[0].Messages[0].Role)
	require.Equal(t, "How many orders are there per status?", calls[0].Messages[0].Content)
	require.Zero(t, calls[0].Options.Temperature)
	require.Contains(t, calls[0].Options.StopSequences, "```\n")
}

func TestSystemPromptSectionsInOrder(t *testing.T) {
	ctx := context.Background()
	client := llm.NewScripted("```sql\nSELECT 1\n```")
	g := newGenerator(t, client, seededIndex(t, "fp-1"), nil)

	_, err := g.Generate(ctx, Request{
		Question:  "orders per status",
		Namespace: "fp-1",
		Profile:   mustProfile(t, dialect.Postgres),
	})
	require.NoError(t, err)

	system := client.Calls()[0].Options.System
	require.True(t, strings.HasPrefix(system, "Today's date: 2026-03-01 (UTC)."))
	require.Contains(t, system, "PostgreSQL")
	require.Contains(t, system, "CREATE TABLE orders")

	order := []string{"# Schema", "# Examples", "# Documentation", "# Disambiguation"}
	last := -1
	for _, header := range order {
		idx := strings.Index(system, header)
		require.GreaterOrEqual(t, idx, 0, "missing section %s", header)
		require.Greater(t, idx, last, "section %s out of order", header)
		last = idx
	}
	require.Contains(t, system, "orders_archive")
	require.Contains(t, system, "categorical values")
}

func TestRetrievalIsNamespaceScoped(t *testing.T) {
	ctx := context.Background()
	idx := seededIndex(t, "fp-1")
	require.NoError(t, idx.Upsert(ctx, "fp-other", []vector.Item{{
		ID:   "ddl:shipments",
		Kind: vector.KindDDL,
		Text: "CREATE TABLE shipments (id bigint, status text)",
	}}))

	client := llm.NewScripted("```sql\nSELECT 1\n```")
	g := newGenerator(t, client, idx, nil)

	_, err := g.Generate(ctx, Request{
		Question:  "orders per status",
		Namespace: "fp-1",
		Profile:   mustProfile(t, dialect.Postgres),
	})
	require.NoError(t, err)
	require.NotContains(t, client.Calls()[0].Options.System, "shipments")
}

func TestCorrectionPromptCarriesPriorFailure(t *testing.T) {
	ctx := context.Background()
	client := llm.NewScripted("```sql\nSELECT COUNT(*) FROM orders\n```")
	g := newGenerator(t, client, seededIndex(t, "fp-1"), nil)

	_, err := g.Generate(ctx, Request{
		Question:  "count the orders",
		Namespace: "fp-1",
		Profile:   mustProfile(t, dialect.Postgres),
		Attempt:   2,
		Prior: &Prior{
			SQL: "DELETE FROM orders",
			Err: queryerr.Rejection(queryerr.LayerKeyword, "DELETE matched the deny-list"),
		},
	})
	require.NoError(t, err)

	call := client.Calls()[0]
	user := call.Messages[0].Content
	require.Contains(t, user, "DELETE FROM orders")
	require.Contains(t, user, string(queryerr.KindValidationRejected))
	require.Contains(t, user, "keyword layer: DELETE matched the deny-list")
	require.Contains(t, user, "count the orders")
	require.InDelta(t, 0.2, call.Options.Temperature, 1e-9)
}

func TestTemperatureRampIsClamped(t *testing.T) {
	ctx := context.Background()
	client := llm.NewScripted("```sql\nSELECT 1\n```")
	g := newGenerator(t, client, seededIndex(t, "fp-1"), nil)

	for _, attempt := range []int{0, 1, 3, 9} {
		_, err := g.Generate(ctx, Request{
			Question:  "orders per status",
			Namespace: "fp-1",
			Profile:   mustProfile(t, dialect.Postgres),
			Attempt:   attempt,
		})
		require.NoError(t, err)
	}

	calls := client.Calls()
	require.Len(t, calls, 4)
	require.InDelta(t, 0.0, calls[0].Options.Temperature, 1e-9)
	require.InDelta(t, 0.0, calls[1].Options.Temperature, 1e-9)
	require.InDelta(t, 0.4, calls[2].Options.Temperature, 1e-9)
	require.InDelta(t, 1.0, calls[3].Options.Temperature, 1e-9)
}

func TestProseOnlyResponseIsRefusal(t *testing.T) {
	ctx := context.Background()
	client := llm.NewScripted("I cannot answer that from this schema; there is no revenue table.")
	g := newGenerator(t, client, seededIndex(t, "fp-1"), nil)

	_, err := g.Generate(ctx, Request{
		Question:  "orders per status",
		Namespace: "fp-1",
		Profile:   mustProfile(t, dialect.Postgres),
	})
	require.Error(t, err)
	qe, ok := queryerr.As(err)
	require.True(t, ok)
	require.Equal(t, queryerr.KindRefusal, qe.Kind)
}

func TestOracleBindsRewrittenBeforeReturn(t *testing.T) {
	ctx := context.Background()
	client := llm.NewScripted("```sql\nSELECT name FROM customers WHERE segment = :seg\n```")
	g := newGenerator(t, client, seededIndex(t, "fp-1"), nil)

	sql, err := g.Generate(ctx, Request{
		Question:  "customers in a segment",
		Namespace: "fp-1",
		Profile:   mustProfile(t, dialect.Oracle),
	})
	require.NoError(t, err)
	require.Equal(t, "SELECT name FROM customers WHERE segment = 'seg'", sql)
}

// roleRunes measures the always-kept prefix of the system prompt so the
// budget tests do not depend on the template's exact length.
func roleRunes(t *testing.T, profile dialect.Profile) int {
	t.Helper()
	g := newGenerator(t, llm.NewScripted("x"), vector.NewMemory(), nil)
	require.NoError(t, g.loadTemplates())
	return utf8.RuneCountInString(g.systemPrompt(profile, promptInput{}))
}

func TestPromptBudgetDropsLowestPriorityBlocks(t *testing.T) {
	client := llm.NewScripted("```sql\nSELECT 1\n```")
	g := newGenerator(t, client, seededIndex(t, "fp-1"), func(cfg *Config) {
		cfg.PromptBudget = 1
	})
	require.NoError(t, g.loadTemplates())

	in := promptInput{
		ddl:      []string{"CREATE TABLE kept (id bigint)", "CREATE TABLE dropped (id bigint)"},
		examples: []example{{question: "q", sql: "SELECT 1"}},
		docs:     []string{"some documentation"},
		note:     "Name disambiguation:\n- note",
	}
	system := g.systemPrompt(mustProfile(t, dialect.Postgres), in)

	require.Contains(t, system, "Today's date:")
	require.Contains(t, system, "# Disambiguation")
	require.NotContains(t, system, "# Schema")
	require.NotContains(t, system, "# Examples")
	require.NotContains(t, system, "# Documentation")
}

func TestPromptBudgetKeepsHigherScoredDDLFirst(t *testing.T) {
	profile := mustProfile(t, dialect.Postgres)
	kept := "CREATE TABLE kept (" + strings.Repeat("x", 80) + ")"
	dropped := "CREATE TABLE dropped (" + strings.Repeat("y", 400) + ")"

	client := llm.NewScripted("```sql\nSELECT 1\n```")
	g := newGenerator(t, client, seededIndex(t, "fp-1"), func(cfg *Config) {
		// Room for the fixed sections plus the first DDL block only.
		cfg.PromptBudget = roleRunes(t, profile) + utf8.RuneCountInString(kept) + 10
	})
	require.NoError(t, g.loadTemplates())

	system := g.systemPrompt(profile, promptInput{ddl: []string{kept, dropped}})
	require.Contains(t, system, "CREATE TABLE kept")
	require.NotContains(t, system, "CREATE TABLE dropped")
}

func TestGenerateRequiresRequestFields(t *testing.T) {
	ctx := context.Background()
	g := newGenerator(t, llm.NewScripted("x"), vector.NewMemory(), nil)
	profile := mustProfile(t, dialect.Postgres)

	_, err := g.Generate(ctx, Request{Namespace: "fp", Profile: profile})
	require.ErrorContains(t, err, "question is required")

	_, err = g.Generate(ctx, Request{Question: "q", Profile: profile})
	require.ErrorContains(t, err, "namespace is required")

	_, err = g.Generate(ctx, Request{Question: "q", Namespace: "fp"})
	require.ErrorContains(t, err, "profile is required")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "missing logger", cfg: Config{LLM: llm.NewScripted(), Index: vector.NewMemory()}, wantErr: "logger is required"},
		{name: "missing llm", cfg: Config{Logger: testLogger(), Index: vector.NewMemory()}, wantErr: "llm client is required"},
		{name: "missing index", cfg: Config{Logger: testLogger(), LLM: llm.NewScripted()}, wantErr: "vector index is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&tt.cfg)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestExtractSQL(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{
			name:   "fenced sql block",
			in:     "Here you go:\n```sql\nSELECT 1\n```\nThat counts rows.",
			want:   "SELECT 1",
			wantOK: true,
		},
		{
			name:   "unclosed fence from stop sequence",
			in:     "```sql\nSELECT id FROM orders\n",
			want:   "SELECT id FROM orders",
			wantOK: true,
		},
		{
			name:   "plain fence",
			in:     "```\nSELECT 2\n```",
			want:   "SELECT 2",
			wantOK: true,
		},
		{
			name:   "unfenced with trailing prose",
			in:     "SELECT a, b FROM t WHERE a > 1\n\nThis query filters on a.",
			want:   "SELECT a, b FROM t WHERE a > 1",
			wantOK: true,
		},
		{
			name:   "lead-in prose on the same line block",
			in:     "Sure, the query is: SELECT 3",
			want:   "SELECT 3",
			wantOK: true,
		},
		{
			name:   "cte start",
			in:     "WITH recent AS (SELECT 1) SELECT * FROM recent",
			want:   "WITH recent AS (SELECT 1) SELECT * FROM recent",
			wantOK: true,
		},
		{
			name:   "trailing semicolons stripped",
			in:     "```sql\nSELECT 1;;\n```",
			want:   "SELECT 1",
			wantOK: true,
		},
		{
			name:   "blank runs collapsed",
			in:     "```sql\nSELECT a\n\n\n\nFROM t\n```",
			want:   "SELECT a\n\nFROM t",
			wantOK: true,
		},
		{
			name:   "embedded semicolon kept for the validator",
			in:     "```sql\nSELECT 1; DROP TABLE t\n```",
			want:   "SELECT 1; DROP TABLE t",
			wantOK: true,
		},
		{
			name:   "prose only",
			in:     "I can't answer that without an inventory table.",
			wantOK: false,
		},
		{
			name:   "clarifying question",
			in:     "Do you mean fiscal or calendar year?",
			wantOK: false,
		},
		{
			name:   "clarifying question containing the word with",
			in:     "Should I count orders with status paid, or every order?",
			wantOK: false,
		},
		{
			name:   "empty",
			in:     "   \n",
			wantOK: false,
		},
		{
			name:   "empty fence",
			in:     "```sql\n```",
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractSQL(tt.in)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRewriteBinds(t *testing.T) {
	oracle := mustProfile(t, dialect.Oracle)
	postgres := mustProfile(t, dialect.Postgres)

	got := RewriteBinds(oracle, "SELECT 1 FROM t WHERE a = :val AND b = ':keep'")
	require.Equal(t, "SELECT 1 FROM t WHERE a = 'val' AND b = ':keep'", got)

	got = RewriteBinds(postgres, "SELECT ':untouched'")
	require.Equal(t, "SELECT ':untouched'", got)
}
