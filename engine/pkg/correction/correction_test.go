package correction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/generate"
	"github.com/siftdata/sift/engine/pkg/queryerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// genStep scripts one generator call: either a SQL candidate or an error.
type genStep struct {
	sql string
	err error
}

type fakeGenerator struct {
	mu    sync.Mutex
	steps []genStep
	reqs  []generate.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req generate.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	i := len(f.reqs) - 1
	if i >= len(f.steps) {
		return "", fmt.Errorf("unscripted generator call %d", i+1)
	}
	return f.steps[i].sql, f.steps[i].err
}

func (f *fakeGenerator) requests() []generate.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]generate.Request, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type fakeValidator struct {
	fn func(sql string) (string, error)
}

func (f *fakeValidator) Validate(sql string) (string, error) {
	if f.fn == nil {
		return sql, nil
	}
	return f.fn(sql)
}

type fakeExecutor struct {
	fn    func(sql string) (*execute.QueryResult, error)
	calls []string
}

func (f *fakeExecutor) Execute(_ context.Context, sql string) (*execute.QueryResult, error) {
	f.calls = append(f.calls, sql)
	if f.fn == nil {
		return &execute.QueryResult{SQL: sql, RowCount: 1}, nil
	}
	return f.fn(sql)
}

func newLoop(t *testing.T, gen Generator, maxAttempts int) *Loop {
	t.Helper()
	l, err := New(&Config{Logger: testLogger(), Generator: gen, MaxAttempts: maxAttempts})
	require.NoError(t, err)
	return l
}

func testTarget(t *testing.T, v Validator, e execute.Executor) Target {
	t.Helper()
	profile, err := dialect.Lookup(dialect.Postgres)
	require.NoError(t, err)
	if v == nil {
		v = &fakeValidator{}
	}
	if e == nil {
		e = &fakeExecutor{}
	}
	return Target{Namespace: "fp-1", Profile: profile, Validator: v, Executor: e}
}

func TestSucceedsOnFirstAttempt(t *testing.T) {
	gen := &fakeGenerator{steps: []genStep{{sql: "SELECT 1"}}}
	exec := &fakeExecutor{}
	loop := newLoop(t, gen, 0)

	out, err := loop.Run(context.Background(), "how many rows", testTarget(t, nil, exec))
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", out.SQL)
	require.NotNil(t, out.Result)
	require.Len(t, out.Attempts, 1)
	require.Equal(t, 1, out.Attempts[0].Number)
	require.Empty(t, out.Attempts[0].Kind)
	require.Equal(t, []string{"SELECT 1"}, exec.calls)
}

func TestValidationRejectionFeedsNextAttempt(t *testing.T) {
	gen := &fakeGenerator{steps: []genStep{
		{sql: "DELETE FROM orders"},
		{sql: "SELECT COUNT(*) FROM orders"},
	}}
	validator := &fakeValidator{fn: func(sql string) (string, error) {
		if sql == "DELETE FROM orders" {
			return "", queryerr.Rejection(queryerr.LayerKeyword, "DELETE matched the deny-list")
		}
		return sql, nil
	}}
	loop := newLoop(t, gen, 0)

	out, err := loop.Run(context.Background(), "count orders", testTarget(t, validator, nil))
	require.NoError(t, err)
	require.Len(t, out.Attempts, 2)

	first := out.Attempts[0]
	require.Equal(t, queryerr.KindValidationRejected, first.Kind)
	require.Equal(t, queryerr.LayerKeyword, first.Layer)
	require.Equal(t, "DELETE FROM orders", first.SQL)

	reqs := gen.requests()
	require.Len(t, reqs, 2)
	require.Nil(t, reqs[0].Prior)
	require.Equal(t, 2, reqs[1].Attempt)
	require.NotNil(t, reqs[1].Prior)
	require.Equal(t, "DELETE FROM orders", reqs[1].Prior.SQL)
	require.Equal(t, queryerr.KindValidationRejected, reqs[1].Prior.Err.Kind)
}

func TestRecoverableExecutionErrorRetriesWithValidatedSQL(t *testing.T) {
	gen := &fakeGenerator{steps: []genStep{
		{sql: "SELECT customer FROM orders"},
		{sql: "SELECT customer_id FROM orders"},
	}}
	// The validator rewrites, so the prior fed back must be the rewritten
	// text that actually ran, not the raw candidate.
	validator := &fakeValidator{fn: func(sql string) (string, error) {
		return sql + " LIMIT 100", nil
	}}
	exec := &fakeExecutor{fn: func(sql string) (*execute.QueryResult, error) {
		if sql == "SELECT customer FROM orders LIMIT 100" {
			return nil, queryerr.New(queryerr.KindUnknownIdentifier, `column "customer" does not exist`)
		}
		return &execute.QueryResult{SQL: sql, RowCount: 3}, nil
	}}
	loop := newLoop(t, gen, 0)

	out, err := loop.Run(context.Background(), "customers with orders", testTarget(t, validator, exec))
	require.NoError(t, err)
	require.Equal(t, "SELECT customer_id FROM orders LIMIT 100", out.SQL)
	require.Len(t, out.Attempts, 2)
	require.Equal(t, queryerr.KindUnknownIdentifier, out.Attempts[0].Kind)

	reqs := gen.requests()
	require.NotNil(t, reqs[1].Prior)
	require.Equal(t, "SELECT customer FROM orders LIMIT 100", reqs[1].Prior.SQL)
	require.Equal(t, queryerr.KindUnknownIdentifier, reqs[1].Prior.Err.Kind)
}

func TestUnrecoverableExecutionErrorStops(t *testing.T) {
	for _, kind := range []queryerr.Kind{
		queryerr.KindPermissionDenied,
		queryerr.KindConnectionLost,
		queryerr.KindTimeout,
	} {
		t.Run(string(kind), func(t *testing.T) {
			gen := &fakeGenerator{steps: []genStep{
				{sql: "SELECT 1"},
				{sql: "SELECT 2"},
			}}
			exec := &fakeExecutor{fn: func(string) (*execute.QueryResult, error) {
				return nil, queryerr.New(kind, "boom")
			}}
			loop := newLoop(t, gen, 0)

			_, err := loop.Run(context.Background(), "q", testTarget(t, nil, exec))
			require.Error(t, err)

			var failure *Failure
			require.ErrorAs(t, err, &failure)
			require.False(t, failure.Exhausted)
			require.Equal(t, StageExecute, failure.Stage)
			require.Len(t, failure.Trail, 1)
			require.Equal(t, kind, failure.Trail[0].Kind)

			qe, ok := queryerr.As(err)
			require.True(t, ok)
			require.Equal(t, kind, qe.Kind)
			require.Len(t, gen.requests(), 1, "no retry after a fatal error")
		})
	}
}

func TestRefusalRestartsFresh(t *testing.T) {
	gen := &fakeGenerator{steps: []genStep{
		{err: queryerr.New(queryerr.KindRefusal, "cannot answer from this schema")},
		{sql: "SELECT 1"},
	}}
	loop := newLoop(t, gen, 0)

	out, err := loop.Run(context.Background(), "q", testTarget(t, nil, nil))
	require.NoError(t, err)
	require.Len(t, out.Attempts, 2)
	require.Equal(t, queryerr.KindRefusal, out.Attempts[0].Kind)
	require.Empty(t, out.Attempts[0].SQL)

	reqs := gen.requests()
	require.Nil(t, reqs[1].Prior, "refusal must not become correction context")
}

func TestRefusalDropsAccumulatedPrior(t *testing.T) {
	gen := &fakeGenerator{steps: []genStep{
		{sql: "DELETE FROM t"},
		{err: queryerr.New(queryerr.KindRefusal, "declined")},
		{sql: "SELECT 1"},
	}}
	validator := &fakeValidator{fn: func(sql string) (string, error) {
		if sql == "DELETE FROM t" {
			return "", queryerr.Rejection(queryerr.LayerKeyword, "DELETE")
		}
		return sql, nil
	}}
	loop := newLoop(t, gen, 0)

	out, err := loop.Run(context.Background(), "q", testTarget(t, validator, nil))
	require.NoError(t, err)
	require.Len(t, out.Attempts, 3)

	reqs := gen.requests()
	require.NotNil(t, reqs[1].Prior, "validation failure feeds attempt 2")
	require.Nil(t, reqs[2].Prior, "refusal on attempt 2 clears the prior for attempt 3")
}

func TestAttemptsExhausted(t *testing.T) {
	gen := &fakeGenerator{steps: []genStep{
		{sql: "SELECT a"}, {sql: "SELECT b"}, {sql: "SELECT c"},
	}}
	validator := &fakeValidator{fn: func(sql string) (string, error) {
		return "", queryerr.Rejection(queryerr.LayerAST, "parse failed near "+sql)
	}}
	loop := newLoop(t, gen, 3)

	_, err := loop.Run(context.Background(), "q", testTarget(t, validator, nil))
	require.Error(t, err)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.True(t, failure.Exhausted)
	require.Len(t, failure.Trail, 3)
	for i, attempt := range failure.Trail {
		require.Equal(t, i+1, attempt.Number)
		require.Equal(t, queryerr.KindValidationRejected, attempt.Kind)
	}
	qe, ok := queryerr.As(err)
	require.True(t, ok)
	require.Contains(t, qe.Message, "SELECT c")
}

func TestGeneratorTransportErrorAborts(t *testing.T) {
	gen := &fakeGenerator{steps: []genStep{
		{err: errors.New("anthropic: 529 overloaded")},
	}}
	loop := newLoop(t, gen, 0)

	_, err := loop.Run(context.Background(), "q", testTarget(t, nil, nil))
	require.Error(t, err)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.False(t, failure.Exhausted)
	require.Equal(t, StageGenerate, failure.Stage)
	require.Empty(t, failure.Trail)
	require.ErrorContains(t, err, "529")
}

func TestCancelledContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := &fakeGenerator{steps: []genStep{{sql: "SELECT 1"}}}
	loop := newLoop(t, gen, 0)

	_, err := loop.Run(ctx, "q", testTarget(t, nil, nil))
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.Empty(t, gen.requests())
}

func TestConfigValidate(t *testing.T) {
	_, err := New(&Config{Generator: &fakeGenerator{}})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(&Config{Logger: testLogger()})
	require.ErrorContains(t, err, "generator is required")

	loop, err := New(&Config{Logger: testLogger(), Generator: &fakeGenerator{}})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxAttempts, loop.cfg.MaxAttempts)
}

func TestTargetValidate(t *testing.T) {
	profile, err := dialect.Lookup(dialect.Postgres)
	require.NoError(t, err)

	tests := []struct {
		name    string
		target  Target
		wantErr string
	}{
		{name: "missing namespace", target: Target{Profile: profile, Validator: &fakeValidator{}, Executor: &fakeExecutor{}}, wantErr: "namespace is required"},
		{name: "missing profile", target: Target{Namespace: "fp", Validator: &fakeValidator{}, Executor: &fakeExecutor{}}, wantErr: "profile is required"},
		{name: "missing validator", target: Target{Namespace: "fp", Profile: profile, Executor: &fakeExecutor{}}, wantErr: "validator is required"},
		{name: "missing executor", target: Target{Namespace: "fp", Profile: profile, Validator: &fakeValidator{}}, wantErr: "executor is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
