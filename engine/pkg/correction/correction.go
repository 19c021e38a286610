// Package correction runs the bounded generate-validate-execute retry
// loop. Each failed attempt feeds its SQL and error back into the next
// generation; refusals restart fresh instead. Fatal database errors and
// timeouts stop the loop immediately because the model cannot fix them.
package correction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/generate"
	"github.com/siftdata/sift/engine/pkg/queryerr"
)

// DefaultMaxAttempts bounds the loop.
const DefaultMaxAttempts = 5

// Generator produces SQL candidates. *generate.Generator implements it.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (string, error)
}

// Validator is the safety gate a candidate must clear before execution.
// *validate.Validator implements it.
type Validator interface {
	Validate(sql string) (string, error)
}

// Attempt is one step of the trail. A zero Kind means the attempt
// succeeded; otherwise Kind and Detail describe why it failed.
type Attempt struct {
	Number  int            `json:"number"`
	SQL     string         `json:"sql,omitempty"`
	Kind    queryerr.Kind  `json:"kind,omitempty"`
	Layer   queryerr.Layer `json:"layer,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Elapsed time.Duration  `json:"elapsed"`
}

// Outcome is a successful run: the SQL that executed, its result, and
// the full attempt trail including the failures that preceded success.
type Outcome struct {
	SQL      string
	Result   *execute.QueryResult
	Attempts []Attempt
}

// Stage names the loop stage whose error stopped a run early. Empty for
// exhaustion and for cancellation between stages.
type Stage string

const (
	StageGenerate Stage = "generate"
	StageValidate Stage = "validate"
	StageExecute  Stage = "execute"
)

// Failure carries the attempt trail out of a failed run. Exhausted means
// the attempt budget ran out; otherwise Cause stopped the loop early and
// Stage says where.
type Failure struct {
	Trail     []Attempt
	Cause     error
	Stage     Stage
	Exhausted bool
}

func (f *Failure) Error() string {
	if f.Exhausted {
		return fmt.Sprintf("attempts exhausted after %d: %v", len(f.Trail), f.Cause)
	}
	return fmt.Sprintf("attempt %d failed: %v", len(f.Trail), f.Cause)
}

func (f *Failure) Unwrap() error { return f.Cause }

// Target bundles the per-connection collaborators one run needs. The
// validator matches the target's dialect; the executor its pool.
type Target struct {
	Namespace string
	Profile   dialect.Profile
	Validator Validator
	Executor  execute.Executor
}

func (t *Target) Validate() error {
	if t.Namespace == "" {
		return errors.New("namespace is required")
	}
	if t.Profile == nil {
		return errors.New("dialect profile is required")
	}
	if t.Validator == nil {
		return errors.New("validator is required")
	}
	if t.Executor == nil {
		return errors.New("executor is required")
	}
	return nil
}

// Config configures a Loop.
type Config struct {
	Logger    *slog.Logger
	Generator Generator

	// MaxAttempts bounds the loop, refusals included.
	MaxAttempts int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Generator == nil {
		return fmt.Errorf("generator is required")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return nil
}

// Loop is the retry coordinator.
type Loop struct {
	cfg *Config
	log *slog.Logger
}

func New(cfg *Config) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid correction config: %w", err)
	}
	return &Loop{cfg: cfg, log: cfg.Logger}, nil
}

// Run drives attempts until one executes, the budget runs out, or a
// non-model-fixable error appears. The returned Failure always carries
// the trail so callers can surface every attempt.
func (l *Loop) Run(ctx context.Context, question string, target Target) (*Outcome, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid correction target: %w", err)
	}

	var (
		trail   []Attempt
		prior   *generate.Prior
		lastErr error
	)
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &Failure{Trail: trail, Cause: err}
		}
		start := time.Now()
		record := Attempt{Number: attempt}

		sql, err := l.cfg.Generator.Generate(ctx, generate.Request{
			Question:  question,
			Namespace: target.Namespace,
			Profile:   target.Profile,
			Attempt:   attempt,
			Prior:     prior,
		})
		if err != nil {
			qe, ok := queryerr.As(err)
			if !ok || qe.Kind != queryerr.KindRefusal {
				// Transport or programming error, not a model failure.
				return nil, &Failure{Trail: trail, Cause: fmt.Errorf("generate: %w", err), Stage: StageGenerate}
			}
			record.Kind = qe.Kind
			record.Detail = qe.Message
			record.Elapsed = time.Since(start)
			trail = append(trail, record)
			lastErr = qe
			// A refusal poisons nothing: restart without the failed
			// context instead of asking the model to fix prose.
			prior = nil
			l.log.Info("correction: model refused, restarting fresh", "attempt", attempt)
			continue
		}
		record.SQL = sql

		validated, err := target.Validator.Validate(sql)
		if err != nil {
			qe, ok := queryerr.As(err)
			if !ok {
				return nil, &Failure{Trail: trail, Cause: fmt.Errorf("validate: %w", err), Stage: StageValidate}
			}
			record.Kind = qe.Kind
			record.Layer = qe.Layer
			record.Detail = qe.Message
			record.Elapsed = time.Since(start)
			trail = append(trail, record)
			lastErr = qe
			prior = &generate.Prior{SQL: sql, Err: qe}
			l.log.Info("correction: validation rejected",
				"attempt", attempt, "layer", qe.Layer, "reason", qe.Message)
			continue
		}
		record.SQL = validated

		result, err := target.Executor.Execute(ctx, validated)
		if err != nil {
			qe, ok := queryerr.As(err)
			if !ok {
				return nil, &Failure{Trail: trail, Cause: fmt.Errorf("execute: %w", err), Stage: StageExecute}
			}
			record.Kind = qe.Kind
			record.Detail = qe.Message
			record.Elapsed = time.Since(start)
			trail = append(trail, record)
			lastErr = qe
			if !qe.Recoverable() {
				// Permission, lost connection, timeout: retrying wastes
				// attempts on an error no SQL rewrite can clear.
				l.log.Warn("correction: unrecoverable execution error",
					"attempt", attempt, "kind", qe.Kind)
				return nil, &Failure{Trail: trail, Cause: qe, Stage: StageExecute}
			}
			prior = &generate.Prior{SQL: validated, Err: qe}
			l.log.Info("correction: execution failed, retrying",
				"attempt", attempt, "kind", qe.Kind)
			continue
		}

		record.Elapsed = time.Since(start)
		trail = append(trail, record)
		l.log.Info("correction: succeeded",
			"attempt", attempt, "rows", result.RowCount)
		return &Outcome{SQL: validated, Result: result, Attempts: trail}, nil
	}

	l.log.Warn("correction: attempts exhausted",
		"attempts", l.cfg.MaxAttempts, "last_error", lastErr)
	return nil, &Failure{Trail: trail, Cause: lastErr, Exhausted: true}
}
