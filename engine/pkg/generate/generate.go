// Package generate turns a natural-language question into a candidate SQL
// statement: it retrieves training context from the vector index, builds a
// dialect-aware prompt, calls the model, and extracts the SQL from the
// response. Candidates are not safe until they pass validation.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/generate/prompts"
	"github.com/siftdata/sift/engine/pkg/llm"
	"github.com/siftdata/sift/engine/pkg/queryerr"
	"github.com/siftdata/sift/engine/pkg/vector"
)

const (
	DefaultDDLLimit          = 10
	DefaultExampleLimit      = 5
	DefaultPromptBudget      = 24000
	DefaultTemperatureStep   = 0.2
	DefaultCompletionTimeout = 60 * time.Second

	// priorErrorLimit caps how much of a failure message is echoed back
	// into a correction prompt.
	priorErrorLimit = 500
)

// Config configures a Generator.
type Config struct {
	Logger *slog.Logger
	LLM    llm.Client
	Index  vector.Index
	Clock  clockwork.Clock

	// DDLLimit and ExampleLimit cap how many scored fragments retrieval
	// asks the index for.
	DDLLimit     int
	ExampleLimit int

	// PromptBudget bounds the assembled system prompt in runes. Role,
	// dialect, and disambiguation sections are always kept; DDL,
	// examples, and documentation fill the rest in that order.
	PromptBudget int

	// MaxTokens caps each completion. Zero uses the client default.
	MaxTokens int64

	// BaseTemperature plus TemperatureStep per prior attempt sets the
	// sampling temperature, clamped to [0, 1]. Retries run warmer to
	// escape a local minimum the first attempt fell into.
	BaseTemperature float64
	TemperatureStep float64

	// CompletionTimeout bounds a single model call.
	CompletionTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.LLM == nil {
		return fmt.Errorf("llm client is required")
	}
	if c.Index == nil {
		return fmt.Errorf("vector index is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.DDLLimit <= 0 {
		c.DDLLimit = DefaultDDLLimit
	}
	if c.ExampleLimit <= 0 {
		c.ExampleLimit = DefaultExampleLimit
	}
	if c.PromptBudget <= 0 {
		c.PromptBudget = DefaultPromptBudget
	}
	if c.TemperatureStep <= 0 {
		c.TemperatureStep = DefaultTemperatureStep
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = DefaultCompletionTimeout
	}
	return nil
}

// Prior carries the failed attempt a correction generation must fix.
type Prior struct {
	SQL string
	Err *queryerr.Error
}

// Request is one generation call.
type Request struct {
	// Question is the user's natural-language question.
	Question string

	// Namespace is the connection fingerprint whose index namespace
	// holds the training context.
	Namespace string

	// Profile is the target dialect.
	Profile dialect.Profile

	// Attempt is 1-based. Later attempts raise the temperature. Zero is
	// treated as attempt 1.
	Attempt int

	// Prior is the failed attempt to correct. Nil on a fresh generation.
	Prior *Prior
}

// Generator produces SQL candidates for the correction loop.
type Generator struct {
	cfg *Config
	log *slog.Logger

	tmplOnce sync.Once
	tmplErr  error
	roleTmpl string
	fixTmpl  string
}

func New(cfg *Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid generator config: %w", err)
	}
	return &Generator{cfg: cfg, log: cfg.Logger}, nil
}

// Generate retrieves context, prompts the model once, and returns the
// extracted SQL candidate. A response with no SQL at all comes back as a
// *queryerr.Error of kind refusal so the correction loop can restart
// fresh instead of feeding prose back as a failed statement.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Question) == "" {
		return "", errors.New("question is required")
	}
	if req.Namespace == "" {
		return "", errors.New("namespace is required")
	}
	if req.Profile == nil {
		return "", errors.New("dialect profile is required")
	}
	if err := g.loadTemplates(); err != nil {
		return "", err
	}

	in, err := g.retrieve(ctx, req)
	if err != nil {
		return "", err
	}

	attempt := max(req.Attempt, 1)
	opts := llm.Options{
		System:      g.systemPrompt(req.Profile, in),
		Temperature: g.temperature(attempt),
		MaxTokens:   g.cfg.MaxTokens,
		// Stops at the closing fence; the opening ```sql never matches
		// because the tag follows the backticks directly.
		StopSequences: []string{"```\n"},
	}

	g.log.Debug("generate: requesting completion",
		"attempt", attempt,
		"temperature", opts.Temperature,
		"ddl", len(in.ddl),
		"examples", len(in.examples),
		"docs", len(in.docs),
	)

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CompletionTimeout)
	defer cancel()

	messages := []llm.Message{{Role: llm.RoleUser, Content: g.userMessage(req)}}
	response, err := g.cfg.LLM.Complete(cctx, messages, opts)
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}

	sql, ok := ExtractSQL(response)
	if !ok {
		g.log.Info("generate: model declined to produce sql", "attempt", attempt)
		return "", queryerr.New(queryerr.KindRefusal, "no sql in response: %s",
			queryerr.Truncate(strings.TrimSpace(response), 200))
	}
	return RewriteBinds(req.Profile, sql), nil
}

func (g *Generator) loadTemplates() error {
	g.tmplOnce.Do(func() {
		role, err := prompts.FS.ReadFile("system.md")
		if err != nil {
			g.tmplErr = fmt.Errorf("load system prompt: %w", err)
			return
		}
		fix, err := prompts.FS.ReadFile("correction.md")
		if err != nil {
			g.tmplErr = fmt.Errorf("load correction prompt: %w", err)
			return
		}
		g.roleTmpl = strings.TrimSpace(string(role))
		g.fixTmpl = strings.TrimSpace(string(fix))
	})
	return g.tmplErr
}

func (g *Generator) temperature(attempt int) float64 {
	t := g.cfg.BaseTemperature + g.cfg.TemperatureStep*float64(attempt-1)
	return min(max(t, 0), 1)
}

// userMessage is the question alone on a fresh generation, or the
// correction template wrapping the prior SQL and its failure on a retry.
func (g *Generator) userMessage(req Request) string {
	if req.Prior == nil {
		return req.Question
	}
	detail := req.Prior.Err.Message
	if req.Prior.Err.Layer != "" {
		detail = fmt.Sprintf("%s layer: %s", req.Prior.Err.Layer, detail)
	}
	msg := g.fixTmpl
	msg = strings.ReplaceAll(msg, "{{SQL}}", req.Prior.SQL)
	msg = strings.ReplaceAll(msg, "{{KIND}}", string(req.Prior.Err.Kind))
	msg = strings.ReplaceAll(msg, "{{ERROR}}", queryerr.Truncate(detail, priorErrorLimit))
	msg = strings.ReplaceAll(msg, "{{QUESTION}}", req.Question)
	return msg
}

// retrieve queries the index for the context blocks the prompt needs:
// scored DDL and example fragments plus every documentation item. The
// disambiguation note is split out because the prompt gives it its own
// always-kept section.
func (g *Generator) retrieve(ctx context.Context, req Request) (promptInput, error) {
	var in promptInput

	ddl, err := g.cfg.Index.Query(ctx, req.Namespace, req.Question, g.cfg.DDLLimit, vector.KindDDL)
	if err != nil {
		return in, fmt.Errorf("retrieve ddl: %w", err)
	}
	for _, s := range ddl {
		in.ddl = append(in.ddl, s.Text)
	}

	exs, err := g.cfg.Index.Query(ctx, req.Namespace, req.Question, g.cfg.ExampleLimit, vector.KindExample)
	if err != nil {
		return in, fmt.Errorf("retrieve examples: %w", err)
	}
	for _, s := range exs {
		if s.Metadata["sql"] == "" {
			continue
		}
		in.examples = append(in.examples, example{
			question: s.Metadata["question"],
			sql:      s.Metadata["sql"],
		})
	}

	docs, err := g.cfg.Index.All(ctx, req.Namespace, vector.KindDoc)
	if err != nil {
		return in, fmt.Errorf("retrieve documentation: %w", err)
	}
	for _, d := range docs {
		if d.Metadata["topic"] == "disambiguation" {
			in.note = d.Text
			continue
		}
		in.docs = append(in.docs, d.Text)
	}
	return in, nil
}
