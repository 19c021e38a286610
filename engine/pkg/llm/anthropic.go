package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/getsentry/sentry-go"
)

const DefaultTimeout = 60 * time.Second

// AnthropicConfig configures the Anthropic-backed client.
type AnthropicConfig struct {
	Logger *slog.Logger

	// APIKey overrides ANTHROPIC_API_KEY from the environment.
	APIKey string

	// Model defaults to a fast model suitable for SQL generation.
	Model anthropic.Model

	// Timeout bounds one completion call.
	Timeout time.Duration

	// MaxRetries is the transport-level retry count for 429/5xx.
	MaxRetries int

	// Observe, when set, receives one callback per API call with the
	// operation name ("complete" or "stream"), the wall time, and the
	// transport error if any. The metrics layer hooks in here.
	Observe func(op string, elapsed time.Duration, err error)
}

func (c *AnthropicConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Model == "" {
		c.Model = anthropic.ModelClaudeHaiku4_5
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	return nil
}

// Anthropic implements Client on the Anthropic Messages API.
type Anthropic struct {
	cfg    *AnthropicConfig
	log    *slog.Logger
	client anthropic.Client
}

func NewAnthropic(cfg *AnthropicConfig) (*Anthropic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid anthropic config: %w", err)
	}
	opts := []option.RequestOption{option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &Anthropic{
		cfg:    cfg,
		log:    cfg.Logger,
		client: anthropic.NewClient(opts...),
	}, nil
}

func (a *Anthropic) params(messages []Message, opts Options) anthropic.MessageNewParams {
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     a.cfg.Model,
		MaxTokens: maxTokens,
		Messages:  buildMessages(messages),
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: opts.System}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if len(opts.StopSequences) > 0 {
		params.StopSequences = opts.StopSequences
	}
	return params
}

func (a *Anthropic) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", a.cfg.Model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(a.cfg.Model))
	span.SetData("gen_ai.request.temperature", opts.Temperature)
	span.SetData("gen_ai.system", "anthropic")
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, a.params(messages, opts))
	a.observe("complete", time.Since(start), err)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK
	a.log.Debug("llm: completion finished",
		"model", a.cfg.Model,
		"duration", time.Since(start),
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}

func (a *Anthropic) Stream(ctx context.Context, messages []Message, opts Options, onChunk func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s (stream)", a.cfg.Model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(a.cfg.Model))
	span.SetData("gen_ai.request.stream", true)
	span.SetData("gen_ai.system", "anthropic")
	ctx = span.Context()
	defer span.Finish()

	var full strings.Builder
	start := time.Now()
	stream := a.client.Messages.NewStreaming(ctx, a.params(messages, opts))
	for stream.Next() {
		event := stream.Current()
		if event.Type == "content_block_delta" {
			delta := event.AsContentBlockDelta()
			if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
				full.WriteString(delta.Delta.Text)
				if onChunk != nil {
					onChunk(delta.Delta.Text)
				}
			}
		}
	}
	err := stream.Err()
	a.observe("stream", time.Since(start), err)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return "", fmt.Errorf("anthropic stream: %w", err)
	}
	span.Status = sentry.SpanStatusOK
	return full.String(), nil
}

func (a *Anthropic) observe(op string, elapsed time.Duration, err error) {
	if a.cfg.Observe != nil {
		a.cfg.Observe(op, elapsed, err)
	}
}

func buildMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}
