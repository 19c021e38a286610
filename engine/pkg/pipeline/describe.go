package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/llm"
)

const (
	DefaultDescribeTimeout = 60 * time.Second

	// describeMaxRows caps how much of the result the description prompt
	// shows. Descriptions summarize shape and standouts, not every row.
	describeMaxRows = 20

	describeMaxTokens = 1024
)

// DescribeClient streams description text. llm.Client satisfies it.
type DescribeClient interface {
	Stream(ctx context.Context, messages []llm.Message, opts llm.Options, onChunk func(text string)) (string, error)
}

// describeSystemPrompt keeps descriptions grounded in the rows actually
// shown. The model sees a sample, never the database.
const describeSystemPrompt = `You summarize SQL query results in plain language.

RULES:
1. Start directly with the summary, no preamble like "Based on the data..." or "The results show..."
2. Lead with the headline: the total, the winner, the trend, whatever the question asked for
3. Mention standouts (largest value, sharpest change, unexpected gaps) when they exist
4. Two short paragraphs at most

BE HONEST:
- Only state what the rows shown support; NEVER invent values or extrapolate beyond them
- If the sample is truncated, say the summary covers the first rows only
- If the result is empty, say that no matching data was found and stop`

// Describe streams a natural-language summary of an already materialized
// result, invoking onChunk for each text delta, and returns the full
// text. It runs strictly after execution: callers hand it the rows, it
// never touches the database. The returned error, when non-nil, is a
// *Error.
func (c *Coordinator) Describe(ctx context.Context, question string, result *execute.QueryResult, onChunk func(text string)) (string, error) {
	if c.cfg.LLM == nil {
		return "", fail(KindInternal, errors.New("describe: no llm client configured"), nil)
	}
	if result == nil {
		return "", fail(KindInternal, errors.New("describe: result is required"), nil)
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DescribeTimeout)
	defer cancel()

	messages := []llm.Message{{Role: llm.RoleUser, Content: describePrompt(question, result)}}
	opts := llm.Options{System: describeSystemPrompt, MaxTokens: describeMaxTokens}

	start := c.cfg.Clock.Now()
	text, err := c.cfg.LLM.Stream(dctx, messages, opts, onChunk)
	if err != nil {
		if cancelledBy(err) {
			return "", fail(KindCancelled, err, nil)
		}
		return "", fail(KindLLMTransportFailed, err, nil)
	}
	c.log.Debug("pipeline: description streamed",
		"chars", len(text), "elapsed", c.cfg.Clock.Since(start))
	return text, nil
}

func describePrompt(question string, result *execute.QueryResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\n", question)
	fmt.Fprintf(&sb, "Result (%d rows", result.RowCount)
	if result.Truncated {
		sb.WriteString(", truncated by the row cap")
	}
	if len(result.Rows) > describeMaxRows {
		fmt.Fprintf(&sb, ", first %d shown", describeMaxRows)
	}
	sb.WriteString("):\n\n")
	sb.WriteString(result.Format(describeMaxRows))
	return sb.String()
}
