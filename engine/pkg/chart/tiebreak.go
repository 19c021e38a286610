package chart

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/llm"
)

// tiebreakTypes is the only set the model may choose between. Anything
// else keeps the heuristic's pick.
var tiebreakTypes = map[Type]bool{TypeBar: true, TypeLine: true, TypeArea: true}

type tiebreakAnswer struct {
	ChartType string `json:"chartType"`
}

func (a *Advisor) tiebreak(ctx context.Context, question string, result *execute.QueryResult, fallback Type) Type {
	tctx, cancel := context.WithTimeout(ctx, a.cfg.TiebreakTimeout)
	defer cancel()

	messages := []llm.Message{{Role: llm.RoleUser, Content: a.tiebreakPrompt(question, result)}}
	response, err := a.cfg.LLM.Complete(tctx, messages, llm.Options{MaxTokens: 256})
	if err != nil {
		a.log.Warn("chart: tiebreak call failed, keeping heuristic", "error", err)
		return fallback
	}

	choice := Type(parseTiebreak(response))
	if !tiebreakTypes[choice] {
		a.log.Debug("chart: tiebreak answer outside allowed set", "answer", choice)
		return fallback
	}
	return choice
}

func (a *Advisor) tiebreakPrompt(question string, result *execute.QueryResult) string {
	cols := make([]string, len(result.Columns))
	for i, c := range result.Columns {
		cols[i] = c.Name
	}
	return fmt.Sprintf(`You are a data visualization expert. Pick the best chart type for this short series.

Question: %s
Columns: %s
Sample data:
%s
Total rows: %d

Choose exactly one of "bar", "line", or "area".
Respond with a JSON object (no markdown, just the JSON):
{"chartType": "bar" | "line" | "area"}`,
		question,
		strings.Join(cols, ", "),
		sampleData(result, a.cfg.SampleRows),
		result.RowCount,
	)
}

func sampleData(result *execute.QueryResult, maxRows int) string {
	if len(result.Rows) == 0 {
		return "(no data)"
	}
	shown := min(maxRows, len(result.Rows))
	var sb strings.Builder
	for _, row := range result.Rows[:shown] {
		parts := make([]string, 0, len(result.Columns))
		for _, col := range result.Columns {
			parts = append(parts, fmt.Sprintf("%s: %s", col.Name, execute.FormatValue(row[col.Name])))
		}
		sb.WriteString("  " + strings.Join(parts, ", ") + "\n")
	}
	return sb.String()
}

// parseTiebreak digs the JSON answer out of the response, stripping a
// markdown fence or surrounding prose if the model added any.
func parseTiebreak(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		var kept []string
		for _, line := range lines {
			if strings.HasPrefix(line, "```") {
				continue
			}
			kept = append(kept, line)
		}
		text = strings.Join(kept, "\n")
	}

	var answer tiebreakAnswer
	if err := json.Unmarshal([]byte(text), &answer); err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return ""
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &answer); err != nil {
			return ""
		}
	}
	return strings.ToLower(strings.TrimSpace(answer.ChartType))
}
