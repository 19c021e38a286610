package generate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/siftdata/sift/engine/pkg/dialect"
)

// promptInput holds the retrieved context for one generation, each list
// already in retrieval-score order.
type promptInput struct {
	ddl      []string
	examples []example
	docs     []string
	note     string
}

type example struct {
	question string
	sql      string
}

// systemPrompt serializes the prompt sections in a fixed order so the
// same inputs always produce the same prompt. The date line, role, and
// disambiguation note are always present; DDL, examples, and
// documentation consume the remaining rune budget in that priority, and
// anything dropped is logged rather than silently lost.
func (g *Generator) systemPrompt(profile dialect.Profile, in promptInput) string {
	role := fmt.Sprintf("Today's date: %s (UTC).\n\n%s",
		g.cfg.Clock.Now().UTC().Format("2006-01-02"),
		strings.ReplaceAll(g.roleTmpl, "{{DIALECT}}", profile.DisplayName()),
	)

	var note string
	if in.note != "" {
		note = "# Disambiguation\n\n" + in.note
	}

	budget := g.cfg.PromptBudget - utf8.RuneCountInString(role) - utf8.RuneCountInString(note)

	exampleBlocks := make([]string, 0, len(in.examples))
	for _, ex := range in.examples {
		exampleBlocks = append(exampleBlocks, fmt.Sprintf("Q: %s\nSQL: %s", ex.question, ex.sql))
	}

	var dropped int
	ddl := fitBlocks(in.ddl, &budget, &dropped)
	examples := fitBlocks(exampleBlocks, &budget, &dropped)
	docs := fitBlocks(in.docs, &budget, &dropped)
	if dropped > 0 {
		g.log.Warn("generate: prompt truncated",
			"dropped_blocks", dropped,
			"budget_runes", g.cfg.PromptBudget,
		)
	}

	sections := []string{role}
	if len(ddl) > 0 {
		sections = append(sections, "# Schema\n\n"+strings.Join(ddl, "\n\n"))
	}
	if len(examples) > 0 {
		sections = append(sections, "# Examples\n\n"+strings.Join(examples, "\n\n"))
	}
	if len(docs) > 0 {
		sections = append(sections, "# Documentation\n\n"+strings.Join(docs, "\n\n"))
	}
	if note != "" {
		sections = append(sections, note)
	}
	return strings.Join(sections, "\n\n")
}

// fitBlocks keeps blocks in order while each fits the remaining budget.
// The first block that does not fit ends the list; everything after it
// scored lower and is dropped with it.
func fitBlocks(blocks []string, budget, dropped *int) []string {
	out := make([]string, 0, len(blocks))
	for i, block := range blocks {
		cost := utf8.RuneCountInString(block) + 2
		if cost > *budget {
			*dropped += len(blocks) - i
			break
		}
		*budget -= cost
		out = append(out, block)
	}
	return out
}
