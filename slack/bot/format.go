package bot

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/slack-go/slack"
	slackutil "github.com/takara2314/slack-go-util"

	"github.com/siftdata/sift/engine/pkg/chart"
	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/pipeline"
)

// sectionTextLimit is Slack's cap on one section's text. SQL longer
// than that (a wide IN list can do it) gets elided rather than bounced
// by the API.
const sectionTextLimit = 3000

// fencePattern matches ``` code fences, with or without a language tag.
var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")

// replyBlocks renders one answered question: the description prose,
// the SQL that ran, and a context footer with row count and latency.
// The returned text is the notification fallback for clients that
// ignore blocks.
func replyBlocks(log *slog.Logger, answer string, res *pipeline.Result) (string, []slack.Block) {
	blocks := markdownBlocks(log, answer)

	if sql := strings.TrimSpace(res.SQL); sql != "" {
		blocks = append(blocks, codeSection(sql))
	}

	footer := footerLine(res)
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType, footer, false, false)))

	return answer, blocks
}

// footerLine summarizes the run: rows, latency, retries when any, and
// the advised chart when it is more than a table.
func footerLine(res *pipeline.Result) string {
	parts := []string{rowsLabel(res.Result), latencyLabel(res.LatencyMS)}
	if n := len(res.Attempts); n > 1 {
		parts = append(parts, fmt.Sprintf("%d attempts", n))
	}
	if res.Chart != nil && res.Chart.Type != "" && res.Chart.Type != chart.TypeTable {
		parts = append(parts, "chart: "+string(res.Chart.Type))
	}
	if res.Process != nil {
		parts = append(parts, "flow: "+res.Process.Name)
	}
	return strings.Join(parts, "  ·  ")
}

func rowsLabel(r *execute.QueryResult) string {
	switch {
	case r == nil || r.RowCount == 0:
		return "no rows"
	case r.Truncated:
		return fmt.Sprintf("%d rows (capped)", r.RowCount)
	case r.RowCount == 1:
		return "1 row"
	default:
		return fmt.Sprintf("%d rows", r.RowCount)
	}
}

func latencyLabel(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

// markdownBlocks converts markdown prose to Slack blocks. Code fences
// are carved out first because the converter splits them mid-fence;
// if conversion fails the text goes out as one mrkdwn section.
func markdownBlocks(log *slog.Logger, text string) []slack.Block {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if strings.Contains(text, "```") {
		return fencedBlocks(log, text)
	}
	converted, err := slackutil.ConvertMarkdownTextToBlocks(text)
	if err != nil {
		log.Debug("slack: markdown conversion failed, posting plain mrkdwn", "error", err)
		return []slack.Block{mrkdwnSection(toMrkdwn(text))}
	}
	return expandSections(converted)
}

// fencedBlocks splits text on code fences: prose segments go through
// the markdown converter, fence bodies become verbatim code sections.
func fencedBlocks(log *slog.Logger, text string) []slack.Block {
	matches := fencePattern.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		// Unclosed fence; let the converter do what it can.
		converted, err := slackutil.ConvertMarkdownTextToBlocks(text)
		if err != nil {
			return []slack.Block{mrkdwnSection(toMrkdwn(text))}
		}
		return expandSections(converted)
	}

	var blocks []slack.Block
	last := 0
	for _, m := range matches {
		if before := strings.TrimSpace(text[last:m[0]]); before != "" {
			blocks = append(blocks, markdownBlocks(log, before)...)
		}
		blocks = append(blocks, codeSection(text[m[2]:m[3]]))
		last = m[1]
	}
	if after := strings.TrimSpace(text[last:]); after != "" {
		blocks = append(blocks, markdownBlocks(log, after)...)
	}
	return blocks
}

// codeSection renders code verbatim. Slack mrkdwn has no language
// tags, so fences go out bare.
func codeSection(code string) slack.Block {
	code = strings.TrimRight(code, "\n")
	if len(code) > sectionTextLimit-20 {
		code = code[:sectionTextLimit-20] + "\n-- elided"
	}
	return &slack.SectionBlock{
		Type:   slack.MBTSection,
		Text:   slack.NewTextBlockObject(slack.MarkdownType, "```\n"+code+"\n```", false, false),
		Expand: true,
	}
}

func mrkdwnSection(text string) slack.Block {
	return &slack.SectionBlock{
		Type:   slack.MBTSection,
		Text:   slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
		Expand: true,
	}
}

// expandSections sets expand on every section so long answers are not
// folded behind "see more".
func expandSections(blocks []slack.Block) []slack.Block {
	out := make([]slack.Block, 0, len(blocks))
	for _, block := range blocks {
		section, ok := block.(*slack.SectionBlock)
		if !ok {
			out = append(out, block)
			continue
		}
		expanded := *section
		expanded.Expand = true
		out = append(out, &expanded)
	}
	return out
}

var (
	boldPattern   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	strikePattern = regexp.MustCompile(`~~([^~]+)~~`)
	linkPattern   = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// toMrkdwn rewrites the markdown spellings Slack renders differently:
// **bold** to *bold*, ~~strike~~ to ~strike~, [text](url) to
// <url|text>. Inline code passes through unchanged.
func toMrkdwn(text string) string {
	text = boldPattern.ReplaceAllString(text, "*$1*")
	text = strikePattern.ReplaceAllString(text, "~$1~")
	text = linkPattern.ReplaceAllString(text, "<$2|$1>")
	return text
}
