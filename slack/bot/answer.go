package bot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/pipeline"
)

// previewRows caps the inline result table posted when the description
// stream fails.
const previewRows = 10

// mentionPattern matches <@U123ABC> and <@U123ABC|name> mentions.
var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+(?:\|[^>]+)?>`)

// answer runs one mention through the pipeline and threads the reply.
// Terminal pipeline errors become their friendly message; only posting
// failures are unrecoverable, and those are logged and dropped.
func (b *Bot) answer(ctx context.Context, ev *slackevents.AppMentionEvent) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, b.cfg.AnswerTimeout)
	defer cancel()

	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}
	question := strings.TrimSpace(mentionPattern.ReplaceAllString(ev.Text, ""))

	log := b.log.With("channel", ev.Channel, "ts", ev.TimeStamp, "user", ev.User)
	log.Info("slack: mention received", "question", preview(question, 120))

	if question == "" {
		b.post(ctx, ev.Channel, threadTS, "Ask me a question about the data, e.g. `@sift how many orders shipped last week?`", nil)
		mentionsTotal.WithLabelValues("empty").Inc()
		return
	}

	item := slack.NewRefToMessage(ev.Channel, ev.TimeStamp)
	if err := b.msgr.AddReactionContext(ctx, processingReaction, item); err != nil {
		log.Debug("slack: add reaction failed", "error", err)
	}
	defer func() {
		// Fresh context: the answer context is often already done here.
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rcancel()
		if err := b.msgr.RemoveReactionContext(rctx, processingReaction, item); err != nil {
			log.Debug("slack: remove reaction failed", "error", err)
		}
	}()

	res, err := b.cfg.Pipeline.Process(ctx, question, b.cfg.Conn)
	if err != nil {
		log.Warn("slack: ask failed", "error", err)
		b.post(ctx, ev.Channel, threadTS, friendlyMessage(err), nil)
		mentionsTotal.WithLabelValues("error").Inc()
		answerSeconds.Observe(time.Since(start).Seconds())
		return
	}

	answer, derr := b.cfg.Pipeline.Describe(ctx, question, res.Result, nil)
	if derr != nil {
		log.Warn("slack: describe failed, replying with rows only", "error", derr)
		answer = fallbackAnswer(res.Result)
	}

	text, blocks := replyBlocks(b.log, answer, res)
	b.post(ctx, ev.Channel, threadTS, text, blocks)
	mentionsTotal.WithLabelValues("ok").Inc()
	answerSeconds.Observe(time.Since(start).Seconds())
	log.Info("slack: answered",
		"rows", res.Result.RowCount,
		"attempts", len(res.Attempts),
		"latency_ms", res.LatencyMS)
}

// post threads one message. text is the notification fallback when
// blocks are present, the whole message otherwise.
func (b *Bot) post(ctx context.Context, channel, threadTS, text string, blocks []slack.Block) {
	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}
	if _, _, err := b.msgr.PostMessageContext(ctx, channel, opts...); err != nil {
		b.log.Error("slack: post failed", "channel", channel, "error", err)
		postErrorsTotal.Inc()
	}
}

// friendlyMessage maps a pipeline failure to its user-facing text.
// Diagnostics stay in the logs; Slack only ever sees the friendly form.
func friendlyMessage(err error) string {
	if pe, ok := pipeline.As(err); ok && pe.Friendly != "" {
		return pe.Friendly
	}
	return "Something went wrong while answering this question."
}

// fallbackAnswer stands in when the description stream fails: the rows
// still reach the user, just without prose.
func fallbackAnswer(r *execute.QueryResult) string {
	if r == nil || r.RowCount == 0 {
		return "No matching data was found."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "The query returned %s:\n\n", rowsLabel(r))
	sb.WriteString("```\n")
	sb.WriteString(r.Format(previewRows))
	sb.WriteString("\n```")
	return sb.String()
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
