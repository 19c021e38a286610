// Package bot runs the Slack front end: a Socket Mode listener that
// turns app mentions into pipeline questions and threads the answer
// back with the SQL that produced it.
//
// Every mention is a single-shot ask against one configured connection.
// The bot keeps no conversation state; asking again means mentioning
// it again.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/pipeline"
	"github.com/siftdata/sift/engine/pkg/schema"
)

const (
	// DefaultAnswerTimeout bounds one mention end to end. The first
	// question on a cold connection trains the whole schema, so this is
	// deliberately generous.
	DefaultAnswerTimeout = 5 * time.Minute

	// seenMaxAge bounds how long envelope IDs and answered message keys
	// stay in the dedup sets. Slack retries within minutes; an hour is
	// comfortably past that.
	seenMaxAge = 1 * time.Hour

	seenSweepEvery = 5 * time.Minute

	// processingReaction marks a mention the bot is working on.
	processingReaction = "hourglass_flowing_sand"
)

// Asker is the slice of the pipeline the bot drives: one question in,
// one result or terminal error out, plus the description stream that
// turns rows into prose. *pipeline.Coordinator implements it.
type Asker interface {
	Process(ctx context.Context, question string, conn *schema.ConnectionConfig) (*pipeline.Result, error)
	Describe(ctx context.Context, question string, result *execute.QueryResult, onChunk func(string)) (string, error)
}

// Messenger is the slice of the Slack Web API the bot posts through.
// *slack.Client implements it.
type Messenger interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
}

// Config configures a Bot.
type Config struct {
	Logger   *slog.Logger
	AppToken string // xapp- token, authenticates the Socket Mode connection
	BotToken string // xoxb- token, authenticates Web API calls
	Pipeline Asker

	// Conn is the connection every mention is answered against.
	Conn *schema.ConnectionConfig

	// AllowedTeams restricts which workspaces the bot answers in.
	// Empty allows all.
	AllowedTeams []string

	// AnswerTimeout bounds one question end to end, description
	// included. Zero means DefaultAnswerTimeout.
	AnswerTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.AppToken == "" {
		return errors.New("app token is required")
	}
	if !strings.HasPrefix(c.AppToken, "xapp-") {
		return errors.New("app token must be an app-level token (xapp-)")
	}
	if c.BotToken == "" {
		return errors.New("bot token is required")
	}
	if !strings.HasPrefix(c.BotToken, "xoxb-") {
		return errors.New("bot token must be a bot token (xoxb-)")
	}
	if c.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	if c.Conn == nil {
		return errors.New("connection config is required")
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = DefaultAnswerTimeout
	}
	return nil
}

// Bot owns the Socket Mode connection and the per-mention fanout.
// Run handles events until its context ends; Drain stops new work and
// lets in-flight answers finish first.
type Bot struct {
	cfg  *Config
	log  *slog.Logger
	api  *slack.Client
	sock *socketmode.Client
	msgr Messenger

	// userID is the bot's own Slack user, resolved by auth.test at
	// startup and used to strip mentions from question text.
	userID string

	envelopes *seenSet // envelope IDs already acked
	answered  *seenSet // channel:ts keys already answered

	inFlight  sync.WaitGroup
	mu        sync.RWMutex
	accepting bool
}

func New(cfg *Config) (*Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid slack bot config: %w", err)
	}
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Bot{
		cfg:       cfg,
		log:       cfg.Logger,
		api:       api,
		sock:      socketmode.New(api),
		msgr:      api,
		envelopes: newSeenSet(seenMaxAge),
		answered:  newSeenSet(seenMaxAge),
		accepting: true,
	}, nil
}

// Run connects to Slack and handles events until ctx ends or Drain is
// called. It returns ctx.Err() on cancellation and nil on drain.
func (b *Bot) Run(ctx context.Context) error {
	auth, err := b.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	b.userID = auth.UserID
	b.log.Info("slack: authenticated", "bot_user", auth.UserID, "team", auth.Team)

	go func() {
		if err := b.sock.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Error("slack: socket client stopped", "error", err)
		}
	}()

	sweep := time.NewTicker(seenSweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("slack: event loop stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-sweep.C:
			b.envelopes.sweep()
			b.answered.sweep()
		case evt, ok := <-b.sock.Events:
			if !ok {
				return nil
			}
			// Draining: leave the event unacked so Slack redelivers it
			// to the next instance.
			if !b.isAccepting() {
				b.log.Info("slack: draining, event left unacked", "event_type", evt.Type)
				return ctx.Err()
			}
			b.handle(evt)
		}
	}
}

// handle routes one socket event. Events API envelopes are acked
// exactly once, before the mention fanout, so a slow answer never
// triggers a redelivery.
func (b *Bot) handle(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.log.Info("slack: connecting")
	case socketmode.EventTypeConnected:
		b.log.Info("slack: connected")
	case socketmode.EventTypeConnectionError:
		b.log.Error("slack: connection error", "error", evt.Data)
	case socketmode.EventTypeEventsAPI:
		e, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			b.log.Warn("slack: unexpected events api payload", "data_type", fmt.Sprintf("%T", evt.Data))
			return
		}
		if evt.Request != nil {
			if id := evt.Request.EnvelopeID; id != "" {
				if !b.envelopes.mark(id) {
					b.log.Info("slack: duplicate envelope skipped",
						"envelope_id", id,
						"retry_attempt", evt.Request.RetryAttempt,
						"retry_reason", evt.Request.RetryReason)
					duplicatesTotal.Inc()
					b.sock.Ack(*evt.Request)
					return
				}
				if evt.Request.RetryAttempt > 0 {
					b.log.Info("slack: handling retried envelope",
						"envelope_id", id,
						"retry_attempt", evt.Request.RetryAttempt,
						"retry_reason", evt.Request.RetryReason)
				}
			}
			b.sock.Ack(*evt.Request)
		}
		b.dispatch(e)
	}
}

// dispatch fans one Events API event out to a worker goroutine when it
// is an app mention this bot should answer.
func (b *Bot) dispatch(e slackevents.EventsAPIEvent) {
	eventsTotal.WithLabelValues(e.InnerEvent.Type).Inc()
	if e.Type != slackevents.CallbackEvent {
		return
	}
	if !b.teamAllowed(e.TeamID) {
		b.log.Warn("slack: mention from disallowed team ignored", "team_id", e.TeamID)
		ignoredTotal.WithLabelValues("team_not_allowed").Inc()
		return
	}
	ev, ok := e.InnerEvent.Data.(*slackevents.AppMentionEvent)
	if !ok {
		return
	}
	if ev.BotID != "" {
		ignoredTotal.WithLabelValues("bot_message").Inc()
		return
	}

	// One answer per message, however many times Slack delivers it.
	key := ev.Channel + ":" + ev.TimeStamp
	if !b.answered.mark(key) {
		b.log.Info("slack: mention already answered", "channel", ev.Channel, "ts", ev.TimeStamp)
		ignoredTotal.WithLabelValues("already_answered").Inc()
		return
	}

	// The answer runs on a background context: cancelling the socket
	// loop must not cut off a reply mid-write. Drain waits on the group.
	b.inFlight.Add(1)
	go func() {
		defer b.inFlight.Done()
		b.answer(context.Background(), ev)
	}()
}

func (b *Bot) teamAllowed(teamID string) bool {
	if len(b.cfg.AllowedTeams) == 0 {
		return true
	}
	for _, id := range b.cfg.AllowedTeams {
		if strings.TrimSpace(id) == teamID {
			return true
		}
	}
	return false
}

// Drain stops accepting new mentions and returns a function that
// blocks until every in-flight answer has posted.
func (b *Bot) Drain() func() {
	b.mu.Lock()
	b.accepting = false
	b.mu.Unlock()
	b.log.Info("slack: draining, new mentions refused")
	return b.inFlight.Wait
}

func (b *Bot) isAccepting() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accepting
}

// seenSet remembers string keys for a bounded time. Slack redelivers
// events on slow acks and reconnects; the set keeps one answer per
// envelope and per message.
type seenSet struct {
	mu     sync.Mutex
	maxAge time.Duration
	seen   map[string]time.Time
}

func newSeenSet(maxAge time.Duration) *seenSet {
	return &seenSet{maxAge: maxAge, seen: make(map[string]time.Time)}
}

// mark records key and reports whether it was new.
func (s *seenSet) mark(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = time.Now()
	return true
}

func (s *seenSet) sweep() {
	cutoff := time.Now().Add(-s.maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, key)
		}
	}
}
