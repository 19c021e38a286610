package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const DefaultRefreshInterval = 15 * time.Minute

// RefreshWorkerConfig configures a RefreshWorker.
type RefreshWorkerConfig struct {
	Logger   *slog.Logger
	Trainer  *Trainer
	Target   Target
	Interval time.Duration
}

func (c *RefreshWorkerConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Trainer == nil {
		return fmt.Errorf("trainer is required")
	}
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if c.Interval == 0 {
		c.Interval = DefaultRefreshInterval
	}
	return nil
}

// RefreshWorker re-checks one connection's schema on an interval and
// re-trains when it drifted. EnsureTrained already diffs, so an
// unchanged schema costs one introspection per tick.
type RefreshWorker struct {
	cfg *RefreshWorkerConfig
	log *slog.Logger
}

func NewRefreshWorker(cfg *RefreshWorkerConfig) (*RefreshWorker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid refresh worker config: %w", err)
	}
	return &RefreshWorker{cfg: cfg, log: cfg.Logger}, nil
}

// Run blocks until ctx is cancelled, training once immediately and then
// once per interval.
func (w *RefreshWorker) Run(ctx context.Context) {
	if _, err := w.cfg.Trainer.EnsureTrained(ctx, w.cfg.Target); err != nil {
		w.log.Error("refresh: initial training failed", "error", err)
	}

	ticker := w.cfg.Trainer.cfg.Clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := w.cfg.Trainer.EnsureTrained(ctx, w.cfg.Target); err != nil {
				w.log.Error("refresh: training failed", "error", err)
			}
		}
	}
}
