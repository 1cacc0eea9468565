package events

import (
	"context"
	"fmt"
	"log/slog"

	"clamgate/internal/engine"

	"github.com/robfig/cron/v3"
)

// DefaultRefreshSchedule is how often the definitions are refreshed.
const DefaultRefreshSchedule = "@every 3h"

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

// RefreshJob submits an event without objects, which refreshes the virus
// definitions.
func RefreshJob(h Handler) Job {
	return func(ctx context.Context) error {
		_, err := h.HandleEvent(ctx, engine.Event{})
		return err
	}
}

// Ticker runs jobs on cron schedules. A run that is still going when its
// next activation comes up causes that activation to be skipped.
type Ticker struct {
	cron *cron.Cron
	ctx  context.Context
}

func NewTicker() *Ticker {
	return &Ticker{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:  context.Background(),
	}
}

// Add schedules job under spec, which accepts the standard five field
// format as well as descriptors such as "@every 3h".
func (t *Ticker) Add(spec string, name string, job Job) error {
	_, err := t.cron.AddFunc(spec, func() {
		slog.Debug("Running scheduled job", "job", name)
		if err := job(t.ctx); err != nil {
			slog.Error("Scheduled job failed", "job", name, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	return nil
}

// Run starts the schedules and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (t *Ticker) Run(ctx context.Context) error {
	t.ctx = ctx
	t.cron.Start()
	<-ctx.Done()
	<-t.cron.Stop().Done()
	return nil
}
