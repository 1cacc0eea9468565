package engine

import (
	"context"
	"log/slog"
)

// definitionsFuture is the single definitions refresh shared by all objects
// of a batch. It starts as soon as the batch does, and every object that
// needs a scan waits on the same result.
type definitionsFuture struct {
	done chan struct{}
	err  error
}

func startDefinitions(ctx context.Context, defs Definitions, log *slog.Logger) *definitionsFuture {
	f := &definitionsFuture{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		status, err := defs.Ensure(ctx)
		if err != nil {
			log.Error("Ensure virus definitions", "err", err)
			f.err = err
			return
		}
		log.Debug("Virus definitions ready", "present", status.Present, "refreshed", status.Refreshed)
	}()
	return f
}

func (f *definitionsFuture) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
