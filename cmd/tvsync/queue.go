package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dshills/tvsync/internal/listener"
	"github.com/dshills/tvsync/internal/media/queue"
	"github.com/dshills/tvsync/internal/plugin/lua"
	"github.com/dshills/tvsync/internal/replica"
	"github.com/dshills/tvsync/internal/schedule"
)

// newQueue creates a queue configured from e. A nil scheduler means real
// time.
func newQueue(e *env, sched schedule.Scheduler) (*queue.Queue, error) {
	cellOpts := []replica.Option{
		replica.WithRetryBackoff(e.cfg.Sync.RetryBackoff.Std()),
		replica.WithImplicitOwnership(e.cfg.Sync.ImplicitOwnership),
	}
	listenerOpts := []listener.Option{
		listener.WithCatchUpDelay(e.cfg.Dispatch.CatchUpDelay.Std()),
	}
	if sched != nil {
		cellOpts = append(cellOpts, replica.WithScheduler(sched))
		listenerOpts = append(listenerOpts, listener.WithScheduler(sched))
	}
	return queue.New(queue.Options{
		Logger:          e.log,
		CellOptions:     cellOpts,
		ListenerOptions: listenerOpts,
	})
}

// loadScripts registers each script as a listener on q. The returned
// function closes them.
func loadScripts(ctx context.Context, e *env, q *queue.Queue, paths []string) (func(), error) {
	var loaded []*lua.Listener
	closeAll := func() {
		for _, ls := range loaded {
			ls.Close()
		}
	}
	for _, path := range paths {
		ls, err := lua.LoadFile(ctx, path, lua.WithLogger(e.log))
		if err != nil {
			closeAll()
			return nil, err
		}
		loaded = append(loaded, ls)
		if _, err := q.Register(ls, listener.Priority(e.cfg.Plugins.Priority)); err != nil {
			closeAll()
			return nil, fmt.Errorf("register %s: %w", ls, err)
		}
	}
	return closeAll, nil
}

// printEntries writes the queue, one entry per line.
func printEntries(w io.Writer, entries []queue.Entry) {
	for i, en := range entries {
		fmt.Fprintf(w, "  %d. %s  %s  (by %s)\n", i+1, en.Title, en.URL, en.AddedBy)
	}
}
