package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/dshills/tvsync/internal/listener"
	"github.com/dshills/tvsync/internal/media/queue"
	"github.com/dshills/tvsync/internal/network/wsnet"
	"github.com/dshills/tvsync/internal/replica"
)

func runJoin(ctx context.Context, e *env, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	hubURL := fs.String("hub", e.cfg.Network.Hub, "Hub URL")
	id := fs.String("id", "", "Peer ID (random when empty)")
	scripts := stringList(append([]string(nil), e.cfg.Plugins.Scripts...))
	fs.Var(&scripts, "script", "Lua listener script (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: tvsync join [options] [url...]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := wsnet.Dial(ctx, *hubURL, replica.PeerID(*id),
		wsnet.WithClientLogger(e.log),
		wsnet.WithRequestTimeout(e.cfg.Network.RequestTimeout.Std()))
	if err != nil {
		return err
	}
	defer client.Close()

	q, err := newQueue(e, nil)
	if err != nil {
		return err
	}
	defer q.Close()

	closeScripts, err := loadScripts(ctx, e, q, scripts)
	if err != nil {
		return err
	}
	defer closeScripts()

	q.Register(&listener.Funcs{
		Name: "printer",
		OnEvent: func(ctx context.Context, ev listener.Event) error {
			if ev != queue.EventChanged {
				return nil
			}
			fmt.Fprintf(stdout, "queue (%d) at %v:\n", q.Len(), q.Revision())
			printEntries(stdout, q.Entries())
			return nil
		},
	}, listener.PriorityMax)

	if _, err := client.Attach(ctx, q.Attachable()); err != nil {
		return err
	}
	q.Start(ctx)
	fmt.Fprintf(stdout, "joined %s as %s\n", *hubURL, client.ID())

	for _, u := range fs.Args() {
		if _, err := q.Add(ctx, u, u); err != nil {
			e.log.Warn("add %s: %v", u, err)
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case <-client.Done():
		return client.Err()
	}
}
