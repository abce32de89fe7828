package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/dshills/tvsync/internal/media/queue"
	"github.com/dshills/tvsync/internal/network/memnet"
	"github.com/dshills/tvsync/internal/replica"
	"github.com/dshills/tvsync/internal/schedule"
)

// Simulated time between two peers' adds within a round.
const simStep = 100 * time.Millisecond

// Rounds of retries run after drops are switched off.
const simSettleRounds = 3

type simPeer struct {
	id    replica.PeerID
	queue *queue.Queue
}

func runSim(ctx context.Context, e *env, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sim", flag.ContinueOnError)
	peers := fs.Int("peers", 3, "Number of peers")
	adds := fs.Int("adds", 5, "Entries each peer adds")
	drop := fs.Float64("drop", 0.2, "Probability of dropping a sync frame")
	seed := fs.Int64("seed", 1, "Random seed for drops")
	scripts := stringList(append([]string(nil), e.cfg.Plugins.Scripts...))
	fs.Var(&scripts, "script", "Lua listener script loaded on every peer (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *peers < 1 {
		return errors.New("-peers must be at least 1")
	}
	if *drop < 0 || *drop >= 1 {
		return errors.New("-drop must be in [0, 1)")
	}

	rng := rand.New(rand.NewSource(*seed))
	sched := schedule.NewManual(time.Unix(0, 0))
	room := memnet.NewRoom(
		memnet.WithLogger(e.log),
		memnet.WithScheduler(sched),
		memnet.WithDropFunc(func(memnet.Delivery) bool { return rng.Float64() < *drop }),
	)

	var members []simPeer
	byID := make(map[replica.PeerID]*queue.Queue)
	for i := 0; i < *peers; i++ {
		id := replica.PeerID(fmt.Sprintf("peer%d", i+1))
		q, closeScripts, err := joinSim(ctx, e, room, sched, id, scripts)
		if err != nil {
			return err
		}
		defer q.Close()
		defer closeScripts()
		members = append(members, simPeer{id: id, queue: q})
		byID[id] = q
	}

	backoff := e.cfg.Sync.RetryBackoff.Std()
	for round := 1; round <= *adds; round++ {
		for i, m := range members {
			url := fmt.Sprintf("https://media.example/%d/%d", i+1, round)
			title := fmt.Sprintf("%s #%d", m.id, round)
			if _, err := m.queue.Add(ctx, url, title); err != nil {
				e.log.Warn("%s add: %v", m.id, err)
			}
			sched.Advance(simStep)
		}
		room.Flush(ctx)
		sched.Advance(backoff)
		room.Flush(ctx)
	}

	room.SetDropFunc(nil)
	for i := 0; i < simSettleRounds; i++ {
		sched.Advance(backoff)
		room.Flush(ctx)
	}
	owner := room.Owner(queue.CellName)
	if q, ok := byID[owner]; ok {
		if err := q.Sync(ctx); err != nil {
			return fmt.Errorf("final sync from %s: %w", owner, err)
		}
		room.Flush(ctx)
	}

	converged := true
	first := members[0].queue.Entries()
	for _, m := range members {
		entries := m.queue.Entries()
		marker := ""
		if m.id == owner {
			marker = " (owner)"
		}
		fmt.Fprintf(stdout, "%s%s %v, %d entries\n", m.id, marker, m.queue.Revision(), len(entries))
		printEntries(stdout, entries)
		if !sameEntries(first, entries) {
			converged = false
		}
	}

	st := room.Stats()
	fmt.Fprintf(stdout, "sent=%d failed=%d delivered=%d dropped=%d ownership_changes=%d ownership_denied=%d\n",
		st.Sent, st.Failed, st.Delivered, st.Dropped, st.OwnershipChanges, st.OwnershipDenied)
	fmt.Fprintf(stdout, "converged: %t\n", converged)
	return nil
}

// joinSim adds a peer with its own queue and script instances to room.
func joinSim(ctx context.Context, e *env, room *memnet.Room, sched schedule.Scheduler, id replica.PeerID, scripts []string) (*queue.Queue, func(), error) {
	p, err := room.Join(id)
	if err != nil {
		return nil, nil, err
	}
	q, err := newQueue(e, sched)
	if err != nil {
		return nil, nil, err
	}
	att, err := p.Attach(q.Cell())
	if err == nil {
		err = q.Bind(att)
	}
	if err != nil {
		q.Close()
		return nil, nil, err
	}
	closeScripts, err := loadScripts(ctx, e, q, scripts)
	if err != nil {
		q.Close()
		return nil, nil, err
	}
	q.Start(ctx)
	return q, closeScripts, nil
}

func sameEntries(a, b []queue.Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
