package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dshills/tvsync/internal/network/wsnet"
)

func runHub(ctx context.Context, e *env, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("hub", flag.ContinueOnError)
	listen := fs.String("listen", e.cfg.Network.Listen, "Address to listen on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	hub := wsnet.NewHub(wsnet.WithHubLogger(e.log))
	srv := &http.Server{
		Addr:              *listen,
		Handler:           hub,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	e.log.Info("hub listening on %s", *listen)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", *listen, err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			e.log.Warn("shutdown: %v", err)
		}
	}

	st := hub.Stats()
	fmt.Fprintf(stdout, "relayed=%d acked=%d nacked=%d ownership_changes=%d ownership_denied=%d\n",
		st.Relayed, st.Acked, st.Nacked, st.OwnershipChanges, st.OwnershipDenied)
	return nil
}
