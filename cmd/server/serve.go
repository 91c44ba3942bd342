package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/httpapi"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/session"
)

type serveCmd struct {
	addr        string
	skipStartup bool
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the sync engine and the local HTTP API" }
func (*serveCmd) Usage() string {
	return `serve [-addr <host:port>] [-skip-startup]

  Runs the startup sync, then keeps the device in sync in the background:
  the scheduler polls the remote store, the change feed merges pushed rows
  and the HTTP API serves balances, edits and manual sync triggers.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "listen address, overrides HTTP_ADDR")
	f.BoolVar(&c.skipStartup, "skip-startup", false, "do not run the startup sync")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, log, err := setup(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	addr := a.cfg.HTTPAddr
	if c.addr != "" {
		addr = c.addr
	}

	if !c.skipStartup {
		res, err := a.orch.SmartStartupSync(ctx)
		if err != nil {
			return fail(err)
		}
		log.Info().
			Str("strategy", string(res.Strategy)).
			Str("escalated_to", string(res.EscalatedTo)).
			Bool("success", res.Success).
			Str("error", res.Message()).
			Msg("startup sync finished")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.drainTaskErrors(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := a.sched.Run(ctx); errors.Is(err, session.ErrSignedOut) {
			log.Info().Msg("signed out, scheduler stopped")
		} else if err != nil {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}()
	if a.listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.listener.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("change feed stopped, relying on scheduled syncs")
			}
		}()
	}

	api := httpapi.New(a.ledger, a.orch, a.sched, log)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("starting server")
	err = srv.ListenAndServe()
	stop()
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fail(err)
	}
	return subcommands.ExitSuccess
}
