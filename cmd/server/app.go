package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/config"
	kafkaevents "github.com/sheikh-saqib/offline-ledger-sync/internal/events/kafka"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/events/pgnotify"
	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/ledger"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/lock"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/orchestrator"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/realtime"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/scheduler"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/session"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/storage/memory"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/storage/postgres"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/storage/sqlite"
)

// app is one device's sync engine wired from configuration.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	local    *sqlite.SQLiteLedgerStore
	session  *session.Session
	lock     *lock.Coordinator
	orch     *orchestrator.Orchestrator
	ledger   *ledger.Ledger
	sched    *scheduler.Scheduler
	listener *realtime.Listener // nil when CHANGE_FEED=none

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (_ *app, err error) {
	if cfg.UserID == "" {
		return nil, errors.New("LEDGER_USER_ID is required")
	}
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.local, err = sqlite.Open(cfg.LocalDBPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	a.closers = append(a.closers, a.local.Close)

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		if db, err = sql.Open("postgres", cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("open remote store: %w", err)
		}
		a.closers = append(a.closers, db.Close)
	}

	var pub interfaces.EventPublisher
	switch cfg.ChangeFeed {
	case "kafka":
		p := kafkaevents.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, p.Close)
		pub = p
	case "pgnotify":
		pub = pgnotify.NewPublisher(db, cfg.PGNotifyChannel)
	}

	var remote interface {
		interfaces.RemoteStore
		interfaces.Entitlements
	}
	if db != nil {
		store := postgres.NewPostgresLedgerStore(db, cfg.UserID, pub)
		if err = store.Migrate(ctx); err != nil {
			// An unreachable remote is normal for an offline device.
			log.Warn().Err(err).Msg("remote schema migration skipped")
			err = nil
		}
		remote = store
	} else {
		log.Warn().Msg("DATABASE_URL not set, syncing against an in-process remote")
		backend := memory.NewRemoteBackend()
		backend.Publisher = pub
		remote = backend.Scoped(cfg.UserID)
	}

	var feed interfaces.ChangeFeed
	switch cfg.ChangeFeed {
	case "kafka":
		feed = kafkaevents.NewSubscriber(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, cfg.UserID, log)
	case "pgnotify":
		feed = pgnotify.NewListener(cfg.DatabaseURL, cfg.PGNotifyChannel, cfg.UserID, log)
	}

	a.session = session.New(cfg.UserID)
	a.lock = lock.New(lock.WithLogger(log))

	opts := []orchestrator.Option{
		orchestrator.WithConfig(orchestrator.Config{
			IncrementalGapCeiling: cfg.IncrementalGapCeiling,
			StartupFullThreshold:  cfg.StartupFullThreshold,
		}),
		orchestrator.WithEntitlements(remote),
		orchestrator.WithLogger(log),
	}
	if feed != nil {
		a.listener = realtime.New(a.local, a.lock, feed, cfg.UserID, realtime.WithLogger(log))
		opts = append(opts, orchestrator.WithSuppressor(a.listener))
	}
	a.orch = orchestrator.New(a.local, remote, a.lock, a.session, opts...)
	a.closers = append(a.closers, func() error { a.orch.Close(); return nil })

	a.ledger = ledger.NewLedger(a.local, ledger.ShortIDs{}, a.orch, log)
	a.sched = scheduler.New(a.orch, a.lock, a.local,
		scheduler.WithConfig(scheduler.Config{
			FastInterval:      cfg.FastInterval,
			SlowInterval:      cfg.SlowInterval,
			FullSyncThreshold: cfg.FullSyncThreshold,
			LockStaleTimeout:  cfg.LockStaleTimeout,
			EmptyBackoffAfter: cfg.EmptyBackoffAfter,
			MaxStretch:        cfg.MaxIntervalStretch,
		}),
		scheduler.WithLogger(log),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// drainTaskErrors logs failures of detached quick syncs until ctx is done.
func (a *app) drainTaskErrors(ctx context.Context) {
	errs := a.orch.Tasks().Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case te, ok := <-errs:
			if !ok {
				return
			}
			a.log.Error().Err(te.Err).Str("task", te.Name).Msg("background sync task failed")
		}
	}
}
