// Package orchestrator runs the sync strategies against the local replica and
// the authoritative remote store.
//
// Every strategy takes the lock coordinator at its priority before touching
// the local store and gives up immediately when the lock is not available.
// Failures come back as a Result. The one exception is sign-out: a strategy
// whose session signs out mid-run unwinds and returns session.ErrSignedOut
// without logging anything.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/dedup"
	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/lock"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/session"
)

// Config holds the orchestrator's thresholds.
type Config struct {
	// IncrementalGapCeiling is the longest gap since the last sync that an
	// incremental sync will bridge before delegating to a full sync.
	IncrementalGapCeiling time.Duration
	// StartupFullThreshold escalates the startup sync to a full sync when the
	// last full sync is older than this.
	StartupFullThreshold time.Duration
	UploadBatchSize      int
}

func DefaultConfig() Config {
	return Config{
		IncrementalGapCeiling: 24 * time.Hour,
		StartupFullThreshold:  12 * time.Hour,
		UploadBatchSize:       200,
	}
}

// Suppressor pauses realtime merging for the duration of a full sync.
type Suppressor interface {
	Suppress() (resume func())
}

type Orchestrator struct {
	local    interfaces.LocalStore
	remote   interfaces.RemoteStore
	ents     interfaces.Entitlements
	lock     *lock.Coordinator
	session  *session.Session
	dedup    *dedup.Resolver
	suppress Suppressor
	tasks    *Tasks
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger
	onMerged func(accountIDs []string)

	startupRan atomic.Bool

	mu   sync.Mutex
	last map[Strategy]Result
}

type Option func(*Orchestrator)

func WithConfig(cfg Config) Option { return func(o *Orchestrator) { o.cfg = cfg } }

func WithEntitlements(e interfaces.Entitlements) Option {
	return func(o *Orchestrator) { o.ents = e }
}

func WithSuppressor(s Suppressor) Option { return func(o *Orchestrator) { o.suppress = s } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithMergeCallback registers fn to be told which accounts a merge touched,
// so readers can re-query.
func WithMergeCallback(fn func(accountIDs []string)) Option {
	return func(o *Orchestrator) { o.onMerged = fn }
}

func New(local interfaces.LocalStore, remote interfaces.RemoteStore, lk *lock.Coordinator, sess *session.Session, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		local:   local,
		remote:  remote,
		lock:    lk,
		session: sess,
		cfg:     DefaultConfig(),
		now:     time.Now,
		log:     zerolog.Nop(),
		last:    make(map[Strategy]Result),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.UploadBatchSize <= 0 {
		o.cfg.UploadBatchSize = DefaultConfig().UploadBatchSize
	}
	o.log = o.log.With().Str("component", "orchestrator").Logger()
	o.dedup = dedup.NewResolver(local, remote, o.log)
	o.tasks = NewTasks(16, o.log)
	return o
}

// Tasks exposes the detached task runner, mainly so tests can wait on it.
func (o *Orchestrator) Tasks() *Tasks { return o.tasks }

// Close cancels detached work.
func (o *Orchestrator) Close() { o.tasks.Close() }

// Status is a snapshot for status surfaces.
type Status struct {
	Holder *lock.Holder        `json:"lock_holder,omitempty"`
	State  models.SyncState    `json:"state"`
	Last   map[Strategy]Result `json:"last"`
}

func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	st, err := o.local.GetSyncState(ctx)
	if err != nil {
		return Status{}, err
	}
	s := Status{State: st, Last: make(map[Strategy]Result)}
	if h, ok := o.lock.Current(); ok {
		s.Holder = &h
	}
	o.mu.Lock()
	for k, v := range o.last {
		s.Last[k] = v
	}
	o.mu.Unlock()
	return s, nil
}

// run is the per-invocation state of a strategy holding the lock.
type run struct {
	owner string
	stats Stats
	o     *Orchestrator
}

// checkpoint stops the strategy when it was preempted or cancelled.
func (r *run) checkpoint(ctx context.Context) error {
	if r.o.lock.WasAborted(r.owner) {
		return ErrAborted
	}
	return ctx.Err()
}

// execute binds ctx to the session, runs pre outside the lock, takes the
// lock at priority p and runs body. pre may return a finished Result to stop
// early without taking the lock.
func (o *Orchestrator) execute(
	ctx context.Context,
	strategy Strategy,
	p lock.Priority,
	pre func(ctx context.Context) (*Result, error),
	body func(ctx context.Context, r *run) error,
) (Result, error) {
	ctx, done := o.session.Bind(ctx)
	defer done()

	started := o.now()
	res := Result{Strategy: strategy, StartedAt: started}
	if o.signedOut(ctx) {
		return res, session.ErrSignedOut
	}

	if pre != nil {
		early, err := pre(ctx)
		if o.signedOut(ctx) {
			return res, session.ErrSignedOut
		}
		if err != nil {
			return o.finish(res, err), nil
		}
		if early != nil {
			early.Strategy, early.StartedAt = strategy, started
			o.record(*early)
			return *early, nil
		}
	}

	owner := lock.NewOwner(string(strategy))
	if !o.lock.Acquire(owner, p) {
		res.Skipped = true
		o.log.Debug().Str("strategy", string(strategy)).Msg("lock busy, not run this cycle")
		o.record(res)
		return res, nil
	}
	defer o.lock.Release(owner)

	r := &run{owner: owner, o: o}
	err := body(ctx, r)
	res.Stats = r.stats
	res.Duration = o.now().Sub(started)
	if o.signedOut(ctx) {
		return res, session.ErrSignedOut
	}
	return o.finish(res, err), nil
}

// signedOut also consults the session directly since the bound context is
// cancelled asynchronously.
func (o *Orchestrator) signedOut(ctx context.Context) bool {
	return session.IsSignedOut(ctx) || o.session.SignedOut()
}

func (o *Orchestrator) finish(res Result, err error) Result {
	res.Err = err
	res.Kind = classify(err)
	res.Success = err == nil
	res.Aborted = errors.Is(err, ErrAborted)

	level := zerolog.InfoLevel
	switch res.Kind {
	case KindConnectivity, KindSubscriptionExpired:
		level = zerolog.WarnLevel
	case KindRejected, KindLocal:
		level = zerolog.ErrorLevel
	}
	o.log.WithLevel(level).Err(err).
		Str("strategy", string(res.Strategy)).
		Bool("success", res.Success).
		Str("kind", res.Kind.String()).
		Int("merged", res.Stats.Merged()).
		Int("uploaded", res.Stats.AccountsUploaded+res.Stats.EntriesUploaded).
		Dur("took", res.Duration).
		Msg("sync finished")
	o.record(res)
	return res
}

func (o *Orchestrator) record(res Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last[res.Strategy] = res
}

func (o *Orchestrator) notifyMerged(ids []string) {
	if o.onMerged == nil || len(ids) == 0 {
		return
	}
	o.onMerged(ids)
}

func (o *Orchestrator) updateState(ctx context.Context, fn func(*models.SyncState)) error {
	st, err := o.local.GetSyncState(ctx)
	if err != nil {
		return err
	}
	fn(&st)
	if st.PendingChanges < 0 {
		st.PendingChanges = 0
	}
	return o.local.SaveSyncState(ctx, st)
}

// batches splits n items into [lo, hi) windows of at most size.
func batches(n, size int) [][2]int {
	var out [][2]int
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}
