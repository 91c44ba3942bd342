// Package scheduler decides when the orchestrator runs. It polls only while
// the app is in the foreground, polls faster on fast connectivity, stretches
// its interval after repeated syncs that merged nothing, and runs one pass
// immediately when the app resumes.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/lock"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/orchestrator"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/session"
)

// Syncer is the part of the orchestrator the scheduler drives.
type Syncer interface {
	FullSync(ctx context.Context) (orchestrator.Result, error)
	IncrementalSync(ctx context.Context) (orchestrator.Result, error)
	OfflineRecoverySync(ctx context.Context) (orchestrator.Result, error)
}

type Connectivity int

const (
	Offline Connectivity = iota
	Slow
	Fast
)

func (c Connectivity) String() string {
	switch c {
	case Slow:
		return "slow"
	case Fast:
		return "fast"
	default:
		return "offline"
	}
}

type Config struct {
	FastInterval      time.Duration
	SlowInterval      time.Duration
	FullSyncThreshold time.Duration
	LockStaleTimeout  time.Duration
	// EmptyBackoffAfter consecutive empty syncs start stretching the interval.
	EmptyBackoffAfter int
	MaxStretch        int
}

func DefaultConfig() Config {
	return Config{
		FastInterval:      30 * time.Second,
		SlowInterval:      2 * time.Minute,
		FullSyncThreshold: 6 * time.Hour,
		LockStaleTimeout:  5 * time.Minute,
		EmptyBackoffAfter: 5,
		MaxStretch:        4,
	}
}

// Decision records what a tick did.
type Decision string

const (
	DecisionBackground  Decision = "background"
	DecisionOffline     Decision = "offline"
	DecisionLockHeld    Decision = "lock_held"
	DecisionIncremental Decision = "incremental"
	DecisionFull        Decision = "full"
)

type TickReport struct {
	Decision  Decision
	Recovered bool
	Result    orchestrator.Result
}

type Scheduler struct {
	sync  Syncer
	lock  *lock.Coordinator
	state interfaces.StateStore
	cfg   Config
	now   func() time.Time
	log   zerolog.Logger

	mu              sync.Mutex
	foreground      bool
	conn            Connectivity
	failures        int
	empty           int
	recoveryPending bool

	kick    chan struct{}
	restart chan struct{}
}

type Option func(*Scheduler)

func WithConfig(cfg Config) Option { return func(s *Scheduler) { s.cfg = cfg } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(s *Scheduler) { s.log = l } }

// New returns a foreground scheduler on fast connectivity.
func New(syncer Syncer, lk *lock.Coordinator, state interfaces.StateStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		sync:       syncer,
		lock:       lk,
		state:      state,
		cfg:        DefaultConfig(),
		now:        time.Now,
		log:        zerolog.Nop(),
		foreground: true,
		conn:       Fast,
		kick:       make(chan struct{}, 1),
		restart:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "scheduler").Logger()
	return s
}

// Interval is the current polling interval. Zero means no polling.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.foreground {
		return 0
	}
	base := s.cfg.SlowInterval
	if s.conn == Fast {
		base = s.cfg.FastInterval
	}
	return base * time.Duration(s.stretch())
}

func (s *Scheduler) stretch() int {
	if s.cfg.EmptyBackoffAfter <= 0 || s.empty < s.cfg.EmptyBackoffAfter {
		return 1
	}
	factor := 1
	for i := s.cfg.EmptyBackoffAfter; i <= s.empty && factor < s.cfg.MaxStretch; i++ {
		factor *= 2
	}
	return min(factor, max(s.cfg.MaxStretch, 1))
}

// SetForeground records the app lifecycle. Resuming from the background
// triggers an immediate pass.
func (s *Scheduler) SetForeground(fg bool) {
	s.mu.Lock()
	resumed := fg && !s.foreground
	s.foreground = fg
	s.mu.Unlock()

	if resumed {
		s.signal(s.kick)
	} else {
		s.signal(s.restart)
	}
}

// SetConnectivity records the connectivity class and restarts the timer.
// Coming back online schedules an offline recovery pass.
func (s *Scheduler) SetConnectivity(c Connectivity) {
	s.mu.Lock()
	prev := s.conn
	s.conn = c
	online := prev == Offline && c != Offline
	if online {
		s.recoveryPending = true
	}
	s.mu.Unlock()

	if prev == c {
		return
	}
	s.log.Info().Stringer("from", prev).Stringer("to", c).Msg("connectivity changed")
	if online {
		s.signal(s.kick)
		return
	}
	s.signal(s.restart)
}

func (s *Scheduler) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Tick runs one scheduling decision. The only error it returns is
// session.ErrSignedOut.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	s.mu.Lock()
	fg, conn, recovery := s.foreground, s.conn, s.recoveryPending
	if fg && conn == Offline {
		s.failures++
	}
	s.mu.Unlock()

	var rep TickReport
	if !fg {
		rep.Decision = DecisionBackground
		return rep, nil
	}
	if conn == Offline {
		rep.Decision = DecisionOffline
		return rep, nil
	}

	if recovery {
		res, err := s.sync.OfflineRecoverySync(ctx)
		if err != nil {
			return rep, err
		}
		if res.Success {
			rep.Recovered = true
			s.mu.Lock()
			s.recoveryPending = false
			s.mu.Unlock()
		}
	}

	if s.lock.IsHeld() {
		if !s.lock.IsStale(s.cfg.LockStaleTimeout) {
			rep.Decision = DecisionLockHeld
			return rep, nil
		}
		s.lock.ForceRelease("held past stale timeout")
	}

	st, err := s.state.GetSyncState(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("read sync state")
		return rep, nil
	}

	if st.LastFullSyncTime.IsZero() || s.now().Sub(st.LastFullSyncTime) >= s.cfg.FullSyncThreshold {
		rep.Decision = DecisionFull
		rep.Result, err = s.sync.FullSync(ctx)
	} else {
		rep.Decision = DecisionIncremental
		rep.Result, err = s.sync.IncrementalSync(ctx)
		if err == nil && !rep.Result.Success && !rep.Result.Skipped {
			s.log.Debug().Str("kind", rep.Result.Kind.String()).Bool("delegated", rep.Result.Delegated).
				Msg("incremental did not complete, falling back to full sync")
			rep.Decision = DecisionFull
			rep.Result, err = s.sync.FullSync(ctx)
		}
	}
	if err != nil {
		return rep, err
	}
	s.observe(rep.Result)
	return rep, nil
}

func (s *Scheduler) observe(res orchestrator.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case res.Skipped:
	case res.Success:
		s.failures = 0
		if res.Stats.Merged() == 0 {
			s.empty++
		} else {
			s.empty = 0
		}
	default:
		s.failures++
	}
}

// Run polls until ctx is done or the session signs out.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if d := s.Interval(); d > 0 {
			timer = time.NewTimer(d)
			fire = timer.C
		}

		tick := false
		select {
		case <-ctx.Done():
		case <-fire:
			tick = true
		case <-s.kick:
			tick = true
		case <-s.restart:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return nil
		}
		if !tick {
			continue
		}

		rep, err := s.Tick(ctx)
		if errors.Is(err, session.ErrSignedOut) {
			return err
		}
		s.log.Debug().Str("decision", string(rep.Decision)).Bool("success", rep.Result.Success).
			Dur("next", s.Interval()).Msg("tick")
	}
}

// Snapshot is the scheduler's state for status surfaces.
type Snapshot struct {
	Foreground   bool          `json:"foreground"`
	Connectivity string        `json:"connectivity"`
	Failures     int           `json:"consecutive_failures"`
	EmptySyncs   int           `json:"consecutive_empty_syncs"`
	Interval     time.Duration `json:"interval"`
}

func (s *Scheduler) Snapshot() Snapshot {
	interval := s.Interval()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Foreground:   s.foreground,
		Connectivity: s.conn.String(),
		Failures:     s.failures,
		EmptySyncs:   s.empty,
		Interval:     interval,
	}
}
