// Package realtime applies pushed row changes to the local replica.
//
// Events go through the same merge rules as downloads and take the lock at
// MEDIUM priority. An event is dropped when the lock is busy or while a full
// sync has merging suppressed; the next poll-based sync reconciles it.
package realtime

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/ledger"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/lock"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/merge"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models/events"
)

// Outcome describes what Handle did with one event.
type Outcome string

const (
	Applied    Outcome = "applied"
	Suppressed Outcome = "suppressed"
	LockBusy   Outcome = "lock_busy"
	Ignored    Outcome = "ignored"
)

type Listener struct {
	local    interfaces.LocalStore
	lock     *lock.Coordinator
	feed     interfaces.ChangeFeed
	userID   string
	log      zerolog.Logger
	onMerged func(accountIDs []string)

	suppressed atomic.Int32
	applied    atomic.Int64
	dropped    atomic.Int64
}

type Option func(*Listener)

func WithLogger(l zerolog.Logger) Option { return func(ls *Listener) { ls.log = l } }

// WithMergeCallback registers fn to be told which accounts an event touched.
func WithMergeCallback(fn func(accountIDs []string)) Option {
	return func(ls *Listener) { ls.onMerged = fn }
}

// New builds a listener for userID. feed may be nil when only Handle is used.
func New(local interfaces.LocalStore, lk *lock.Coordinator, feed interfaces.ChangeFeed, userID string, opts ...Option) *Listener {
	l := &Listener{
		local:  local,
		lock:   lk,
		feed:   feed,
		userID: userID,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With().Str("component", "realtime").Logger()
	return l
}

// Suppress drops events until the returned func is called. Calls nest.
func (l *Listener) Suppress() func() {
	l.suppressed.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			l.suppressed.Add(-1)
		}
	}
}

func (l *Listener) Suppressed() bool { return l.suppressed.Load() > 0 }

// Counts reports how many events were applied and dropped so far.
func (l *Listener) Counts() (applied, dropped int64) {
	return l.applied.Load(), l.dropped.Load()
}

// Run consumes the change feed until ctx is done or the feed closes.
func (l *Listener) Run(ctx context.Context) error {
	if l.feed == nil {
		return fmt.Errorf("realtime: no change feed configured")
	}
	ch, err := l.feed.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to change feed: %w", err)
	}
	l.log.Info().Str("user_id", l.userID).Msg("listening for remote changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := l.Handle(ctx, ev); err != nil {
				l.log.Error().Err(err).Str("table", ev.Table).Str("event", string(ev.EventType)).Msg("apply remote change")
			}
		}
	}
}

// Handle applies one event.
func (l *Listener) Handle(ctx context.Context, ev events.ChangeEvent) (Outcome, error) {
	if ev.UserID != "" && ev.UserID != l.userID {
		return Ignored, nil
	}
	if err := ev.Validate(); err != nil {
		l.dropped.Add(1)
		return Ignored, err
	}
	if l.Suppressed() {
		l.dropped.Add(1)
		l.log.Debug().Str("table", ev.Table).Msg("merging suppressed, event dropped")
		return Suppressed, nil
	}

	owner := lock.NewOwner("realtime")
	if !l.lock.Acquire(owner, lock.Medium) {
		l.dropped.Add(1)
		l.log.Debug().Str("table", ev.Table).Msg("lock busy, event dropped")
		return LockBusy, nil
	}
	defer l.lock.Release(owner)

	var (
		touched string
		err     error
	)
	switch ev.Table {
	case events.TableAccounts:
		touched, err = l.applyAccount(ctx, ev)
	case events.TableLedgerEntries:
		touched, err = l.applyEntry(ctx, ev)
	}
	if err != nil {
		return Ignored, err
	}
	l.applied.Add(1)
	if touched != "" && l.onMerged != nil {
		l.onMerged([]string{touched})
	}
	return Applied, nil
}

func (l *Listener) applyAccount(ctx context.Context, ev events.ChangeEvent) (string, error) {
	row, err := ev.DecodeAccount()
	if err != nil {
		return "", err
	}
	var out merge.Outcome
	if ev.EventType == events.Delete {
		out, err = merge.DeleteAccount(ctx, l.local, row.ID)
	} else {
		out, err = merge.Account(ctx, l.local, row)
	}
	if err != nil {
		return "", fmt.Errorf("merge account %s: %w", row.ID, err)
	}
	switch out {
	case merge.Skipped:
		return "", nil
	case merge.Retained:
		l.log.Info().Str("account_id", row.ID).Msg("deleted account still has local entries, kept for the next full sync")
		return "", nil
	}
	return row.ID, nil
}

// applyEntry recomputes the parent balance only for inserts. Updates and
// deletes rely on the source device's account update event that follows.
func (l *Listener) applyEntry(ctx context.Context, ev events.ChangeEvent) (string, error) {
	row, err := ev.DecodeEntry()
	if err != nil {
		return "", err
	}
	var out merge.Outcome
	if ev.EventType == events.Delete {
		out, err = merge.DeleteEntry(ctx, l.local, row.ID)
	} else {
		out, err = merge.Entry(ctx, l.local, row)
	}
	if err != nil {
		return "", fmt.Errorf("merge ledger entry %s: %w", row.ID, err)
	}
	switch out {
	case merge.Orphaned:
		l.log.Info().Str("entry_id", row.ID).Str("account_id", row.AccountID).Msg("dropping orphan ledger entry")
		return "", nil
	case merge.Skipped:
		return "", nil
	}
	if ev.EventType == events.Insert {
		if _, err := ledger.RecomputeAccount(ctx, l.local, row.AccountID); err != nil {
			return "", fmt.Errorf("recompute account %s: %w", row.AccountID, err)
		}
	}
	return row.AccountID, nil
}
