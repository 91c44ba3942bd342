package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sheikh-saqib/offline-ledger-sync/internal/ledger"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/lock"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
)

var zeroTime time.Time

// IncrementalSync downloads rows modified since the last sync. When there is
// no last sync, or the gap exceeds the configured ceiling, it does not run
// and reports Delegated so the caller can run a full sync instead.
func (o *Orchestrator) IncrementalSync(ctx context.Context) (Result, error) {
	var since time.Time
	pre := func(ctx context.Context) (*Result, error) {
		st, err := o.local.GetSyncState(ctx)
		if err != nil {
			return nil, err
		}
		if st.LastSyncTime.IsZero() || o.now().Sub(st.LastSyncTime) > o.cfg.IncrementalGapCeiling {
			o.log.Info().Time("last_sync", st.LastSyncTime).Msg("incremental gap too large, delegating to full sync")
			return &Result{Delegated: true}, nil
		}
		since = st.LastSyncTime
		return nil, nil
	}
	return o.execute(ctx, StrategyIncremental, lock.Medium, pre, func(ctx context.Context, r *run) error {
		return o.incrementalSync(ctx, r, since)
	})
}

func (o *Orchestrator) incrementalSync(ctx context.Context, r *run, since time.Time) error {
	syncStart := o.now()

	accounts, err := o.remote.FetchAccounts(ctx, since)
	if err != nil {
		return fmt.Errorf("download accounts since %s: %w", since.Format(time.RFC3339), err)
	}
	written, err := o.mergeAccounts(ctx, r, accounts)
	if err != nil {
		return err
	}
	entries, err := o.remote.FetchEntries(ctx, since)
	if err != nil {
		return fmt.Errorf("download ledger entries since %s: %w", since.Format(time.RFC3339), err)
	}
	touched, err := o.mergeEntries(ctx, r, entries)
	if err != nil {
		return err
	}

	for _, id := range touched {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		rc, err := ledger.RecomputeAccount(ctx, o.local, id)
		if err != nil {
			return fmt.Errorf("recompute account %s: %w", id, err)
		}
		if rc.Changed() {
			r.stats.BalancesRecomputed++
		}
	}

	if err := o.updateState(ctx, func(st *models.SyncState) {
		st.LastSyncTime = syncStart
	}); err != nil {
		return fmt.Errorf("persist sync state: %w", err)
	}
	o.notifyMerged(union(written, touched))
	return nil
}

// SmartStartupSync runs once per process. It escalates to a full sync when
// the replica is empty or the last full sync is older than the startup
// threshold, and otherwise runs an incremental sync, escalating if that
// delegates.
func (o *Orchestrator) SmartStartupSync(ctx context.Context) (Result, error) {
	if !o.startupRan.CompareAndSwap(false, true) {
		return Result{Strategy: StrategySmart, Skipped: true, StartedAt: o.now()}, nil
	}

	escalate, err := o.needsFullAtStartup(ctx)
	if err != nil {
		res := o.finish(Result{Strategy: StrategySmart, StartedAt: o.now()}, err)
		return res, nil
	}

	var res Result
	if escalate {
		res, err = o.FullSync(ctx)
	} else {
		res, err = o.IncrementalSync(ctx)
		if err == nil && res.Delegated {
			res, err = o.FullSync(ctx)
		}
	}
	if err != nil {
		return res, err
	}
	smart := res
	smart.EscalatedTo = res.Strategy
	smart.Strategy = StrategySmart
	o.record(smart)
	return smart, nil
}

func (o *Orchestrator) needsFullAtStartup(ctx context.Context) (bool, error) {
	accounts, err := o.local.ListAccounts(ctx)
	if err != nil {
		return false, err
	}
	if len(accounts) == 0 {
		return true, nil
	}
	st, err := o.local.GetSyncState(ctx)
	if err != nil {
		return false, err
	}
	return st.LastFullSyncTime.IsZero() || o.now().Sub(st.LastFullSyncTime) > o.cfg.StartupFullThreshold, nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
