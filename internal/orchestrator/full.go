package orchestrator

import (
	"context"
	"fmt"

	"github.com/sheikh-saqib/offline-ledger-sync/internal/ledger"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/lock"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/merge"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
)

// FullSync reconciles both collections completely: duplicate resolution,
// upload of every local row, remote remap, download of every remote row and
// recomputation of every balance. Realtime merging is suppressed throughout.
func (o *Orchestrator) FullSync(ctx context.Context) (Result, error) {
	return o.execute(ctx, StrategyFull, lock.Low, o.checkSubscription, o.fullSync)
}

func (o *Orchestrator) checkSubscription(ctx context.Context) (*Result, error) {
	if o.ents == nil {
		return nil, nil
	}
	active, err := o.ents.SubscriptionActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription: %w", err)
	}
	if !active {
		return nil, ErrSubscriptionExpired
	}
	return nil, nil
}

func (o *Orchestrator) fullSync(ctx context.Context, r *run) error {
	if o.suppress != nil {
		resume := o.suppress.Suppress()
		defer resume()
	}
	syncStart := o.now()

	remaps, _, err := o.dedup.ResolveLocal(ctx)
	r.stats.DuplicatesResolved = len(remaps)
	if err != nil {
		return fmt.Errorf("resolve duplicates: %w", err)
	}
	if err := r.checkpoint(ctx); err != nil {
		return err
	}

	if err := o.uploadAll(ctx, r); err != nil {
		return err
	}

	applied, err := o.dedup.ApplyRemote(ctx)
	r.stats.RemapsApplied = applied
	if err != nil {
		return fmt.Errorf("apply remote remaps: %w", err)
	}
	if err := r.checkpoint(ctx); err != nil {
		return err
	}

	accounts, err := o.remote.FetchAccounts(ctx, zeroTime)
	if err != nil {
		return fmt.Errorf("download accounts: %w", err)
	}
	if _, err := o.mergeAccounts(ctx, r, accounts); err != nil {
		return err
	}
	entries, err := o.remote.FetchEntries(ctx, zeroTime)
	if err != nil {
		return fmt.Errorf("download ledger entries: %w", err)
	}
	if _, err := o.mergeEntries(ctx, r, entries); err != nil {
		return err
	}

	recomputed, err := ledger.RecomputeAll(ctx, o.local, r.checkpoint)
	if err != nil {
		return fmt.Errorf("recompute balances: %w", err)
	}
	touched := make([]string, 0, len(recomputed))
	for _, rc := range recomputed {
		if rc.Changed() {
			r.stats.BalancesRecomputed++
		}
		touched = append(touched, rc.AccountID)
	}

	pending, err := o.countUnsynced(ctx)
	if err != nil {
		return err
	}
	if err := o.updateState(ctx, func(st *models.SyncState) {
		st.LastSyncTime = syncStart
		st.LastFullSyncTime = syncStart
		st.PendingChanges = pending
	}); err != nil {
		return fmt.Errorf("persist sync state: %w", err)
	}
	o.notifyMerged(touched)
	return nil
}

// uploadAll upserts every local account, then every local entry, in batches.
func (o *Orchestrator) uploadAll(ctx context.Context, r *run) error {
	accounts, err := o.local.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, b := range batches(len(accounts), o.cfg.UploadBatchSize) {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		chunk := accounts[b[0]:b[1]]
		if err := o.remote.UpsertAccounts(ctx, chunk); err != nil {
			return fmt.Errorf("upload accounts: %w", err)
		}
		for _, a := range chunk {
			if err := o.local.MarkAccountSynced(ctx, a.ID); err != nil {
				return err
			}
		}
		r.stats.AccountsUploaded += len(chunk)
	}

	parents := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		parents[a.ID] = true
	}
	all, err := o.local.GetLedgerEntries(ctx)
	if err != nil {
		return err
	}
	entries := all[:0:0]
	for _, e := range all {
		if !parents[e.AccountID] {
			o.log.Warn().Str("entry_id", e.ID).Str("account_id", e.AccountID).Msg("ledger entry without local account not uploaded")
			continue
		}
		entries = append(entries, e)
	}
	for _, b := range batches(len(entries), o.cfg.UploadBatchSize) {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		chunk := entries[b[0]:b[1]]
		if err := o.remote.UpsertEntries(ctx, chunk); err != nil {
			return fmt.Errorf("upload ledger entries: %w", err)
		}
		for _, e := range chunk {
			if err := o.local.MarkEntrySynced(ctx, e.ID); err != nil {
				return err
			}
		}
		r.stats.EntriesUploaded += len(chunk)
	}
	return nil
}

func (o *Orchestrator) countUnsynced(ctx context.Context) (int, error) {
	accounts, err := o.local.ListUnsyncedAccounts(ctx)
	if err != nil {
		return 0, err
	}
	entries, err := o.local.ListUnsyncedEntries(ctx)
	if err != nil {
		return 0, err
	}
	return len(accounts) + len(entries), nil
}

// mergeAccounts applies downloaded account rows and returns the ids it wrote.
func (o *Orchestrator) mergeAccounts(ctx context.Context, r *run, rows []models.Account) ([]string, error) {
	var written []string
	for _, row := range rows {
		if err := r.checkpoint(ctx); err != nil {
			return written, err
		}
		out, err := merge.Account(ctx, o.local, row)
		if err != nil {
			return written, fmt.Errorf("merge account %s: %w", row.ID, err)
		}
		switch out {
		case merge.Inserted:
			r.stats.AccountsInserted++
		case merge.Updated:
			r.stats.AccountsUpdated++
		}
		if out != merge.Skipped {
			written = append(written, row.ID)
		}
	}
	return written, nil
}

// mergeEntries applies downloaded entry rows and returns the accounts whose
// entry set changed.
func (o *Orchestrator) mergeEntries(ctx context.Context, r *run, rows []models.LedgerEntry) ([]string, error) {
	touched := make(map[string]struct{})
	var order []string
	for _, row := range rows {
		if err := r.checkpoint(ctx); err != nil {
			return order, err
		}
		out, err := merge.Entry(ctx, o.local, row)
		if err != nil {
			return order, fmt.Errorf("merge ledger entry %s: %w", row.ID, err)
		}
		switch out {
		case merge.Inserted:
			r.stats.EntriesInserted++
			if _, ok := touched[row.AccountID]; !ok {
				touched[row.AccountID] = struct{}{}
				order = append(order, row.AccountID)
			}
		case merge.Orphaned:
			r.stats.OrphansDropped++
			o.log.Info().Str("entry_id", row.ID).Str("account_id", row.AccountID).Msg("dropping orphan ledger entry")
		default:
			r.stats.EntriesSkipped++
		}
	}
	return order, nil
}
