package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sheikh-saqib/offline-ledger-sync/internal/lock"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/session"
)

// QuickSync uploads the single entity a local edit touched. For a ledger
// entry the parent account is uploaded too, carrying the new derived balance.
// On success a trailing incremental sync is submitted as a detached task.
func (o *Orchestrator) QuickSync(ctx context.Context, p models.QuickPayload) (Result, error) {
	res, err := o.execute(ctx, StrategyQuick, lock.High, nil, func(ctx context.Context, r *run) error {
		switch p.Kind {
		case models.KindAccount:
			return o.quickAccount(ctx, r, p)
		case models.KindEntry:
			return o.quickEntry(ctx, r, p)
		default:
			return fmt.Errorf("quick sync: unknown entity kind %q", p.Kind)
		}
	})
	if err == nil && res.Success {
		o.tasks.Go("incremental-after-quick", o.trailingIncremental)
	}
	return res, err
}

// SubmitQuickSync runs QuickSync as a detached task. It never blocks the caller.
func (o *Orchestrator) SubmitQuickSync(p models.QuickPayload) {
	o.tasks.Go("quick-sync", func(ctx context.Context) error {
		res, err := o.QuickSync(ctx, p)
		if err != nil {
			return err
		}
		if !res.Success && !res.Skipped {
			return res.Err
		}
		return nil
	})
}

func (o *Orchestrator) trailingIncremental(ctx context.Context) error {
	res, err := o.IncrementalSync(ctx)
	if errors.Is(err, session.ErrSignedOut) {
		return nil
	}
	if err != nil {
		return err
	}
	if !res.Success && !res.Skipped && !res.Delegated {
		return res.Err
	}
	return nil
}

func (o *Orchestrator) quickAccount(ctx context.Context, r *run, p models.QuickPayload) error {
	a, err := o.local.GetAccount(ctx, p.ID)
	if err != nil {
		return err
	}
	row := accountFromPayload(p, a)
	if err := o.remote.UpsertAccounts(ctx, []models.Account{row}); err != nil {
		return fmt.Errorf("upload account %s: %w", row.ID, err)
	}
	r.stats.AccountsUploaded++
	return o.confirm(ctx, r, a, nil)
}

func (o *Orchestrator) quickEntry(ctx context.Context, r *run, p models.QuickPayload) error {
	e, err := o.local.GetEntry(ctx, p.ID)
	if err != nil {
		return err
	}
	row, err := entryFromPayload(p, e)
	if err != nil {
		return err
	}

	// The parent goes first so the remote foreign key is satisfied.
	parent, err := o.local.GetAccount(ctx, row.AccountID)
	if err != nil {
		return err
	}
	if parent != nil {
		acc := *parent
		if p.DerivedBalance != nil {
			acc.TotalBalance = models.ClampBalance(*p.DerivedBalance)
		}
		if err := o.remote.UpsertAccounts(ctx, []models.Account{acc}); err != nil {
			return fmt.Errorf("upload parent account %s: %w", acc.ID, err)
		}
		r.stats.AccountsUploaded++
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
	}

	if err := o.remote.UpsertEntries(ctx, []models.LedgerEntry{row}); err != nil {
		return fmt.Errorf("upload ledger entry %s: %w", row.ID, err)
	}
	r.stats.EntriesUploaded++
	return o.confirm(ctx, r, parent, e)
}

// confirm marks uploaded rows synced and counts them off pending_changes.
func (o *Orchestrator) confirm(ctx context.Context, r *run, a *models.Account, e *models.LedgerEntry) error {
	confirmed := 0
	if a != nil {
		if err := o.local.MarkAccountSynced(ctx, a.ID); err != nil {
			return err
		}
		if !a.SyncedToCloud {
			confirmed++
		}
	}
	if e != nil {
		if err := o.local.MarkEntrySynced(ctx, e.ID); err != nil {
			return err
		}
		if !e.SyncedToCloud {
			confirmed++
		}
	}
	r.stats.RowsConfirmed += confirmed
	return o.updateState(ctx, func(st *models.SyncState) { st.PendingChanges -= confirmed })
}

// accountFromPayload prefers the full local row; the payload only fills in
// for a row that is no longer present locally.
func accountFromPayload(p models.QuickPayload, local *models.Account) models.Account {
	if local != nil {
		row := *local
		if p.DerivedBalance != nil {
			row.TotalBalance = models.ClampBalance(*p.DerivedBalance)
		}
		return row
	}
	row := models.Account{
		ID:        p.ID,
		DisplayID: p.DisplayID,
		Name:      p.Fields["name"],
		Phone:     p.Fields["phone"],
		Address:   p.Fields["address"],
	}
	if p.DerivedBalance != nil {
		row.TotalBalance = models.ClampBalance(*p.DerivedBalance)
	}
	return row
}

func entryFromPayload(p models.QuickPayload, local *models.LedgerEntry) (models.LedgerEntry, error) {
	if local != nil {
		return *local, nil
	}
	typ, err := models.ParseEntryType(p.Fields["type"])
	if err != nil {
		return models.LedgerEntry{}, err
	}
	date, err := time.Parse(time.DateOnly, p.Fields["date"])
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("quick sync entry %s: bad date: %w", p.ID, err)
	}
	return models.LedgerEntry{
		ID:        p.ID,
		DisplayID: p.DisplayID,
		AccountID: p.AccountID,
		Date:      date,
		Type:      typ,
		Amount:    models.DecimalFromString(p.Fields["amount"]),
		Note:      p.Fields["note"],
	}, nil
}

// OfflineRecoverySync uploads every row not yet confirmed remotely and marks
// each one confirmed.
func (o *Orchestrator) OfflineRecoverySync(ctx context.Context) (Result, error) {
	return o.execute(ctx, StrategyOfflineRecovery, lock.High, nil, o.offlineRecovery)
}

func (o *Orchestrator) offlineRecovery(ctx context.Context, r *run) error {
	accounts, err := o.local.ListUnsyncedAccounts(ctx)
	if err != nil {
		return err
	}
	entries, err := o.local.ListUnsyncedEntries(ctx)
	if err != nil {
		return err
	}

	parents, err := o.parentsOf(ctx, entries, accounts)
	if err != nil {
		return err
	}
	for _, b := range batches(len(parents), o.cfg.UploadBatchSize) {
		chunk := parents[b[0]:b[1]]
		if err := o.remote.UpsertAccounts(ctx, chunk); err != nil {
			return fmt.Errorf("upload parent accounts: %w", err)
		}
		r.stats.AccountsUploaded += len(chunk)
	}

	for _, b := range batches(len(accounts), o.cfg.UploadBatchSize) {
		chunk := accounts[b[0]:b[1]]
		if err := o.remote.UpsertAccounts(ctx, chunk); err != nil {
			return fmt.Errorf("upload unconfirmed accounts: %w", err)
		}
		r.stats.AccountsUploaded += len(chunk)
		for _, a := range chunk {
			if err := o.local.MarkAccountSynced(ctx, a.ID); err != nil {
				return err
			}
			r.stats.RowsConfirmed++
		}
	}
	for _, b := range batches(len(entries), o.cfg.UploadBatchSize) {
		chunk := entries[b[0]:b[1]]
		if err := o.remote.UpsertEntries(ctx, chunk); err != nil {
			return fmt.Errorf("upload unconfirmed ledger entries: %w", err)
		}
		r.stats.EntriesUploaded += len(chunk)
		for _, e := range chunk {
			if err := o.local.MarkEntrySynced(ctx, e.ID); err != nil {
				return err
			}
			r.stats.RowsConfirmed++
		}
	}

	confirmed := r.stats.RowsConfirmed
	return o.updateState(ctx, func(st *models.SyncState) { st.PendingChanges -= confirmed })
}

// parentsOf returns the already confirmed parents of entries. Their
// total_balance moved with the unconfirmed entries and the remote foreign key
// needs them in place before the entries.
func (o *Orchestrator) parentsOf(ctx context.Context, entries []models.LedgerEntry, unconfirmed []models.Account) ([]models.Account, error) {
	seen := make(map[string]bool, len(unconfirmed))
	for _, a := range unconfirmed {
		seen[a.ID] = true
	}
	var parents []models.Account
	for _, e := range entries {
		if seen[e.AccountID] {
			continue
		}
		seen[e.AccountID] = true
		a, err := o.local.GetAccount(ctx, e.AccountID)
		if err != nil {
			return nil, err
		}
		if a != nil {
			parents = append(parents, *a)
		}
	}
	return parents, nil
}
