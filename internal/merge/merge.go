// Package merge applies remote rows to the local replica. The rules are shared
// by poll-based downloads and push notifications:
//
//   - an unknown account is inserted, a known one is overwritten unless it
//     carries a local edit that has not been uploaded yet;
//   - an unknown ledger entry is inserted only when its account exists
//     locally, otherwise it is dropped as an orphan;
//   - a known ledger entry is never updated in place;
//   - a deleted account is kept while local entries still reference it.
//
// Callers own balance recomputation for the accounts reported as touched.
package merge

import (
	"context"

	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
)

type Outcome int

const (
	Skipped Outcome = iota
	Inserted
	Updated
	Deleted
	Orphaned
	Retained
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case Orphaned:
		return "orphaned"
	case Retained:
		return "retained"
	default:
		return "skipped"
	}
}

// Account merges one remote account row.
func Account(ctx context.Context, store interfaces.LocalStore, row models.Account) (Outcome, error) {
	row.SyncedToCloud = true
	row.TotalBalance = models.ClampBalance(row.TotalBalance)

	existing, err := store.GetAccount(ctx, row.ID)
	if err != nil {
		return Skipped, err
	}
	if existing == nil {
		return Inserted, store.InsertAccount(ctx, row)
	}
	if !existing.SyncedToCloud {
		return Skipped, nil
	}
	return Updated, store.UpdateAccount(ctx, row)
}

// Entry merges one remote ledger entry row.
func Entry(ctx context.Context, store interfaces.LocalStore, row models.LedgerEntry) (Outcome, error) {
	existing, err := store.GetEntry(ctx, row.ID)
	if err != nil {
		return Skipped, err
	}
	if existing != nil {
		return Skipped, nil
	}
	parent, err := store.GetAccount(ctx, row.AccountID)
	if err != nil {
		return Skipped, err
	}
	if parent == nil {
		return Orphaned, nil
	}
	row.SyncedToCloud = true
	row.Date = models.Day(row.Date)
	row.BalanceAfter = models.ClampBalance(row.BalanceAfter)
	return Inserted, store.InsertEntry(ctx, row)
}

// DeleteAccount removes a local account row if present. An account that still
// has local entries is kept: the next full sync's duplicate resolution moves
// them to the canonical account and removes the row then.
func DeleteAccount(ctx context.Context, store interfaces.LocalStore, id string) (Outcome, error) {
	existing, err := store.GetAccount(ctx, id)
	if err != nil || existing == nil {
		return Skipped, err
	}
	entries, err := store.GetEntriesByAccount(ctx, id)
	if err != nil {
		return Skipped, err
	}
	if len(entries) > 0 {
		return Retained, nil
	}
	return Deleted, store.DeleteAccount(ctx, id)
}

// DeleteEntry removes a local ledger entry row if present.
func DeleteEntry(ctx context.Context, store interfaces.LocalStore, id string) (Outcome, error) {
	existing, err := store.GetEntry(ctx, id)
	if err != nil || existing == nil {
		return Skipped, err
	}
	return Deleted, store.DeleteEntry(ctx, id)
}
