package ledger

import (
	"context"
	"sort"

	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
	"github.com/shopspring/decimal"
)

// Fold orders entries by (date, creation order) and computes the running
// balance after each one. Increases add, decreases subtract, and the running
// value is clamped at zero after every step. The input is not modified.
func Fold(entries []models.LedgerEntry) ([]models.LedgerEntry, decimal.Decimal) {
	ordered := make([]models.LedgerEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	balance := decimal.Zero
	for i := range ordered {
		balance = models.ClampBalance(balance.Add(ordered[i].Signed()))
		ordered[i].BalanceAfter = balance
	}
	return ordered, balance
}

// Recomputation reports what a recompute pass wrote.
type Recomputation struct {
	AccountID      string
	Total          decimal.Decimal
	EntriesChanged int
	AccountChanged bool
}

// Changed reports whether any row was written.
func (r Recomputation) Changed() bool {
	return r.AccountChanged || r.EntriesChanged > 0
}

// RecomputeAccount rewrites balance_after for every entry of the account and
// its total_balance. Rows whose derived value is already correct are left
// untouched, so a second run on an unchanged entry set writes nothing.
func RecomputeAccount(ctx context.Context, store interfaces.LocalStore, accountID string) (Recomputation, error) {
	res := Recomputation{AccountID: accountID}

	entries, err := store.GetEntriesByAccount(ctx, accountID)
	if err != nil {
		return res, err
	}
	folded, total := Fold(entries)
	res.Total = total

	current := make(map[string]decimal.Decimal, len(entries))
	for _, e := range entries {
		current[e.ID] = e.BalanceAfter
	}
	for _, e := range folded {
		if current[e.ID].Equal(e.BalanceAfter) {
			continue
		}
		if err := store.UpdateEntry(ctx, e); err != nil {
			return res, err
		}
		res.EntriesChanged++
	}

	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return res, err
	}
	if account == nil || account.TotalBalance.Equal(total) {
		return res, nil
	}
	account.TotalBalance = total
	if err := store.UpdateAccount(ctx, *account); err != nil {
		return res, err
	}
	res.AccountChanged = true
	return res, nil
}

// RecomputeAll runs RecomputeAccount for every local account. check runs
// before each account and stops the pass on error; nil checks only ctx.
func RecomputeAll(ctx context.Context, store interfaces.LocalStore, check func(context.Context) error) ([]Recomputation, error) {
	if check == nil {
		check = func(ctx context.Context) error { return ctx.Err() }
	}
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Recomputation, 0, len(accounts))
	for _, a := range accounts {
		if err := check(ctx); err != nil {
			return out, err
		}
		r, err := RecomputeAccount(ctx, store, a.ID)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}
