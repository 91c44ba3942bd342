package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sheikh-saqib/offline-ledger-sync/internal/ledger"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *SQLiteLedgerStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	updated := time.Date(2024, 5, 1, 10, 30, 0, 123, time.UTC)

	a := models.Account{
		ID: "acc", DisplayID: "AC-1", Name: "Asha", Phone: "+15550100",
		TotalBalance: decimal.RequireFromString("12.50"), UpdatedAt: updated,
	}
	require.NoError(t, s.InsertAccount(ctx, a))
	assert.Error(t, s.InsertAccount(ctx, a), "duplicate primary key")

	got, err := s.GetAccount(ctx, "acc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Asha", got.Name)
	assert.True(t, a.TotalBalance.Equal(got.TotalBalance))
	assert.True(t, updated.Equal(got.UpdatedAt))
	assert.False(t, got.SyncedToCloud)

	byDisplay, err := s.FindAccountByDisplayID(ctx, "AC-1")
	require.NoError(t, err)
	require.NotNil(t, byDisplay)
	assert.Equal(t, "acc", byDisplay.ID)

	missing, err := s.GetAccount(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	got.TotalBalance = decimal.NewFromInt(-5)
	require.NoError(t, s.UpdateAccount(ctx, *got))
	got, _ = s.GetAccount(ctx, "acc")
	assert.True(t, got.TotalBalance.IsZero(), "negative balances are clamped")

	assert.Error(t, s.UpdateAccount(ctx, models.Account{ID: "nope"}))

	unsynced, err := s.ListUnsyncedAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, unsynced, 1)
	require.NoError(t, s.MarkAccountSynced(ctx, "acc"))
	unsynced, err = s.ListUnsyncedAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	require.NoError(t, s.DeleteAccount(ctx, "acc"))
	got, err = s.GetAccount(ctx, "acc")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEntriesOrderAndReassign(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertAccount(ctx, models.Account{ID: "acc"}))

	insert := func(id string, day int, typ models.EntryType, amount int64, created time.Time) {
		require.NoError(t, s.InsertEntry(ctx, models.LedgerEntry{
			ID: id, AccountID: "acc", Date: time.Date(2024, 4, day, 15, 0, 0, 0, time.UTC),
			Type: typ, Amount: decimal.NewFromInt(amount), CreatedAt: created,
		}))
	}
	insert("c", 3, models.EntryIncrease, 10, base)
	insert("b", 2, models.EntryDecrease, 30, base.Add(time.Second))
	insert("a", 1, models.EntryIncrease, 100, base.Add(500*time.Millisecond))

	rc, err := ledger.RecomputeAccount(ctx, s, "acc")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(80).Equal(rc.Total))

	entries, err := s.GetEntriesByAccount(ctx, "acc")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	var ids []string
	var balances []int64
	for _, e := range entries {
		ids = append(ids, e.ID)
		balances = append(balances, e.BalanceAfter.IntPart())
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, []int64{100, 70, 80}, balances)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), entries[0].Date)

	require.NoError(t, s.MarkEntrySynced(ctx, "a"))
	moved, err := s.ReassignEntries(ctx, "acc", "acc-2")
	require.NoError(t, err)
	assert.Equal(t, 3, moved)
	unsynced, err := s.ListUnsyncedEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, unsynced, 3, "moved entries need uploading")

	e, err := s.GetEntry(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "acc-2", e.AccountID)

	require.NoError(t, s.DeleteEntry(ctx, "a"))
	all, err := s.GetLedgerEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSyncStateAndRemaps(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	st, err := s.GetSyncState(ctx)
	require.NoError(t, err)
	assert.True(t, st.LastSyncTime.IsZero())

	last := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveSyncState(ctx, models.SyncState{LastSyncTime: last, PendingChanges: -3}))
	st, err = s.GetSyncState(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(st.LastSyncTime))
	assert.True(t, st.LastFullSyncTime.IsZero())
	assert.Zero(t, st.PendingChanges)

	require.NoError(t, s.SaveRemap(ctx, models.IDRemap{OldID: "b", NewID: "a", RecordedAt: last}))
	require.NoError(t, s.SaveRemap(ctx, models.IDRemap{OldID: "c", NewID: "a", RecordedAt: last.Add(time.Minute)}))
	remaps, err := s.ListRemaps(ctx)
	require.NoError(t, err)
	require.Len(t, remaps, 2)
	assert.Equal(t, "b", remaps[0].OldID)

	require.NoError(t, s.DeleteRemap(ctx, "b"))
	remaps, err = s.ListRemaps(ctx)
	require.NoError(t, err)
	assert.Len(t, remaps, 1)
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.InsertAccount(ctx, models.Account{ID: "acc"}))
	full := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveSyncState(ctx, models.SyncState{LastFullSyncTime: full}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	st, err := s.GetSyncState(ctx)
	require.NoError(t, err)
	assert.True(t, full.Equal(st.LastFullSyncTime))
	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}
