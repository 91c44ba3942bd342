package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/ledger"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/lock"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/session"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/storage/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const user = "owner-1"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type device struct {
	local *memory.MemoryLedgerStore
	lock  *lock.Coordinator
	sess  *session.Session
	orch  *Orchestrator
}

func newDevice(t *testing.T, backend *memory.RemoteBackend, clk *clock, opts ...Option) *device {
	t.Helper()
	d := &device{
		local: memory.NewMemoryLedgerStore(),
		lock:  lock.New(lock.WithClock(clk.Now)),
		sess:  session.New(user),
	}
	remote := backend.Scoped(user)
	opts = append([]Option{WithClock(clk.Now), WithEntitlements(remote)}, opts...)
	d.orch = New(d.local, remote, d.lock, d.sess, opts...)
	t.Cleanup(d.orch.Close)
	return d
}

func (d *device) addAccount(t *testing.T, id, phone string) {
	t.Helper()
	require.NoError(t, d.local.InsertAccount(context.Background(), models.Account{ID: id, Name: id, Phone: phone}))
}

func (d *device) addEntry(t *testing.T, id, accountID string, day int, typ models.EntryType, amount int64, created time.Time) {
	t.Helper()
	require.NoError(t, d.local.InsertEntry(context.Background(), models.LedgerEntry{
		ID:        id,
		AccountID: accountID,
		Date:      time.Date(2024, 4, day, 0, 0, 0, 0, time.UTC),
		Type:      typ,
		Amount:    decimal.NewFromInt(amount),
		CreatedAt: created,
	}))
}

func (d *device) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	a, err := d.local.GetAccount(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a, "account %s missing locally", id)
	return a.TotalBalance
}

func newBackend(clk *clock) *memory.RemoteBackend {
	b := memory.NewRemoteBackend()
	b.Now = clk.Now
	return b
}

func TestFullSyncRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	backend := newBackend(clk)
	backend.PutAccount(user, models.Account{ID: "remote-acc", Name: "remote"})
	backend.PutEntry(user, models.LedgerEntry{ID: "r1", AccountID: "remote-acc", Date: clk.Now(), Type: models.EntryIncrease, Amount: decimal.NewFromInt(40)})
	backend.PutEntry(user, models.LedgerEntry{ID: "orphan", AccountID: "nobody", Date: clk.Now(), Type: models.EntryIncrease, Amount: decimal.NewFromInt(1)})

	d := newDevice(t, backend, clk)
	d.addAccount(t, "local-acc", "")
	// Created out of date order: +10 on day 3, -30 on day 2, +100 on day 1.
	d.addEntry(t, "l3", "local-acc", 3, models.EntryIncrease, 10, clk.Now())
	d.addEntry(t, "l2", "local-acc", 2, models.EntryDecrease, 30, clk.Now().Add(time.Second))
	d.addEntry(t, "l1", "local-acc", 1, models.EntryIncrease, 100, clk.Now().Add(2*time.Second))

	res, err := d.orch.FullSync(ctx)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message())

	assert.Equal(t, 1, res.Stats.AccountsUploaded)
	assert.Equal(t, 3, res.Stats.EntriesUploaded)
	assert.Equal(t, 1, res.Stats.AccountsInserted)
	assert.Equal(t, 1, res.Stats.EntriesInserted)
	assert.Equal(t, 1, res.Stats.OrphansDropped)

	assert.True(t, decimal.NewFromInt(80).Equal(d.balance(t, "local-acc")))
	assert.True(t, decimal.NewFromInt(40).Equal(d.balance(t, "remote-acc")))

	entries, err := d.local.GetEntriesByAccount(ctx, "local-acc")
	require.NoError(t, err)
	var got []int64
	for _, e := range entries {
		got = append(got, e.BalanceAfter.IntPart())
	}
	assert.Equal(t, []int64{100, 70, 80}, got)

	st, err := d.local.GetSyncState(ctx)
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), st.LastSyncTime)
	assert.Equal(t, clk.Now(), st.LastFullSyncTime)
	assert.Zero(t, st.PendingChanges)

	assert.Len(t, backend.Accounts(user), 2)
	assert.False(t, d.lock.IsHeld())
}

func TestDuplicateAccountsConvergeAcrossDevices(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*memory.RemoteBackend, *device, *device) {
		clk := newClock()
		backend := newBackend(clk)
		a := newDevice(t, backend, clk)
		b := newDevice(t, backend, clk)
		a.addAccount(t, "acc-A", "+1 555 0100")
		a.addEntry(t, "eA", "acc-A", 1, models.EntryIncrease, 100, clk.Now())
		b.addAccount(t, "acc-B", "+15550100")
		b.addEntry(t, "eB", "acc-B", 2, models.EntryIncrease, 50, clk.Now())
		return backend, a, b
	}

	assertCanonical := func(t *testing.T, backend *memory.RemoteBackend) {
		accounts := backend.Accounts(user)
		require.Len(t, accounts, 1)
		assert.Equal(t, "acc-A", accounts[0].ID)
		entries := backend.Entries(user)
		require.Len(t, entries, 2)
		for _, e := range entries {
			assert.Equal(t, "acc-A", e.AccountID, "entry %s", e.ID)
		}
	}

	t.Run("first device synced first", func(t *testing.T) {
		backend, a, b := setup(t)

		for _, d := range []*device{a, b} {
			res, err := d.orch.FullSync(ctx)
			require.NoError(t, err)
			require.True(t, res.Success, res.Message())
		}
		assertCanonical(t, backend)

		res, err := a.orch.FullSync(ctx)
		require.NoError(t, err)
		require.True(t, res.Success, res.Message())
		assert.True(t, decimal.NewFromInt(150).Equal(a.balance(t, "acc-A")))
		assert.True(t, decimal.NewFromInt(150).Equal(b.balance(t, "acc-A")))

		gone, err := b.local.GetAccount(ctx, "acc-B")
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("both devices uploaded before resolving", func(t *testing.T) {
		backend, a, b := setup(t)
		for _, d := range []*device{a, b} {
			res, err := d.orch.OfflineRecoverySync(ctx)
			require.NoError(t, err)
			require.True(t, res.Success, res.Message())
		}
		require.Len(t, backend.Accounts(user), 2)

		for _, d := range []*device{a, b} {
			res, err := d.orch.FullSync(ctx)
			require.NoError(t, err)
			require.True(t, res.Success, res.Message())
		}
		assertCanonical(t, backend)

		// Device A still holds the stale copy it downloaded; its next full sync folds it in.
		res, err := a.orch.FullSync(ctx)
		require.NoError(t, err)
		require.True(t, res.Success, res.Message())
		assert.Equal(t, 1, res.Stats.DuplicatesResolved)
		assertCanonical(t, backend)

		accounts, err := a.local.ListAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.True(t, decimal.NewFromInt(150).Equal(a.balance(t, "acc-A")))
	})
}

func TestIncrementalSync(t *testing.T) {
	ctx := context.Background()

	t.Run("delegates when never synced", func(t *testing.T) {
		clk := newClock()
		d := newDevice(t, newBackend(clk), clk)
		res, err := d.orch.IncrementalSync(ctx)
		require.NoError(t, err)
		assert.True(t, res.Delegated)
		assert.False(t, res.Success)
	})

	t.Run("delegates when gap exceeds ceiling", func(t *testing.T) {
		clk := newClock()
		backend := newBackend(clk)
		calls := 0
		backend.OnCall = func(string) { calls++ }
		d := newDevice(t, backend, clk, WithConfig(Config{IncrementalGapCeiling: time.Hour}))
		require.NoError(t, d.local.SaveSyncState(ctx, models.SyncState{LastSyncTime: clk.Now().Add(-2 * time.Hour)}))

		res, err := d.orch.IncrementalSync(ctx)
		require.NoError(t, err)
		assert.True(t, res.Delegated)
		assert.Zero(t, calls, "no remote call when delegating")
		assert.False(t, d.lock.IsHeld())
	})

	t.Run("merges only rows changed since last sync", func(t *testing.T) {
		clk := newClock()
		backend := newBackend(clk)
		backend.PutAccount(user, models.Account{ID: "old", Name: "old"})
		clk.Advance(time.Minute)
		d := newDevice(t, backend, clk)
		require.NoError(t, d.local.InsertAccount(ctx, models.Account{ID: "acc", SyncedToCloud: true}))
		require.NoError(t, d.local.SaveSyncState(ctx, models.SyncState{LastSyncTime: clk.Now()}))

		clk.Advance(time.Minute)
		backend.PutEntry(user, models.LedgerEntry{ID: "e1", AccountID: "acc", Date: clk.Now(), Type: models.EntryIncrease, Amount: decimal.NewFromInt(25)})

		var merged []string
		d.orch.onMerged = func(ids []string) { merged = ids }
		res, err := d.orch.IncrementalSync(ctx)
		require.NoError(t, err)
		require.True(t, res.Success, res.Message())

		assert.Equal(t, 0, res.Stats.AccountsInserted, "account older than last sync is not downloaded")
		assert.Equal(t, 1, res.Stats.EntriesInserted)
		assert.Equal(t, 1, res.Stats.BalancesRecomputed)
		assert.True(t, decimal.NewFromInt(25).Equal(d.balance(t, "acc")))
		assert.Equal(t, []string{"acc"}, merged)

		old, err := d.local.GetAccount(ctx, "old")
		require.NoError(t, err)
		assert.Nil(t, old)

		st, err := d.local.GetSyncState(ctx)
		require.NoError(t, err)
		assert.Equal(t, clk.Now(), st.LastSyncTime)
	})
}

func TestSmartStartupSync(t *testing.T) {
	ctx := context.Background()

	t.Run("empty replica escalates to full", func(t *testing.T) {
		clk := newClock()
		d := newDevice(t, newBackend(clk), clk)
		res, err := d.orch.SmartStartupSync(ctx)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, StrategySmart, res.Strategy)
		assert.Equal(t, StrategyFull, res.EscalatedTo)

		again, err := d.orch.SmartStartupSync(ctx)
		require.NoError(t, err)
		assert.True(t, again.Skipped, "runs once per process")
	})

	t.Run("recent full sync runs incremental", func(t *testing.T) {
		clk := newClock()
		d := newDevice(t, newBackend(clk), clk)
		d.addAccount(t, "acc", "")
		require.NoError(t, d.local.SaveSyncState(ctx, models.SyncState{
			LastSyncTime:     clk.Now().Add(-time.Minute),
			LastFullSyncTime: clk.Now().Add(-time.Hour),
		}))
		res, err := d.orch.SmartStartupSync(ctx)
		require.NoError(t, err)
		assert.True(t, res.Success, res.Message())
		assert.Equal(t, StrategyIncremental, res.EscalatedTo)
	})

	t.Run("stale full sync escalates", func(t *testing.T) {
		clk := newClock()
		d := newDevice(t, newBackend(clk), clk)
		d.addAccount(t, "acc", "")
		require.NoError(t, d.local.SaveSyncState(ctx, models.SyncState{
			LastSyncTime:     clk.Now().Add(-time.Minute),
			LastFullSyncTime: clk.Now().Add(-48 * time.Hour),
		}))
		res, err := d.orch.SmartStartupSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, StrategyFull, res.EscalatedTo)
	})
}

func TestQuickSyncUploadsEntryAndParent(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	backend := newBackend(clk)
	d := newDevice(t, backend, clk)
	d.addAccount(t, "acc", "")
	d.addEntry(t, "e1", "acc", 1, models.EntryIncrease, 70, clk.Now())
	require.NoError(t, d.local.SaveSyncState(ctx, models.SyncState{PendingChanges: 2, LastSyncTime: clk.Now()}))

	balance := decimal.NewFromInt(70)
	res, err := d.orch.QuickSync(ctx, models.QuickPayload{Kind: models.KindEntry, ID: "e1", AccountID: "acc", DerivedBalance: &balance})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message())
	assert.Equal(t, 1, res.Stats.EntriesUploaded)
	assert.Equal(t, 1, res.Stats.AccountsUploaded)

	accounts := backend.Accounts(user)
	require.Len(t, accounts, 1)
	assert.True(t, balance.Equal(accounts[0].TotalBalance))
	require.Len(t, backend.Entries(user), 1)

	st, err := d.local.GetSyncState(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.PendingChanges)

	d.orch.Tasks().Wait()
	status, err := d.orch.Status(ctx)
	require.NoError(t, err)
	trailing, ok := status.Last[StrategyIncremental]
	require.True(t, ok, "trailing incremental sync was submitted")
	assert.True(t, trailing.Success, trailing.Message())
}

func TestSubmitQuickSyncReportsFailureOnErrorChannel(t *testing.T) {
	clk := newClock()
	backend := newBackend(clk)
	d := newDevice(t, backend, clk)
	d.addAccount(t, "acc", "")
	backend.FailNext("UpsertAccounts", interfaces.ErrRejected)

	d.orch.SubmitQuickSync(models.QuickPayload{Kind: models.KindAccount, ID: "acc"})
	d.orch.Tasks().Wait()

	select {
	case te := <-d.orch.Tasks().Errors():
		assert.Equal(t, "quick-sync", te.Name)
		assert.ErrorIs(t, te.Err, interfaces.ErrRejected)
	default:
		t.Fatal("expected a task error")
	}
}

func TestOfflineRecoveryConfirmsRows(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	backend := newBackend(clk)
	d := newDevice(t, backend, clk)
	d.addAccount(t, "acc", "")
	d.addEntry(t, "e1", "acc", 1, models.EntryIncrease, 5, clk.Now())
	d.addEntry(t, "e2", "acc", 2, models.EntryIncrease, 5, clk.Now())
	require.NoError(t, d.local.MarkEntrySynced(ctx, "e2"))
	require.NoError(t, d.local.SaveSyncState(ctx, models.SyncState{PendingChanges: 2}))

	res, err := d.orch.OfflineRecoverySync(ctx)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message())
	assert.Equal(t, 2, res.Stats.RowsConfirmed)
	assert.Len(t, backend.Entries(user), 1)

	unsynced, err := d.local.ListUnsyncedEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
	st, err := d.local.GetSyncState(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.PendingChanges)
}

func TestFailureSemantics(t *testing.T) {
	ctx := context.Background()

	t.Run("lock contention skips silently", func(t *testing.T) {
		clk := newClock()
		d := newDevice(t, newBackend(clk), clk)
		require.True(t, d.lock.Acquire("someone", lock.High))

		res, err := d.orch.FullSync(ctx)
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Nil(t, res.Err)
	})

	t.Run("connectivity failure is typed", func(t *testing.T) {
		clk := newClock()
		backend := newBackend(clk)
		d := newDevice(t, backend, clk)
		backend.SetOffline(true)

		d.addAccount(t, "acc", "")
		res, err := d.orch.OfflineRecoverySync(ctx)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, KindConnectivity, res.Kind)
		assert.False(t, d.lock.IsHeld())
	})

	t.Run("remote rejection aborts the full sync pipeline", func(t *testing.T) {
		clk := newClock()
		backend := newBackend(clk)
		var ops []string
		backend.OnCall = func(op string) { ops = append(ops, op) }
		d := newDevice(t, backend, clk)
		d.addAccount(t, "acc", "")
		backend.FailNext("UpsertAccounts", interfaces.ErrRejected)

		res, err := d.orch.FullSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, KindRejected, res.Kind)
		assert.NotContains(t, ops, "FetchAccounts")

		st, err := d.local.GetSyncState(ctx)
		require.NoError(t, err)
		assert.True(t, st.LastSyncTime.IsZero())
	})

	t.Run("expired subscription refuses full sync only", func(t *testing.T) {
		clk := newClock()
		backend := newBackend(clk)
		backend.SetSubscriptionExpired(user, true)
		d := newDevice(t, backend, clk)
		d.addAccount(t, "acc", "")

		res, err := d.orch.FullSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, KindSubscriptionExpired, res.Kind)
		assert.False(t, d.lock.IsHeld())

		res, err = d.orch.OfflineRecoverySync(ctx)
		require.NoError(t, err)
		assert.True(t, res.Success, res.Message())
	})

	t.Run("sign-out cancels without a failure result", func(t *testing.T) {
		clk := newClock()
		backend := newBackend(clk)
		d := newDevice(t, backend, clk)
		d.addAccount(t, "acc", "")
		backend.OnCall = func(op string) {
			if op == "FetchAccounts" {
				d.sess.SignOut()
			}
		}

		_, err := d.orch.FullSync(ctx)
		assert.ErrorIs(t, err, session.ErrSignedOut)
		assert.False(t, d.lock.IsHeld())

		_, err = d.orch.IncrementalSync(ctx)
		assert.ErrorIs(t, err, session.ErrSignedOut)
	})

	t.Run("preemption aborts a running full sync", func(t *testing.T) {
		clk := newClock()
		backend := newBackend(clk)
		d := newDevice(t, backend, clk)
		d.addAccount(t, "acc", "")
		d.addEntry(t, "e1", "acc", 1, models.EntryIncrease, 5, clk.Now())
		var once sync.Once
		backend.OnCall = func(op string) {
			if op == "UpsertEntries" {
				once.Do(func() { require.True(t, d.lock.Acquire("quick", lock.High)) })
			}
		}

		res, err := d.orch.FullSync(ctx)
		require.NoError(t, err)
		assert.True(t, res.Aborted)
		assert.Equal(t, KindAborted, res.Kind)

		h, ok := d.lock.Current()
		require.True(t, ok)
		assert.Equal(t, "quick", h.Owner, "preempting holder keeps the lock")
	})
}

type recordingSuppressor struct {
	mu         sync.Mutex
	suppressed bool
	calls      int
}

func (s *recordingSuppressor) Suppress() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressed = true
	s.calls++
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.suppressed = false
	}
}

func (s *recordingSuppressor) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed
}

func TestFullSyncSuppressesRealtime(t *testing.T) {
	clk := newClock()
	backend := newBackend(clk)
	sup := &recordingSuppressor{}
	var during []bool
	backend.OnCall = func(op string) {
		if op != "SubscriptionActive" {
			during = append(during, sup.active())
		}
	}
	d := newDevice(t, backend, clk, WithSuppressor(sup))
	d.addAccount(t, "acc", "")

	res, err := d.orch.FullSync(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success, res.Message())

	require.NotEmpty(t, during)
	for _, s := range during {
		assert.True(t, s)
	}
	assert.False(t, sup.active())
	assert.Equal(t, 1, sup.calls)
}

func TestOfflineRecoveryUploadsParentBalance(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	backend := newBackend(clk)
	d := newDevice(t, backend, clk)
	edits := ledger.NewLedger(d.local, ledger.ShortIDs{}, nil, zerolog.Nop())

	acc, err := edits.CreateAccount(ctx, ledger.AccountInput{Name: "Asha"})
	require.NoError(t, err)
	res, err := d.orch.OfflineRecoverySync(ctx)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message())

	_, err = edits.AddEntry(ctx, ledger.EntryInput{
		AccountID: acc.ID,
		Date:      clk.Now(),
		Type:      models.EntryIncrease,
		Amount:    decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	res, err = d.orch.OfflineRecoverySync(ctx)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message())
	assert.Equal(t, 1, res.Stats.RowsConfirmed, "the confirmed parent is not counted again")
	assert.Equal(t, 1, res.Stats.AccountsUploaded)

	remote := backend.Accounts(user)
	require.Len(t, remote, 1)
	assert.True(t, decimal.NewFromInt(100).Equal(remote[0].TotalBalance), "remote total_balance=%s", remote[0].TotalBalance)
	st, err := d.local.GetSyncState(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.PendingChanges)
}

func TestFullSyncPreemptedBeforeRecomputeLeavesBalances(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	backend := newBackend(clk)
	d := newDevice(t, backend, clk)
	require.NoError(t, d.local.InsertAccount(ctx, models.Account{ID: "acc", Name: "acc", TotalBalance: decimal.NewFromInt(30)}))
	backend.OnCall = func(op string) {
		if op == "FetchEntries" {
			require.True(t, d.lock.Acquire("quick", lock.High))
		}
	}

	res, err := d.orch.FullSync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Zero(t, res.Stats.BalancesRecomputed)
	assert.True(t, decimal.NewFromInt(30).Equal(d.balance(t, "acc")), "recompute must not write after preemption")
}

func TestFullSyncSkipsEntriesWithoutLocalAccount(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	backend := newBackend(clk)
	d := newDevice(t, backend, clk)
	d.addAccount(t, "acc", "")
	d.addEntry(t, "e1", "acc", 1, models.EntryIncrease, 5, clk.Now())
	d.addEntry(t, "dangling", "gone", 1, models.EntryIncrease, 9, clk.Now())

	res, err := d.orch.FullSync(ctx)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message())
	assert.Equal(t, 1, res.Stats.EntriesUploaded)
	entries := backend.Entries(user)
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].ID)
}
