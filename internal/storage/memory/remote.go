package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models/events"
)

// RemoteBackend is an in-memory stand-in for the authoritative store shared by
// every device. Rows are partitioned by owning user; Scoped hands out the
// per-user view the sync engine talks to.
type RemoteBackend struct {
	mu       sync.Mutex
	accounts map[string]map[string]models.Account     // user -> id -> row
	entries  map[string]map[string]models.LedgerEntry // user -> id -> row
	expired  map[string]bool                          // users whose subscription lapsed
	failures map[string]error                         // op -> error returned once
	offline  bool

	Now       func() time.Time
	Publisher interfaces.EventPublisher // optional, receives a change event per write
	OnCall    func(op string)           // optional test hook, called before every operation
}

func NewRemoteBackend() *RemoteBackend {
	return &RemoteBackend{
		accounts: make(map[string]map[string]models.Account),
		entries:  make(map[string]map[string]models.LedgerEntry),
		expired:  make(map[string]bool),
		failures: make(map[string]error),
		Now:      time.Now,
	}
}

// Scoped returns the RemoteStore view of one user.
func (b *RemoteBackend) Scoped(userID string) *RemoteStore {
	return &RemoteStore{b: b, userID: userID}
}

// SetOffline makes every call fail with interfaces.ErrUnreachable.
func (b *RemoteBackend) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

// FailNext makes the next call of op return err.
func (b *RemoteBackend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

func (b *RemoteBackend) SetSubscriptionExpired(userID string, expired bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expired[userID] = expired
}

// Accounts returns a snapshot of one user's remote accounts.
func (b *RemoteBackend) Accounts(userID string) []models.Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Account, 0, len(b.accounts[userID]))
	for _, a := range b.accounts[userID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Entries returns a snapshot of one user's remote ledger entries.
func (b *RemoteBackend) Entries(userID string) []models.LedgerEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.LedgerEntry, 0, len(b.entries[userID]))
	for _, e := range b.entries[userID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// PutAccount writes a row directly, as another device would.
func (b *RemoteBackend) PutAccount(userID string, a models.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = b.Now()
	}
	b.table(userID)[a.ID] = a
}

// PutEntry writes a row directly, as another device would.
func (b *RemoteBackend) PutEntry(userID string, e models.LedgerEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.SyncedAt.IsZero() {
		e.SyncedAt = b.Now()
	}
	b.entryTable(userID)[e.ID] = e
}

func (b *RemoteBackend) table(userID string) map[string]models.Account {
	t, ok := b.accounts[userID]
	if !ok {
		t = make(map[string]models.Account)
		b.accounts[userID] = t
	}
	return t
}

func (b *RemoteBackend) entryTable(userID string) map[string]models.LedgerEntry {
	t, ok := b.entries[userID]
	if !ok {
		t = make(map[string]models.LedgerEntry)
		b.entries[userID] = t
	}
	return t
}

// begin runs the hook and returns an injected failure, if any. Caller must not hold mu.
func (b *RemoteBackend) begin(ctx context.Context, op string) error {
	if b.OnCall != nil {
		b.OnCall(op)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return interfaces.ErrUnreachable
	}
	if err, ok := b.failures[op]; ok {
		delete(b.failures, op)
		return err
	}
	return nil
}

func (b *RemoteBackend) publish(ctx context.Context, ev events.ChangeEvent, err error) {
	if b.Publisher == nil || err != nil {
		return
	}
	_ = b.Publisher.Publish(ctx, ev)
}

// RemoteStore is one user's view of a RemoteBackend.
type RemoteStore struct {
	b      *RemoteBackend
	userID string
}

func (r *RemoteStore) UpsertAccounts(ctx context.Context, accounts []models.Account) error {
	if err := r.b.begin(ctx, "UpsertAccounts"); err != nil {
		return err
	}
	var evs []events.ChangeEvent
	r.b.mu.Lock()
	t := r.b.table(r.userID)
	for _, a := range accounts {
		old, existed := t[a.ID]
		a.UpdatedAt = r.b.Now()
		a.SyncedToCloud = false
		a.TotalBalance = models.ClampBalance(a.TotalBalance)
		t[a.ID] = a
		row := a
		if existed {
			ev, err := events.AccountEvent(r.userID, events.Update, &row, &old)
			if err == nil {
				evs = append(evs, ev)
			}
		} else {
			ev, err := events.AccountEvent(r.userID, events.Insert, &row, nil)
			if err == nil {
				evs = append(evs, ev)
			}
		}
	}
	r.b.mu.Unlock()
	for _, ev := range evs {
		r.b.publish(ctx, ev, nil)
	}
	return nil
}

func (r *RemoteStore) UpsertEntries(ctx context.Context, entries []models.LedgerEntry) error {
	if err := r.b.begin(ctx, "UpsertEntries"); err != nil {
		return err
	}
	var evs []events.ChangeEvent
	r.b.mu.Lock()
	t := r.b.entryTable(r.userID)
	for _, e := range entries {
		old, existed := t[e.ID]
		e.SyncedAt = r.b.Now()
		e.SyncedToCloud = false
		t[e.ID] = e
		row := e
		typ, oldRow := events.Insert, (*models.LedgerEntry)(nil)
		if existed {
			typ, oldRow = events.Update, &old
		}
		if ev, err := events.EntryEvent(r.userID, typ, &row, oldRow); err == nil {
			evs = append(evs, ev)
		}
	}
	r.b.mu.Unlock()
	for _, ev := range evs {
		r.b.publish(ctx, ev, nil)
	}
	return nil
}

func (r *RemoteStore) FetchAccounts(ctx context.Context, since time.Time) ([]models.Account, error) {
	if err := r.b.begin(ctx, "FetchAccounts"); err != nil {
		return nil, err
	}
	var out []models.Account
	for _, a := range r.b.Accounts(r.userID) {
		if since.IsZero() || !a.UpdatedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *RemoteStore) FetchEntries(ctx context.Context, since time.Time) ([]models.LedgerEntry, error) {
	if err := r.b.begin(ctx, "FetchEntries"); err != nil {
		return nil, err
	}
	var out []models.LedgerEntry
	for _, e := range r.b.Entries(r.userID) {
		if since.IsZero() || !e.SyncedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *RemoteStore) FindAccountsByPhone(ctx context.Context, phone string) ([]models.Account, error) {
	if err := r.b.begin(ctx, "FindAccountsByPhone"); err != nil {
		return nil, err
	}
	key := models.NormalizePhone(phone)
	var out []models.Account
	for _, a := range r.b.Accounts(r.userID) {
		if key != "" && a.NaturalKey() == key {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *RemoteStore) ReassignEntries(ctx context.Context, oldID, newID string) error {
	if err := r.b.begin(ctx, "ReassignEntries"); err != nil {
		return err
	}
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	t := r.b.entryTable(r.userID)
	for id, e := range t {
		if e.AccountID == oldID {
			e.AccountID = newID
			e.SyncedAt = r.b.Now()
			t[id] = e
		}
	}
	return nil
}

func (r *RemoteStore) DeleteAccount(ctx context.Context, id string) error {
	if err := r.b.begin(ctx, "DeleteAccount"); err != nil {
		return err
	}
	r.b.mu.Lock()
	old, existed := r.b.table(r.userID)[id]
	delete(r.b.table(r.userID), id)
	r.b.mu.Unlock()
	if existed {
		ev, err := events.AccountEvent(r.userID, events.Delete, nil, &old)
		r.b.publish(ctx, ev, err)
	}
	return nil
}

func (r *RemoteStore) SubscriptionActive(ctx context.Context) (bool, error) {
	if err := r.b.begin(ctx, "SubscriptionActive"); err != nil {
		return false, err
	}
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return !r.b.expired[r.userID], nil
}

var (
	_ interfaces.RemoteStore  = (*RemoteStore)(nil)
	_ interfaces.Entitlements = (*RemoteStore)(nil)
)
