package memory

import (
	"context" // standard Go package for request-scoped context (timeouts, cancellation)
	"fmt"
	"sort"
	"sync" // standard Go package for concurrency primitives like Mutex

	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
)

// MemoryLedgerStore is an in-memory implementation of interfaces.LocalStore.
// It is thread-safe and always hands out copies of its rows.
type MemoryLedgerStore struct {
	mu       sync.Mutex                    // protects every map below
	accounts map[string]models.Account     // account rows by id
	entries  map[string]models.LedgerEntry // ledger entry rows by id
	remaps   map[string]models.IDRemap     // remap journal by old id
	state    models.SyncState
}

// NewMemoryLedgerStore creates and returns a new MemoryLedgerStore instance
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts: make(map[string]models.Account),
		entries:  make(map[string]models.LedgerEntry),
		remaps:   make(map[string]models.IDRemap),
	}
}

func (m *MemoryLedgerStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryLedgerStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryLedgerStore) FindAccountByDisplayID(ctx context.Context, displayID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.DisplayID == displayID {
			return &a, nil
		}
	}
	return nil, nil
}

func (m *MemoryLedgerStore) InsertAccount(ctx context.Context, a models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[a.ID]; exists {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	a.TotalBalance = models.ClampBalance(a.TotalBalance)
	m.accounts[a.ID] = a
	return nil
}

func (m *MemoryLedgerStore) UpdateAccount(ctx context.Context, a models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[a.ID]; !exists {
		return fmt.Errorf("account %s not found", a.ID)
	}
	a.TotalBalance = models.ClampBalance(a.TotalBalance)
	m.accounts[a.ID] = a
	return nil
}

func (m *MemoryLedgerStore) DeleteAccount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.accounts, id)
	return nil
}

func (m *MemoryLedgerStore) GetEntry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryLedgerStore) FindEntryByDisplayID(ctx context.Context, displayID string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.DisplayID == displayID {
			return &e, nil
		}
	}
	return nil, nil
}

// GetEntriesByAccount returns the account's entries in balance order.
func (m *MemoryLedgerStore) GetEntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.LedgerEntry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Before(result[j]) })
	return result, nil
}

// GetLedgerEntries returns a copy of all ledger entries stored in memory.
func (m *MemoryLedgerStore) GetLedgerEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]models.LedgerEntry, 0, len(m.entries))
	for _, e := range m.entries {
		copied = append(copied, e)
	}
	sort.Slice(copied, func(i, j int) bool { return copied[i].Before(copied[j]) })
	return copied, nil
}

func (m *MemoryLedgerStore) InsertEntry(ctx context.Context, e models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[e.ID]; exists {
		return fmt.Errorf("ledger entry %s already exists", e.ID)
	}
	e.BalanceAfter = models.ClampBalance(e.BalanceAfter)
	m.entries[e.ID] = e
	return nil
}

func (m *MemoryLedgerStore) UpdateEntry(ctx context.Context, e models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[e.ID]; !exists {
		return fmt.Errorf("ledger entry %s not found", e.ID)
	}
	e.BalanceAfter = models.ClampBalance(e.BalanceAfter)
	m.entries[e.ID] = e
	return nil
}

func (m *MemoryLedgerStore) DeleteEntry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, id)
	return nil
}

func (m *MemoryLedgerStore) ReassignEntries(ctx context.Context, oldID, newID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.entries {
		if e.AccountID == oldID {
			e.AccountID = newID
			e.SyncedToCloud = false
			m.entries[id] = e
			n++
		}
	}
	return n, nil
}

func (m *MemoryLedgerStore) ListUnsyncedAccounts(ctx context.Context) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Account
	for _, a := range m.accounts {
		if !a.SyncedToCloud {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryLedgerStore) ListUnsyncedEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.LedgerEntry
	for _, e := range m.entries {
		if !e.SyncedToCloud {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *MemoryLedgerStore) MarkAccountSynced(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.accounts[id]; ok {
		a.SyncedToCloud = true
		m.accounts[id] = a
	}
	return nil
}

func (m *MemoryLedgerStore) MarkEntrySynced(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[id]; ok {
		e.SyncedToCloud = true
		m.entries[id] = e
	}
	return nil
}

func (m *MemoryLedgerStore) GetSyncState(ctx context.Context) (models.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *MemoryLedgerStore) SaveSyncState(ctx context.Context, s models.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.PendingChanges < 0 {
		s.PendingChanges = 0
	}
	m.state = s
	return nil
}

func (m *MemoryLedgerStore) SaveRemap(ctx context.Context, r models.IDRemap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaps[r.OldID] = r
	return nil
}

func (m *MemoryLedgerStore) ListRemaps(ctx context.Context) ([]models.IDRemap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.IDRemap, 0, len(m.remaps))
	for _, r := range m.remaps {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (m *MemoryLedgerStore) DeleteRemap(ctx context.Context, oldID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.remaps, oldID)
	return nil
}

// Compile-time check: ensure MemoryLedgerStore implements LocalStore interface
var _ interfaces.LocalStore = (*MemoryLedgerStore)(nil)
