package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
)

// LocalStore is the on-device replica. Getters return (nil, nil) when the row is absent.
type LocalStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	FindAccountByDisplayID(ctx context.Context, displayID string) (*models.Account, error)
	InsertAccount(ctx context.Context, a models.Account) error
	UpdateAccount(ctx context.Context, a models.Account) error
	DeleteAccount(ctx context.Context, id string) error

	GetEntry(ctx context.Context, id string) (*models.LedgerEntry, error)
	FindEntryByDisplayID(ctx context.Context, displayID string) (*models.LedgerEntry, error)
	GetEntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error)
	GetLedgerEntries(ctx context.Context) ([]models.LedgerEntry, error)
	InsertEntry(ctx context.Context, e models.LedgerEntry) error
	UpdateEntry(ctx context.Context, e models.LedgerEntry) error
	DeleteEntry(ctx context.Context, id string) error
	// ReassignEntries rewrites the account foreign key of every entry from oldID to newID.
	ReassignEntries(ctx context.Context, oldID, newID string) (int, error)

	// Offline recovery bookkeeping.
	ListUnsyncedAccounts(ctx context.Context) ([]models.Account, error)
	ListUnsyncedEntries(ctx context.Context) ([]models.LedgerEntry, error)
	MarkAccountSynced(ctx context.Context, id string) error
	MarkEntrySynced(ctx context.Context, id string) error

	StateStore

	// Remap journal for duplicate resolution.
	SaveRemap(ctx context.Context, m models.IDRemap) error
	ListRemaps(ctx context.Context) ([]models.IDRemap, error)
	DeleteRemap(ctx context.Context, oldID string) error
}

// StateStore persists the single SyncState row.
type StateStore interface {
	GetSyncState(ctx context.Context) (models.SyncState, error)
	SaveSyncState(ctx context.Context, s models.SyncState) error
}

// Remote failures are classified into these two sentinels by the store adapters.
var (
	ErrUnreachable = errors.New("remote store unreachable")
	ErrRejected    = errors.New("remote store rejected the request")
)

// RemoteStore is the authoritative store, already scoped to one owning user.
// A zero since fetches every row.
type RemoteStore interface {
	UpsertAccounts(ctx context.Context, accounts []models.Account) error
	UpsertEntries(ctx context.Context, entries []models.LedgerEntry) error
	FetchAccounts(ctx context.Context, since time.Time) ([]models.Account, error)
	FetchEntries(ctx context.Context, since time.Time) ([]models.LedgerEntry, error)
	FindAccountsByPhone(ctx context.Context, phone string) ([]models.Account, error)
	ReassignEntries(ctx context.Context, oldID, newID string) error
	DeleteAccount(ctx context.Context, id string) error
}

// Entitlements answers whether the owner may run a full sync.
type Entitlements interface {
	SubscriptionActive(ctx context.Context) (bool, error)
}

// DisplayIDGenerator hands out human readable ids. Collisions are possible;
// callers retry.
type DisplayIDGenerator interface {
	Next(kind models.EntityKind) string
}
