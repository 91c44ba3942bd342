package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
	"github.com/shopspring/decimal"
)

const displayIDAttempts = 5

var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrAccountNotFound    = errors.New("account not found")
	ErrNameRequired       = errors.New("account name is required")
	ErrDisplayIDExhausted = errors.New("could not allocate a unique display id")
)

// QuickSyncer receives the payload of a local edit. It must not block.
type QuickSyncer interface {
	SubmitQuickSync(p models.QuickPayload)
}

// Ledger is the user-facing edit path over the local replica.
// It only writes user-entered fields and always recomputes derived balances
// before returning.
type Ledger struct {
	store interfaces.LocalStore
	ids   interfaces.DisplayIDGenerator
	quick QuickSyncer
	muMap map[string]*sync.Mutex // per-account edit locks
	mapMu sync.Mutex             // protects muMap itself
	now   func() time.Time
	log   zerolog.Logger
}

// NewLedger wires the edit path. quick may be nil when running without sync.
func NewLedger(store interfaces.LocalStore, ids interfaces.DisplayIDGenerator, quick QuickSyncer, log zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		ids:   ids,
		quick: quick,
		muMap: make(map[string]*sync.Mutex),
		now:   time.Now,
		log:   log.With().Str("component", "ledger").Logger(),
	}
}

func (l *Ledger) getAccountLock(accountID string) *sync.Mutex {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	if _, exists := l.muMap[accountID]; !exists {
		l.muMap[accountID] = &sync.Mutex{}
	}
	return l.muMap[accountID]
}

// AccountInput holds the user-entered account fields.
type AccountInput struct {
	Name    string
	Phone   string
	Address string
}

// EntryInput holds the user-entered ledger entry fields.
type EntryInput struct {
	AccountID     string
	Date          time.Time
	Type          models.EntryType
	Amount        decimal.Decimal
	Note          string
	AttachmentRef string
}

func (l *Ledger) CreateAccount(ctx context.Context, in AccountInput) (models.Account, error) {
	if strings.TrimSpace(in.Name) == "" {
		return models.Account{}, ErrNameRequired
	}
	displayID, err := l.allocate(ctx, models.KindAccount)
	if err != nil {
		return models.Account{}, err
	}
	a := models.Account{
		ID:        uuid.New().String(),
		DisplayID: displayID,
		Name:      strings.TrimSpace(in.Name),
		Phone:     strings.TrimSpace(in.Phone),
		Address:   strings.TrimSpace(in.Address),
		UpdatedAt: l.now(),
	}
	if err := l.store.InsertAccount(ctx, a); err != nil {
		return models.Account{}, err
	}
	if err := l.markPending(ctx); err != nil {
		return models.Account{}, err
	}
	l.submit(models.QuickPayload{
		Kind:      models.KindAccount,
		ID:        a.ID,
		DisplayID: a.DisplayID,
		Fields:    map[string]string{"name": a.Name, "phone": a.Phone, "address": a.Address},
	})
	return a, nil
}

// UpdateAccount rewrites the user-entered fields; total_balance is recomputed, never copied.
func (l *Ledger) UpdateAccount(ctx context.Context, id string, in AccountInput) (models.Account, error) {
	if strings.TrimSpace(in.Name) == "" {
		return models.Account{}, ErrNameRequired
	}
	mu := l.getAccountLock(id)
	mu.Lock()
	defer mu.Unlock()

	a, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return models.Account{}, err
	}
	if a == nil {
		return models.Account{}, ErrAccountNotFound
	}
	a.Name = strings.TrimSpace(in.Name)
	a.Phone = strings.TrimSpace(in.Phone)
	a.Address = strings.TrimSpace(in.Address)
	a.UpdatedAt = l.now()
	a.SyncedToCloud = false
	if err := l.store.UpdateAccount(ctx, *a); err != nil {
		return models.Account{}, err
	}
	res, err := RecomputeAccount(ctx, l.store, id)
	if err != nil {
		return models.Account{}, err
	}
	if err := l.markPending(ctx); err != nil {
		return models.Account{}, err
	}
	a.TotalBalance = res.Total
	l.submit(models.QuickPayload{
		Kind:           models.KindAccount,
		ID:             a.ID,
		DisplayID:      a.DisplayID,
		Fields:         map[string]string{"name": a.Name, "phone": a.Phone, "address": a.Address},
		DerivedBalance: &res.Total,
	})
	return *a, nil
}

// AddEntry records a credit or payment and recomputes the account's balances.
func (l *Ledger) AddEntry(ctx context.Context, in EntryInput) (models.LedgerEntry, error) {
	// Basic validation: the amount must be positive
	if in.Amount.Cmp(decimal.Zero) <= 0 {
		return models.LedgerEntry{}, ErrInvalidAmount
	}
	if in.Type != models.EntryIncrease && in.Type != models.EntryDecrease {
		return models.LedgerEntry{}, fmt.Errorf("invalid entry type %q", in.Type)
	}

	mu := l.getAccountLock(in.AccountID)
	mu.Lock()
	defer mu.Unlock()

	a, err := l.store.GetAccount(ctx, in.AccountID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if a == nil {
		return models.LedgerEntry{}, ErrAccountNotFound
	}
	displayID, err := l.allocate(ctx, models.KindEntry)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	date := in.Date
	if date.IsZero() {
		date = l.now()
	}
	e := models.LedgerEntry{
		ID:            uuid.New().String(),
		DisplayID:     displayID,
		AccountID:     a.ID,
		Date:          models.Day(date),
		Type:          in.Type,
		Amount:        in.Amount,
		Note:          in.Note,
		AttachmentRef: in.AttachmentRef,
		CreatedAt:     l.now(),
	}
	if err := l.store.InsertEntry(ctx, e); err != nil {
		return models.LedgerEntry{}, err
	}
	res, err := RecomputeAccount(ctx, l.store, a.ID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if err := l.markPending(ctx); err != nil {
		return models.LedgerEntry{}, err
	}
	if stored, err := l.store.GetEntry(ctx, e.ID); err == nil && stored != nil {
		e = *stored
	}
	l.submit(models.QuickPayload{
		Kind:      models.KindEntry,
		ID:        e.ID,
		DisplayID: e.DisplayID,
		AccountID: e.AccountID,
		Fields: map[string]string{
			"date":   e.Date.Format(time.DateOnly),
			"type":   string(e.Type),
			"amount": e.Amount.String(),
			"note":   e.Note,
		},
		DerivedBalance: &res.Total,
	})
	return e, nil
}

func (l *Ledger) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	if a == nil {
		return decimal.Zero, ErrAccountNotFound
	}
	return a.TotalBalance, nil
}

func (l *Ledger) GetLedgerEntries(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	if accountID != "" {
		return l.store.GetEntriesByAccount(ctx, accountID)
	}
	return l.store.GetLedgerEntries(ctx)
}

// allocate asks the generator for a display id until one is unused locally.
func (l *Ledger) allocate(ctx context.Context, kind models.EntityKind) (string, error) {
	for attempt := 0; attempt < displayIDAttempts; attempt++ {
		id := l.ids.Next(kind)
		taken, err := l.displayIDTaken(ctx, kind, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
		l.log.Debug().Str("kind", string(kind)).Str("display_id", id).Int("attempt", attempt+1).Msg("display id collision")
	}
	return "", ErrDisplayIDExhausted
}

func (l *Ledger) displayIDTaken(ctx context.Context, kind models.EntityKind, id string) (bool, error) {
	if kind == models.KindAccount {
		a, err := l.store.FindAccountByDisplayID(ctx, id)
		return a != nil, err
	}
	e, err := l.store.FindEntryByDisplayID(ctx, id)
	return e != nil, err
}

func (l *Ledger) markPending(ctx context.Context) error {
	st, err := l.store.GetSyncState(ctx)
	if err != nil {
		return err
	}
	st.PendingChanges++
	return l.store.SaveSyncState(ctx, st)
}

func (l *Ledger) submit(p models.QuickPayload) {
	if l.quick == nil {
		return
	}
	l.quick.SubmitQuickSync(p)
}
