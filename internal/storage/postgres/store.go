package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"
	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models/events"
)

// Schema creates the authoritative tables. Every row is owned by one user.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id    TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	display_id    TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	phone_key     TEXT NOT NULL DEFAULT '',
	address       TEXT NOT NULL DEFAULT '',
	total_balance NUMERIC NOT NULL DEFAULT 0 CHECK (total_balance >= 0),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_accounts_user_updated ON accounts(user_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_accounts_user_phone ON accounts(user_id, phone_key);

CREATE TABLE IF NOT EXISTS ledger_entries (
	entry_id       TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	display_id     TEXT NOT NULL DEFAULT '',
	account_id     TEXT NOT NULL REFERENCES accounts(account_id),
	date           DATE NOT NULL,
	type           TEXT NOT NULL,
	amount         NUMERIC NOT NULL,
	note           TEXT NOT NULL DEFAULT '',
	attachment_ref TEXT NOT NULL DEFAULT '',
	balance_after  NUMERIC NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	synced_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_synced ON ledger_entries(user_id, synced_at);

CREATE TABLE IF NOT EXISTS subscriptions (
	user_id      TEXT PRIMARY KEY,
	active_until TIMESTAMPTZ NOT NULL
);`

// PostgresLedgerStore is the authoritative store seen by one user.
type PostgresLedgerStore struct {
	db        *sql.DB
	userID    string
	publisher interfaces.EventPublisher
}

// NewPostgresLedgerStore scopes db to userID. publisher may be nil; when set
// it receives one change event per written row after each commit.
func NewPostgresLedgerStore(db *sql.DB, userID string, publisher interfaces.EventPublisher) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db:        db,
		userID:    userID,
		publisher: publisher,
	}
}

func (p *PostgresLedgerStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return classify(err)
}

// classify maps driver errors onto the sentinels the orchestrator understands.
// Context cancellation passes through untouched.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	var pqErr *pq.Error
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", interfaces.ErrUnreachable, err)
	case errors.As(err, &pqErr) && (pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57"):
		return fmt.Errorf("%w: %w", interfaces.ErrUnreachable, err)
	default:
		return fmt.Errorf("%w: %w", interfaces.ErrRejected, err)
	}
}

// withTx runs fn in a transaction and publishes the events it collected once
// the transaction commits.
func (p *PostgresLedgerStore) withTx(ctx context.Context, fn func(tx *sql.Tx, evs *[]events.ChangeEvent) error) (err error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}

	defer func() {
		if err != nil {
			dbTx.Rollback()
		}
	}()

	var evs []events.ChangeEvent
	if err = fn(dbTx, &evs); err != nil {
		return classify(err)
	}
	if err = dbTx.Commit(); err != nil {
		return classify(err)
	}
	p.publish(ctx, evs)
	return nil
}

func (p *PostgresLedgerStore) publish(ctx context.Context, evs []events.ChangeEvent) {
	if p.publisher == nil {
		return
	}
	for _, ev := range evs {
		// Publication is best effort; the poll-based sync still converges.
		_ = p.publisher.Publish(ctx, ev)
	}
}

func (p *PostgresLedgerStore) UpsertAccounts(ctx context.Context, accounts []models.Account) error {
	const query = `INSERT INTO accounts (account_id, user_id, display_id, name, phone, phone_key, address, total_balance, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	ON CONFLICT (account_id) DO UPDATE SET
		display_id = EXCLUDED.display_id,
		name = EXCLUDED.name,
		phone = EXCLUDED.phone,
		phone_key = EXCLUDED.phone_key,
		address = EXCLUDED.address,
		total_balance = EXCLUDED.total_balance,
		updated_at = now()
	WHERE accounts.user_id = EXCLUDED.user_id
	RETURNING updated_at, (xmax = 0) AS inserted`

	return p.withTx(ctx, func(tx *sql.Tx, evs *[]events.ChangeEvent) error {
		for _, a := range accounts {
			a.TotalBalance = models.ClampBalance(a.TotalBalance)
			var inserted bool
			err := tx.QueryRowContext(ctx, query,
				a.ID, p.userID, a.DisplayID, a.Name, a.Phone, a.NaturalKey(), a.Address, a.TotalBalance,
			).Scan(&a.UpdatedAt, &inserted)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("account %s belongs to another user", a.ID)
			}
			if err != nil {
				return fmt.Errorf("upsert account %s: %w", a.ID, err)
			}
			a.SyncedToCloud = false
			typ := events.Update
			if inserted {
				typ = events.Insert
			}
			ev, err := events.AccountEvent(p.userID, typ, &a, nil)
			if err != nil {
				return err
			}
			*evs = append(*evs, ev)
		}
		return nil
	})
}

func (p *PostgresLedgerStore) UpsertEntries(ctx context.Context, entries []models.LedgerEntry) error {
	const query = `INSERT INTO ledger_entries (entry_id, user_id, display_id, account_id, date, type, amount,
		note, attachment_ref, balance_after, created_at, synced_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
	ON CONFLICT (entry_id) DO UPDATE SET
		display_id = EXCLUDED.display_id,
		account_id = EXCLUDED.account_id,
		date = EXCLUDED.date,
		type = EXCLUDED.type,
		amount = EXCLUDED.amount,
		note = EXCLUDED.note,
		attachment_ref = EXCLUDED.attachment_ref,
		balance_after = EXCLUDED.balance_after,
		synced_at = now()
	WHERE ledger_entries.user_id = EXCLUDED.user_id
	RETURNING synced_at, (xmax = 0) AS inserted`

	if len(entries) == 0 {
		return nil
	}
	return p.withTx(ctx, func(tx *sql.Tx, evs *[]events.ChangeEvent) error {
		if err := p.checkParents(ctx, tx, entries); err != nil {
			return err
		}
		for _, e := range entries {
			created := e.CreatedAt
			if created.IsZero() {
				created = time.Now().UTC()
			}
			var inserted bool
			err := tx.QueryRowContext(ctx, query,
				e.ID, p.userID, e.DisplayID, e.AccountID, models.Day(e.Date), string(e.Type), e.Amount,
				e.Note, e.AttachmentRef, models.ClampBalance(e.BalanceAfter), created,
			).Scan(&e.SyncedAt, &inserted)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("ledger entry %s belongs to another user", e.ID)
			}
			if err != nil {
				return fmt.Errorf("upsert ledger entry %s: %w", e.ID, err)
			}
			e.SyncedToCloud = false
			typ := events.Update
			if inserted {
				typ = events.Insert
			}
			ev, err := events.EntryEvent(p.userID, typ, &e, nil)
			if err != nil {
				return err
			}
			*evs = append(*evs, ev)
		}
		return nil
	})
}

// checkParents rejects a batch whose entries reference accounts the user does not own.
func (p *PostgresLedgerStore) checkParents(ctx context.Context, tx *sql.Tx, entries []models.LedgerEntry) error {
	want := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		if !want[e.AccountID] {
			want[e.AccountID] = true
			ids = append(ids, e.AccountID)
		}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT account_id FROM accounts WHERE user_id = $1 AND account_id = ANY($2)`,
		p.userID, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		delete(want, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for id := range want {
			missing = append(missing, id)
		}
		return fmt.Errorf("ledger entries reference unknown accounts %v", missing)
	}
	return nil
}

const accountColumns = `account_id, display_id, name, phone, address, total_balance, updated_at`

func (p *PostgresLedgerStore) queryAccounts(ctx context.Context, query string, args ...any) ([]models.Account, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.DisplayID, &a.Name, &a.Phone, &a.Address, &a.TotalBalance, &a.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		a.TotalBalance = models.ClampBalance(a.TotalBalance)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return accounts, nil
}

func (p *PostgresLedgerStore) FetchAccounts(ctx context.Context, since time.Time) ([]models.Account, error) {
	if since.IsZero() {
		return p.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY account_id`, p.userID)
	}
	return p.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 AND updated_at >= $2 ORDER BY account_id`,
		p.userID, since)
}

func (p *PostgresLedgerStore) FindAccountsByPhone(ctx context.Context, phone string) ([]models.Account, error) {
	key := models.NormalizePhone(phone)
	if key == "" {
		return nil, nil
	}
	return p.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 AND phone_key = $2 ORDER BY account_id`,
		p.userID, key)
}

func (p *PostgresLedgerStore) FetchEntries(ctx context.Context, since time.Time) ([]models.LedgerEntry, error) {
	query := `SELECT entry_id, display_id, account_id, date, type, amount, note, attachment_ref,
		balance_after, created_at, synced_at
	FROM ledger_entries WHERE user_id = $1`
	args := []any{p.userID}
	if !since.IsZero() {
		query += ` AND synced_at >= $2`
		args = append(args, since)
	}
	query += ` ORDER BY date, created_at, entry_id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var (
			e   models.LedgerEntry
			typ string
		)
		err := rows.Scan(&e.ID, &e.DisplayID, &e.AccountID, &e.Date, &typ, &e.Amount, &e.Note, &e.AttachmentRef,
			&e.BalanceAfter, &e.CreatedAt, &e.SyncedAt)
		if err != nil {
			return nil, classify(err)
		}
		if e.Type, err = models.ParseEntryType(typ); err != nil {
			return nil, fmt.Errorf("%w: ledger entry %s: %w", interfaces.ErrRejected, e.ID, err)
		}
		e.BalanceAfter = models.ClampBalance(e.BalanceAfter)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// ReassignEntries is idempotent: running it again after success matches no rows.
func (p *PostgresLedgerStore) ReassignEntries(ctx context.Context, oldID, newID string) error {
	const query = `UPDATE ledger_entries SET account_id = $3, synced_at = now()
	WHERE user_id = $1 AND account_id = $2`
	_, err := p.db.ExecContext(ctx, query, p.userID, oldID, newID)
	return classify(err)
}

func (p *PostgresLedgerStore) DeleteAccount(ctx context.Context, id string) error {
	return p.withTx(ctx, func(tx *sql.Tx, evs *[]events.ChangeEvent) error {
		var a models.Account
		err := tx.QueryRowContext(ctx,
			`DELETE FROM accounts WHERE user_id = $1 AND account_id = $2 RETURNING `+accountColumns,
			p.userID, id,
		).Scan(&a.ID, &a.DisplayID, &a.Name, &a.Phone, &a.Address, &a.TotalBalance, &a.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete account %s: %w", id, err)
		}
		ev, err := events.AccountEvent(p.userID, events.Delete, nil, &a)
		if err != nil {
			return err
		}
		*evs = append(*evs, ev)
		return nil
	})
}

// SubscriptionActive reports whether the user's subscription is paid up. A
// user without a subscription row is inactive.
func (p *PostgresLedgerStore) SubscriptionActive(ctx context.Context) (bool, error) {
	const query = `SELECT active_until > now() FROM subscriptions WHERE user_id = $1`

	var active bool
	err := p.db.QueryRowContext(ctx, query, p.userID).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return active, nil
}

var (
	_ interfaces.RemoteStore  = (*PostgresLedgerStore)(nil)
	_ interfaces.Entitlements = (*PostgresLedgerStore)(nil)
)
