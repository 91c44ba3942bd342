// Package sqlite is the durable on-device replica.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
)

type SQLiteLedgerStore struct {
	db *sql.DB
}

// Open opens (and migrates) the replica at path. Use ":memory:" for a
// throwaway database.
func Open(path string) (*SQLiteLedgerStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	s := &SQLiteLedgerStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}
	return s, nil
}

func (s *SQLiteLedgerStore) Close() error { return s.db.Close() }

func (s *SQLiteLedgerStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		account_id      TEXT PRIMARY KEY,
		display_id      TEXT NOT NULL DEFAULT '',
		name            TEXT NOT NULL DEFAULT '',
		phone           TEXT NOT NULL DEFAULT '',
		address         TEXT NOT NULL DEFAULT '',
		total_balance   TEXT NOT NULL DEFAULT '0',
		updated_at      TEXT NOT NULL DEFAULT '',
		synced_to_cloud INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_display_id ON accounts(display_id);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		entry_id        TEXT PRIMARY KEY,
		display_id      TEXT NOT NULL DEFAULT '',
		account_id      TEXT NOT NULL,
		date            TEXT NOT NULL,
		type            TEXT NOT NULL,
		amount          TEXT NOT NULL,
		note            TEXT NOT NULL DEFAULT '',
		attachment_ref  TEXT NOT NULL DEFAULT '',
		balance_after   TEXT NOT NULL DEFAULT '0',
		created_at      TEXT NOT NULL DEFAULT '',
		synced_at       TEXT NOT NULL DEFAULT '',
		synced_to_cloud INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id, date);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_display_id ON ledger_entries(display_id);

	CREATE TABLE IF NOT EXISTS sync_state (
		id                  INTEGER PRIMARY KEY CHECK (id = 1),
		last_sync_time      TEXT NOT NULL DEFAULT '',
		last_full_sync_time TEXT NOT NULL DEFAULT '',
		pending_changes     INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS id_remaps (
		old_id      TEXT PRIMARY KEY,
		new_id      TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Timestamps are stored as fixed-width UTC text so they sort lexically; the
// zero time is the empty string.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

type scanner interface {
	Scan(dest ...any) error
}

const accountColumns = `account_id, display_id, name, phone, address, total_balance, updated_at, synced_to_cloud`

func scanAccount(row scanner) (models.Account, error) {
	var (
		a       models.Account
		balance string
		updated string
	)
	if err := row.Scan(&a.ID, &a.DisplayID, &a.Name, &a.Phone, &a.Address, &balance, &updated, &a.SyncedToCloud); err != nil {
		return a, err
	}
	a.TotalBalance = models.ClampBalance(models.DecimalFromString(balance))
	t, err := parseTime(updated)
	if err != nil {
		return a, fmt.Errorf("account %s updated_at: %w", a.ID, err)
	}
	a.UpdatedAt = t
	return a, nil
}

func (s *SQLiteLedgerStore) queryAccounts(ctx context.Context, query string, args ...any) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteLedgerStore) getAccount(ctx context.Context, where string, arg any) (*models.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+where+` LIMIT 1`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteLedgerStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return s.getAccount(ctx, `account_id = ?`, id)
}

func (s *SQLiteLedgerStore) FindAccountByDisplayID(ctx context.Context, displayID string) (*models.Account, error) {
	return s.getAccount(ctx, `display_id = ?`, displayID)
}

func (s *SQLiteLedgerStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY account_id`)
}

func (s *SQLiteLedgerStore) ListUnsyncedAccounts(ctx context.Context) ([]models.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE synced_to_cloud = 0 ORDER BY account_id`)
}

func accountArgs(a models.Account) []any {
	return []any{
		a.ID, a.DisplayID, a.Name, a.Phone, a.Address,
		models.ClampBalance(a.TotalBalance).String(), formatTime(a.UpdatedAt), a.SyncedToCloud,
	}
}

func (s *SQLiteLedgerStore) InsertAccount(ctx context.Context, a models.Account) error {
	const query = `INSERT INTO accounts (` + accountColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, accountArgs(a)...); err != nil {
		return fmt.Errorf("insert account %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteLedgerStore) UpdateAccount(ctx context.Context, a models.Account) error {
	const query = `UPDATE accounts SET display_id = ?, name = ?, phone = ?, address = ?,
		total_balance = ?, updated_at = ?, synced_to_cloud = ? WHERE account_id = ?`
	args := accountArgs(a)
	res, err := s.db.ExecContext(ctx, query, append(args[1:], a.ID)...)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.ID, err)
	}
	return mustAffect(res, "account", a.ID)
}

func (s *SQLiteLedgerStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = ?`, id)
	return err
}

func (s *SQLiteLedgerStore) MarkAccountSynced(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET synced_to_cloud = 1 WHERE account_id = ?`, id)
	return err
}

const entryColumns = `entry_id, display_id, account_id, date, type, amount, note, attachment_ref,
	balance_after, created_at, synced_at, synced_to_cloud`

// entryOrder matches models.LedgerEntry.Before.
const entryOrder = ` ORDER BY date, created_at, entry_id`

func scanEntry(row scanner) (models.LedgerEntry, error) {
	var (
		e                          models.LedgerEntry
		date, typ, amount, balance string
		created, synced            string
	)
	err := row.Scan(&e.ID, &e.DisplayID, &e.AccountID, &date, &typ, &amount, &e.Note, &e.AttachmentRef,
		&balance, &created, &synced, &e.SyncedToCloud)
	if err != nil {
		return e, err
	}
	if e.Date, err = time.Parse(time.DateOnly, date); err != nil {
		return e, fmt.Errorf("ledger entry %s date: %w", e.ID, err)
	}
	if e.Type, err = models.ParseEntryType(typ); err != nil {
		return e, fmt.Errorf("ledger entry %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return e, fmt.Errorf("ledger entry %s created_at: %w", e.ID, err)
	}
	if e.SyncedAt, err = parseTime(synced); err != nil {
		return e, fmt.Errorf("ledger entry %s synced_at: %w", e.ID, err)
	}
	e.Amount = models.DecimalFromString(amount)
	e.BalanceAfter = models.ClampBalance(models.DecimalFromString(balance))
	return e, nil
}

func (s *SQLiteLedgerStore) queryEntries(ctx context.Context, query string, args ...any) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteLedgerStore) getEntry(ctx context.Context, where string, arg any) (*models.LedgerEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE `+where+` LIMIT 1`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteLedgerStore) GetEntry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	return s.getEntry(ctx, `entry_id = ?`, id)
}

func (s *SQLiteLedgerStore) FindEntryByDisplayID(ctx context.Context, displayID string) (*models.LedgerEntry, error) {
	return s.getEntry(ctx, `display_id = ?`, displayID)
}

func (s *SQLiteLedgerStore) GetEntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = ?`+entryOrder, accountID)
}

func (s *SQLiteLedgerStore) GetLedgerEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries`+entryOrder)
}

func (s *SQLiteLedgerStore) ListUnsyncedEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE synced_to_cloud = 0`+entryOrder)
}

func entryArgs(e models.LedgerEntry) []any {
	return []any{
		e.ID, e.DisplayID, e.AccountID, models.Day(e.Date).Format(time.DateOnly), string(e.Type),
		e.Amount.String(), e.Note, e.AttachmentRef, models.ClampBalance(e.BalanceAfter).String(),
		formatTime(e.CreatedAt), formatTime(e.SyncedAt), e.SyncedToCloud,
	}
}

func (s *SQLiteLedgerStore) InsertEntry(ctx context.Context, e models.LedgerEntry) error {
	const query = `INSERT INTO ledger_entries (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, entryArgs(e)...); err != nil {
		return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteLedgerStore) UpdateEntry(ctx context.Context, e models.LedgerEntry) error {
	const query = `UPDATE ledger_entries SET display_id = ?, account_id = ?, date = ?, type = ?, amount = ?,
		note = ?, attachment_ref = ?, balance_after = ?, created_at = ?, synced_at = ?, synced_to_cloud = ?
		WHERE entry_id = ?`
	args := entryArgs(e)
	res, err := s.db.ExecContext(ctx, query, append(args[1:], e.ID)...)
	if err != nil {
		return fmt.Errorf("update ledger entry %s: %w", e.ID, err)
	}
	return mustAffect(res, "ledger entry", e.ID)
}

func (s *SQLiteLedgerStore) DeleteEntry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE entry_id = ?`, id)
	return err
}

func (s *SQLiteLedgerStore) MarkEntrySynced(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ledger_entries SET synced_to_cloud = 1 WHERE entry_id = ?`, id)
	return err
}

// ReassignEntries moves entries to newID and flags them for upload.
func (s *SQLiteLedgerStore) ReassignEntries(ctx context.Context, oldID, newID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET account_id = ?, synced_to_cloud = 0 WHERE account_id = ?`, newID, oldID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteLedgerStore) GetSyncState(ctx context.Context) (models.SyncState, error) {
	var (
		st             models.SyncState
		last, lastFull string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync_time, last_full_sync_time, pending_changes FROM sync_state WHERE id = 1`,
	).Scan(&last, &lastFull, &st.PendingChanges)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if st.LastSyncTime, err = parseTime(last); err != nil {
		return st, err
	}
	if st.LastFullSyncTime, err = parseTime(lastFull); err != nil {
		return st, err
	}
	return st, nil
}

func (s *SQLiteLedgerStore) SaveSyncState(ctx context.Context, st models.SyncState) error {
	const query = `INSERT INTO sync_state (id, last_sync_time, last_full_sync_time, pending_changes)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_sync_time = excluded.last_sync_time,
			last_full_sync_time = excluded.last_full_sync_time,
			pending_changes = excluded.pending_changes`
	_, err := s.db.ExecContext(ctx, query, formatTime(st.LastSyncTime), formatTime(st.LastFullSyncTime), max(st.PendingChanges, 0))
	return err
}

func (s *SQLiteLedgerStore) SaveRemap(ctx context.Context, m models.IDRemap) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO id_remaps (old_id, new_id, recorded_at) VALUES (?, ?, ?)`,
		m.OldID, m.NewID, formatTime(m.RecordedAt))
	return err
}

func (s *SQLiteLedgerStore) ListRemaps(ctx context.Context) ([]models.IDRemap, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT old_id, new_id, recorded_at FROM id_remaps ORDER BY recorded_at, old_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.IDRemap
	for rows.Next() {
		var (
			m        models.IDRemap
			recorded string
		)
		if err := rows.Scan(&m.OldID, &m.NewID, &recorded); err != nil {
			return nil, err
		}
		if m.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteLedgerStore) DeleteRemap(ctx context.Context, oldID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM id_remaps WHERE old_id = ?`, oldID)
	return err
}

func mustAffect(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s not found", what, id)
	}
	return nil
}

var _ interfaces.LocalStore = (*SQLiteLedgerStore)(nil)
