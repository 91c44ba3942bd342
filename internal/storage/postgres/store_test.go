package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"bad connection", driver.ErrBadConn, interfaces.ErrUnreachable},
		{"deadline", context.DeadlineExceeded, interfaces.ErrUnreachable},
		{"connection failure", &pq.Error{Code: "08006"}, interfaces.ErrUnreachable},
		{"admin shutdown", &pq.Error{Code: "57P01"}, interfaces.ErrUnreachable},
		{"unique violation", &pq.Error{Code: "23505"}, interfaces.ErrRejected},
		{"check violation", &pq.Error{Code: "23514"}, interfaces.ErrRejected},
		{"other", errors.New("boom"), interfaces.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}

	assert.NoError(t, classify(nil))
	assert.Equal(t, context.Canceled, classify(context.Canceled))
}

type recorder struct{ evs []events.ChangeEvent }

func (r *recorder) Publish(_ context.Context, ev events.ChangeEvent) error {
	r.evs = append(r.evs, ev)
	return nil
}

// TestStoreAgainstDatabase runs only when TEST_DATABASE_URL points at a
// scratch PostgreSQL database.
func TestStoreAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	user := "test-" + time.Now().Format("150405.000000")
	pub := &recorder{}
	s := NewPostgresLedgerStore(db, user, pub)
	require.NoError(t, s.Migrate(ctx))

	active, err := s.SubscriptionActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, s.UpsertAccounts(ctx, []models.Account{
		{ID: user + "-a", Name: "Asha", Phone: "+1 555 0100", TotalBalance: decimal.NewFromInt(10)},
		{ID: user + "-b", Name: "Asha", Phone: "+15550100"},
	}))
	matches, err := s.FindAccountsByPhone(ctx, "15550100")
	require.NoError(t, err)
	assert.Len(t, matches, 0, "leading plus is part of the key")
	matches, err = s.FindAccountsByPhone(ctx, "+1-555-0100")
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	err = s.UpsertEntries(ctx, []models.LedgerEntry{{ID: user + "-e0", AccountID: "missing", Type: models.EntryIncrease, Amount: decimal.NewFromInt(1)}})
	assert.ErrorIs(t, err, interfaces.ErrRejected)

	require.NoError(t, s.UpsertEntries(ctx, []models.LedgerEntry{{
		ID: user + "-e1", AccountID: user + "-b", Date: time.Now(), Type: models.EntryIncrease, Amount: decimal.NewFromInt(5),
	}}))
	require.NoError(t, s.ReassignEntries(ctx, user+"-b", user+"-a"))
	require.NoError(t, s.DeleteAccount(ctx, user+"-b"))
	require.NoError(t, s.DeleteAccount(ctx, user+"-b"), "deleting twice is a no-op")

	accounts, err := s.FetchAccounts(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	entries, err := s.FetchEntries(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, user+"-a", entries[0].AccountID)

	assert.Len(t, pub.evs, 4)
}
