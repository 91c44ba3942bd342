package models

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Account is a customer whose ledger entries we keep.
type Account struct {
	ID            string          `json:"account_id"` // opaque, generated locally
	DisplayID     string          `json:"display_id"`
	Name          string          `json:"name"`
	Phone         string          `json:"phone"` // natural key for duplicate detection, may be empty
	Address       string          `json:"address"`
	TotalBalance  decimal.Decimal `json:"total_balance"` // derived, never written by user edits
	UpdatedAt     time.Time       `json:"updated_at"`
	SyncedToCloud bool            `json:"-"`
}

// NaturalKey is the normalized phone number used to match accounts across devices.
func (a Account) NaturalKey() string {
	return NormalizePhone(a.Phone)
}

// NormalizePhone strips formatting so "+91 98-76" and "+919876" compare equal.
func NormalizePhone(p string) string {
	var b strings.Builder
	for _, r := range p {
		if (r >= '0' && r <= '9') || (r == '+' && b.Len() == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ClampBalance applies the storage-boundary rule for derived balances:
// negative values become zero.
func ClampBalance(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// DecimalFromFloat converts a float read from a loosely typed source.
// NaN and infinities are coerced to zero.
func DecimalFromFloat(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}

// DecimalFromString parses a stored numeric, coercing anything unparsable to zero.
func DecimalFromString(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// SyncState is the single process-wide row describing sync progress.
type SyncState struct {
	LastSyncTime     time.Time // last successful incremental or full merge
	LastFullSyncTime time.Time // last successful full sync
	PendingChanges   int       // local mutations not yet confirmed remotely
}

// IDRemap records that a local account id was replaced by the canonical remote id.
type IDRemap struct {
	OldID      string
	NewID      string
	RecordedAt time.Time
}

// EntityKind names which replicated collection a quick sync payload targets.
type EntityKind string

const (
	KindAccount EntityKind = "account"
	KindEntry   EntityKind = "entry"
)

// QuickPayload is the minimal projection a caller hands over after a local edit.
type QuickPayload struct {
	Kind           EntityKind
	ID             string // account id or entry id
	DisplayID      string
	AccountID      string // parent account, entries only
	Fields         map[string]string
	DerivedBalance *decimal.Decimal
}
