package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EntryType tags a ledger entry as money owed to us (credit) or money received (payment).
type EntryType string

const (
	EntryIncrease EntryType = "INCREASE" // CREDIT in the domain
	EntryDecrease EntryType = "DECREASE" // PAYMENT in the domain
)

// ParseEntryType accepts both the storage tags and the domain labels.
func ParseEntryType(s string) (EntryType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INCREASE", "CREDIT":
		return EntryIncrease, nil
	case "DECREASE", "PAYMENT":
		return EntryDecrease, nil
	}
	return "", fmt.Errorf("unknown entry type %q", s)
}

// LedgerEntry represents a single ledger record for an account
type LedgerEntry struct {
	ID            string          `json:"entry_id"`       // opaque, globally unique
	DisplayID     string          `json:"display_id"`     // human readable
	AccountID     string          `json:"account_id"`     // which account this entry belongs to
	Date          time.Time       `json:"date"`           // day granularity
	Type          EntryType       `json:"type"`           // INCREASE or DECREASE
	Amount        decimal.Decimal `json:"amount"`         // always positive
	Note          string          `json:"note,omitempty"` // optional
	AttachmentRef string          `json:"attachment_ref,omitempty"`
	BalanceAfter  decimal.Decimal `json:"balance_after"` // derived, running total through this entry
	CreatedAt     time.Time       `json:"created_at"`    // creation order, tie-break for equal dates
	SyncedAt      time.Time       `json:"synced_at"`     // server-side modification timestamp
	SyncedToCloud bool            `json:"-"`             // local only
}

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Signed returns the amount with the sign implied by the entry type.
func (e LedgerEntry) Signed() decimal.Decimal {
	if e.Type == EntryDecrease {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Before reports whether e sorts before o in balance order: date ascending,
// then creation order, then id so the order is total.
func (e LedgerEntry) Before(o LedgerEntry) bool {
	de, do := Day(e.Date), Day(o.Date)
	if !de.Equal(do) {
		return de.Before(do)
	}
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.Before(o.CreatedAt)
	}
	return e.ID < o.ID
}
