package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
)

// Table names of the two replicated collections.
const (
	TableAccounts      = "accounts"
	TableLedgerEntries = "ledger_entries"
)

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// ChangeEvent is one row-level change delivered by the push channel.
// New is empty for deletes, Old is only populated for updates and deletes.
type ChangeEvent struct {
	Table      string          `json:"table"`
	EventType  EventType       `json:"eventType"`
	UserID     string          `json:"user_id"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// AccountEvent builds a change event for an account row.
func AccountEvent(userID string, typ EventType, newRow, oldRow *models.Account) (ChangeEvent, error) {
	return build(TableAccounts, userID, typ, newRow, oldRow)
}

// EntryEvent builds a change event for a ledger entry row.
func EntryEvent(userID string, typ EventType, newRow, oldRow *models.LedgerEntry) (ChangeEvent, error) {
	return build(TableLedgerEntries, userID, typ, newRow, oldRow)
}

func build[T any](table, userID string, typ EventType, newRow, oldRow *T) (ChangeEvent, error) {
	ev := ChangeEvent{Table: table, EventType: typ, UserID: userID, OccurredAt: time.Now().UTC()}
	if newRow != nil {
		b, err := json.Marshal(newRow)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.New = b
	}
	if oldRow != nil {
		b, err := json.Marshal(oldRow)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.Old = b
	}
	return ev, nil
}

// Row returns the row the event is about: New for inserts and updates, Old for deletes.
func (e ChangeEvent) Row() json.RawMessage {
	if e.EventType == Delete {
		return e.Old
	}
	return e.New
}

// DecodeAccount decodes the event's row as an account.
func (e ChangeEvent) DecodeAccount() (models.Account, error) {
	var a models.Account
	if e.Table != TableAccounts {
		return a, fmt.Errorf("event for table %q is not an account", e.Table)
	}
	if err := json.Unmarshal(e.Row(), &a); err != nil {
		return a, fmt.Errorf("decode account row: %w", err)
	}
	a.TotalBalance = models.ClampBalance(a.TotalBalance)
	return a, nil
}

// DecodeEntry decodes the event's row as a ledger entry.
func (e ChangeEvent) DecodeEntry() (models.LedgerEntry, error) {
	var le models.LedgerEntry
	if e.Table != TableLedgerEntries {
		return le, fmt.Errorf("event for table %q is not a ledger entry", e.Table)
	}
	if err := json.Unmarshal(e.Row(), &le); err != nil {
		return le, fmt.Errorf("decode ledger entry row: %w", err)
	}
	le.BalanceAfter = models.ClampBalance(le.BalanceAfter)
	return le, nil
}

// Validate rejects events the listener cannot route.
func (e ChangeEvent) Validate() error {
	switch e.Table {
	case TableAccounts, TableLedgerEntries:
	default:
		return fmt.Errorf("unknown table %q", e.Table)
	}
	switch e.EventType {
	case Insert, Update, Delete:
	default:
		return fmt.Errorf("unknown event type %q", e.EventType)
	}
	if len(e.Row()) == 0 {
		return fmt.Errorf("%s event on %s carries no row", e.EventType, e.Table)
	}
	return nil
}
