package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	interfaces "github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
)

type Strategy string

const (
	StrategyFull            Strategy = "full"
	StrategyIncremental     Strategy = "incremental"
	StrategySmart           Strategy = "smart"
	StrategyQuick           Strategy = "quick"
	StrategyOfflineRecovery Strategy = "offline_recovery"
)

// ParseStrategy accepts the names used on the command line and HTTP surface.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyFull, StrategyIncremental, StrategySmart, StrategyQuick, StrategyOfflineRecovery:
		return Strategy(s), nil
	case "recover", "offline":
		return StrategyOfflineRecovery, nil
	}
	return "", fmt.Errorf("unknown sync strategy %q", s)
}

// ErrorKind classifies why a strategy did not succeed.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindConnectivity
	KindRejected
	KindSubscriptionExpired
	KindAborted
	KindLocal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnectivity:
		return "connectivity"
	case KindRejected:
		return "rejected"
	case KindSubscriptionExpired:
		return "subscription_expired"
	case KindAborted:
		return "aborted"
	case KindLocal:
		return "local"
	default:
		return "unknown"
	}
}

var (
	// ErrSubscriptionExpired refuses a full sync until the subscription is renewed.
	ErrSubscriptionExpired = errors.New("subscription expired, renew to sync")
	// ErrAborted means a higher priority flow took the lock mid-run.
	ErrAborted = errors.New("sync aborted by a higher priority flow")
)

func classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAborted):
		return KindAborted
	case errors.Is(err, ErrSubscriptionExpired):
		return KindSubscriptionExpired
	case errors.Is(err, interfaces.ErrUnreachable), errors.Is(err, context.DeadlineExceeded):
		return KindConnectivity
	case errors.Is(err, interfaces.ErrRejected):
		return KindRejected
	default:
		return KindLocal
	}
}

// Stats counts the rows a strategy touched.
type Stats struct {
	AccountsUploaded   int `json:"accounts_uploaded"`
	EntriesUploaded    int `json:"entries_uploaded"`
	AccountsInserted   int `json:"accounts_inserted"`
	AccountsUpdated    int `json:"accounts_updated"`
	EntriesInserted    int `json:"entries_inserted"`
	EntriesSkipped     int `json:"entries_skipped"`
	OrphansDropped     int `json:"orphans_dropped"`
	DuplicatesResolved int `json:"duplicates_resolved"`
	RemapsApplied      int `json:"remaps_applied"`
	BalancesRecomputed int `json:"balances_recomputed"`
	RowsConfirmed      int `json:"rows_confirmed"`
}

// Merged is the number of rows a download wrote locally.
func (s Stats) Merged() int {
	return s.AccountsInserted + s.AccountsUpdated + s.EntriesInserted
}

// Result is the outcome of one strategy invocation. Skipped means the lock was
// taken and nothing ran; Delegated means the strategy refused to run and a
// full sync is needed instead.
type Result struct {
	Strategy    Strategy      `json:"strategy"`
	Success     bool          `json:"success"`
	Skipped     bool          `json:"skipped,omitempty"`
	Delegated   bool          `json:"delegated,omitempty"`
	Aborted     bool          `json:"aborted,omitempty"`
	Kind        ErrorKind     `json:"-"`
	Err         error         `json:"-"`
	Stats       Stats         `json:"stats"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	EscalatedTo Strategy      `json:"escalated_to,omitempty"`
}

// Message returns the failure message, or "" on success.
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
