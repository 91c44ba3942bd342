package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/interfaces"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/ledger"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/lock"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/orchestrator"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/scheduler"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/session"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSyncer struct {
	result orchestrator.Result
	err    error
	calls  []orchestrator.Strategy
}

func (s *stubSyncer) run(strategy orchestrator.Strategy) (orchestrator.Result, error) {
	s.calls = append(s.calls, strategy)
	res := s.result
	res.Strategy = strategy
	return res, s.err
}

func (s *stubSyncer) FullSync(context.Context) (orchestrator.Result, error) {
	return s.run(orchestrator.StrategyFull)
}

func (s *stubSyncer) IncrementalSync(context.Context) (orchestrator.Result, error) {
	return s.run(orchestrator.StrategyIncremental)
}

func (s *stubSyncer) SmartStartupSync(context.Context) (orchestrator.Result, error) {
	return s.run(orchestrator.StrategySmart)
}

func (s *stubSyncer) OfflineRecoverySync(context.Context) (orchestrator.Result, error) {
	return s.run(orchestrator.StrategyOfflineRecovery)
}

func (s *stubSyncer) Status(context.Context) (orchestrator.Status, error) {
	return orchestrator.Status{Last: map[orchestrator.Strategy]orchestrator.Result{}}, nil
}

func newTestServer(t *testing.T, syncer *stubSyncer, sched *scheduler.Scheduler) (*httptest.Server, *memory.MemoryLedgerStore) {
	t.Helper()
	store := memory.NewMemoryLedgerStore()
	l := ledger.NewLedger(store, ledger.ShortIDs{}, nil, zerolog.Nop())
	srv := httptest.NewServer(New(l, syncer, sched, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubSyncer{}, nil)
	resp, body := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestLedgerEditsAndReads(t *testing.T) {
	srv, _ := newTestServer(t, &stubSyncer{}, nil)

	resp, acc := do(t, http.MethodPost, srv.URL+"/accounts", `{"name":"Asha","phone":"+91 98765"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := acc["account_id"].(string)
	require.NotEmpty(t, id)

	resp, _ = do(t, http.MethodPost, srv.URL+"/ledgerEntries",
		`{"account_id":"`+id+`","date":"2024-05-01","type":"CREDIT","amount":"100"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, entry := do(t, http.MethodPost, srv.URL+"/ledgerEntries",
		`{"account_id":"`+id+`","date":"2024-05-02","type":"PAYMENT","amount":"30"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "70", entry["balance_after"])

	resp, bal := do(t, http.MethodGet, srv.URL+"/accounts/"+id+"/balance", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "70", bal["balance"])

	resp, err := http.Get(srv.URL + "/ledgerEntries?account_id=" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	var entries []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Len(t, entries, 2)

	resp, updated := do(t, http.MethodPut, srv.URL+"/accounts/"+id, `{"name":"Asha K","phone":"+91 98765"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Asha K", updated["name"])
	assert.Equal(t, "70", updated["total_balance"])
}

func TestLedgerErrors(t *testing.T) {
	srv, _ := newTestServer(t, &stubSyncer{}, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing account balance", http.MethodGet, "/accounts/nope/balance", "", http.StatusNotFound},
		{"entries without account", http.MethodGet, "/ledgerEntries", "", http.StatusBadRequest},
		{"blank name", http.MethodPost, "/accounts", `{"name":"  "}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/accounts", `{`, http.StatusBadRequest},
		{"unknown entry type", http.MethodPost, "/ledgerEntries", `{"account_id":"a","type":"GIFT","amount":"1"}`, http.StatusBadRequest},
		{"bad date", http.MethodPost, "/ledgerEntries", `{"account_id":"a","type":"CREDIT","amount":"1","date":"May 1"}`, http.StatusBadRequest},
		{"zero amount", http.MethodPost, "/ledgerEntries", `{"account_id":"a","type":"CREDIT","amount":"0"}`, http.StatusBadRequest},
		{"entry for missing account", http.MethodPost, "/ledgerEntries", `{"account_id":"a","type":"CREDIT","amount":"5"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestManualSync(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		result orchestrator.Result
		err    error
		want   int
	}{
		{"full success", "/sync/full", orchestrator.Result{Success: true}, nil, http.StatusOK},
		{"recover alias", "/sync/recover", orchestrator.Result{Success: true}, nil, http.StatusOK},
		{"skipped", "/sync/incremental", orchestrator.Result{Skipped: true}, nil, http.StatusConflict},
		{"offline", "/sync/full", orchestrator.Result{Kind: orchestrator.KindConnectivity, Err: interfaces.ErrUnreachable}, nil, http.StatusServiceUnavailable},
		{"expired", "/sync/full", orchestrator.Result{Kind: orchestrator.KindSubscriptionExpired, Err: orchestrator.ErrSubscriptionExpired}, nil, http.StatusPaymentRequired},
		{"signed out", "/sync/smart", orchestrator.Result{}, session.ErrSignedOut, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &stubSyncer{result: tt.result, err: tt.err}
			srv, _ := newTestServer(t, syncer, nil)
			resp, body := do(t, http.MethodPost, srv.URL+tt.path, "")
			assert.Equal(t, tt.want, resp.StatusCode)
			require.Len(t, syncer.calls, 1)
			if tt.result.Err != nil {
				assert.Equal(t, tt.result.Err.Error(), body["error"])
				assert.Equal(t, tt.result.Kind.String(), body["kind"])
			}
		})
	}
}

func TestManualSyncRejectsQuickAndUnknown(t *testing.T) {
	syncer := &stubSyncer{}
	srv, _ := newTestServer(t, syncer, nil)

	resp, _ := do(t, http.MethodPost, srv.URL+"/sync/quick", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/sync/sometimes", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, syncer.calls)
}

func TestSyncStatusIncludesScheduler(t *testing.T) {
	syncer := &stubSyncer{}
	sched := scheduler.New(syncer, lock.New(), memory.NewMemoryLedgerStore())
	srv, _ := newTestServer(t, syncer, sched)

	resp, body := do(t, http.MethodGet, srv.URL+"/sync/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "state")
	sch, ok := body["scheduler"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, sch["foreground"])
	assert.Equal(t, "fast", sch["connectivity"])
}
