// Package httpapi is the local status and control surface: balances, ledger
// entries, the local edit path, sync status and manual sync triggers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/ledger"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/orchestrator"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/scheduler"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/session"
	"github.com/shopspring/decimal"
)

// Syncer is the orchestrator surface the API drives.
type Syncer interface {
	FullSync(ctx context.Context) (orchestrator.Result, error)
	IncrementalSync(ctx context.Context) (orchestrator.Result, error)
	SmartStartupSync(ctx context.Context) (orchestrator.Result, error)
	OfflineRecoverySync(ctx context.Context) (orchestrator.Result, error)
	Status(ctx context.Context) (orchestrator.Status, error)
}

type Server struct {
	ledger    *ledger.Ledger
	sync      Syncer
	scheduler *scheduler.Scheduler
	log       zerolog.Logger
}

// New wires the handlers. sched may be nil.
func New(l *ledger.Ledger, s Syncer, sched *scheduler.Scheduler, log zerolog.Logger) *Server {
	return &Server{
		ledger:    l,
		sync:      s,
		scheduler: sched,
		log:       log.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/accounts", s.handleCreateAccount).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}", s.handleUpdateAccount).Methods(http.MethodPut)
	r.HandleFunc("/accounts/{id}/balance", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/ledgerEntries", s.handleLedgerEntries).Methods(http.MethodGet)
	r.HandleFunc("/ledgerEntries", s.handleAddEntry).Methods(http.MethodPost)

	r.HandleFunc("/sync/status", s.handleSyncStatus).Methods(http.MethodGet)
	r.HandleFunc("/sync/{strategy}", s.handleSync).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := s.ledger.CreateAccount(r.Context(), ledger.AccountInput(req))
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := s.ledger.UpdateAccount(r.Context(), mux.Vars(r)["id"], ledger.AccountInput(req))
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	balance, err := s.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}

	response := struct {
		AccountID string          `json:"account_id"`
		Balance   decimal.Decimal `json:"balance"`
	}{
		AccountID: accountID,
		Balance:   balance,
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		respondError(w, http.StatusBadRequest, "account_id is a mandatory field")
		return
	}
	entries, err := s.ledger.GetLedgerEntries(r.Context(), accountID)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

type entryRequest struct {
	AccountID     string          `json:"account_id"`
	Date          string          `json:"date"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Note          string          `json:"note"`
	AttachmentRef string          `json:"attachment_ref"`
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	typ, err := models.ParseEntryType(req.Type)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	date := time.Now()
	if req.Date != "" {
		if date, err = time.Parse(time.DateOnly, req.Date); err != nil {
			respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}

	e, err := s.ledger.AddEntry(r.Context(), ledger.EntryInput{
		AccountID:     req.AccountID,
		Date:          date,
		Type:          typ,
		Amount:        req.Amount,
		Note:          req.Note,
		AttachmentRef: req.AttachmentRef,
	})
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

func (s *Server) respondLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrNameRequired):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error().Err(err).Msg("ledger request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

type statusResponse struct {
	orchestrator.Status
	Scheduler *scheduler.Snapshot `json:"scheduler,omitempty"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sync.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := statusResponse{Status: st}
	if s.scheduler != nil {
		snap := s.scheduler.Snapshot()
		resp.Scheduler = &snap
	}
	respondJSON(w, http.StatusOK, resp)
}

type syncResponse struct {
	orchestrator.Result
	Kind  string `json:"kind"`
	Error string `json:"error,omitempty"`
}

// handleSync runs a strategy on demand. Unlike scheduled runs, connectivity
// failures are reported to the caller.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	strategy, err := orchestrator.ParseStrategy(mux.Vars(r)["strategy"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var run func(context.Context) (orchestrator.Result, error)
	switch strategy {
	case orchestrator.StrategyFull:
		run = s.sync.FullSync
	case orchestrator.StrategyIncremental:
		run = s.sync.IncrementalSync
	case orchestrator.StrategySmart:
		run = s.sync.SmartStartupSync
	case orchestrator.StrategyOfflineRecovery:
		run = s.sync.OfflineRecoverySync
	default:
		respondError(w, http.StatusBadRequest, "quick sync runs from local edits only")
		return
	}

	res, err := run(r.Context())
	if errors.Is(err, session.ErrSignedOut) {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, syncStatusCode(res), syncResponse{Result: res, Kind: res.Kind.String(), Error: res.Message()})
}

func syncStatusCode(res orchestrator.Result) int {
	switch {
	case res.Success, res.Delegated:
		return http.StatusOK
	case res.Skipped, res.Aborted:
		return http.StatusConflict
	}
	switch res.Kind {
	case orchestrator.KindConnectivity:
		return http.StatusServiceUnavailable
	case orchestrator.KindSubscriptionExpired:
		return http.StatusPaymentRequired
	case orchestrator.KindRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
