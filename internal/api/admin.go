package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mcpgate/backend/internal/keystore"
	"github.com/mcpgate/backend/internal/ledger"
	"github.com/mcpgate/backend/internal/webhooks"
)

// registerAdmin mounts the key-management endpoints. Everything here is
// behind the admin bearer token.
func (s *Server) registerAdmin(r *mux.Router) {
	admin := r.PathPrefix("/admin").Subrouter()

	admin.HandleFunc("/keys", s.requireAdmin(s.handleCreateKey)).Methods(http.MethodPost)
	admin.HandleFunc("/keys", s.requireAdmin(s.handleListKeys)).Methods(http.MethodGet)
	admin.HandleFunc("/keys/{id}", s.requireAdmin(s.handleGetKey)).Methods(http.MethodGet)
	admin.HandleFunc("/keys/{id}/topup", s.requireAdmin(s.handleTopup)).Methods(http.MethodPost)
	admin.HandleFunc("/keys/{id}/revoke", s.requireAdmin(s.handleRevoke)).Methods(http.MethodPost)
	admin.HandleFunc("/keys/{id}/suspend", s.requireAdmin(s.handleSuspend)).Methods(http.MethodPost)
	admin.HandleFunc("/keys/{id}/resume", s.requireAdmin(s.handleResume)).Methods(http.MethodPost)
	admin.HandleFunc("/keys/{id}/ledger", s.requireAdmin(s.handleLedger)).Methods(http.MethodGet)
	admin.HandleFunc("/keys/{id}/velocity", s.requireAdmin(s.handleVelocity)).Methods(http.MethodGet)
	admin.HandleFunc("/transfer", s.requireAdmin(s.handleTransfer)).Methods(http.MethodPost)
	admin.HandleFunc("/tokens", s.requireAdmin(s.handleMintToken)).Methods(http.MethodPost)
	admin.HandleFunc("/tokens/{id}", s.requireAdmin(s.handleRevokeToken)).Methods(http.MethodDelete)

	if s.deps.Hooks != nil {
		admin.HandleFunc("/webhooks", s.requireAdmin(s.handleCreateWebhook)).Methods(http.MethodPost)
		admin.HandleFunc("/webhooks", s.requireAdmin(s.handleListWebhooks)).Methods(http.MethodGet)
		admin.HandleFunc("/webhooks/{id}", s.requireAdmin(s.handleDeleteWebhook)).Methods(http.MethodDelete)
	}
}

type createKeyRequest struct {
	Name    string `json:"name"`
	Credits int64  `json:"credits"`
	keystore.KeyConfig
	ExpiresInHours int `json:"expires_in_hours"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ExpiresInHours > 0 {
		t := time.Now().UTC().Add(time.Duration(req.ExpiresInHours) * time.Hour)
		req.ExpiresAt = &t
	}

	rec, err := s.deps.Store.Create(req.Name, req.Credits, req.KeyConfig)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Store.List())
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveKey(w, r)
	if !ok {
		return
	}
	rec, _ := s.deps.Store.Get(id)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveKey(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount int64  `json:"amount"`
		Memo   string `json:"memo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	balance, err := s.deps.Store.AddCredits(id, req.Amount, ledger.EntryTopup, req.Memo)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, s.deps.Store.Revoke)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, s.deps.Store.Suspend)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, s.deps.Store.Resume)
}

func (s *Server) keyAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id, ok := s.resolveKey(w, r)
	if !ok {
		return
	}
	if err := action(id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveKey(w, r)
	if !ok {
		return
	}

	filter := ledger.Filter{
		Type:  ledger.EntryType(r.URL.Query().Get("type")),
		Limit: queryInt(r, "limit", 0),
	}
	writeJSON(w, http.StatusOK, s.deps.Ledger.History(id, filter))
}

func (s *Server) handleVelocity(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveKey(w, r)
	if !ok {
		return
	}
	rec, _ := s.deps.Store.Get(id)

	window := float64(queryInt(r, "window", 24))
	if window <= 0 {
		window = 24
	}
	writeJSON(w, http.StatusOK, s.deps.Ledger.SpendingVelocity(id, rec.Credits, window))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount int64  `json:"amount"`
		Memo   string `json:"memo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fromID, ok := s.deps.Store.ResolveAliasOrID(req.From)
	if !ok {
		http.Error(w, "source key not found", http.StatusNotFound)
		return
	}
	toID, ok := s.deps.Store.ResolveAliasOrID(req.To)
	if !ok {
		http.Error(w, "destination key not found", http.StatusNotFound)
		return
	}

	if err := s.deps.Store.Transfer(fromID, toID, req.Amount, req.Memo); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key        string   `json:"key"`
		Tools      []string `json:"tools"`
		TTLMinutes int      `json:"ttl_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, ok := s.deps.Store.ResolveAliasOrID(req.Key)
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	rec, _ := s.deps.Store.Get(id)
	if rec == nil || !rec.Usable(time.Now().UTC()) {
		http.Error(w, "key is not usable", http.StatusConflict)
		return
	}

	token, err := s.deps.Broker.Mint(id, req.Tools, time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	s.deps.Broker.Revoke(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var sub webhooks.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.deps.Hooks.Register(&sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Hooks.List())
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Hooks.Unregister(mux.Vars(r)["id"]); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) resolveKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := s.deps.Store.ResolveAliasOrID(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return "", false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, keystore.ErrAliasTaken):
		code = http.StatusConflict
	case errors.Is(err, keystore.ErrStoreFull),
		errors.Is(err, keystore.ErrInvalidAmount),
		errors.Is(err, keystore.ErrSpendingLimit),
		errors.Is(err, keystore.ErrInsufficientFunds):
		code = http.StatusBadRequest
	case errors.Is(err, keystore.ErrKeyInactive), errors.Is(err, keystore.ErrKeySuspended):
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
