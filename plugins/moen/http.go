package moen

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joshp123/moenhome/internal/apierr"
)

func registerHTTP(r chi.Router, accounts *Accounts) {
	h := &httpHandlers{accounts: accounts}
	r.Get("/api/accounts", h.listAccounts)
	r.Get("/api/accounts/{account}/snapshot", h.snapshot)
	r.Post("/api/accounts/{account}/refresh", h.refresh)
	r.Get("/api/devices/{device}", h.device)
}

type httpHandlers struct {
	accounts *Accounts
}

func (h *httpHandlers) listAccounts(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		Name    string `json:"name"`
		Devices int    `json:"devices"`
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	out := []entry{}
	for _, account := range h.accounts.List() {
		snapshot := account.Coordinator.Snapshot()
		out = append(out, entry{
			Name:    account.Name(),
			Devices: len(snapshot.Devices),
			Success: snapshot.Success,
			Error:   snapshot.Error,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (h *httpHandlers) snapshot(w http.ResponseWriter, r *http.Request) {
	account, ok := h.accounts.Get(chi.URLParam(r, "account"))
	if !ok {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, account.Coordinator.Snapshot())
}

func (h *httpHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	account, ok := h.accounts.Get(chi.URLParam(r, "account"))
	if !ok {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err := account.Coordinator.Refresh(r.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, apierr.ErrAuthentication) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, account.Coordinator.Snapshot())
}

func (h *httpHandlers) device(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "device")
	account, _, err := h.accounts.FindDevice(key)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	view, ok := account.Coordinator.Snapshot().View(key)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
