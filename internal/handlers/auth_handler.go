package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/rolledback/onedrive-sync/internal/auth"
	"github.com/rolledback/onedrive-sync/internal/models"
)

// Authenticator is the part of auth.FileAuthoriser the login listener drives.
type Authenticator interface {
	AuthURL() (string, error)
	Exchange(ctx context.Context, code string) error
	Status(ctx context.Context, attemptRefresh bool) auth.Status
}

// AuthHandler serves the loopback side of an interactive login: it sends the
// browser to the sign-in page and receives the authorization code on the
// redirect.
type AuthHandler struct {
	auth   Authenticator
	logger *zap.Logger

	once sync.Once
	done chan error
}

func NewAuthHandler(a Authenticator, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		auth:   a,
		logger: logger,
		done:   make(chan error, 1),
	}
}

// Routes returns the handler's endpoints.
func (h *AuthHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.Login)
	mux.HandleFunc("/callback", h.HandleCallback)
	mux.HandleFunc("/status", h.GetStatus)
	return mux
}

// Done delivers the outcome of the first callback.
func (h *AuthHandler) Done() <-chan error {
	return h.done
}

func (h *AuthHandler) finish(err error) {
	h.once.Do(func() {
		h.done <- err
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		h.respondError(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		h.respondError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	authURL, err := h.auth.AuthURL()
	if err != nil {
		h.logger.Error("failed to build auth URL", zap.Error(err))
		h.respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *AuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		desc := r.URL.Query().Get("error_description")
		if desc == "" {
			desc = "no authorization code in redirect"
		}
		h.logger.Warn("authorisation failed", zap.String("reason", desc))
		h.finish(fmt.Errorf("authorisation denied: %s", desc))
		h.respondError(w, desc, http.StatusBadRequest)
		return
	}

	if err := h.auth.Exchange(r.Context(), code); err != nil {
		h.logger.Error("token exchange failed", zap.Error(err))
		h.finish(err)
		h.respondError(w, "Token exchange failed", http.StatusBadGateway)
		return
	}

	status := h.auth.Status(r.Context(), false)
	h.finish(nil)
	h.respondJSON(w, models.LoginResponse{Success: true, Account: account(status)}, http.StatusOK)
}

func (h *AuthHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := h.auth.Status(r.Context(), r.URL.Query().Get("refresh") == "true")
	resp := models.StatusResponse{
		Connected:   status.Connected,
		NeedsReauth: status.NeedsReauth,
		Account:     account(status),
	}
	if !status.Expiry.IsZero() {
		resp.ExpiresAt = &status.Expiry
	}
	h.respondJSON(w, resp, http.StatusOK)
}

func account(s auth.Status) string {
	if s.AccountEmail != "" {
		return s.AccountEmail
	}
	return s.AccountName
}

func (h *AuthHandler) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *AuthHandler) respondError(w http.ResponseWriter, message string, status int) {
	h.respondJSON(w, models.ErrorResponse{Error: message}, status)
}
