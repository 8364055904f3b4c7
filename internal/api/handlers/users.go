package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/core"
)

// ProxyUserCreator forwards user creation to the account provider. Satisfied
// by the reconciliation engine.
type ProxyUserCreator interface {
	CreateProxyUser(ctx context.Context, params map[string]any) (string, error)
}

// UsersHandler proxies user creation to the account provider so clients
// never hold provider credentials.
type UsersHandler struct {
	engine ProxyUserCreator
	logger *slog.Logger
}

// NewUsersHandler creates a UsersHandler.
func NewUsersHandler(engine ProxyUserCreator, logger *slog.Logger) *UsersHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsersHandler{engine: engine, logger: logger}
}

// RegisterRoutes mounts the user creation endpoint. Public: creating a user
// is the step before creating an account, so no API key exists yet.
func (h *UsersHandler) RegisterRoutes(r chi.Router) {
	r.Post("/users", h.Create)
}

type createUserResponse struct {
	UserID                string `json:"userId"`
	AuthorizationRequired bool   `json:"authorizationRequired"`
}

// Create forwards the request body verbatim to the provider, minus fields
// the engine refuses (the caller may not pick the organization).
func (h *UsersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if err := core.DecodeJSON(w, r, &params); err != nil {
		core.Error(w, r, err)
		return
	}

	userID, err := h.engine.CreateProxyUser(r.Context(), params)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, createUserResponse{
		UserID:                userID,
		AuthorizationRequired: false,
	})
}
