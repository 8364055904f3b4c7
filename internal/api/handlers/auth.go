package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/auth"
	"billingsync/internal/core"
)

// TokenExchanger swaps a single-use SSO token for an API key. Satisfied by
// *auth.Service.
type TokenExchanger interface {
	Exchange(ctx context.Context, token string) (auth.Response, error)
}

// AuthHandler serves the SSO token exchange endpoint.
type AuthHandler struct {
	exchanger TokenExchanger
	logger    *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(exchanger TokenExchanger, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{exchanger: exchanger, logger: logger}
}

// RegisterRoutes mounts the exchange endpoint. It is public: the token
// itself is the credential.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/authenticate", h.Exchange)
}

type authenticateRequest struct {
	JWT string `json:"jwt"`
}

type authenticateResponse struct {
	APIKey    string `json:"apiKey"`
	AccountID string `json:"accountId"`
}

type authenticateRejection struct {
	Message string `json:"message"`
}

// Exchange validates the presented token and, on success, issues a fresh
// API key for the account it names. Malformed tokens get 400; well-formed
// tokens the service refuses (expired, replayed, unknown account) get 401.
func (h *AuthHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.JWT == "" {
		core.JSON(w, r, http.StatusBadRequest, authenticateRejection{Message: "Missing JWT"})
		return
	}

	resp, err := h.exchanger.Exchange(r.Context(), req.JWT)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	switch resp.Result {
	case auth.ResultSuccess:
		core.JSON(w, r, http.StatusOK, authenticateResponse{
			APIKey:    resp.APIKey,
			AccountID: resp.AccountID,
		})
	case auth.ResultDenied:
		core.JSON(w, r, http.StatusUnauthorized, authenticateRejection{Message: resp.Message})
	default:
		core.JSON(w, r, http.StatusBadRequest, authenticateRejection{Message: resp.Message})
	}
}
