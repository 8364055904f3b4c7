package core

import (
	"context"
	"net/http"

	"billingsync/internal/types"
)

// APIKeyValidator resolves a bearer API key to its account. Satisfied by
// *auth.Service.
type APIKeyValidator interface {
	ValidateAPIKey(ctx context.Context, apiKey string) (types.Account, bool, error)
}

// NewAPIKeyMiddleware authenticates requests by the x-api-key header and
// injects the resolved account into the request context. Missing keys get
// auth_token_missing; expired, revoked, and never-issued keys are
// indistinguishable and get auth_token_invalid.
func NewAPIKeyMiddleware(validator APIKeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("x-api-key")
			if apiKey == "" {
				Error(w, r, types.NewAppError(
					types.ErrCodeAuthTokenMissing,
					"x-api-key header is required",
					nil,
				))
				return
			}

			account, ok, err := validator.ValidateAPIKey(r.Context(), apiKey)
			if err != nil {
				Error(w, r, err)
				return
			}
			if !ok {
				Error(w, r, types.NewAppError(
					types.ErrCodeAuthTokenInvalid,
					"invalid api key",
					nil,
				))
				return
			}

			next.ServeHTTP(w, r.WithContext(types.WithAccount(r.Context(), account)))
		})
	}
}
