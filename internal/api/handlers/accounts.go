package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/core"
	"billingsync/internal/types"
)

// AccountOperations is the account-facing surface of the reconciliation
// engine, exercised by the first-party API.
type AccountOperations interface {
	CreateAccount(ctx context.Context, userID, routerPairingCode string) (types.APIAccount, string, error)
	GetAccount(ctx context.Context, accountID string) (types.APIAccount, error)
	UpdateAccount(ctx context.Context, accountID string, active bool, planID *string) error
	GetPaymentMethods(ctx context.Context, accountID string) ([]types.PaymentMethod, error)
	CreatePaymentMethod(ctx context.Context, accountID, token string, setDefault bool) (types.PaymentMethod, error)
	DeletePaymentMethod(ctx context.Context, accountID, methodID string) error
	SetDefaultPaymentMethod(ctx context.Context, accountID, methodID string) error
}

// AccountsHandler serves account lifecycle and payment method endpoints.
type AccountsHandler struct {
	engine    AccountOperations
	validator *core.Validator
	logger    *slog.Logger
}

// NewAccountsHandler creates an AccountsHandler.
func NewAccountsHandler(engine AccountOperations, v *core.Validator, logger *slog.Logger) *AccountsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountsHandler{
		engine:    engine,
		validator: v,
		logger:    logger,
	}
}

// RegisterRoutes mounts the account endpoints. Creation is public (it is how
// a caller first obtains an API key); everything under an account id requires
// a key bound to that same account.
func (h *AccountsHandler) RegisterRoutes(r chi.Router, requireAPIKey func(http.Handler) http.Handler) {
	r.Post("/accounts", h.Create)

	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Use(requireAPIKey)
		r.Get("/", h.Get)
		r.Post("/", h.Update)

		r.Route("/paymentMethods", func(r chi.Router) {
			r.Get("/", h.ListPaymentMethods)
			r.Post("/", h.CreatePaymentMethod)
			r.Delete("/{methodID}", h.DeletePaymentMethod)
			r.Post("/{methodID}/setDefault", h.SetDefaultPaymentMethod)
		})
	})
}

type createAccountRequest struct {
	UserID            string `json:"userId" validate:"required"`
	RouterPairingCode string `json:"routerPairingCode,omitempty"`
}

type createAccountResponse struct {
	Account types.APIAccount `json:"account"`
	APIKey  string           `json:"apiKey"`
}

type updateAccountRequest struct {
	Active *bool   `json:"active" validate:"required"`
	PlanID *string `json:"planId,omitempty"`
}

type createPaymentMethodRequest struct {
	Token      string `json:"token" validate:"required"`
	SetDefault bool   `json:"setDefault,omitempty"`
}

// listResponse is the paging envelope for collection endpoints. Both backing
// directories are small enough to return in one page, so hasMore is always
// false and lastEvaluatedKey echoes the final element's id.
type listResponse struct {
	HasMore          bool    `json:"hasMore"`
	LastEvaluatedKey *string `json:"lastEvaluatedKey,omitempty"`
	Data             any     `json:"data"`
}

// Create provisions a new account end to end and returns its API key. The
// key is shown exactly once; only its hash is retained.
func (h *AccountsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	account, apiKey, err := h.engine.CreateAccount(r.Context(), req.UserID, req.RouterPairingCode)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, createAccountResponse{
		Account: account,
		APIKey:  apiKey,
	})
}

// Get returns the account's current state as derived from the billing side.
func (h *AccountsHandler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, err := h.requireOwnAccount(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	account, err := h.engine.GetAccount(r.Context(), accountID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, account)
}

// Update changes the account's subscription state. active=false cancels;
// active=true subscribes to the named plan, or just reactivates the
// provider-side account when no plan is given.
func (h *AccountsHandler) Update(w http.ResponseWriter, r *http.Request) {
	accountID, err := h.requireOwnAccount(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req updateAccountRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if !*req.Active && req.PlanID != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidRequest,
			"planId cannot be combined with active=false",
			nil,
		))
		return
	}

	if err := h.engine.UpdateAccount(r.Context(), accountID, *req.Active, req.PlanID); err != nil {
		core.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListPaymentMethods returns the account's stored payment instruments.
func (h *AccountsHandler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	accountID, err := h.requireOwnAccount(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	methods, err := h.engine.GetPaymentMethods(r.Context(), accountID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if methods == nil {
		methods = []types.PaymentMethod{}
	}

	var lastKey *string
	if len(methods) > 0 {
		lastKey = &methods[len(methods)-1].ID
	}
	core.JSON(w, r, http.StatusOK, listResponse{
		HasMore:          false,
		LastEvaluatedKey: lastKey,
		Data:             methods,
	})
}

// CreatePaymentMethod attaches a tokenized payment instrument to the
// account's billing customer.
func (h *AccountsHandler) CreatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	accountID, err := h.requireOwnAccount(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req createPaymentMethodRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	method, err := h.engine.CreatePaymentMethod(r.Context(), accountID, req.Token, req.SetDefault)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, method)
}

// DeletePaymentMethod detaches a payment instrument.
func (h *AccountsHandler) DeletePaymentMethod(w http.ResponseWriter, r *http.Request) {
	accountID, err := h.requireOwnAccount(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	methodID := chi.URLParam(r, "methodID")
	if err := h.engine.DeletePaymentMethod(r.Context(), accountID, methodID); err != nil {
		core.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetDefaultPaymentMethod marks a payment instrument as the customer default.
func (h *AccountsHandler) SetDefaultPaymentMethod(w http.ResponseWriter, r *http.Request) {
	accountID, err := h.requireOwnAccount(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	methodID := chi.URLParam(r, "methodID")
	if err := h.engine.SetDefaultPaymentMethod(r.Context(), accountID, methodID); err != nil {
		core.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// requireOwnAccount resolves the path account id and rejects requests whose
// API key belongs to a different account. An authenticated caller can only
// ever see or mutate its own account.
func (h *AccountsHandler) requireOwnAccount(r *http.Request) (string, error) {
	accountID := chi.URLParam(r, "accountID")
	authed, ok := types.GetAccount(r.Context())
	if !ok {
		return "", types.NewAppError(types.ErrCodeAuthTokenMissing, "no authenticated account", nil)
	}
	if authed.ID != accountID {
		return "", types.NewAppError(
			types.ErrCodePermissionAccountMismatch,
			"api key is not valid for this account",
			nil,
		)
	}
	return accountID, nil
}
