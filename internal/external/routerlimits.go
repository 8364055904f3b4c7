package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"billingsync/internal/types"
)

// RouterLimitsClientConfig holds the configuration for creating a
// RouterLimitsClient.
type RouterLimitsClientConfig struct {
	APIBase        string
	APIKey         types.SecretString
	OrganizationID string
	Logger         *slog.Logger
}

// RouterLimitsClient implements AccountService against the Router Limits
// REST API. Requests authenticate with the integration's API key in the
// x-api-key header and go through BaseClient for resilience.
type RouterLimitsClient struct {
	base   *BaseClient
	apiKey types.SecretString
	// orgID is the parent organization all accounts are created under.
	orgID   string
	baseURL string
	logger  *slog.Logger
}

// NewRouterLimitsClient creates a new RouterLimitsClient.
func NewRouterLimitsClient(httpClient *http.Client, cfg RouterLimitsClientConfig) *RouterLimitsClient {
	base := NewBaseClient(
		httpClient,
		"routerlimits",
		DefaultRetryPolicy(),
		types.ErrCodeUpstreamAccounts,
		"BillingSync/1.0",
	)
	return NewRouterLimitsClientWithBase(base, cfg)
}

// NewRouterLimitsClientWithBase creates a RouterLimitsClient with a
// pre-configured BaseClient. Useful for tests.
func NewRouterLimitsClientWithBase(base *BaseClient, cfg RouterLimitsClientConfig) *RouterLimitsClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RouterLimitsClient{
		base:    base,
		apiKey:  cfg.APIKey,
		orgID:   cfg.OrganizationID,
		baseURL: strings.TrimSuffix(cfg.APIBase, "/"),
		logger:  logger,
	}
}

// ---------------------------------------------------------------------------
// AccountService Implementation
// ---------------------------------------------------------------------------

// CreateAccount creates an account under the integration's organization.
// routerPairingCode may be empty.
func (c *RouterLimitsClient) CreateAccount(ctx context.Context, userID, routerPairingCode string) (string, error) {
	reqBody := rlAccountCreateRequest{
		UserID:               userID,
		ParentOrganizationID: c.orgID,
	}
	if routerPairingCode != "" {
		reqBody.RouterPairingCode = &routerPairingCode
	}

	resp, err := c.doJSON(ctx, http.MethodPost, "/accounts", reqBody)
	if err != nil {
		return "", c.wrapError("CreateAccount", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.handleErrorResponse(resp, "CreateAccount")
	}

	var created rlAccountCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode account creation response",
			err,
		)
	}
	if created.AccountID == "" {
		return "", types.NewAppError(
			types.ErrCodeUpstreamAccounts,
			"account creation response is missing accountId",
			nil,
		)
	}

	return created.AccountID, nil
}

// GetAccount returns the account with its user identity fields.
func (c *RouterLimitsClient) GetAccount(ctx context.Context, accountID string) (types.ProviderAccount, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, "/accounts/"+accountID, nil)
	if err != nil {
		return types.ProviderAccount{}, c.wrapError("GetAccount", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.ProviderAccount{}, c.handleErrorResponse(resp, "GetAccount")
	}

	var account types.ProviderAccount
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return types.ProviderAccount{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode account response",
			err,
		)
	}
	return account, nil
}

// Activate activates the account without naming a plan; the provider assigns
// its own default.
func (c *RouterLimitsClient) Activate(ctx context.Context, accountID string) error {
	resp, err := c.doJSON(ctx, http.MethodPost, "/accounts/"+accountID, rlAccountUpdateRequest{Active: true})
	if err != nil {
		return c.wrapError("Activate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.handleErrorResponse(resp, "Activate")
	}
	return nil
}

// Cancel cancels the account's subscription on the provider side.
func (c *RouterLimitsClient) Cancel(ctx context.Context, accountID string) error {
	resp, err := c.doJSON(ctx, http.MethodDelete, "/accounts/"+accountID+"/subscriptions", nil)
	if err != nil {
		return c.wrapError("Cancel", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.handleErrorResponse(resp, "Cancel")
	}
	return nil
}

// Subscribe puts the account on the given provider plan.
func (c *RouterLimitsClient) Subscribe(ctx context.Context, accountID, planID string) error {
	resp, err := c.doJSON(ctx, http.MethodPost, "/accounts/"+accountID+"/subscriptions", rlSubscribeRequest{PlanID: planID})
	if err != nil {
		return c.wrapError("Subscribe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.handleErrorResponse(resp, "Subscribe")
	}
	return nil
}

// GetSubscriptions lists the account's subscriptions ordered by start time,
// most recent first.
func (c *RouterLimitsClient) GetSubscriptions(ctx context.Context, accountID string) ([]types.ProviderSubscription, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, "/accounts/"+accountID+"/subscriptions", nil)
	if err != nil {
		return nil, c.wrapError("GetSubscriptions", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp, "GetSubscriptions")
	}

	var subs []types.ProviderSubscription
	if err := json.NewDecoder(resp.Body).Decode(&subs); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode subscriptions response",
			err,
		)
	}

	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].StartTime > subs[j].StartTime
	})
	return subs, nil
}

// CreateUser proxies a user-creation request to the provider verbatim and
// returns the new user id. The caller is responsible for rejecting fields the
// proxy must not forward.
func (c *RouterLimitsClient) CreateUser(ctx context.Context, params map[string]any) (string, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, "/users", params)
	if err != nil {
		return "", c.wrapError("CreateUser", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.handleErrorResponse(resp, "CreateUser")
	}

	var created rlUserCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode user creation response",
			err,
		)
	}
	if created.UserID == "" {
		return "", types.NewAppError(
			types.ErrCodeUpstreamAccounts,
			"user creation response is missing userId",
			nil,
		)
	}

	return created.UserID, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doJSON performs an authenticated request with an optional JSON body.
func (c *RouterLimitsClient) doJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to encode request body",
				err,
			)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-api-key", c.apiKey.Unmask())

	return c.base.Do(req)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// rlErrorResponse is the JSON error body the Router Limits API returns.
type rlErrorResponse struct {
	Message string `json:"message"`
}

// handleErrorResponse maps a non-success response to a types.AppError.
func (c *RouterLimitsClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamAccounts,
			fmt.Sprintf("%s: provider returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var rlErr rlErrorResponse
	// A non-JSON error body is fine; the message just stays empty.
	_ = json.Unmarshal(body, &rlErr)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundAccount,
			fmt.Sprintf("%s: account provider resource not found: %s", operation, rlErr.Message),
			nil,
		)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamAccounts,
			fmt.Sprintf("%s: account provider unavailable (%d): %s", operation, resp.StatusCode, rlErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamAccounts,
			fmt.Sprintf("%s: account provider error (%d): %s", operation, resp.StatusCode, rlErr.Message),
			nil,
		)
	}
}

// wrapError wraps a BaseClient transport error with operation context.
func (c *RouterLimitsClient) wrapError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamAccounts,
		fmt.Sprintf("%s: account provider request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Wire Types
// ---------------------------------------------------------------------------

type rlAccountCreateRequest struct {
	UserID               string  `json:"userId"`
	RouterPairingCode    *string `json:"routerPairingCode,omitempty"`
	ParentOrganizationID string  `json:"parentOrganizationId"`
}

type rlAccountCreateResponse struct {
	AccountID string `json:"accountId"`
}

type rlAccountUpdateRequest struct {
	Active bool `json:"active"`
}

type rlSubscribeRequest struct {
	PlanID string `json:"planId"`
}

type rlUserCreateResponse struct {
	UserID string `json:"userId"`
}
