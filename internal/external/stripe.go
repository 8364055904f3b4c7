package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"golang.org/x/sync/errgroup"

	"billingsync/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements BillingService by making direct HTTP calls to the
// Stripe REST API through BaseClient. This routes all requests through the
// shared resilience infrastructure (circuit breaker, retries, error mapping)
// and makes testing with httptest straightforward.
//
// The billing account may host subscriptions this service knows nothing
// about, so every subscription-level operation filters through the plan
// recognizer: only subscriptions on plans in the directory are considered
// ours to read or modify.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	plans     PlanRecognizer
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient.
func NewStripeClient(
	httpClient *http.Client,
	plans PlanRecognizer,
	cfg StripeClientConfig,
) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		types.ErrCodeUpstreamBilling,
		"BillingSync/1.0",
	)
	return NewStripeClientWithBase(base, plans, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful for tests that need to control retry behavior.
func NewStripeClientWithBase(
	base *BaseClient,
	plans PlanRecognizer,
	cfg StripeClientConfig,
) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		plans:     plans,
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// BillingService Implementation
// ---------------------------------------------------------------------------

// CreateCustomer creates a Stripe customer and returns its id.
func (s *StripeClient) CreateCustomer(ctx context.Context, firstName, lastName, email string) (string, error) {
	params := url.Values{}
	params.Set("name", strings.TrimSpace(firstName+" "+lastName))
	params.Set("email", email)

	resp, err := s.doPost(ctx, "/v1/customers", params)
	if err != nil {
		return "", s.wrapStripeError("CreateCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreateCustomer")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer creation response",
			err,
		)
	}

	return customer.ID, nil
}

// DeleteCustomer permanently deletes the Stripe customer. Stripe cancels the
// customer's subscriptions and discards stored payment methods as part of
// the deletion.
func (s *StripeClient) DeleteCustomer(ctx context.Context, customerID string) error {
	resp, err := s.doDelete(ctx, "/v1/customers/"+customerID)
	if err != nil {
		return s.wrapStripeError("DeleteCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "DeleteCustomer")
	}
	return nil
}

// Cancel cancels the customer's recognized subscription, if any. A customer
// with no recognized subscription is left untouched.
func (s *StripeClient) Cancel(ctx context.Context, customerID string) error {
	sub, found, err := s.recognizedSubscription(ctx, customerID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	resp, err := s.doDelete(ctx, "/v1/subscriptions/"+sub.ID)
	if err != nil {
		return s.wrapStripeError("Cancel", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "Cancel")
	}
	return nil
}

// CurrentPlan returns the billing plan id of the customer's recognized
// subscription, or "" if there is none.
func (s *StripeClient) CurrentPlan(ctx context.Context, customerID string) (string, error) {
	sub, found, err := s.recognizedSubscription(ctx, customerID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	return sub.planID, nil
}

// Subscribe puts the customer on the given billing plan. If the customer's
// recognized subscription is already on that plan, or on an equivalent of it,
// Subscribe does nothing. An existing subscription on a different plan is
// switched in place; otherwise a new subscription is created.
func (s *StripeClient) Subscribe(ctx context.Context, customerID, billingPlanID string) error {
	target, ok := s.plans.GetByBillingID(billingPlanID)
	if !ok {
		return types.NewAppError(
			types.ErrCodeNotFoundPlan,
			fmt.Sprintf("billing plan %s is not in the plan directory", billingPlanID),
			nil,
		)
	}

	sub, found, err := s.recognizedSubscription(ctx, customerID)
	if err != nil {
		return err
	}

	if found {
		current, ok := s.plans.GetByBillingID(sub.planID)
		if ok && current.ID == target.ID {
			return nil
		}
		return s.switchSubscription(ctx, sub, billingPlanID)
	}

	return s.createSubscription(ctx, customerID, billingPlanID)
}

// GetPaymentMethods lists the customer's stored cards, flagging the one set
// as the invoice default. The default lookup and the list fetch are
// independent requests, so they run concurrently.
func (s *StripeClient) GetPaymentMethods(ctx context.Context, customerID string) ([]types.PaymentMethod, error) {
	var (
		defaultID string
		listResp  stripePaymentMethodList
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		id, err := s.defaultPaymentMethodID(gctx, customerID)
		if err != nil {
			return err
		}
		defaultID = id
		return nil
	})
	g.Go(func() error {
		params := url.Values{}
		params.Set("customer", customerID)
		params.Set("type", "card")

		resp, err := s.doGet(gctx, "/v1/payment_methods", params)
		if err != nil {
			return s.wrapStripeError("GetPaymentMethods", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return s.handleErrorResponse(resp, "GetPaymentMethods")
		}

		if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
			return types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"failed to decode Stripe payment methods response",
				err,
			)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	methods := make([]types.PaymentMethod, 0, len(listResp.Data))
	for _, pm := range listResp.Data {
		methods = append(methods, mapStripePaymentMethod(&pm, defaultID))
	}
	return methods, nil
}

// CreatePaymentMethod turns a one-time card token into a stored payment
// method attached to the customer, optionally making it the invoice default.
func (s *StripeClient) CreatePaymentMethod(ctx context.Context, customerID, token string, setDefault bool) (types.PaymentMethod, error) {
	params := url.Values{}
	params.Set("type", "card")
	params.Set("card[token]", token)

	resp, err := s.doPost(ctx, "/v1/payment_methods", params)
	if err != nil {
		return types.PaymentMethod{}, s.wrapStripeError("CreatePaymentMethod", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.PaymentMethod{}, s.handleErrorResponse(resp, "CreatePaymentMethod")
	}

	var pm stripePaymentMethod
	if err := json.NewDecoder(resp.Body).Decode(&pm); err != nil {
		return types.PaymentMethod{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe payment method response",
			err,
		)
	}

	attachParams := url.Values{}
	attachParams.Set("customer", customerID)
	attachResp, err := s.doPost(ctx, "/v1/payment_methods/"+pm.ID+"/attach", attachParams)
	if err != nil {
		return types.PaymentMethod{}, s.wrapStripeError("CreatePaymentMethod.attach", err)
	}
	defer attachResp.Body.Close()

	if attachResp.StatusCode != http.StatusOK {
		return types.PaymentMethod{}, s.handleErrorResponse(attachResp, "CreatePaymentMethod.attach")
	}

	if setDefault {
		if err := s.SetDefaultPaymentMethod(ctx, customerID, pm.ID); err != nil {
			return types.PaymentMethod{}, err
		}
	}

	return mapStripePaymentMethod(&pm, ""), nil
}

// DeletePaymentMethod detaches the payment method from its customer, which
// removes it from the customer's stored instruments.
func (s *StripeClient) DeletePaymentMethod(ctx context.Context, customerID, methodID string) error {
	resp, err := s.doPost(ctx, "/v1/payment_methods/"+methodID+"/detach", url.Values{})
	if err != nil {
		return s.wrapStripeError("DeletePaymentMethod", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "DeletePaymentMethod")
	}
	return nil
}

// SetDefaultPaymentMethod makes the payment method the customer's invoice
// default.
func (s *StripeClient) SetDefaultPaymentMethod(ctx context.Context, customerID, methodID string) error {
	params := url.Values{}
	params.Set("invoice_settings[default_payment_method]", methodID)

	resp, err := s.doPost(ctx, "/v1/customers/"+customerID, params)
	if err != nil {
		return s.wrapStripeError("SetDefaultPaymentMethod", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "SetDefaultPaymentMethod")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Subscription Helpers
// ---------------------------------------------------------------------------

// recognizedSub identifies the customer's subscription on a plan this system
// manages: the subscription id, the id of its single item (needed for plan
// switches), and the billing plan id it is on.
type recognizedSub struct {
	ID     string
	itemID string
	planID string
}

// recognizedSubscription scans the customer's active subscriptions for the
// first one whose price is in the plan directory.
func (s *StripeClient) recognizedSubscription(ctx context.Context, customerID string) (recognizedSub, bool, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", "active")

	resp, err := s.doGet(ctx, "/v1/subscriptions", params)
	if err != nil {
		return recognizedSub{}, false, s.wrapStripeError("recognizedSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return recognizedSub{}, false, s.handleErrorResponse(resp, "recognizedSubscription")
	}

	var listResp stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return recognizedSub{}, false, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscriptions response",
			err,
		)
	}

	for _, sub := range listResp.Data {
		for _, item := range sub.Items.Data {
			if _, ok := s.plans.GetByBillingID(item.Price.ID); ok {
				return recognizedSub{
					ID:     sub.ID,
					itemID: item.ID,
					planID: item.Price.ID,
				}, true, nil
			}
		}
	}

	return recognizedSub{}, false, nil
}

// switchSubscription moves an existing subscription's item to a new price,
// prorating per the Stripe account defaults.
func (s *StripeClient) switchSubscription(ctx context.Context, sub recognizedSub, billingPlanID string) error {
	params := url.Values{}
	params.Set("items[0][id]", sub.itemID)
	params.Set("items[0][price]", billingPlanID)

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+sub.ID, params)
	if err != nil {
		return s.wrapStripeError("Subscribe.switch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "Subscribe.switch")
	}
	return nil
}

// createSubscription starts a fresh subscription on the given price.
func (s *StripeClient) createSubscription(ctx context.Context, customerID, billingPlanID string) error {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("items[0][price]", billingPlanID)

	resp, err := s.doPost(ctx, "/v1/subscriptions", params)
	if err != nil {
		return s.wrapStripeError("Subscribe.create", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "Subscribe.create")
	}
	return nil
}

// defaultPaymentMethodID reads the customer's invoice default, or "" if none
// is set.
func (s *StripeClient) defaultPaymentMethodID(ctx context.Context, customerID string) (string, error) {
	resp, err := s.doGet(ctx, "/v1/customers/"+customerID, nil)
	if err != nil {
		return "", s.wrapStripeError("defaultPaymentMethodID", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "defaultPaymentMethodID")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer response",
			err,
		)
	}
	return customer.InvoiceSettings.DefaultPaymentMethod, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request to the Stripe API with
// form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doDelete performs an authenticated DELETE request to the Stripe API.
func (s *StripeClient) doDelete(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidRequest,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe unavailable (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundBillingAccount,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with operation context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// BaseClient errors (open breaker, retries exhausted) already carry the
	// right code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamBilling,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID              string                `json:"id"`
	Email           string                `json:"email"`
	InvoiceSettings stripeInvoiceSettings `json:"invoice_settings"`
}

type stripeInvoiceSettings struct {
	DefaultPaymentMethod string `json:"default_payment_method"`
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}

type stripeSubscription struct {
	ID     string                  `json:"id"`
	Status string                  `json:"status"`
	Items  stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	ID    string      `json:"id"`
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID string `json:"id"`
}

type stripePaymentMethodList struct {
	Data    []stripePaymentMethod `json:"data"`
	HasMore bool                  `json:"has_more"`
}

type stripePaymentMethod struct {
	ID   string     `json:"id"`
	Card stripeCard `json:"card"`
}

type stripeCard struct {
	Brand    string `json:"brand"`
	ExpMonth int64  `json:"exp_month"`
	ExpYear  int64  `json:"exp_year"`
	Last4    string `json:"last4"`
}

// mapStripePaymentMethod converts a Stripe payment method to the domain type.
func mapStripePaymentMethod(pm *stripePaymentMethod, defaultID string) types.PaymentMethod {
	return types.PaymentMethod{
		ID:        pm.ID,
		IsDefault: defaultID != "" && pm.ID == defaultID,
		CardInfo: types.CardInfo{
			Brand:    pm.Card.Brand,
			ExpMonth: pm.Card.ExpMonth,
			ExpYear:  pm.Card.ExpYear,
			Last4:    pm.Card.Last4,
		},
	}
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier validates Stripe webhook signatures using the official SDK.
type StripeVerifier struct{}

// Verify checks the Stripe-Signature header against the payload and signing
// secret. Timestamp freshness is enforced separately by the webhook handler
// against the event's created field.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if err := stripe.ValidatePayload(payload, header, secret); err != nil {
		return types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"invalid webhook signature",
			err,
		)
	}
	return nil
}
