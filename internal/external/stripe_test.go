package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"billingsync/internal/types"
)

func noopSleep(time.Duration) {}

// ---------------------------------------------------------------------------
// Fake PlanRecognizer
// ---------------------------------------------------------------------------

type fakeRecognizer struct {
	mappings []types.PlanMapping
}

func (f *fakeRecognizer) GetByBillingID(billingID string) (types.PlanMapping, bool) {
	for _, m := range f.mappings {
		if m.BillingID == billingID {
			return m, true
		}
		for _, eq := range m.EquivalentBillingIDs {
			if eq == billingID {
				return m, true
			}
		}
	}
	return types.PlanMapping{}, false
}

func testRecognizer() *fakeRecognizer {
	return &fakeRecognizer{mappings: []types.PlanMapping{
		{ID: "plan_basic", BillingID: "price_basic", Name: "Basic", Default: true},
		{ID: "plan_pro", BillingID: "price_pro", EquivalentBillingIDs: []string{"price_pro_legacy"}, Name: "Pro"},
	}}
}

// ---------------------------------------------------------------------------
// Helper: Create test stripe client pointed at httptest server
// ---------------------------------------------------------------------------

func newTestStripeClient(t *testing.T, serverURL string) *StripeClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-stripe",
		RetryPolicy{
			MaxRetries: 0, // No retries in tests for deterministic behavior
			MinWait:    1 * time.Millisecond,
			MaxWait:    10 * time.Millisecond,
		},
		types.ErrCodeUpstreamBilling,
		"BillingSync-Test/1.0",
		WithSleepFunc(noopSleep),
	)

	return NewStripeClientWithBase(base, testRecognizer(), StripeClientConfig{
		SecretKey: "sk_test_secret",
		BaseURL:   serverURL,
	})
}

func subscriptionListJSON(subs ...map[string]any) map[string]any {
	if subs == nil {
		subs = []map[string]any{}
	}
	return map[string]any{"data": subs, "has_more": false}
}

func subscriptionJSON(subID, itemID, priceID string) map[string]any {
	return map[string]any{
		"id":     subID,
		"status": "active",
		"items": map[string]any{
			"data": []map[string]any{
				{"id": itemID, "price": map[string]any{"id": priceID}},
			},
		},
	}
}

// ---------------------------------------------------------------------------
// CreateCustomer Tests
// ---------------------------------------------------------------------------

func TestStripeCreateCustomer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/customers" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk_test_secret" {
			t.Errorf("expected Bearer sk_test_secret, got %s", auth)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("name"); got != "Jo Smith" {
			t.Errorf("name = %q, want %q", got, "Jo Smith")
		}
		if got := r.PostForm.Get("email"); got != "jo@example.com" {
			t.Errorf("email = %q, want %q", got, "jo@example.com")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "cus_new"})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	id, err := client.CreateCustomer(context.Background(), "Jo", "Smith", "jo@example.com")
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	if id != "cus_new" {
		t.Errorf("customer id = %q, want cus_new", id)
	}
}

// ---------------------------------------------------------------------------
// CurrentPlan Tests
// ---------------------------------------------------------------------------

func TestStripeCurrentPlan_RecognizedSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/subscriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("customer"); got != "cus_1" {
			t.Errorf("customer = %q, want cus_1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(subscriptionListJSON(
			subscriptionJSON("sub_other", "si_other", "price_unrelated"),
			subscriptionJSON("sub_ours", "si_ours", "price_pro"),
		))
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	plan, err := client.CurrentPlan(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("CurrentPlan: %v", err)
	}
	if plan != "price_pro" {
		t.Errorf("plan = %q, want price_pro", plan)
	}
}

func TestStripeCurrentPlan_NoRecognizedSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(subscriptionListJSON(
			subscriptionJSON("sub_other", "si_other", "price_unrelated"),
		))
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	plan, err := client.CurrentPlan(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("CurrentPlan: %v", err)
	}
	if plan != "" {
		t.Errorf("plan = %q, want empty", plan)
	}
}

// ---------------------------------------------------------------------------
// Cancel Tests
// ---------------------------------------------------------------------------

func TestStripeCancel_NoRecognizedSubscriptionIsNoop(t *testing.T) {
	var deleted bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = true
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(subscriptionListJSON())
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	if err := client.Cancel(context.Background(), "cus_1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if deleted {
		t.Error("Cancel must not delete anything when no recognized subscription exists")
	}
}

func TestStripeCancel_DeletesRecognizedSubscription(t *testing.T) {
	var deletedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/subscriptions":
			json.NewEncoder(w).Encode(subscriptionListJSON(
				subscriptionJSON("sub_1", "si_1", "price_basic"),
			))
		case r.Method == http.MethodDelete:
			deletedPath = r.URL.Path
			json.NewEncoder(w).Encode(map[string]any{"id": "sub_1", "status": "canceled"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	if err := client.Cancel(context.Background(), "cus_1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if deletedPath != "/v1/subscriptions/sub_1" {
		t.Errorf("deleted path = %q, want /v1/subscriptions/sub_1", deletedPath)
	}
}

// ---------------------------------------------------------------------------
// Subscribe Tests
// ---------------------------------------------------------------------------

func TestStripeSubscribe_AlreadyOnEquivalentPlanIsNoop(t *testing.T) {
	var posts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts++
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(subscriptionListJSON(
			subscriptionJSON("sub_1", "si_1", "price_pro_legacy"),
		))
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	if err := client.Subscribe(context.Background(), "cus_1", "price_pro"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if posts != 0 {
		t.Errorf("Subscribe on an equivalent plan must be a no-op, made %d posts", posts)
	}
}

func TestStripeSubscribe_SwitchesExistingSubscription(t *testing.T) {
	var switchForm map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/subscriptions":
			json.NewEncoder(w).Encode(subscriptionListJSON(
				subscriptionJSON("sub_1", "si_1", "price_basic"),
			))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/subscriptions/sub_1":
			if err := r.ParseForm(); err != nil {
				t.Fatalf("ParseForm: %v", err)
			}
			switchForm = map[string]string{
				"items[0][id]":    r.PostForm.Get("items[0][id]"),
				"items[0][price]": r.PostForm.Get("items[0][price]"),
			}
			json.NewEncoder(w).Encode(map[string]any{"id": "sub_1"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	if err := client.Subscribe(context.Background(), "cus_1", "price_pro"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if switchForm["items[0][id]"] != "si_1" || switchForm["items[0][price]"] != "price_pro" {
		t.Errorf("switch form = %v, want item si_1 moved to price_pro", switchForm)
	}
}

func TestStripeSubscribe_CreatesSubscriptionWhenNoneExists(t *testing.T) {
	var createForm map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/subscriptions":
			json.NewEncoder(w).Encode(subscriptionListJSON())
		case r.Method == http.MethodPost && r.URL.Path == "/v1/subscriptions":
			if err := r.ParseForm(); err != nil {
				t.Fatalf("ParseForm: %v", err)
			}
			createForm = map[string]string{
				"customer":        r.PostForm.Get("customer"),
				"items[0][price]": r.PostForm.Get("items[0][price]"),
			}
			json.NewEncoder(w).Encode(map[string]any{"id": "sub_new"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	if err := client.Subscribe(context.Background(), "cus_1", "price_basic"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if createForm["customer"] != "cus_1" || createForm["items[0][price]"] != "price_basic" {
		t.Errorf("create form = %v, want customer cus_1 on price_basic", createForm)
	}
}

func TestStripeSubscribe_UnknownPlanRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach Stripe for an unknown plan")
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	err := client.Subscribe(context.Background(), "cus_1", "price_unknown")
	if !types.ErrorHasCode(err, types.ErrCodeNotFoundPlan) {
		t.Fatalf("err = %v, want %s", err, types.ErrCodeNotFoundPlan)
	}
}

// ---------------------------------------------------------------------------
// Payment Method Tests
// ---------------------------------------------------------------------------

func TestStripeGetPaymentMethods_MarksDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/customers/cus_1":
			json.NewEncoder(w).Encode(map[string]any{
				"id":               "cus_1",
				"invoice_settings": map[string]any{"default_payment_method": "pm_2"},
			})
		case "/v1/payment_methods":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{"id": "pm_1", "card": map[string]any{"brand": "visa", "exp_month": 4, "exp_year": 2030, "last4": "4242"}},
					{"id": "pm_2", "card": map[string]any{"brand": "mastercard", "exp_month": 9, "exp_year": 2031, "last4": "4444"}},
				},
				"has_more": false,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	methods, err := client.GetPaymentMethods(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("GetPaymentMethods: %v", err)
	}
	if len(methods) != 2 {
		t.Fatalf("got %d methods, want 2", len(methods))
	}
	if methods[0].IsDefault || !methods[1].IsDefault {
		t.Errorf("default flags = %v/%v, want false/true", methods[0].IsDefault, methods[1].IsDefault)
	}
	if methods[0].CardInfo.Last4 != "4242" {
		t.Errorf("last4 = %q, want 4242", methods[0].CardInfo.Last4)
	}
}

func TestStripeCreatePaymentMethod_AttachesAndSetsDefault(t *testing.T) {
	var attached, defaulted bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/payment_methods":
			if err := r.ParseForm(); err != nil {
				t.Fatalf("ParseForm: %v", err)
			}
			if got := r.PostForm.Get("card[token]"); got != "tok_visa" {
				t.Errorf("card[token] = %q, want tok_visa", got)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id":   "pm_new",
				"card": map[string]any{"brand": "visa", "exp_month": 4, "exp_year": 2030, "last4": "4242"},
			})
		case "/v1/payment_methods/pm_new/attach":
			attached = true
			json.NewEncoder(w).Encode(map[string]any{"id": "pm_new"})
		case "/v1/customers/cus_1":
			if err := r.ParseForm(); err != nil {
				t.Fatalf("ParseForm: %v", err)
			}
			if got := r.PostForm.Get("invoice_settings[default_payment_method]"); got != "pm_new" {
				t.Errorf("default payment method = %q, want pm_new", got)
			}
			defaulted = true
			json.NewEncoder(w).Encode(map[string]any{"id": "cus_1"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	pm, err := client.CreatePaymentMethod(context.Background(), "cus_1", "tok_visa", true)
	if err != nil {
		t.Fatalf("CreatePaymentMethod: %v", err)
	}
	if pm.ID != "pm_new" {
		t.Errorf("pm id = %q, want pm_new", pm.ID)
	}
	if !attached || !defaulted {
		t.Errorf("attached=%v defaulted=%v, want both true", attached, defaulted)
	}
}

// ---------------------------------------------------------------------------
// Error Mapping Tests
// ---------------------------------------------------------------------------

func TestStripeErrorMapping_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "invalid_request_error", "message": "No such customer"},
		})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	err := client.DeleteCustomer(context.Background(), "cus_missing")
	if !types.ErrorHasCode(err, types.ErrCodeNotFoundBillingAccount) {
		t.Fatalf("err = %v, want %s", err, types.ErrCodeNotFoundBillingAccount)
	}
}

func TestStripeErrorMapping_ServerErrorBecomesUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	_, err := client.CreateCustomer(context.Background(), "Jo", "Smith", "jo@example.com")
	if !types.ErrorHasCode(err, types.ErrCodeUpstreamBilling) {
		t.Fatalf("err = %v, want %s", err, types.ErrCodeUpstreamBilling)
	}
}

// ---------------------------------------------------------------------------
// Verifier Tests
// ---------------------------------------------------------------------------

func TestStripeVerifier_RejectsGarbageHeader(t *testing.T) {
	v := &StripeVerifier{}
	err := v.Verify([]byte(`{}`), "t=abc,v1=nonsense", "whsec_test")
	if !types.ErrorHasCode(err, types.ErrCodeAuthTokenInvalid) {
		t.Fatalf("err = %v, want %s", err, types.ErrCodeAuthTokenInvalid)
	}
}
