package external

import (
	"context"

	"billingsync/internal/types"
)

// BillingService abstracts interactions with the payment provider (Stripe).
// Implementations translate between domain types and vendor-specific APIs.
type BillingService interface {
	// CreateCustomer creates a customer in the billing system and returns its id.
	CreateCustomer(ctx context.Context, firstName, lastName, email string) (string, error)

	// DeleteCustomer permanently removes the customer record from the billing
	// system, including its stored payment instruments.
	DeleteCustomer(ctx context.Context, customerID string) error

	// Cancel cancels the customer's current subscription. Canceling a customer
	// with no recognized subscription is a no-op, not an error.
	Cancel(ctx context.Context, customerID string) error

	// CurrentPlan returns the billing plan id the customer is subscribed to,
	// or ("", nil) if the customer has no recognized subscription. The billing
	// provider may host subscriptions outside this system's knowledge; only
	// plans known to the plan directory count.
	CurrentPlan(ctx context.Context, customerID string) (string, error)

	// Subscribe puts the customer on the given billing plan. Subscribing a
	// customer already on that plan (or an equivalent) is a no-op.
	Subscribe(ctx context.Context, customerID, billingPlanID string) error

	// GetPaymentMethods lists the customer's stored payment instruments.
	GetPaymentMethods(ctx context.Context, customerID string) ([]types.PaymentMethod, error)

	// CreatePaymentMethod stores a new payment instrument from a one-time
	// token and optionally makes it the default.
	CreatePaymentMethod(ctx context.Context, customerID, token string, setDefault bool) (types.PaymentMethod, error)

	// DeletePaymentMethod removes a stored payment instrument.
	DeletePaymentMethod(ctx context.Context, customerID, methodID string) error

	// SetDefaultPaymentMethod makes an existing payment instrument the default.
	SetDefaultPaymentMethod(ctx context.Context, customerID, methodID string) error
}

// AccountService abstracts interactions with the account provider (the
// device-management platform owning the end-user account lifecycle).
type AccountService interface {
	// CreateAccount creates an account under the integration's organization
	// and returns the new account id.
	CreateAccount(ctx context.Context, userID, routerPairingCode string) (string, error)

	// GetAccount returns the account, including its user identity fields.
	GetAccount(ctx context.Context, accountID string) (types.ProviderAccount, error)

	// Activate activates the account without selecting a plan, deferring to
	// the provider's own default-plan assignment.
	Activate(ctx context.Context, accountID string) error

	// Cancel cancels the account's subscription on the provider side.
	Cancel(ctx context.Context, accountID string) error

	// Subscribe puts the account on the given account-provider plan.
	Subscribe(ctx context.Context, accountID, planID string) error

	// GetSubscriptions lists the account's subscriptions, most recent first.
	GetSubscriptions(ctx context.Context, accountID string) ([]types.ProviderSubscription, error)

	// CreateUser proxies a user-creation request to the provider and returns
	// the new user id.
	CreateUser(ctx context.Context, params map[string]any) (string, error)
}

// WebhookVerifier abstracts billing-provider webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature header
	// and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}

// PlanRecognizer is the subset of the plan directory the billing client needs
// to decide whether a billing-provider subscription belongs to this system.
// Satisfied by *plans.Directory.
type PlanRecognizer interface {
	GetByBillingID(billingID string) (types.PlanMapping, bool)
}
