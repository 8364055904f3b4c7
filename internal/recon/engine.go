package recon

import (
	"context"
	"fmt"
	"log/slog"

	"billingsync/internal/accounts"
	"billingsync/internal/apikeys"
	"billingsync/internal/external"
	"billingsync/internal/plans"
	"billingsync/internal/types"
)

// Engine executes the transition procedures. Every procedure that mutates
// cross-system state holds the per-account lock for its duration; creation
// flows additionally hold the global create lock because the account id is
// not known up front. Procedures are idempotent under webhook redelivery.
type Engine struct {
	accounts accounts.Directory
	billing  external.BillingService
	provider external.AccountService
	plans    *plans.Directory
	apiKeys  *apikeys.Store
	locks    *KeyedLock
	logger   *slog.Logger
}

// NewEngine creates an Engine. A nil logger defaults to slog.Default.
func NewEngine(
	dir accounts.Directory,
	billing external.BillingService,
	provider external.AccountService,
	planDir *plans.Directory,
	apiKeys *apikeys.Store,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		accounts: dir,
		billing:  billing,
		provider: provider,
		plans:    planDir,
		apiKeys:  apiKeys,
		locks:    NewKeyedLock(),
		logger:   logger,
	}
}

// ---------------------------------------------------------------------------
// Account-provider webhook transitions
// ---------------------------------------------------------------------------

// HandleAccountCreated links a newly created provider account to a fresh
// billing customer. Redelivery is a no-op once the mapping exists.
func (e *Engine) HandleAccountCreated(ctx context.Context, timestamp int64, accountID, firstName, lastName, email string) error {
	e.locks.Lock(createLockKey)
	defer e.locks.Unlock(createLockKey)
	e.locks.Lock(accountID)
	defer e.locks.Unlock(accountID)

	_, exists, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = e.linkAccount(ctx, accountID, firstName, lastName, email)
	return err
}

// HandleAccountSubscriptionChanged mirrors a provider-side plan change into
// the billing system.
func (e *Engine) HandleAccountSubscriptionChanged(ctx context.Context, timestamp int64, accountID, planID string) error {
	e.locks.Lock(accountID)
	defer e.locks.Unlock(accountID)

	account, err := e.requireAccount(ctx, accountID)
	if err != nil {
		return err
	}

	mapping, ok := e.plans.Get(planID)
	if !ok {
		return types.NewAppError(
			types.ErrCodeNotFoundPlan,
			fmt.Sprintf("no plan mapping for provider plan %s", planID),
			nil,
		)
	}

	return e.billing.Subscribe(ctx, account.BillingID, mapping.BillingID)
}

// HandleAccountSubscriptionCanceled mirrors a provider-side cancellation into
// the billing system. Nothing to cancel is a no-op.
func (e *Engine) HandleAccountSubscriptionCanceled(ctx context.Context, timestamp int64, accountID string) error {
	e.locks.Lock(accountID)
	defer e.locks.Unlock(accountID)

	account, err := e.requireAccount(ctx, accountID)
	if err != nil {
		return err
	}

	return e.billing.Cancel(ctx, account.BillingID)
}

// HandleAccountMovedIn adopts an account transferring into the managed
// service. A missing local mapping is created exactly as in
// HandleAccountCreated; then, when a move-in default plan is configured and
// the provider account is currently active, the billing side is subscribed
// to it. Without a configured default the provider subscription is canceled
// so a move-in never leaves an unbilled active subscription. An inactive
// account is never reactivated by a move-in.
func (e *Engine) HandleAccountMovedIn(ctx context.Context, timestamp int64, accountID, firstName, lastName, email string) error {
	e.locks.Lock(createLockKey)
	defer e.locks.Unlock(createLockKey)
	e.locks.Lock(accountID)
	defer e.locks.Unlock(accountID)

	account, exists, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if !exists {
		account, err = e.linkAccount(ctx, accountID, firstName, lastName, email)
		if err != nil {
			return err
		}
	}

	moveInPlan, ok := e.plans.MoveInDefault()
	if !ok {
		return e.provider.Cancel(ctx, accountID)
	}

	providerAccount, err := e.provider.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !providerAccount.Active {
		return nil
	}

	return e.billing.Subscribe(ctx, account.BillingID, moveInPlan.BillingID)
}

// HandleAccountMovedOut tears down an account leaving the managed service:
// cancel billing, delete the billing customer, then drop the local mapping.
// The local mapping is deleted last so any failure leaves it in place for
// retry.
func (e *Engine) HandleAccountMovedOut(ctx context.Context, timestamp int64, accountID string) error {
	e.locks.Lock(accountID)
	defer e.locks.Unlock(accountID)

	account, exists, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	if err := e.billing.Cancel(ctx, account.BillingID); err != nil {
		return err
	}
	if err := e.billing.DeleteCustomer(ctx, account.BillingID); err != nil {
		return err
	}
	return e.accounts.Delete(ctx, accountID)
}

// ---------------------------------------------------------------------------
// Billing-provider webhook transitions
// ---------------------------------------------------------------------------

// HandleBillingSubscriptionCanceled mirrors a billing-originated cancellation
// back to the account provider. An unknown billing customer fails with
// not_found_billing_account; the webhook layer treats that as acceptable
// (test-mode events reference customers this deployment never created).
//
// Stale events are dropped: if the provider subscription started after the
// webhook's event timestamp, the cancellation was superseded by a newer
// subscribe and must not win.
func (e *Engine) HandleBillingSubscriptionCanceled(ctx context.Context, timestamp int64, billingCustomerID string) error {
	account, exists, err := e.accounts.GetByBillingID(ctx, billingCustomerID)
	if err != nil {
		return err
	}
	if !exists {
		return types.NewAppError(
			types.ErrCodeNotFoundBillingAccount,
			fmt.Sprintf("no account mapped to billing customer %s", billingCustomerID),
			nil,
		)
	}

	e.locks.Lock(account.ID)
	defer e.locks.Unlock(account.ID)

	subs, err := e.provider.GetSubscriptions(ctx, account.ID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	if subs[0].StartTime > timestamp {
		e.logger.InfoContext(ctx, "dropping stale billing cancellation",
			"account_id", account.ID,
			"subscription_start", subs[0].StartTime,
			"event_timestamp", timestamp,
		)
		return nil
	}

	return e.provider.Cancel(ctx, account.ID)
}

// ---------------------------------------------------------------------------
// First-party API operations
// ---------------------------------------------------------------------------

// CreateAccount provisions a brand-new account end to end: provider account,
// billing customer, local mapping, and a bearer API key for the caller.
func (e *Engine) CreateAccount(ctx context.Context, userID, routerPairingCode string) (types.APIAccount, string, error) {
	e.locks.Lock(createLockKey)
	defer e.locks.Unlock(createLockKey)

	accountID, err := e.provider.CreateAccount(ctx, userID, routerPairingCode)
	if err != nil {
		return types.APIAccount{}, "", err
	}

	providerAccount, err := e.provider.GetAccount(ctx, accountID)
	if err != nil {
		return types.APIAccount{}, "", err
	}
	if providerAccount.User == nil {
		return types.APIAccount{}, "", types.NewAppError(
			types.ErrCodeUpstreamAccounts,
			fmt.Sprintf("provider account %s has no user record", accountID),
			nil,
		)
	}

	e.locks.Lock(accountID)
	defer e.locks.Unlock(accountID)

	if _, err := e.linkAccount(ctx, accountID, providerAccount.User.FirstName, providerAccount.User.LastName, providerAccount.User.Email); err != nil {
		return types.APIAccount{}, "", err
	}

	apiKey, err := e.apiKeys.Generate(accountID)
	if err != nil {
		return types.APIAccount{}, "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to generate api key",
			err,
		)
	}

	return types.APIAccount{ID: accountID, Active: false}, apiKey, nil
}

// GetAccount reports the account's billing-derived state: active with the
// mapped plan when the billing customer holds a recognized subscription,
// inactive otherwise.
func (e *Engine) GetAccount(ctx context.Context, accountID string) (types.APIAccount, error) {
	account, err := e.requireAccount(ctx, accountID)
	if err != nil {
		return types.APIAccount{}, err
	}

	billingPlanID, err := e.billing.CurrentPlan(ctx, account.BillingID)
	if err != nil {
		return types.APIAccount{}, err
	}
	if billingPlanID == "" {
		return types.APIAccount{ID: accountID, Active: false}, nil
	}

	result := types.APIAccount{ID: accountID, Active: true}
	if mapping, ok := e.plans.GetByBillingID(billingPlanID); ok {
		result.Plan = &types.APIPlan{ID: mapping.ID, Name: mapping.Name, Unavailable: mapping.Unavailable}
	}
	return result, nil
}

// UpdateAccount applies a first-party activation state change.
//
// Deactivation cancels both sides. Activation with a plan (or the default
// plan when none is named) subscribes billing first, so a payment failure
// aborts before the provider is touched, then subscribes the provider side.
// Activation with no plan at all activates the provider account and lets the
// provider's own default-plan assignment flow back as a later subscription
// webhook.
func (e *Engine) UpdateAccount(ctx context.Context, accountID string, active bool, planID *string) error {
	e.locks.Lock(accountID)
	defer e.locks.Unlock(accountID)

	account, err := e.requireAccount(ctx, accountID)
	if err != nil {
		return err
	}

	if !active {
		if err := e.billing.Cancel(ctx, account.BillingID); err != nil {
			return err
		}
		return e.provider.Cancel(ctx, accountID)
	}

	if planID == nil {
		return e.provider.Activate(ctx, accountID)
	}

	mapping, ok := e.plans.Get(*planID)
	if !ok {
		return types.NewAppError(
			types.ErrCodeNotFoundPlan,
			fmt.Sprintf("no plan mapping for plan %s", *planID),
			nil,
		)
	}
	if mapping.Unavailable {
		return types.NewAppError(
			types.ErrCodeValidationPlanUnavailable,
			fmt.Sprintf("plan %s is not available for new subscriptions", mapping.ID),
			nil,
		)
	}

	if err := e.billing.Subscribe(ctx, account.BillingID, mapping.BillingID); err != nil {
		return err
	}
	return e.provider.Subscribe(ctx, accountID, mapping.ID)
}

// GetPaymentMethods lists the account's stored payment instruments.
func (e *Engine) GetPaymentMethods(ctx context.Context, accountID string) ([]types.PaymentMethod, error) {
	account, err := e.requireAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return e.billing.GetPaymentMethods(ctx, account.BillingID)
}

// CreatePaymentMethod stores a new payment instrument from a one-time token.
func (e *Engine) CreatePaymentMethod(ctx context.Context, accountID, token string, setDefault bool) (types.PaymentMethod, error) {
	account, err := e.requireAccount(ctx, accountID)
	if err != nil {
		return types.PaymentMethod{}, err
	}
	return e.billing.CreatePaymentMethod(ctx, account.BillingID, token, setDefault)
}

// DeletePaymentMethod removes a stored payment instrument.
func (e *Engine) DeletePaymentMethod(ctx context.Context, accountID, methodID string) error {
	account, err := e.requireAccount(ctx, accountID)
	if err != nil {
		return err
	}
	return e.billing.DeletePaymentMethod(ctx, account.BillingID, methodID)
}

// SetDefaultPaymentMethod makes a stored payment instrument the default.
func (e *Engine) SetDefaultPaymentMethod(ctx context.Context, accountID, methodID string) error {
	account, err := e.requireAccount(ctx, accountID)
	if err != nil {
		return err
	}
	return e.billing.SetDefaultPaymentMethod(ctx, account.BillingID, methodID)
}

// CreateProxyUser forwards a user-creation request to the account provider.
// The organizationId field is reserved for the integration itself and is
// rejected rather than forwarded.
func (e *Engine) CreateProxyUser(ctx context.Context, params map[string]any) (string, error) {
	if _, present := params["organizationId"]; present {
		return "", types.NewAppError(
			types.ErrCodeValidationInvalidRequest,
			"organizationId may not be set on proxied user creation",
			nil,
		)
	}
	return e.provider.CreateUser(ctx, params)
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// linkAccount creates the billing customer and the local mapping for a
// provider account. The billing customer is created first; if the local
// create then fails, the orphaned billing customer is logged for manual
// reconciliation rather than compensated automatically.
func (e *Engine) linkAccount(ctx context.Context, accountID, firstName, lastName, email string) (types.Account, error) {
	billingID, err := e.billing.CreateCustomer(ctx, firstName, lastName, email)
	if err != nil {
		return types.Account{}, err
	}

	account, err := e.accounts.Create(ctx, accountID, billingID)
	if err != nil {
		e.logger.ErrorContext(ctx, "billing customer created but local mapping failed; manual reconciliation required",
			"account_id", accountID,
			"billing_id", billingID,
			"error", err,
		)
		return types.Account{}, err
	}
	return account, nil
}

// requireAccount fetches the local mapping or fails with not_found_account.
func (e *Engine) requireAccount(ctx context.Context, accountID string) (types.Account, error) {
	account, exists, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return types.Account{}, err
	}
	if !exists {
		return types.Account{}, types.NewAppError(
			types.ErrCodeNotFoundAccount,
			fmt.Sprintf("no such account %s", accountID),
			nil,
		)
	}
	return account, nil
}
