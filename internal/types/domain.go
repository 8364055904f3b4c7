package types

// Account is the local mapping between an account-provider account and a
// billing-provider customer. The pair is immutable once created: neither id
// is ever reassigned to a different counterpart.
type Account struct {
	// ID is the account-provider account id.
	ID string `json:"id"`

	// BillingID is the billing-provider customer id.
	BillingID string `json:"billingId"`
}

// PlanMapping is the static correspondence between an account-provider plan
// and a billing-provider plan. Loaded once at startup from configuration and
// never mutated at runtime.
type PlanMapping struct {
	// ID is the account-provider plan id.
	ID string `json:"id"`

	// BillingID is the plan id in the billing system.
	BillingID string `json:"billingId"`

	// EquivalentBillingIDs lists other billing-system plan ids that can be
	// treated as equivalent to BillingID. Values must be globally unique
	// across all mappings.
	EquivalentBillingIDs []string `json:"equivalentBillingIds,omitempty"`

	// Name is the user-friendly name reported via the API.
	Name string `json:"name"`

	// Default marks the plan accounts are subscribed to when an activation
	// request doesn't specify one. Exactly one plan must be default.
	Default bool `json:"default,omitempty"`

	// Unavailable marks a plan that cannot be selected for new subscriptions.
	Unavailable bool `json:"unavailable,omitempty"`

	// MoveInDefault marks the plan accounts created by a move-in event should
	// be subscribed to. At most one plan may be marked moveInDefault; if none
	// is, any subscription on a moved-in account is canceled instead.
	MoveInDefault bool `json:"moveInDefault,omitempty"`
}

// ProviderSubscription is a subscription as reported by the account provider.
type ProviderSubscription struct {
	ID        string `json:"id"`
	PlanID    string `json:"planId"`
	StartTime int64  `json:"subscriptionStartTime"`
}

// ProviderAccount is an account as reported by the account provider.
type ProviderAccount struct {
	ID     string        `json:"id"`
	Active bool          `json:"active"`
	User   *ProviderUser `json:"user,omitempty"`
}

// ProviderUser holds the identity fields the account provider stores per user.
type ProviderUser struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// PaymentMethod is a stored payment instrument as reported by the billing
// provider. Card data itself never transits this service.
type PaymentMethod struct {
	ID        string   `json:"id"`
	IsDefault bool     `json:"isDefault"`
	CardInfo  CardInfo `json:"cardInfo"`
}

// CardInfo is the displayable subset of a stored card.
type CardInfo struct {
	Brand    string `json:"brand"`
	ExpMonth int64  `json:"expMonth"`
	ExpYear  int64  `json:"expYear"`
	Last4    string `json:"last4"`
}

// APIPlan is the plan representation returned by the first-party API.
type APIPlan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

// APIAccount is the account representation returned by the first-party API.
type APIAccount struct {
	ID     string   `json:"id"`
	Active bool     `json:"active"`
	Plan   *APIPlan `json:"plan,omitempty"`
}
