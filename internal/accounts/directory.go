// Package accounts provides the Account Directory: the persistent
// bidirectional mapping between account-provider account ids and
// billing-provider customer ids. It is the local source of truth correlating
// the two external identity spaces. All writes happen inside the
// reconciliation engine's critical section.
package accounts

import (
	"context"

	"billingsync/internal/types"
)

// Directory is the contract the reconciliation engine depends on.
// Implementations: Repository (PostgreSQL) and Memory (tests, single-node
// deployments without a database).
type Directory interface {
	// Get returns the account for the given account-provider id.
	// Returns (zero, false, nil) when no mapping exists.
	Get(ctx context.Context, id string) (types.Account, bool, error)

	// GetByBillingID returns the account for the given billing customer id.
	// Returns (zero, false, nil) when no mapping exists.
	GetByBillingID(ctx context.Context, billingID string) (types.Account, bool, error)

	// Create records the mapping between id and billingID. Idempotent: if the
	// identical pair already exists it returns the existing record without
	// error. If id exists with a different billingID, it fails with a
	// conflict error -- an identity mapping is never silently overwritten.
	Create(ctx context.Context, id, billingID string) (types.Account, error)

	// Delete removes the mapping for the given account-provider id.
	// Deleting an absent mapping is a no-op, not an error.
	Delete(ctx context.Context, id string) error
}
