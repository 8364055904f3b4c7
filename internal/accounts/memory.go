package accounts

import (
	"context"
	"sync"

	"billingsync/internal/types"
)

// Memory is an in-memory Directory implementation. It backs tests and
// no-database deployments. Safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	byID        map[string]types.Account
	byBillingID map[string]types.Account
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		byID:        make(map[string]types.Account),
		byBillingID: make(map[string]types.Account),
	}
}

// Get returns the account for the given account-provider id.
func (m *Memory) Get(ctx context.Context, id string) (types.Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byID[id]
	return a, ok, nil
}

// GetByBillingID returns the account for the given billing customer id.
func (m *Memory) GetByBillingID(ctx context.Context, billingID string) (types.Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byBillingID[billingID]
	return a, ok, nil
}

// Create records the mapping between id and billingID, idempotently.
func (m *Memory) Create(ctx context.Context, id, billingID string) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byID[id]; ok {
		if existing.BillingID == billingID {
			return existing, nil
		}
		return types.Account{}, types.NewAppErrorWithDetails(
			types.ErrCodeConflictAccountMapping,
			"account is already mapped to a different billing customer",
			nil,
			map[string]any{"account_id": id},
		)
	}

	a := types.Account{ID: id, BillingID: billingID}
	m.byID[id] = a
	m.byBillingID[billingID] = a
	return a, nil
}

// Delete removes both index entries for the given account-provider id.
func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return nil
	}
	delete(m.byID, id)
	delete(m.byBillingID, a.BillingID)
	return nil
}
