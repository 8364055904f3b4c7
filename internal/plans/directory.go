// Package plans provides the static, read-only directory of plan mappings
// between the account provider's plan ids and the billing provider's plan
// ids. The directory is built once from configuration at startup and shared
// freely; it has no mutation API.
package plans

import (
	"fmt"

	"billingsync/internal/types"
)

// Directory indexes plan mappings by account-provider id and by billing id,
// including "equivalent" billing ids that fall back to a primary mapping.
type Directory struct {
	byID            map[string]types.PlanMapping
	byBillingID     map[string]types.PlanMapping
	byEquivalentID  map[string]types.PlanMapping
	ordered         []types.PlanMapping
	defaultPlan     types.PlanMapping
	moveInDefault   types.PlanMapping
	hasMoveInDefault bool
}

// NewDirectory validates the configured mappings and builds the directory.
// Construction fails if:
//   - zero or more than one mapping is marked default
//   - more than one mapping is marked moveInDefault
//   - an equivalent billing id is registered more than once across mappings
func NewDirectory(mappings []types.PlanMapping) (*Directory, error) {
	d := &Directory{
		byID:           make(map[string]types.PlanMapping, len(mappings)),
		byBillingID:    make(map[string]types.PlanMapping, len(mappings)),
		byEquivalentID: make(map[string]types.PlanMapping),
		ordered:        make([]types.PlanMapping, 0, len(mappings)),
	}

	defaults := 0
	moveInDefaults := 0

	for _, m := range mappings {
		if _, dup := d.byID[m.ID]; dup {
			return nil, fmt.Errorf("plan %q is configured more than once", m.ID)
		}
		d.byID[m.ID] = m
		d.byBillingID[m.BillingID] = m
		d.ordered = append(d.ordered, m)

		for _, eq := range m.EquivalentBillingIDs {
			if _, dup := d.byEquivalentID[eq]; dup {
				return nil, fmt.Errorf("equivalent billing id %q is registered by more than one plan", eq)
			}
			d.byEquivalentID[eq] = m
		}

		if m.Default {
			defaults++
			d.defaultPlan = m
		}
		if m.MoveInDefault {
			moveInDefaults++
			d.moveInDefault = m
			d.hasMoveInDefault = true
		}
	}

	if defaults == 0 {
		return nil, fmt.Errorf("exactly one plan must be marked default; none is")
	}
	if defaults > 1 {
		return nil, fmt.Errorf("exactly one plan must be marked default; %d are", defaults)
	}
	if moveInDefaults > 1 {
		return nil, fmt.Errorf("at most one plan may be marked moveInDefault; %d are", moveInDefaults)
	}

	return d, nil
}

// Get returns the mapping for the given account-provider plan id.
func (d *Directory) Get(id string) (types.PlanMapping, bool) {
	m, ok := d.byID[id]
	return m, ok
}

// GetByBillingID returns the mapping for the given billing-provider plan id.
// An exact match on the primary billing id wins; otherwise membership in any
// mapping's equivalent billing ids is used as a fallback.
func (d *Directory) GetByBillingID(billingID string) (types.PlanMapping, bool) {
	if m, ok := d.byBillingID[billingID]; ok {
		return m, true
	}
	m, ok := d.byEquivalentID[billingID]
	return m, ok
}

// GetAll returns all mappings in configuration order.
// The returned slice must not be modified.
func (d *Directory) GetAll() []types.PlanMapping {
	return d.ordered
}

// Default returns the mapping marked default. Construction guarantees
// exactly one exists.
func (d *Directory) Default() types.PlanMapping {
	return d.defaultPlan
}

// MoveInDefault returns the mapping marked moveInDefault, if one is
// configured.
func (d *Directory) MoveInDefault() (types.PlanMapping, bool) {
	return d.moveInDefault, d.hasMoveInDefault
}
