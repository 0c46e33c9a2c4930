package access

import (
	"fmt"
	"sort"

	"pactline/internal/config"
	"pactline/internal/domain"
)

// Matrix maps entity kind -> action -> allowed project roles. It is a
// pure lookup table; policy changes edit the table or the org config
// overrides, never the evaluation code.
type Matrix map[string]map[string][]string

var allRoles = []string{
	domain.RoleAdmin,
	domain.RoleSupplierPM,
	domain.RoleSupplierFinance,
	domain.RoleCustomerPM,
	domain.RoleCustomerFinance,
	domain.RoleContributor,
	domain.RoleViewer,
}

// defaultMatrix is the built-in permission table. Matrix sign cells
// gate who may attempt a signing action; which slot a signer may fill
// is a separate workflow-side check. Role sets are supersets along the
// privilege order (viewer < contributor < supplier_pm < admin, viewer
// < customer_pm < admin, viewer < finance roles < admin) so granting a
// higher role never removes a permission.
var defaultMatrix = Matrix{
	domain.KindProject: {
		"view": allRoles,
		"edit": {domain.RoleAdmin},
	},
	domain.KindMembership: {
		"view": allRoles,
		"edit": {domain.RoleAdmin},
	},
	domain.KindMilestone: {
		"view":    allRoles,
		"create":  {domain.RoleAdmin, domain.RoleSupplierPM},
		"edit":    {domain.RoleAdmin, domain.RoleSupplierPM},
		"delete":  {domain.RoleAdmin, domain.RoleSupplierPM},
		"restore": {domain.RoleAdmin, domain.RoleSupplierPM},
		"purge":   {domain.RoleAdmin},
		"sign":    {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleCustomerPM},
	},
	domain.KindDeliverable: {
		"view":            allRoles,
		"create":          {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleContributor},
		"edit":            {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleContributor},
		"delete":          {domain.RoleAdmin, domain.RoleSupplierPM},
		"restore":         {domain.RoleAdmin, domain.RoleSupplierPM},
		"purge":           {domain.RoleAdmin},
		"start":           {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleContributor},
		"submit":          {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleContributor},
		"complete_review": {domain.RoleAdmin, domain.RoleCustomerPM},
		"return":          {domain.RoleAdmin, domain.RoleCustomerPM},
		"sign":            {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleCustomerPM},
	},
	domain.KindVariation: {
		"view":    allRoles,
		"create":  {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleCustomerPM},
		"edit":    {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleCustomerPM},
		"delete":  {domain.RoleAdmin, domain.RoleSupplierPM},
		"restore": {domain.RoleAdmin, domain.RoleSupplierPM},
		"purge":   {domain.RoleAdmin},
		"submit":  {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleCustomerPM},
		"sign":    {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleSupplierFinance, domain.RoleCustomerPM, domain.RoleCustomerFinance},
		"reject":  {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleSupplierFinance, domain.RoleCustomerPM, domain.RoleCustomerFinance},
	},
	domain.KindCertificate: {
		"view":    allRoles,
		"create":  {domain.RoleAdmin, domain.RoleSupplierPM},
		"delete":  {domain.RoleAdmin, domain.RoleSupplierPM},
		"restore": {domain.RoleAdmin, domain.RoleSupplierPM},
		"purge":   {domain.RoleAdmin},
		"sign":    {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleSupplierFinance, domain.RoleCustomerPM, domain.RoleCustomerFinance},
	},
	domain.KindTimeEntry: {
		"view":    {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleSupplierFinance, domain.RoleContributor},
		"create":  {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleContributor},
		"edit":    {domain.RoleAdmin, domain.RoleSupplierPM},
		"delete":  {domain.RoleAdmin, domain.RoleSupplierPM},
		"restore": {domain.RoleAdmin, domain.RoleSupplierPM},
		"purge":   {domain.RoleAdmin},
		"submit":  {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleContributor},
		"approve": {domain.RoleAdmin, domain.RoleSupplierPM},
		"return":  {domain.RoleAdmin, domain.RoleSupplierPM},
	},
	domain.KindBaseline: {
		"view": allRoles,
	},
	domain.KindEvent: {
		"view": allRoles,
	},
}

// ownershipActions enumerates the record-ownership exceptions: actions
// an identity may take on its own record while the record is in its
// owner-editable state, regardless of role.
var ownershipActions = map[string]map[string]bool{
	domain.KindTimeEntry: {"edit": true, "delete": true},
	domain.KindVariation: {"edit": true},
}

// DefaultMatrix returns a copy of the built-in table.
func DefaultMatrix() Matrix {
	m := make(Matrix, len(defaultMatrix))
	for entity, actions := range defaultMatrix {
		m[entity] = make(map[string][]string, len(actions))
		for action, roles := range actions {
			m[entity][action] = append([]string(nil), roles...)
		}
	}
	return m
}

// NewMatrix builds the effective table: defaults with org config
// overrides applied. Overrides may only touch known cells.
func NewMatrix(cfg *config.Config) (Matrix, error) {
	m := DefaultMatrix()
	if cfg == nil {
		return m, nil
	}
	for entity, actions := range cfg.Access.Overrides {
		existing, ok := m[entity]
		if !ok {
			return nil, fmt.Errorf("access override references unknown entity kind %s", entity)
		}
		for action, roles := range actions {
			if _, ok := existing[action]; !ok {
				return nil, fmt.Errorf("access override references unknown action %s.%s", entity, action)
			}
			existing[action] = append([]string(nil), roles...)
		}
	}
	return m, nil
}

// Allowed reports whether the role may take the action on the entity
// kind. Unknown kinds and actions are malformed input, not denials.
func (m Matrix) Allowed(entityType, action, role string) (bool, error) {
	actions, ok := m[entityType]
	if !ok {
		return false, fmt.Errorf("unknown entity type %s", entityType)
	}
	roles, ok := actions[action]
	if !ok {
		return false, fmt.Errorf("unknown action %s for entity type %s", action, entityType)
	}
	for _, r := range roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

// Validate checks that an entity/action pair exists in the table.
func (m Matrix) Validate(entityType, action string) error {
	actions, ok := m[entityType]
	if !ok {
		return fmt.Errorf("unknown entity type %s", entityType)
	}
	if _, ok := actions[action]; !ok {
		return fmt.Errorf("unknown action %s for entity type %s", action, entityType)
	}
	return nil
}

// OwnershipException reports whether (entityType, action) is one of
// the enumerated owner-record exceptions.
func OwnershipException(entityType, action string) bool {
	return ownershipActions[entityType][action]
}

// EntityTypes lists the table's entity kinds, sorted.
func (m Matrix) EntityTypes() []string {
	kinds := make([]string, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Actions lists an entity kind's actions, sorted.
func (m Matrix) Actions(entityType string) []string {
	actions := make([]string, 0, len(m[entityType]))
	for a := range m[entityType] {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}

// Roles lists the table's role vocabulary.
func Roles() []string {
	return append([]string(nil), allRoles...)
}
