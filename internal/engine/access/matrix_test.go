package access_test

import (
	"strings"
	"testing"

	"pactline/internal/config"
	"pactline/internal/domain"
	"pactline/internal/engine/access"
)

// privilegeChains spell out the role order the table promises: moving
// up a chain never loses a permission.
var privilegeChains = [][]string{
	{domain.RoleViewer, domain.RoleContributor, domain.RoleSupplierPM, domain.RoleAdmin},
	{domain.RoleViewer, domain.RoleCustomerPM, domain.RoleAdmin},
	{domain.RoleViewer, domain.RoleSupplierFinance, domain.RoleAdmin},
	{domain.RoleViewer, domain.RoleCustomerFinance, domain.RoleAdmin},
}

func TestRoleChainsAreMonotonic(t *testing.T) {
	m := access.DefaultMatrix()
	for _, entity := range m.EntityTypes() {
		for _, action := range m.Actions(entity) {
			for _, chain := range privilegeChains {
				for i := 0; i+1 < len(chain); i++ {
					lower, err := m.Allowed(entity, action, chain[i])
					if err != nil {
						t.Fatalf("allowed(%s, %s, %s): %v", entity, action, chain[i], err)
					}
					if !lower {
						continue
					}
					higher, err := m.Allowed(entity, action, chain[i+1])
					if err != nil {
						t.Fatalf("allowed(%s, %s, %s): %v", entity, action, chain[i+1], err)
					}
					if !higher {
						t.Errorf("%s may %s %s but %s may not", chain[i], action, entity, chain[i+1])
					}
				}
			}
		}
	}
}

func TestAdminHoldsEveryCell(t *testing.T) {
	m := access.DefaultMatrix()
	for _, entity := range m.EntityTypes() {
		for _, action := range m.Actions(entity) {
			ok, err := m.Allowed(entity, action, domain.RoleAdmin)
			if err != nil {
				t.Fatalf("allowed(%s, %s, admin): %v", entity, action, err)
			}
			if !ok {
				t.Errorf("admin missing from %s.%s", entity, action)
			}
		}
	}
}

func TestSignCellsExcludeNonSigners(t *testing.T) {
	m := access.DefaultMatrix()
	for _, entity := range []string{domain.KindMilestone, domain.KindDeliverable, domain.KindVariation, domain.KindCertificate} {
		for _, role := range []string{domain.RoleViewer, domain.RoleContributor} {
			ok, err := m.Allowed(entity, "sign", role)
			if err != nil {
				t.Fatalf("allowed(%s, sign, %s): %v", entity, role, err)
			}
			if ok {
				t.Errorf("%s must not reach %s.sign", role, entity)
			}
		}
	}
}

func TestUnknownCellsAreErrors(t *testing.T) {
	m := access.DefaultMatrix()
	if _, err := m.Allowed("gadget", "view", domain.RoleAdmin); err == nil {
		t.Fatalf("expected unknown entity error")
	}
	if _, err := m.Allowed(domain.KindMilestone, "frobnicate", domain.RoleAdmin); err == nil {
		t.Fatalf("expected unknown action error")
	}
	if err := m.Validate(domain.KindMilestone, "sign"); err != nil {
		t.Fatalf("validate known cell: %v", err)
	}
	if err := m.Validate(domain.KindMilestone, "frobnicate"); err == nil {
		t.Fatalf("expected validate refusal")
	}
}

func TestOverridesReplaceSingleCells(t *testing.T) {
	cfg := config.Default("acme")
	cfg.Access.Overrides = map[string]map[string][]string{
		domain.KindMilestone: {
			"edit": {domain.RoleAdmin, domain.RoleSupplierPM, domain.RoleContributor},
		},
	}
	m, err := access.NewMatrix(cfg)
	if err != nil {
		t.Fatalf("new matrix: %v", err)
	}
	ok, err := m.Allowed(domain.KindMilestone, "edit", domain.RoleContributor)
	if err != nil || !ok {
		t.Fatalf("override not applied: %v %v", ok, err)
	}
	// untouched cells keep the defaults
	ok, err = m.Allowed(domain.KindMilestone, "purge", domain.RoleSupplierPM)
	if err != nil || ok {
		t.Fatalf("untouched cell changed: %v %v", ok, err)
	}
	// the built-in table is never mutated
	ok, err = access.DefaultMatrix().Allowed(domain.KindMilestone, "edit", domain.RoleContributor)
	if err != nil || ok {
		t.Fatalf("default table mutated by override: %v %v", ok, err)
	}
}

func TestOverridesRejectUnknownCells(t *testing.T) {
	cfg := config.Default("acme")
	cfg.Access.Overrides = map[string]map[string][]string{
		"gadget": {"view": {domain.RoleAdmin}},
	}
	if _, err := access.NewMatrix(cfg); err == nil || !strings.Contains(err.Error(), "unknown entity kind") {
		t.Fatalf("expected unknown entity kind, got %v", err)
	}

	cfg = config.Default("acme")
	cfg.Access.Overrides = map[string]map[string][]string{
		domain.KindMilestone: {"frobnicate": {domain.RoleAdmin}},
	}
	if _, err := access.NewMatrix(cfg); err == nil || !strings.Contains(err.Error(), "unknown action") {
		t.Fatalf("expected unknown action, got %v", err)
	}
}

func TestOwnershipExceptionsAreEnumerated(t *testing.T) {
	allowed := map[[2]string]bool{
		{domain.KindTimeEntry, "edit"}:   true,
		{domain.KindTimeEntry, "delete"}: true,
		{domain.KindVariation, "edit"}:   true,
	}
	m := access.DefaultMatrix()
	for _, entity := range m.EntityTypes() {
		for _, action := range m.Actions(entity) {
			want := allowed[[2]string{entity, action}]
			if got := access.OwnershipException(entity, action); got != want {
				t.Errorf("ownership exception %s.%s = %v, want %v", entity, action, got, want)
			}
		}
	}
}
