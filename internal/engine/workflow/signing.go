package workflow

import (
	"fmt"

	"pactline/internal/config"
	"pactline/internal/domain"
)

// Side is one party of a dual-signature agreement.
type Side string

const (
	SideSupplier Side = "supplier"
	SideCustomer Side = "customer"
)

// signGraph describes how signatures move a kind: the state signing
// starts from, the per-side waiting states, the fully signed state,
// and the side effect the completing signature triggers.
type signGraph struct {
	Start    string
	Awaiting map[Side]string
	Complete string
	Effect   string
}

var signGraphs = map[string]signGraph{
	domain.KindMilestone: {
		Start:    "draft",
		Awaiting: map[Side]string{SideSupplier: "awaiting_supplier_sign", SideCustomer: "awaiting_customer_sign"},
		Complete: "locked",
		Effect:   EffectLockBaseline,
	},
	domain.KindDeliverable: {
		Start:    "review_complete",
		Awaiting: map[Side]string{SideSupplier: "awaiting_supplier_sign", SideCustomer: "awaiting_customer_sign"},
		Complete: "delivered",
	},
	domain.KindVariation: {
		Start:    "submitted",
		Awaiting: map[Side]string{SideSupplier: "awaiting_supplier_sign", SideCustomer: "awaiting_customer_sign"},
		Complete: "applied",
		Effect:   EffectApplyVariation,
	},
	domain.KindCertificate: {
		Start:    "pending",
		Awaiting: map[Side]string{SideSupplier: "awaiting_supplier_sign", SideCustomer: "awaiting_customer_sign"},
		Complete: "accepted",
	},
}

func other(side Side) Side {
	if side == SideSupplier {
		return SideCustomer
	}
	return SideSupplier
}

// SignState carries which slots are already filled on the record.
type SignState struct {
	SupplierSigned bool
	CustomerSigned bool
}

func (s SignState) signed(side Side) bool {
	if side == SideSupplier {
		return s.SupplierSigned
	}
	return s.CustomerSigned
}

// SignResult is the outcome of one accepted signature. Overwrite marks
// a repeat signature by a side that had already signed: the slot is
// rewritten in place and the state does not move.
type SignResult struct {
	To        string
	Complete  bool
	Overwrite bool
	Effect    string
}

// ApplySign resolves a signature by the given side against the kind's
// signing graph. Completion is decided from the slots rather than the
// status column: the record is fully signed once both slots are
// filled, whichever party signed first. Re-signing by the same side
// before the other has signed overwrites that slot in place, latest
// timestamp winning, without advancing state. Signing a fully signed
// entity reports TerminalStateError so callers can treat the replay
// as benign.
func ApplySign(kind, state string, side Side, filled SignState) (SignResult, error) {
	g, ok := signGraphs[kind]
	if !ok {
		return SignResult{}, fmt.Errorf("kind %s is not signable", kind)
	}
	if state == g.Complete || Terminal(kind, state) {
		return SignResult{}, TerminalStateError{Kind: kind, State: state}
	}
	if state != g.Start && state != g.Awaiting[SideSupplier] && state != g.Awaiting[SideCustomer] {
		return SignResult{}, TransitionError{Kind: kind, From: state, Action: "sign"}
	}
	if filled.signed(other(side)) {
		return SignResult{To: g.Complete, Complete: true, Effect: g.Effect}, nil
	}
	if filled.signed(side) {
		// same party re-confirming before the counterparty signs
		return SignResult{To: state, Overwrite: true}, nil
	}
	return SignResult{To: g.Awaiting[other(side)]}, nil
}

// Signable reports whether the kind carries dual-signature slots.
func Signable(kind string) bool {
	_, ok := signGraphs[kind]
	return ok
}

// Sides maps project roles onto signing sides per entity kind. The
// defaults keep the two parties independent: no role may fill both
// slots, and the admin role belongs to neither side.
type Sides struct {
	byKind map[string]map[string]Side
}

var defaultSides = map[string]map[Side][]string{
	domain.KindMilestone: {
		SideSupplier: {domain.RoleSupplierPM},
		SideCustomer: {domain.RoleCustomerPM},
	},
	domain.KindDeliverable: {
		SideSupplier: {domain.RoleSupplierPM},
		SideCustomer: {domain.RoleCustomerPM},
	},
	domain.KindVariation: {
		SideSupplier: {domain.RoleSupplierPM, domain.RoleSupplierFinance},
		SideCustomer: {domain.RoleCustomerPM, domain.RoleCustomerFinance},
	},
	domain.KindCertificate: {
		SideSupplier: {domain.RoleSupplierPM, domain.RoleSupplierFinance},
		SideCustomer: {domain.RoleCustomerPM, domain.RoleCustomerFinance},
	},
}

// NewSides builds the role-to-side mapping: defaults overlaid with the
// org config's signing section. A role may not appear on both sides of
// the same kind.
func NewSides(cfg *config.Config) (Sides, error) {
	s := Sides{byKind: make(map[string]map[string]Side, len(signGraphs))}
	for kind, groups := range defaultSides {
		s.byKind[kind] = make(map[string]Side)
		for side, roles := range groups {
			for _, role := range roles {
				s.byKind[kind][role] = side
			}
		}
	}
	if cfg == nil {
		return s, nil
	}
	for kind, group := range cfg.Signing.Sides {
		if !Signable(kind) {
			return Sides{}, fmt.Errorf("signing config references kind %s, which is not signable", kind)
		}
		roles := make(map[string]Side, len(group.Supplier)+len(group.Customer))
		for _, role := range group.Supplier {
			roles[role] = SideSupplier
		}
		for _, role := range group.Customer {
			if roles[role] == SideSupplier {
				return Sides{}, fmt.Errorf("signing config for %s puts role %s on both sides", kind, role)
			}
			roles[role] = SideCustomer
		}
		s.byKind[kind] = roles
	}
	return s, nil
}

// SideFor returns the side the role signs for on the kind, if any.
func (s Sides) SideFor(kind, role string) (Side, bool) {
	side, ok := s.byKind[kind][role]
	return side, ok
}
