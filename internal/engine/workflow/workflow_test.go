package workflow_test

import (
	"errors"
	"testing"

	"pactline/internal/config"
	"pactline/internal/domain"
	"pactline/internal/engine/workflow"
)

func TestNextWalksEveryGraph(t *testing.T) {
	cases := []struct {
		kind, from, action, to string
	}{
		{domain.KindDeliverable, "not_started", "start", "in_progress"},
		{domain.KindDeliverable, "in_progress", "submit", "submitted_for_review"},
		{domain.KindDeliverable, "submitted_for_review", "complete_review", "review_complete"},
		{domain.KindDeliverable, "submitted_for_review", "return", "returned_for_work"},
		{domain.KindDeliverable, "returned_for_work", "start", "in_progress"},
		{domain.KindVariation, "draft", "submit", "submitted"},
		{domain.KindVariation, "submitted", "reject", "rejected"},
		{domain.KindVariation, "awaiting_supplier_sign", "reject", "rejected"},
		{domain.KindVariation, "awaiting_customer_sign", "reject", "rejected"},
		{domain.KindTimeEntry, "draft", "submit", "submitted"},
		{domain.KindTimeEntry, "submitted", "approve", "approved"},
		{domain.KindTimeEntry, "submitted", "return", "draft"},
	}
	for _, c := range cases {
		step, err := workflow.Next(c.kind, c.from, c.action)
		if err != nil {
			t.Fatalf("%s %s from %s: %v", c.kind, c.action, c.from, err)
		}
		if step.To != c.to {
			t.Fatalf("%s %s from %s: got %s, want %s", c.kind, c.action, c.from, step.To, c.to)
		}
	}
}

func TestNextRefusesIllegalMoves(t *testing.T) {
	cases := []struct {
		kind, from, action string
	}{
		{domain.KindDeliverable, "not_started", "submit"},
		{domain.KindDeliverable, "in_progress", "complete_review"},
		{domain.KindDeliverable, "review_complete", "return"},
		{domain.KindVariation, "draft", "reject"},
		{domain.KindVariation, "submitted", "submit"},
		{domain.KindTimeEntry, "draft", "approve"},
		{domain.KindMilestone, "draft", "submit"},
	}
	for _, c := range cases {
		_, err := workflow.Next(c.kind, c.from, c.action)
		var te workflow.TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("%s %s from %s: want TransitionError, got %v", c.kind, c.action, c.from, err)
		}
		if te.Kind != c.kind || te.From != c.from || te.Action != c.action {
			t.Fatalf("error fields: %+v", te)
		}
	}
}

func TestNextRefusesTerminalStates(t *testing.T) {
	cases := []struct{ kind, state string }{
		{domain.KindMilestone, "locked"},
		{domain.KindDeliverable, "delivered"},
		{domain.KindVariation, "applied"},
		{domain.KindVariation, "rejected"},
		{domain.KindCertificate, "accepted"},
		{domain.KindTimeEntry, "approved"},
	}
	for _, c := range cases {
		_, err := workflow.Next(c.kind, c.state, "submit")
		var term workflow.TerminalStateError
		if !errors.As(err, &term) {
			t.Fatalf("%s in %s: want TerminalStateError, got %v", c.kind, c.state, err)
		}
	}
}

func TestApplySignFirstSignature(t *testing.T) {
	cases := []struct {
		kind, start string
		side        workflow.Side
		to          string
	}{
		{domain.KindMilestone, "draft", workflow.SideSupplier, "awaiting_customer_sign"},
		{domain.KindMilestone, "draft", workflow.SideCustomer, "awaiting_supplier_sign"},
		{domain.KindVariation, "submitted", workflow.SideSupplier, "awaiting_customer_sign"},
		{domain.KindVariation, "submitted", workflow.SideCustomer, "awaiting_supplier_sign"},
		{domain.KindDeliverable, "review_complete", workflow.SideSupplier, "awaiting_customer_sign"},
		{domain.KindCertificate, "pending", workflow.SideCustomer, "awaiting_supplier_sign"},
	}
	for _, c := range cases {
		out, err := workflow.ApplySign(c.kind, c.start, c.side, workflow.SignState{})
		if err != nil {
			t.Fatalf("%s %s sign from %s: %v", c.kind, c.side, c.start, err)
		}
		if out.To != c.to || out.Complete || out.Overwrite {
			t.Fatalf("%s %s sign from %s: %+v", c.kind, c.side, c.start, out)
		}
	}
}

func TestApplySignCompletion(t *testing.T) {
	cases := []struct {
		kind, state string
		side        workflow.Side
		filled      workflow.SignState
		to, effect  string
	}{
		{domain.KindMilestone, "awaiting_customer_sign", workflow.SideCustomer, workflow.SignState{SupplierSigned: true}, "locked", workflow.EffectLockBaseline},
		{domain.KindMilestone, "awaiting_supplier_sign", workflow.SideSupplier, workflow.SignState{CustomerSigned: true}, "locked", workflow.EffectLockBaseline},
		{domain.KindVariation, "awaiting_supplier_sign", workflow.SideSupplier, workflow.SignState{CustomerSigned: true}, "applied", workflow.EffectApplyVariation},
		{domain.KindDeliverable, "awaiting_customer_sign", workflow.SideCustomer, workflow.SignState{SupplierSigned: true}, "delivered", ""},
		{domain.KindCertificate, "awaiting_supplier_sign", workflow.SideSupplier, workflow.SignState{CustomerSigned: true}, "accepted", ""},
	}
	for _, c := range cases {
		out, err := workflow.ApplySign(c.kind, c.state, c.side, c.filled)
		if err != nil {
			t.Fatalf("%s completing sign: %v", c.kind, err)
		}
		if !out.Complete || out.To != c.to || out.Effect != c.effect {
			t.Fatalf("%s completing sign: %+v", c.kind, out)
		}
	}
}

func TestApplySignOverwriteSameSide(t *testing.T) {
	// the supplier already signed; a second supplier signature rewrites
	// the slot and leaves the state where it was
	out, err := workflow.ApplySign(domain.KindMilestone, "awaiting_customer_sign", workflow.SideSupplier, workflow.SignState{SupplierSigned: true})
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if !out.Overwrite || out.Complete || out.To != "awaiting_customer_sign" {
		t.Fatalf("overwrite result: %+v", out)
	}

	out, err = workflow.ApplySign(domain.KindVariation, "awaiting_supplier_sign", workflow.SideCustomer, workflow.SignState{CustomerSigned: true})
	if err != nil {
		t.Fatalf("customer overwrite: %v", err)
	}
	if !out.Overwrite || out.To != "awaiting_supplier_sign" {
		t.Fatalf("customer overwrite result: %+v", out)
	}
}

func TestApplySignSlotsDecideCompletion(t *testing.T) {
	// the status column lags behind a concurrent counterparty write;
	// the slots say both parties are in, so the record completes
	out, err := workflow.ApplySign(domain.KindMilestone, "awaiting_customer_sign", workflow.SideSupplier, workflow.SignState{SupplierSigned: true, CustomerSigned: true})
	if err != nil {
		t.Fatalf("slot-driven completion: %v", err)
	}
	if !out.Complete || out.To != "locked" {
		t.Fatalf("slot-driven completion: %+v", out)
	}
}

func TestApplySignRefusals(t *testing.T) {
	var term workflow.TerminalStateError
	if _, err := workflow.ApplySign(domain.KindMilestone, "locked", workflow.SideSupplier, workflow.SignState{SupplierSigned: true, CustomerSigned: true}); !errors.As(err, &term) {
		t.Fatalf("signed entity: want TerminalStateError, got %v", err)
	}
	if _, err := workflow.ApplySign(domain.KindVariation, "rejected", workflow.SideSupplier, workflow.SignState{}); !errors.As(err, &term) {
		t.Fatalf("rejected variation: want TerminalStateError, got %v", err)
	}

	var trans workflow.TransitionError
	for _, state := range []string{"not_started", "in_progress", "submitted_for_review", "returned_for_work"} {
		if _, err := workflow.ApplySign(domain.KindDeliverable, state, workflow.SideSupplier, workflow.SignState{}); !errors.As(err, &trans) {
			t.Fatalf("deliverable sign from %s: want TransitionError, got %v", state, err)
		}
	}
	if _, err := workflow.ApplySign(domain.KindVariation, "draft", workflow.SideCustomer, workflow.SignState{}); !errors.As(err, &trans) {
		t.Fatalf("unsubmitted variation: want TransitionError, got %v", err)
	}

	if _, err := workflow.ApplySign(domain.KindTimeEntry, "submitted", workflow.SideSupplier, workflow.SignState{}); err == nil {
		t.Fatalf("time entries carry no dual-signature slots")
	}
}

func TestCompletesDetectsReplays(t *testing.T) {
	cases := []struct {
		kind, action, state string
		want                bool
	}{
		{domain.KindMilestone, "sign", "locked", true},
		{domain.KindDeliverable, "sign", "delivered", true},
		{domain.KindVariation, "sign", "applied", true},
		{domain.KindVariation, "sign", "rejected", false},
		{domain.KindVariation, "reject", "rejected", true},
		{domain.KindCertificate, "sign", "accepted", true},
		{domain.KindTimeEntry, "approve", "approved", true},
		{domain.KindTimeEntry, "submit", "approved", false},
		{domain.KindMilestone, "sign", "draft", false},
	}
	for _, c := range cases {
		if got := workflow.Completes(c.kind, c.action, c.state); got != c.want {
			t.Fatalf("Completes(%s, %s, %s) = %v, want %v", c.kind, c.action, c.state, got, c.want)
		}
	}
}

func TestStateTables(t *testing.T) {
	if workflow.InitialState(domain.KindMilestone) != "draft" || workflow.InitialState(domain.KindDeliverable) != "not_started" ||
		workflow.InitialState(domain.KindCertificate) != "pending" {
		t.Fatalf("initial states wrong")
	}
	if !workflow.Terminal(domain.KindVariation, "applied") || workflow.Terminal(domain.KindVariation, "submitted") {
		t.Fatalf("terminal table wrong")
	}
	if !workflow.Editable(domain.KindMilestone, "draft") || workflow.Editable(domain.KindMilestone, "awaiting_customer_sign") {
		t.Fatalf("milestone editability wrong")
	}
	if !workflow.Editable(domain.KindDeliverable, "returned_for_work") || workflow.Editable(domain.KindDeliverable, "submitted_for_review") {
		t.Fatalf("deliverable editability wrong")
	}
}

func TestDefaultSides(t *testing.T) {
	s, err := workflow.NewSides(nil)
	if err != nil {
		t.Fatalf("default sides: %v", err)
	}
	cases := []struct {
		kind, role string
		side       workflow.Side
		held       bool
	}{
		{domain.KindMilestone, domain.RoleSupplierPM, workflow.SideSupplier, true},
		{domain.KindMilestone, domain.RoleCustomerPM, workflow.SideCustomer, true},
		{domain.KindMilestone, domain.RoleSupplierFinance, "", false},
		{domain.KindMilestone, domain.RoleAdmin, "", false},
		{domain.KindVariation, domain.RoleSupplierFinance, workflow.SideSupplier, true},
		{domain.KindVariation, domain.RoleCustomerFinance, workflow.SideCustomer, true},
		{domain.KindCertificate, domain.RoleCustomerFinance, workflow.SideCustomer, true},
		{domain.KindDeliverable, domain.RoleContributor, "", false},
		{domain.KindDeliverable, domain.RoleViewer, "", false},
	}
	for _, c := range cases {
		side, ok := s.SideFor(c.kind, c.role)
		if ok != c.held || (ok && side != c.side) {
			t.Fatalf("SideFor(%s, %s) = %v %v, want %v %v", c.kind, c.role, side, ok, c.side, c.held)
		}
	}
}

func TestSidesConfigOverride(t *testing.T) {
	cfg := &config.Config{}
	cfg.Signing.Sides = map[string]config.SideConfig{
		domain.KindMilestone: {
			Supplier: []string{domain.RoleSupplierPM, domain.RoleSupplierFinance},
			Customer: []string{domain.RoleCustomerPM},
		},
	}
	s, err := workflow.NewSides(cfg)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if side, ok := s.SideFor(domain.KindMilestone, domain.RoleSupplierFinance); !ok || side != workflow.SideSupplier {
		t.Fatalf("override must admit supplier finance: %v %v", side, ok)
	}
	// kinds not named keep their defaults
	if side, ok := s.SideFor(domain.KindVariation, domain.RoleCustomerFinance); !ok || side != workflow.SideCustomer {
		t.Fatalf("untouched kind lost its defaults: %v %v", side, ok)
	}

	cfg.Signing.Sides = map[string]config.SideConfig{
		domain.KindVariation: {
			Supplier: []string{domain.RoleSupplierPM},
			Customer: []string{domain.RoleSupplierPM},
		},
	}
	if _, err := workflow.NewSides(cfg); err == nil {
		t.Fatalf("a role on both sides must be refused")
	}

	cfg.Signing.Sides = map[string]config.SideConfig{
		domain.KindTimeEntry: {Supplier: []string{domain.RoleSupplierPM}, Customer: []string{domain.RoleCustomerPM}},
	}
	if _, err := workflow.NewSides(cfg); err == nil {
		t.Fatalf("unsignable kinds must be refused")
	}
}
