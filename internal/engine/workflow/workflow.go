// Package workflow holds the state graphs for signable entities and
// the rules for moving through them. The package is pure: it never
// touches storage, so every legal and illegal move can be tested as a
// table. Loading records, checking permissions, and running side
// effects belong to the engine.
package workflow

import (
	"fmt"

	"pactline/internal/domain"
)

// TransitionError is an action that the entity's current state does
// not permit.
type TransitionError struct {
	Kind   string
	From   string
	Action string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: cannot %s from %s", e.Kind, e.Action, e.From)
}

// TerminalStateError is an action attempted on an entity that already
// reached a terminal state. Callers treat a replay of the completing
// action as benign and everything else as a refusal.
type TerminalStateError struct {
	Kind  string
	State string
}

func (e TerminalStateError) Error() string {
	return fmt.Sprintf("%s is already %s", e.Kind, e.State)
}

// UnauthorizedSignerError is a signing attempt by a role that belongs
// to no signing side of the entity kind, or to the wrong side for the
// slot being filled.
type UnauthorizedSignerError struct {
	Kind string
	Role string
}

func (e UnauthorizedSignerError) Error() string {
	return fmt.Sprintf("role %s holds no signing slot on %s", e.Role, e.Kind)
}

// PrerequisiteError is a transition blocked by the state of another
// record. Requirement names the record holding it up.
type PrerequisiteError struct {
	Kind        string
	ID          string
	Requirement string
}

func (e PrerequisiteError) Error() string {
	return fmt.Sprintf("%s %s blocked: %s", e.Kind, e.ID, e.Requirement)
}

// Side effects a completed transition asks the engine to run in the
// same transaction.
const (
	EffectLockBaseline   = "baseline_locked"
	EffectApplyVariation = "variation_applied"
)

// Step is the destination of a non-signing action.
type Step struct {
	To string
}

// transitions maps kind -> state -> action -> destination for every
// action that is not a signature. Signature movement lives in
// ApplySign because its destination depends on which slots are filled.
var transitions = map[string]map[string]map[string]Step{
	domain.KindDeliverable: {
		"not_started": {
			"start": {To: "in_progress"},
		},
		"in_progress": {
			"submit": {To: "submitted_for_review"},
		},
		"submitted_for_review": {
			"complete_review": {To: "review_complete"},
			"return":          {To: "returned_for_work"},
		},
		"returned_for_work": {
			"start": {To: "in_progress"},
		},
	},
	domain.KindVariation: {
		"draft": {
			"submit": {To: "submitted"},
		},
		"submitted": {
			"reject": {To: "rejected"},
		},
		"awaiting_supplier_sign": {
			"reject": {To: "rejected"},
		},
		"awaiting_customer_sign": {
			"reject": {To: "rejected"},
		},
	},
	domain.KindTimeEntry: {
		"draft": {
			"submit": {To: "submitted"},
		},
		"submitted": {
			"approve": {To: "approved"},
			"return":  {To: "draft"},
		},
	},
}

// terminalStates lists, per kind, the states no action may leave.
var terminalStates = map[string]map[string]bool{
	domain.KindMilestone:   {"locked": true},
	domain.KindDeliverable: {"delivered": true},
	domain.KindVariation:   {"applied": true, "rejected": true},
	domain.KindCertificate: {"accepted": true},
	domain.KindTimeEntry:   {"approved": true},
}

// editableStates lists, per kind, the states in which working fields
// may still change. Anything signed or under signature is frozen.
var editableStates = map[string]map[string]bool{
	domain.KindMilestone:   {"draft": true},
	domain.KindDeliverable: {"not_started": true, "in_progress": true, "returned_for_work": true},
	domain.KindVariation:   {"draft": true},
	domain.KindCertificate: {"pending": true},
	domain.KindTimeEntry:   {"draft": true},
}

var initialStates = map[string]string{
	domain.KindMilestone:   "draft",
	domain.KindDeliverable: "not_started",
	domain.KindVariation:   "draft",
	domain.KindCertificate: "pending",
	domain.KindTimeEntry:   "draft",
}

// InitialState returns the state a freshly created entity starts in.
func InitialState(kind string) string {
	return initialStates[kind]
}

// Terminal reports whether the state is terminal for the kind.
func Terminal(kind, state string) bool {
	return terminalStates[kind][state]
}

// Editable reports whether working fields may change in this state.
func Editable(kind, state string) bool {
	return editableStates[kind][state]
}

// Next resolves a non-signing action against the kind's graph.
func Next(kind, state, action string) (Step, error) {
	if Terminal(kind, state) {
		return Step{}, TerminalStateError{Kind: kind, State: state}
	}
	step, ok := transitions[kind][state][action]
	if !ok {
		return Step{}, TransitionError{Kind: kind, From: state, Action: action}
	}
	return step, nil
}

// Completes reports whether the action is the one that produced the
// given terminal state. Replaying such an action is answered as
// already done rather than refused.
func Completes(kind, action, state string) bool {
	if !Terminal(kind, state) {
		return false
	}
	if action == "sign" {
		g, ok := signGraphs[kind]
		return ok && state == g.Complete
	}
	for _, actions := range transitions[kind] {
		if step, ok := actions[action]; ok && step.To == state {
			return true
		}
	}
	return false
}
