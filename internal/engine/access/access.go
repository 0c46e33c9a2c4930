// Package access decides who may do what. All policy lives here: the
// permission matrix, the tenancy resolver, and the evaluation order
// that combines them. Callers load records and pass ownership facts
// in; the package never mutates anything.
package access

import (
	"context"
	"errors"
	"fmt"

	"pactline/internal/domain"
	"pactline/internal/repo"
)

// Rule strings name the evaluation step that produced a decision.
const (
	RuleSystemAdmin        = "system_admin"
	RuleOrgAdmin           = "org_admin"
	RuleOwner              = "owner"
	RuleNoMatch            = "no_matching_rule"
	RuleNoActiveMembership = "no_active_membership"
)

// DeniedError is a refused action. Rule carries the decision rule so
// callers can tell a role denial from a missing membership.
type DeniedError struct {
	EntityType string
	Action     string
	Rule       string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("action %s on %s denied (%s)", e.Action, e.EntityType, e.Rule)
}

// Decision is the outcome of an access check. Rule names the step that
// matched, or why nothing did.
type Decision struct {
	Allowed bool
	Rule    string
}

// Request describes one access check. Record is optional: actions on
// existing rows pass it so project scope and ownership come from the
// row itself, while create-style checks pass ProjectID alone.
type Request struct {
	UserID       string
	PreferredOrg string
	ProjectID    string
	EntityType   string
	Action       string
	Record       *RecordRef
}

// RecordRef carries the facts the decision needs about an existing
// record. OwnerDraft is true while the record sits in the state its
// owner may still edit.
type RecordRef struct {
	ID         string
	ProjectID  string
	OwnerID    string
	OwnerDraft bool
}

// Engine evaluates access requests against the matrix and the tenancy
// data in storage.
type Engine struct {
	Repo   repo.Repo
	Matrix Matrix
}

// Can evaluates a request. Rules run in a fixed order: system admin,
// org admin override, project role, ownership exception. An ordinary
// refusal returns Decision{Allowed: false}; errors are reserved for
// malformed input (unknown entity type or action) and storage faults.
func (e Engine) Can(ctx context.Context, req Request) (Decision, error) {
	if err := e.Matrix.Validate(req.EntityType, req.Action); err != nil {
		return Decision{}, err
	}

	u, err := e.Repo.GetUser(ctx, req.UserID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Decision{}, err
	}
	if err == nil && u.SystemAdmin {
		return Decision{Allowed: true, Rule: RuleSystemAdmin}, nil
	}

	tenancy, err := Resolver{Repo: e.Repo}.Resolve(ctx, req.UserID, req.PreferredOrg)
	if err != nil {
		var missing NoActiveMembershipError
		if errors.As(err, &missing) {
			return Decision{Allowed: false, Rule: RuleNoActiveMembership}, nil
		}
		return Decision{}, err
	}

	projectID := req.ProjectID
	if req.Record != nil && req.Record.ProjectID != "" {
		projectID = req.Record.ProjectID
	}

	if tenancy.OrgMembership.Role == domain.OrgRoleAdmin && projectID != "" {
		inOrg, err := e.projectInOrg(ctx, projectID, tenancy.OrgID())
		if err != nil {
			return Decision{}, err
		}
		if inOrg {
			ok, err := e.Matrix.Allowed(req.EntityType, req.Action, domain.RoleAdmin)
			if err != nil {
				return Decision{}, err
			}
			if ok {
				return Decision{Allowed: true, Rule: RuleOrgAdmin}, nil
			}
		}
	}

	role, member := tenancy.ProjectRoles[projectID]
	if member {
		ok, err := e.Matrix.Allowed(req.EntityType, req.Action, role)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return Decision{Allowed: true, Rule: "role:" + role}, nil
		}
	}

	if member && req.Record != nil && req.Record.OwnerID != "" &&
		req.Record.OwnerID == req.UserID && req.Record.OwnerDraft &&
		OwnershipException(req.EntityType, req.Action) {
		return Decision{Allowed: true, Rule: RuleOwner}, nil
	}

	return Decision{Allowed: false, Rule: RuleNoMatch}, nil
}

// Require is Can with a denial promoted to DeniedError.
func (e Engine) Require(ctx context.Context, req Request) (Decision, error) {
	d, err := e.Can(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed {
		return d, DeniedError{EntityType: req.EntityType, Action: req.Action, Rule: d.Rule}
	}
	return d, nil
}

// projectInOrg reports whether the project belongs to the organisation.
// Projects without an organisation match no org admin.
func (e Engine) projectInOrg(ctx context.Context, projectID, orgID string) (bool, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return p.OrgID != nil && *p.OrgID == orgID, nil
}
