package access

import (
	"context"
	"errors"
	"fmt"

	"pactline/internal/domain"
	"pactline/internal/repo"
)

// NoActiveMembershipError is returned when an identity holds no active
// organisation membership and so cannot be placed in any tenant.
type NoActiveMembershipError struct {
	UserID string
}

func (e NoActiveMembershipError) Error() string {
	return fmt.Sprintf("user %s has no active organisation membership", e.UserID)
}

// Tenancy is the resolved per-request context: the caller's identity,
// the organisation the request runs under, and the caller's role on
// each project of that organisation. It is rebuilt from storage on
// every resolve so revocations take effect immediately.
type Tenancy struct {
	User          domain.User
	OrgMembership domain.OrgMembership
	ProjectRoles  map[string]string
}

// OrgID returns the organisation the request is scoped to.
func (t Tenancy) OrgID() string {
	return t.OrgMembership.OrgID
}

// Resolver maps an identity to its tenant context.
type Resolver struct {
	Repo repo.Repo
}

// Resolve picks the organisation membership for the request. When the
// user belongs to several organisations, preferredOrg selects between
// them; otherwise the earliest-created active membership wins. Project
// roles are loaded for the chosen organisation only.
func (r Resolver) Resolve(ctx context.Context, userID, preferredOrg string) (Tenancy, error) {
	u, err := r.Repo.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Tenancy{}, NoActiveMembershipError{UserID: userID}
		}
		return Tenancy{}, err
	}

	memberships, err := r.Repo.ActiveOrgMembershipsForUser(ctx, userID)
	if err != nil {
		return Tenancy{}, err
	}
	if len(memberships) == 0 {
		return Tenancy{}, NoActiveMembershipError{UserID: userID}
	}

	selected := memberships[0]
	if preferredOrg != "" {
		found := false
		for _, m := range memberships {
			if m.OrgID == preferredOrg {
				selected = m
				found = true
				break
			}
		}
		if !found {
			return Tenancy{}, NoActiveMembershipError{UserID: userID}
		}
	}

	projectMemberships, err := r.Repo.ActiveProjectMembershipsForUser(ctx, userID)
	if err != nil {
		return Tenancy{}, err
	}
	roles := make(map[string]string, len(projectMemberships))
	for _, pm := range projectMemberships {
		p, err := r.Repo.GetProject(ctx, pm.ProjectID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return Tenancy{}, err
		}
		if p.OrgID == nil || *p.OrgID != selected.OrgID {
			continue
		}
		roles[pm.ProjectID] = pm.Role
	}

	return Tenancy{User: u, OrgMembership: selected, ProjectRoles: roles}, nil
}
