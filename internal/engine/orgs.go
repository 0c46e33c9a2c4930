package engine

import (
	"context"
	"errors"
	"fmt"

	"pactline/internal/config"
	"pactline/internal/domain"
	"pactline/internal/engine/access"
	"pactline/internal/engine/workflow"
	"pactline/internal/events"
	"pactline/internal/repo"
)

// OrgCreateOptions are parameters for creating an organisation.
type OrgCreateOptions struct {
	ID   string
	Name string
	Tier string
}

func (e Engine) CreateOrganisation(ctx context.Context, actor Actor, opts OrgCreateOptions) (domain.Organisation, error) {
	if opts.Name == "" {
		return domain.Organisation{}, errors.New("organisation name is required")
	}
	if err := e.requireSystemAdmin(ctx, actor, "create"); err != nil {
		return domain.Organisation{}, err
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	o := domain.Organisation{
		ID:        id,
		Name:      opts.Name,
		Active:    true,
		Tier:      opts.Tier,
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organisation{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertOrg(ctx, tx, o); err != nil {
		return domain.Organisation{}, wrapTransient(err)
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, o.ID, config.Default(o.ID)); err != nil {
		return domain.Organisation{}, fmt.Errorf("seed organisation config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "organisation.created", o.ID, "", domain.KindOrganisation, o.ID, actor.UserID, events.EventPayload{"name": o.Name}); err != nil {
		return domain.Organisation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Organisation{}, wrapTransient(err)
	}
	return o, nil
}

// OrgUpdateOptions are the mutable organisation fields; nil means keep.
type OrgUpdateOptions struct {
	Name         *string
	Tier         *string
	SettingsJSON *string
	Active       *bool
}

func (e Engine) UpdateOrganisation(ctx context.Context, actor Actor, orgID string, opts OrgUpdateOptions) (domain.Organisation, error) {
	if err := e.requireOrgAdmin(ctx, actor, orgID, "edit"); err != nil {
		return domain.Organisation{}, err
	}
	if err := e.Repo.UpdateOrg(ctx, orgID, opts.Name, opts.Tier, opts.SettingsJSON, opts.Active); err != nil {
		return domain.Organisation{}, err
	}
	o, err := e.Repo.GetOrg(ctx, orgID)
	if err != nil {
		return domain.Organisation{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "organisation.updated", o.ID, "", domain.KindOrganisation, o.ID, actor.UserID, events.EventPayload{"name": o.Name, "active": o.Active}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, wrapTransient(err)
	}
	return o, nil
}

// UserCreateOptions are parameters for registering a user.
type UserCreateOptions struct {
	ID          string
	Name        string
	SystemAdmin bool
}

func (e Engine) CreateUser(ctx context.Context, actor Actor, opts UserCreateOptions) (domain.User, error) {
	if opts.ID == "" {
		return domain.User{}, errors.New("user id is required")
	}
	if err := e.requireSystemAdmin(ctx, actor, "create"); err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		ID:          opts.ID,
		Name:        opts.Name,
		SystemAdmin: opts.SystemAdmin,
		CreatedAt:   e.timestamp(),
	}
	if err := e.Repo.UpsertUser(ctx, u); err != nil {
		return domain.User{}, wrapTransient(err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "user.created", "", "", "user", u.ID, actor.UserID, events.EventPayload{"name": u.Name}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, wrapTransient(err)
	}
	return u, nil
}

func (e Engine) SetSystemAdmin(ctx context.Context, actor Actor, userID string, admin bool) error {
	if err := e.requireSystemAdmin(ctx, actor, "edit"); err != nil {
		return err
	}
	if err := e.Repo.SetSystemAdmin(ctx, userID, admin); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "user.system_admin_set", "", "", "user", userID, actor.UserID, events.EventPayload{"system_admin": admin}); err != nil {
		return err
	}
	return tx.Commit()
}

// OrgRoleGrant assigns an organisation role. The user row is created
// on the fly when the grant names someone new.
type OrgRoleGrant struct {
	OrgID    string
	UserID   string
	UserName string
	Role     string
}

func (e Engine) GrantOrgRole(ctx context.Context, actor Actor, grant OrgRoleGrant) (domain.OrgMembership, error) {
	if grant.Role != domain.OrgRoleAdmin && grant.Role != domain.OrgRoleMember {
		return domain.OrgMembership{}, fmt.Errorf("unknown organisation role %s", grant.Role)
	}
	if err := e.requireOrgAdmin(ctx, actor, grant.OrgID, "edit"); err != nil {
		return domain.OrgMembership{}, err
	}
	if _, err := e.Repo.GetOrg(ctx, grant.OrgID); err != nil {
		return domain.OrgMembership{}, err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OrgMembership{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, grant.UserID, grant.UserName, now); err != nil {
		return domain.OrgMembership{}, err
	}
	m, err := e.Repo.UpsertOrgMembershipTx(ctx, tx, domain.OrgMembership{
		UserID:    grant.UserID,
		OrgID:     grant.OrgID,
		Role:      grant.Role,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.OrgMembership{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "org_membership.granted", grant.OrgID, "", domain.KindMembership, grant.UserID, actor.UserID, events.EventPayload{"role": grant.Role}); err != nil {
		return domain.OrgMembership{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OrgMembership{}, wrapTransient(err)
	}
	return m, nil
}

func (e Engine) RevokeOrgRole(ctx context.Context, actor Actor, orgID, userID string) error {
	if err := e.requireOrgAdmin(ctx, actor, orgID, "edit"); err != nil {
		return err
	}
	if err := e.Repo.DeactivateOrgMembership(ctx, userID, orgID, e.timestamp()); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "org_membership.revoked", orgID, "", domain.KindMembership, userID, actor.UserID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID           string
	OrgID        string
	Reference    string
	Name         string
	BudgetCents  int64
	Currency     string
	SettingsJSON string
}

func (e Engine) CreateProject(ctx context.Context, actor Actor, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.OrgID == "" {
		return domain.Project{}, errors.New("organisation is required")
	}
	if opts.Reference == "" {
		return domain.Project{}, errors.New("project reference is required")
	}
	if opts.Name == "" {
		return domain.Project{}, errors.New("project name is required")
	}
	if err := e.requireOrgAdmin(ctx, actor, opts.OrgID, "create"); err != nil {
		return domain.Project{}, err
	}
	if _, err := e.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return domain.Project{}, err
	}
	currency := opts.Currency
	if currency == "" && e.Config != nil {
		currency = e.Config.Defaults.Currency
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	orgID := opts.OrgID
	p := domain.Project{
		ID:           id,
		OrgID:        &orgID,
		Reference:    opts.Reference,
		Name:         opts.Name,
		BudgetCents:  opts.BudgetCents,
		Currency:     currency,
		SettingsJSON: opts.SettingsJSON,
		CreatedAt:    e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", orgID, p.ID, domain.KindProject, p.ID, actor.UserID, events.EventPayload{"reference": p.Reference, "name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, wrapTransient(err)
	}
	return p, nil
}

// ProjectUpdateOptions are the mutable project fields; nil means keep.
type ProjectUpdateOptions struct {
	Name         *string
	BudgetCents  *int64
	SettingsJSON *string
}

func (e Engine) UpdateProject(ctx context.Context, actor Actor, projectID string, opts ProjectUpdateOptions) (domain.Project, error) {
	if err := e.require(ctx, actor, projectID, domain.KindProject, "edit", nil); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.UpdateProject(ctx, projectID, opts.Name, opts.BudgetCents, opts.SettingsJSON); err != nil {
		return domain.Project{}, err
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "project.updated", e.orgIDForProject(ctx, p.ID), p.ID, domain.KindProject, p.ID, actor.UserID, events.EventPayload{"name": p.Name}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, wrapTransient(err)
	}
	return p, nil
}

// Projects lists the actor's visible projects inside one organisation:
// all of them for org admins and system admins, membership projects
// for everyone else.
func (e Engine) Projects(ctx context.Context, actor Actor) ([]domain.Project, error) {
	u, err := e.Repo.GetUser(ctx, actor.UserID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	systemAdmin := err == nil && u.SystemAdmin

	tenancy, err := e.ResolveTenancy(ctx, actor)
	if err != nil {
		if systemAdmin && actor.OrgID != "" {
			return e.Repo.ListProjects(ctx, actor.OrgID)
		}
		return nil, err
	}
	all, err := e.Repo.ListProjects(ctx, tenancy.OrgID())
	if err != nil {
		return nil, err
	}
	if systemAdmin || tenancy.OrgMembership.Role == domain.OrgRoleAdmin {
		return all, nil
	}
	visible := all[:0]
	for _, p := range all {
		if _, ok := tenancy.ProjectRoles[p.ID]; ok {
			visible = append(visible, p)
		}
	}
	return visible, nil
}

// ProjectRoleGrant assigns a project role. Project members need a
// foothold in the project's organisation to resolve tenancy, so a
// missing org membership is created as org_member alongside.
type ProjectRoleGrant struct {
	ProjectID string
	UserID    string
	UserName  string
	Role      string
}

func (e Engine) GrantProjectRole(ctx context.Context, actor Actor, grant ProjectRoleGrant) (domain.ProjectMembership, error) {
	known := false
	for _, r := range access.Roles() {
		if r == grant.Role {
			known = true
			break
		}
	}
	if !known {
		return domain.ProjectMembership{}, fmt.Errorf("unknown project role %s", grant.Role)
	}
	if err := e.require(ctx, actor, grant.ProjectID, domain.KindMembership, "edit", nil); err != nil {
		return domain.ProjectMembership{}, err
	}
	p, err := e.Repo.GetProject(ctx, grant.ProjectID)
	if err != nil {
		return domain.ProjectMembership{}, err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectMembership{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, grant.UserID, grant.UserName, now); err != nil {
		return domain.ProjectMembership{}, err
	}
	if p.OrgID != nil {
		existing, err := e.Repo.GetOrgMembershipTx(ctx, tx, grant.UserID, *p.OrgID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.ProjectMembership{}, err
		}
		if errors.Is(err, repo.ErrNotFound) || !existing.Active {
			role := domain.OrgRoleMember
			if existing.Role == domain.OrgRoleAdmin {
				role = existing.Role
			}
			if _, err := e.Repo.UpsertOrgMembershipTx(ctx, tx, domain.OrgMembership{
				UserID:    grant.UserID,
				OrgID:     *p.OrgID,
				Role:      role,
				Active:    true,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return domain.ProjectMembership{}, err
			}
		}
	}
	m, err := e.Repo.UpsertProjectMembershipTx(ctx, tx, domain.ProjectMembership{
		UserID:    grant.UserID,
		ProjectID: grant.ProjectID,
		Role:      grant.Role,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.ProjectMembership{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "project_membership.granted", e.orgIDForProject(ctx, grant.ProjectID), grant.ProjectID, domain.KindMembership, grant.UserID, actor.UserID, events.EventPayload{"role": grant.Role}); err != nil {
		return domain.ProjectMembership{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectMembership{}, wrapTransient(err)
	}
	return m, nil
}

func (e Engine) RevokeProjectRole(ctx context.Context, actor Actor, projectID, userID string) error {
	if err := e.require(ctx, actor, projectID, domain.KindMembership, "edit", nil); err != nil {
		return err
	}
	if err := e.Repo.DeactivateProjectMembership(ctx, userID, projectID, e.timestamp()); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "project_membership.revoked", e.orgIDForProject(ctx, projectID), projectID, domain.KindMembership, userID, actor.UserID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Organisation returns one organisation. Any active member may read
// their own organisation.
func (e Engine) Organisation(ctx context.Context, actor Actor, orgID string) (domain.Organisation, error) {
	o, err := e.Repo.GetOrg(ctx, orgID)
	if err != nil {
		return domain.Organisation{}, err
	}
	u, err := e.Repo.GetUser(ctx, actor.UserID)
	if err != nil {
		return domain.Organisation{}, err
	}
	if u.SystemAdmin {
		return o, nil
	}
	m, err := e.Repo.GetOrgMembership(ctx, actor.UserID, orgID)
	if err != nil || !m.Active {
		return domain.Organisation{}, access.NoActiveMembershipError{UserID: actor.UserID}
	}
	return o, nil
}

// Organisations lists what the actor can see: every organisation for
// system admins, otherwise the actor's own active memberships.
func (e Engine) Organisations(ctx context.Context, actor Actor) ([]domain.Organisation, error) {
	u, err := e.Repo.GetUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if u.SystemAdmin {
		return e.Repo.ListOrgs(ctx)
	}
	ms, err := e.Repo.ActiveOrgMembershipsForUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	var orgs []domain.Organisation
	for _, m := range ms {
		o, err := e.Repo.GetOrg(ctx, m.OrgID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, nil
}

// OrgMembers lists an organisation's memberships.
func (e Engine) OrgMembers(ctx context.Context, actor Actor, orgID string, includeInactive bool) ([]domain.OrgMembership, error) {
	if err := e.requireOrgAdmin(ctx, actor, orgID, "view members"); err != nil {
		return nil, err
	}
	return e.Repo.ListOrgMembers(ctx, orgID, includeInactive)
}

// ProjectMembers lists a project's memberships.
func (e Engine) ProjectMembers(ctx context.Context, actor Actor, projectID string, includeInactive bool) ([]domain.ProjectMembership, error) {
	if err := e.require(ctx, actor, projectID, domain.KindMembership, "view", nil); err != nil {
		return nil, err
	}
	return e.Repo.ListProjectMembers(ctx, projectID, includeInactive)
}

// OrgConfig returns the organisation's stored config document, falling
// back to defaults when none was imported yet.
func (e Engine) OrgConfig(ctx context.Context, actor Actor, orgID string) (*config.Config, error) {
	if err := e.requireOrgAdmin(ctx, actor, orgID, "view config"); err != nil {
		return nil, err
	}
	cfg, err := e.Repo.GetOrgConfig(ctx, orgID)
	if errors.Is(err, repo.ErrNotFound) {
		return config.Default(orgID), nil
	}
	return cfg, err
}

// SetOrgConfig replaces the organisation's config document. The new
// document is validated before it is stored.
func (e Engine) SetOrgConfig(ctx context.Context, actor Actor, orgID string, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := access.NewMatrix(cfg); err != nil {
		return err
	}
	if _, err := workflow.NewSides(cfg); err != nil {
		return err
	}
	if err := e.requireOrgAdmin(ctx, actor, orgID, "edit"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, orgID, cfg); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "organisation.config_updated", orgID, "", domain.KindOrganisation, orgID, actor.UserID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
