package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pactline/internal/config"
	"pactline/internal/domain"
	"pactline/internal/engine/access"
	"pactline/internal/engine/workflow"
	"pactline/internal/events"
	"pactline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	matrix access.Matrix
	sides  workflow.Sides
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	matrix, err := access.NewMatrix(cfg)
	if err != nil {
		return Engine{}, err
	}
	sides, err := workflow.NewSides(cfg)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		matrix: matrix,
		sides:  sides,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func newID() string {
	return uuid.NewString()
}

// Actor identifies who is performing an operation and, when the user
// belongs to several organisations, which one the request runs under.
type Actor struct {
	UserID string
	OrgID  string
}

// AlreadyLockedError reports a lock replay: the milestone already
// completed its signatures and holds a version 1 baseline.
type AlreadyLockedError struct {
	MilestoneID string
}

func (e AlreadyLockedError) Error() string {
	return fmt.Sprintf("milestone %s is already locked", e.MilestoneID)
}

// NotDeletedError reports a restore or purge aimed at a record that is
// not soft-deleted.
type NotDeletedError struct {
	Kind string
	ID   string
}

func (e NotDeletedError) Error() string {
	return fmt.Sprintf("%s %s is not deleted", e.Kind, e.ID)
}

// TransientError wraps storage contention so callers can retry.
type TransientError struct {
	Err error
}

func (e TransientError) Error() string { return e.Err.Error() }
func (e TransientError) Unwrap() error { return e.Err }

func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrConflict) {
		return TransientError{Err: err}
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return TransientError{Err: err}
	}
	return err
}

// Access returns the decision engine built from this engine's matrix.
func (e Engine) Access() access.Engine {
	return access.Engine{Repo: e.Repo, Matrix: e.matrix}
}

// Matrix exposes the effective permission table, defaults plus org
// config overrides.
func (e Engine) Matrix() access.Matrix {
	return e.matrix
}

// ResolveTenancy resolves the actor's tenant context.
func (e Engine) ResolveTenancy(ctx context.Context, actor Actor) (access.Tenancy, error) {
	return access.Resolver{Repo: e.Repo}.Resolve(ctx, actor.UserID, actor.OrgID)
}

// CanPerform runs one access check without performing anything.
// CheckPermission answers a would-this-be-allowed query. When recordID
// names a workflow record, its ownership facts are loaded so owner
// exceptions are reflected in the answer.
func (e Engine) CheckPermission(ctx context.Context, actor Actor, projectID, entityType, action, recordID string) (access.Decision, error) {
	var ref *access.RecordRef
	if recordID != "" {
		switch entityType {
		case domain.KindMilestone, domain.KindDeliverable, domain.KindVariation, domain.KindCertificate, domain.KindTimeEntry:
			pid, _, status, ownerID, err := e.lifecycleFacts(ctx, entityType, recordID)
			if err != nil {
				return access.Decision{}, err
			}
			ref = &access.RecordRef{ID: recordID, ProjectID: pid, OwnerID: ownerID, OwnerDraft: status == "draft"}
			if projectID == "" {
				projectID = pid
			}
		}
	}
	return e.CanPerform(ctx, actor, projectID, entityType, action, ref)
}

func (e Engine) CanPerform(ctx context.Context, actor Actor, projectID, entityType, action string, record *access.RecordRef) (access.Decision, error) {
	return e.Access().Can(ctx, access.Request{
		UserID:       actor.UserID,
		PreferredOrg: actor.OrgID,
		ProjectID:    projectID,
		EntityType:   entityType,
		Action:       action,
		Record:       record,
	})
}

func (e Engine) require(ctx context.Context, actor Actor, projectID, entityType, action string, record *access.RecordRef) error {
	_, err := e.Access().Require(ctx, access.Request{
		UserID:       actor.UserID,
		PreferredOrg: actor.OrgID,
		ProjectID:    projectID,
		EntityType:   entityType,
		Action:       action,
		Record:       record,
	})
	return err
}

// requireOrgAdmin gates organisation-tier operations: system admins
// and the organisation's own admins pass.
func (e Engine) requireOrgAdmin(ctx context.Context, actor Actor, orgID, action string) error {
	u, err := e.Repo.GetUser(ctx, actor.UserID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err == nil && u.SystemAdmin {
		return nil
	}
	m, err := e.Repo.GetOrgMembership(ctx, actor.UserID, orgID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return access.DeniedError{EntityType: domain.KindOrganisation, Action: action, Rule: access.RuleNoMatch}
		}
		return err
	}
	if !m.Active || m.Role != domain.OrgRoleAdmin {
		return access.DeniedError{EntityType: domain.KindOrganisation, Action: action, Rule: access.RuleNoMatch}
	}
	return nil
}

// requireSystemAdmin gates instance-wide operations.
func (e Engine) requireSystemAdmin(ctx context.Context, actor Actor, action string) error {
	u, err := e.Repo.GetUser(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return access.DeniedError{EntityType: domain.KindOrganisation, Action: action, Rule: access.RuleNoMatch}
		}
		return err
	}
	if !u.SystemAdmin {
		return access.DeniedError{EntityType: domain.KindOrganisation, Action: action, Rule: access.RuleNoMatch}
	}
	return nil
}

func (e Engine) actorName(ctx context.Context, userID string) string {
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return ""
	}
	return u.Name
}

// orgIDForProject resolves the organisation a project belongs to, for
// event scoping. Legacy projects without one yield an empty scope.
func (e Engine) orgIDForProject(ctx context.Context, projectID string) string {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil || p.OrgID == nil {
		return ""
	}
	return *p.OrgID
}
