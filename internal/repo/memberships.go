package repo

import (
	"context"
	"database/sql"

	"pactline/internal/domain"
)

func (r Repo) UpsertOrgMembershipTx(ctx context.Context, tx *sql.Tx, m domain.OrgMembership) (domain.OrgMembership, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO org_memberships(user_id,org_id,role,active,created_at,updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(user_id, org_id) DO UPDATE SET role=excluded.role, active=excluded.active, updated_at=excluded.updated_at`,
		m.UserID, m.OrgID, m.Role, boolInt(m.Active), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return domain.OrgMembership{}, err
	}
	return r.GetOrgMembershipTx(ctx, tx, m.UserID, m.OrgID)
}

func (r Repo) GetOrgMembership(ctx context.Context, userID, orgID string) (domain.OrgMembership, error) {
	var m domain.OrgMembership
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT user_id,org_id,role,active,created_at,updated_at FROM org_memberships WHERE user_id=? AND org_id=?`,
		userID, orgID).Scan(&m.UserID, &m.OrgID, &m.Role, &active, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.Active = active != 0
	return m, err
}

func (r Repo) GetOrgMembershipTx(ctx context.Context, tx *sql.Tx, userID, orgID string) (domain.OrgMembership, error) {
	var m domain.OrgMembership
	var active int
	err := tx.QueryRowContext(ctx, `SELECT user_id,org_id,role,active,created_at,updated_at FROM org_memberships WHERE user_id=? AND org_id=?`,
		userID, orgID).Scan(&m.UserID, &m.OrgID, &m.Role, &active, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.Active = active != 0
	return m, err
}

// ActiveOrgMembershipsForUser returns the user's active organisation
// memberships ordered by membership age, oldest first.
func (r Repo) ActiveOrgMembershipsForUser(ctx context.Context, userID string) ([]domain.OrgMembership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id,org_id,role,active,created_at,updated_at FROM org_memberships
WHERE user_id=? AND active=1 ORDER BY created_at ASC, org_id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrgMemberships(rows)
}

func (r Repo) ListOrgMembers(ctx context.Context, orgID string, includeInactive bool) ([]domain.OrgMembership, error) {
	query := `SELECT user_id,org_id,role,active,created_at,updated_at FROM org_memberships WHERE org_id=?`
	if !includeInactive {
		query += ` AND active=1`
	}
	query += ` ORDER BY created_at ASC, user_id ASC`
	rows, err := r.DB.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrgMemberships(rows)
}

func collectOrgMemberships(rows *sql.Rows) ([]domain.OrgMembership, error) {
	var res []domain.OrgMembership
	for rows.Next() {
		var m domain.OrgMembership
		var active int
		if err := rows.Scan(&m.UserID, &m.OrgID, &m.Role, &active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Active = active != 0
		res = append(res, m)
	}
	return res, rows.Err()
}

// DeactivateOrgMembership marks the membership inactive. Memberships
// are never hard-deleted.
func (r Repo) DeactivateOrgMembership(ctx context.Context, userID, orgID, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE org_memberships SET active=0, updated_at=? WHERE user_id=? AND org_id=? AND active=1`,
		now, userID, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertProjectMembershipTx(ctx context.Context, tx *sql.Tx, m domain.ProjectMembership) (domain.ProjectMembership, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_memberships(user_id,project_id,role,active,created_at,updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(user_id, project_id) DO UPDATE SET role=excluded.role, active=excluded.active, updated_at=excluded.updated_at`,
		m.UserID, m.ProjectID, m.Role, boolInt(m.Active), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return domain.ProjectMembership{}, err
	}
	return r.GetProjectMembershipTx(ctx, tx, m.UserID, m.ProjectID)
}

func (r Repo) GetProjectMembershipTx(ctx context.Context, tx *sql.Tx, userID, projectID string) (domain.ProjectMembership, error) {
	var m domain.ProjectMembership
	var active int
	err := tx.QueryRowContext(ctx, `SELECT user_id,project_id,role,active,created_at,updated_at FROM project_memberships WHERE user_id=? AND project_id=?`,
		userID, projectID).Scan(&m.UserID, &m.ProjectID, &m.Role, &active, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.Active = active != 0
	return m, err
}

func (r Repo) ActiveProjectMembershipsForUser(ctx context.Context, userID string) ([]domain.ProjectMembership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id,project_id,role,active,created_at,updated_at FROM project_memberships
WHERE user_id=? AND active=1 ORDER BY created_at ASC, project_id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjectMemberships(rows)
}

func (r Repo) ListProjectMembers(ctx context.Context, projectID string, includeInactive bool) ([]domain.ProjectMembership, error) {
	query := `SELECT user_id,project_id,role,active,created_at,updated_at FROM project_memberships WHERE project_id=?`
	if !includeInactive {
		query += ` AND active=1`
	}
	query += ` ORDER BY created_at ASC, user_id ASC`
	rows, err := r.DB.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjectMemberships(rows)
}

func collectProjectMemberships(rows *sql.Rows) ([]domain.ProjectMembership, error) {
	var res []domain.ProjectMembership
	for rows.Next() {
		var m domain.ProjectMembership
		var active int
		if err := rows.Scan(&m.UserID, &m.ProjectID, &m.Role, &active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Active = active != 0
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) DeactivateProjectMembership(ctx context.Context, userID, projectID, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE project_memberships SET active=0, updated_at=? WHERE user_id=? AND project_id=? AND active=1`,
		now, userID, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
