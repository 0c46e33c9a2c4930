package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pactline/internal/config"
	"pactline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict is returned by guarded status updates when the row moved
// on between read and write. Callers retry or surface a conflict.
var ErrConflict = errors.New("concurrent update")

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, userID, name, now string) error {
	if userID == "" {
		return errors.New("user_id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, name, created_at) VALUES (?,?,?)`, userID, name, now)
	return err
}

func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,system_admin,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, system_admin=excluded.system_admin`,
		u.ID, u.Name, boolInt(u.SystemAdmin), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var admin int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,system_admin,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &admin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.SystemAdmin = admin != 0
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,system_admin,created_at FROM users ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var admin int
		if err := rows.Scan(&u.ID, &u.Name, &admin, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.SystemAdmin = admin != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetSystemAdmin(ctx context.Context, userID string, admin bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET system_admin=? WHERE id=?`, boolInt(admin), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOrg(row *sql.Row) (domain.Organisation, error) {
	var o domain.Organisation
	var active int
	err := row.Scan(&o.ID, &o.Name, &active, &o.Tier, &o.SettingsJSON, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	o.Active = active != 0
	return o, err
}

func (r Repo) InsertOrg(ctx context.Context, tx *sql.Tx, o domain.Organisation) error {
	settings := o.SettingsJSON
	if settings == "" {
		settings = "{}"
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO organisations(id,name,active,tier,settings_json,created_at) VALUES (?,?,?,?,?,?)`,
		o.ID, o.Name, boolInt(o.Active), o.Tier, settings, o.CreatedAt)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organisation, error) {
	return scanOrg(r.DB.QueryRowContext(ctx, `SELECT id,name,active,tier,settings_json,created_at FROM organisations WHERE id=?`, id))
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Organisation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,active,tier,settings_json,created_at FROM organisations ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organisation
	for rows.Next() {
		var o domain.Organisation
		var active int
		if err := rows.Scan(&o.ID, &o.Name, &active, &o.Tier, &o.SettingsJSON, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Active = active != 0
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) UpdateOrg(ctx context.Context, id string, name, tier, settingsJSON *string, active *bool) error {
	sets := []string{}
	args := []any{}
	if name != nil {
		sets = append(sets, "name=?")
		args = append(args, *name)
	}
	if tier != nil {
		sets = append(sets, "tier=?")
		args = append(args, *tier)
	}
	if settingsJSON != nil {
		sets = append(sets, "settings_json=?")
		args = append(args, *settingsJSON)
	}
	if active != nil {
		sets = append(sets, "active=?")
		args = append(args, boolInt(*active))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, `UPDATE organisations SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var orgID sql.NullString
	err := row.Scan(&p.ID, &orgID, &p.Reference, &p.Name, &p.BudgetCents, &p.Currency, &p.SettingsJSON, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if orgID.Valid {
		p.OrgID = &orgID.String
	}
	return p, err
}

const projectCols = `id,org_id,reference,name,budget_cents,currency,settings_json,created_at`

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	settings := p.SettingsJSON
	if settings == "" {
		settings = "{}"
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, nullableStringPtr(p.OrgID), p.Reference, p.Name, p.BudgetCents, p.Currency, settings, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	query := `SELECT ` + projectCols + ` FROM projects`
	var args []any
	if orgID != "" {
		query += ` WHERE org_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var org sql.NullString
		if err := rows.Scan(&p.ID, &org, &p.Reference, &p.Name, &p.BudgetCents, &p.Currency, &p.SettingsJSON, &p.CreatedAt); err != nil {
			return nil, err
		}
		if org.Valid {
			p.OrgID = &org.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project in the store, for CLI default
// resolution in single-project workspaces.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx, "")
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("%d projects present; specify one", len(projects))
	}
	return projects[0], nil
}

func (r Repo) UpdateProject(ctx context.Context, id string, name *string, budgetCents *int64, settingsJSON *string) error {
	sets := []string{}
	args := []any{}
	if name != nil {
		sets = append(sets, "name=?")
		args = append(args, *name)
	}
	if budgetCents != nil {
		sets = append(sets, "budget_cents=?")
		args = append(args, *budgetCents)
	}
	if settingsJSON != nil {
		sets = append(sets, "settings_json=?")
		args = append(args, *settingsJSON)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertOrgConfigTx(ctx, tx, orgID, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	data, err := cfg.ToYAML()
	if err != nil {
		return fmt.Errorf("serialize org config: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO org_configs(org_id, yaml, updated_at) VALUES (?,?,?)
ON CONFLICT(org_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`,
		orgID, string(data), now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM org_configs WHERE org_id=?`, orgID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(raw))
	if err != nil {
		return nil, err
	}
	if cfg.Organisation.ID == "" {
		cfg.Organisation.ID = orgID
	}
	return cfg, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, orgID, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if orgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, orgID)
	}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,org_id,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,org_id,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var orgID, projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &orgID, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.OrgID = orgID.String
		e.ProjectID = projectID.String
		e.EntityID = entityID.String
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally scoped to
// a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	row := r.DB.QueryRowContext(ctx, query, args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
