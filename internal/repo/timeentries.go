package repo

import (
	"context"
	"database/sql"
	"strings"

	"pactline/internal/domain"
)

const timeEntryCols = `id,project_id,user_id,deliverable_id,entry_date,minutes,notes,status,
approved_by,approved_name,approved_at,
deleted,deleted_at,deleted_by,created_at,updated_at`

func scanTimeEntry(scan func(...any) error) (domain.TimeEntry, error) {
	var t domain.TimeEntry
	var deliverableID, appBy, appName, appAt, delAt, delBy sql.NullString
	var deleted int
	err := scan(&t.ID, &t.ProjectID, &t.UserID, &deliverableID, &t.EntryDate, &t.Minutes, &t.Notes, &t.Status,
		&appBy, &appName, &appAt, &deleted, &delAt, &delBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if deliverableID.Valid {
		t.DeliverableID = &deliverableID.String
	}
	t.ApprovalSig = sigFrom(appBy, appName, appAt)
	t.Tombstone = tombstoneFrom(deleted, delAt, delBy)
	return t, nil
}

func (r Repo) InsertTimeEntry(ctx context.Context, tx *sql.Tx, t domain.TimeEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO time_entries(id,project_id,user_id,deliverable_id,entry_date,minutes,notes,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.UserID, nullableStringPtr(t.DeliverableID), t.EntryDate, t.Minutes, t.Notes, t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTimeEntry(ctx context.Context, id string) (domain.TimeEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+timeEntryCols+` FROM time_entries WHERE id=?`, id)
	return scanTimeEntry(row.Scan)
}

type TimeEntryFilters struct {
	ProjectID      string
	UserID         string
	Status         string
	IncludeDeleted bool
	Limit          int
}

func (r Repo) ListTimeEntries(ctx context.Context, f TimeEntryFilters) ([]domain.TimeEntry, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted=0")
	}
	query := `SELECT ` + timeEntryCols + ` FROM time_entries WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY entry_date DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimeEntry
	for rows.Next() {
		t, err := scanTimeEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTimeEntryWorkflowTx(ctx context.Context, tx *sql.Tx, t domain.TimeEntry, fromStatus string) error {
	appBy, appName, appAt := sigArgs(t.ApprovalSig)
	res, err := tx.ExecContext(ctx, `UPDATE time_entries SET status=?, approved_by=?, approved_name=?, approved_at=?, updated_at=? WHERE id=? AND status=?`,
		t.Status, appBy, appName, appAt, t.UpdatedAt, t.ID, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) UpdateTimeEntryFieldsTx(ctx context.Context, tx *sql.Tx, t domain.TimeEntry) error {
	res, err := tx.ExecContext(ctx, `UPDATE time_entries SET deliverable_id=?, entry_date=?, minutes=?, notes=?, updated_at=? WHERE id=?`,
		nullableStringPtr(t.DeliverableID), t.EntryDate, t.Minutes, t.Notes, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
