package repo

import (
	"context"
	"database/sql"
	"strings"

	"pactline/internal/domain"
)

// WorkflowFilters narrows workflow-entity listings. Soft-deleted rows
// are excluded unless IncludeDeleted is set.
type WorkflowFilters struct {
	ProjectID      string
	MilestoneID    string
	Status         string
	CreatedBy      string
	IncludeDeleted bool
	Limit          int
	CursorCreated  string
	CursorID       string
}

func (f WorkflowFilters) clauses(hasMilestone, hasCreator bool) ([]string, []any) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.MilestoneID != "" && hasMilestone {
		clauses = append(clauses, "milestone_id=?")
		args = append(args, f.MilestoneID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CreatedBy != "" && hasCreator {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted=0")
	}
	if f.CursorCreated != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreated, f.CursorCreated, f.CursorID)
	}
	return clauses, args
}

func sigFrom(by, name, at sql.NullString) *domain.Signature {
	if !by.Valid || by.String == "" {
		return nil
	}
	s := domain.Signature{SignedBy: by.String, SignedAt: at.String}
	if name.Valid {
		s.SignedName = name.String
	}
	return &s
}

func sigArgs(s *domain.Signature) (any, any, any) {
	if s == nil {
		return nil, nil, nil
	}
	return s.SignedBy, nullable(s.SignedName), s.SignedAt
}

func tombstoneFrom(deleted int, at, by sql.NullString) domain.Tombstone {
	t := domain.Tombstone{Deleted: deleted != 0}
	if at.Valid {
		t.DeletedAt = &at.String
	}
	if by.Valid {
		t.DeletedBy = &by.String
	}
	return t
}

const milestoneCols = `id,project_id,reference,title,status,start_date,end_date,cost_cents,billable_cents,
supplier_signed_by,supplier_signed_name,supplier_signed_at,
customer_signed_by,customer_signed_name,customer_signed_at,
deleted,deleted_at,deleted_by,created_at,updated_at`

func scanMilestone(scan func(...any) error) (domain.Milestone, error) {
	var m domain.Milestone
	var supBy, supName, supAt, cusBy, cusName, cusAt, delAt, delBy sql.NullString
	var deleted int
	err := scan(&m.ID, &m.ProjectID, &m.Reference, &m.Title, &m.Status, &m.StartDate, &m.EndDate, &m.CostCents, &m.BillableCents,
		&supBy, &supName, &supAt, &cusBy, &cusName, &cusAt, &deleted, &delAt, &delBy, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.SupplierSig = sigFrom(supBy, supName, supAt)
	m.CustomerSig = sigFrom(cusBy, cusName, cusAt)
	m.Tombstone = tombstoneFrom(deleted, delAt, delBy)
	return m, nil
}

func (r Repo) InsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(id,project_id,reference,title,status,start_date,end_date,cost_cents,billable_cents,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.Reference, m.Title, m.Status, m.StartDate, m.EndDate, m.CostCents, m.BillableCents, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE id=?`, id)
	return scanMilestone(row.Scan)
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Milestone, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE id=?`, id)
	return scanMilestone(row.Scan)
}

func (r Repo) ListMilestones(ctx context.Context, f WorkflowFilters) ([]domain.Milestone, error) {
	clauses, args := f.clauses(false, false)
	query := `SELECT ` + milestoneCols + ` FROM milestones WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpdateMilestoneWorkflowTx writes status and signature slots. The
// update is guarded on fromStatus so a concurrent transition loses
// with ErrConflict instead of silently overwriting.
func (r Repo) UpdateMilestoneWorkflowTx(ctx context.Context, tx *sql.Tx, m domain.Milestone, fromStatus string) error {
	supBy, supName, supAt := sigArgs(m.SupplierSig)
	cusBy, cusName, cusAt := sigArgs(m.CustomerSig)
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET status=?,
supplier_signed_by=?, supplier_signed_name=?, supplier_signed_at=?,
customer_signed_by=?, customer_signed_name=?, customer_signed_at=?,
updated_at=? WHERE id=? AND status=?`,
		m.Status, supBy, supName, supAt, cusBy, cusName, cusAt, m.UpdatedAt, m.ID, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateMilestoneWorkingTx writes the live schedule/cost fields.
func (r Repo) UpdateMilestoneWorkingTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET start_date=?, end_date=?, cost_cents=?, billable_cents=?, updated_at=? WHERE id=?`,
		m.StartDate, m.EndDate, m.CostCents, m.BillableCents, m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMilestoneFieldsTx writes editable descriptive fields.
func (r Repo) UpdateMilestoneFieldsTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET reference=?, title=?, start_date=?, end_date=?, cost_cents=?, billable_cents=?, updated_at=? WHERE id=?`,
		m.Reference, m.Title, m.StartDate, m.EndDate, m.CostCents, m.BillableCents, m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const deliverableCols = `id,project_id,milestone_id,title,status,
supplier_signed_by,supplier_signed_name,supplier_signed_at,
customer_signed_by,customer_signed_name,customer_signed_at,
deleted,deleted_at,deleted_by,created_at,updated_at`

func scanDeliverable(scan func(...any) error) (domain.Deliverable, error) {
	var d domain.Deliverable
	var supBy, supName, supAt, cusBy, cusName, cusAt, delAt, delBy sql.NullString
	var deleted int
	err := scan(&d.ID, &d.ProjectID, &d.MilestoneID, &d.Title, &d.Status,
		&supBy, &supName, &supAt, &cusBy, &cusName, &cusAt, &deleted, &delAt, &delBy, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.SupplierSig = sigFrom(supBy, supName, supAt)
	d.CustomerSig = sigFrom(cusBy, cusName, cusAt)
	d.Tombstone = tombstoneFrom(deleted, delAt, delBy)
	return d, nil
}

func (r Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deliverables(id,project_id,milestone_id,title,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.MilestoneID, d.Title, d.Status, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDeliverable(ctx context.Context, id string) (domain.Deliverable, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+deliverableCols+` FROM deliverables WHERE id=?`, id)
	return scanDeliverable(row.Scan)
}

func (r Repo) GetDeliverableTx(ctx context.Context, tx *sql.Tx, id string) (domain.Deliverable, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+deliverableCols+` FROM deliverables WHERE id=?`, id)
	return scanDeliverable(row.Scan)
}

func (r Repo) ListDeliverables(ctx context.Context, f WorkflowFilters) ([]domain.Deliverable, error) {
	clauses, args := f.clauses(true, false)
	query := `SELECT ` + deliverableCols + ` FROM deliverables WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// MilestoneDeliverablesTx returns the live deliverables linked to a
// milestone, for certificate prerequisite checks.
func (r Repo) MilestoneDeliverablesTx(ctx context.Context, tx *sql.Tx, milestoneID string) ([]domain.Deliverable, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+deliverableCols+` FROM deliverables WHERE milestone_id=? AND deleted=0 ORDER BY created_at ASC, id ASC`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) UpdateDeliverableWorkflowTx(ctx context.Context, tx *sql.Tx, d domain.Deliverable, fromStatus string) error {
	supBy, supName, supAt := sigArgs(d.SupplierSig)
	cusBy, cusName, cusAt := sigArgs(d.CustomerSig)
	res, err := tx.ExecContext(ctx, `UPDATE deliverables SET status=?,
supplier_signed_by=?, supplier_signed_name=?, supplier_signed_at=?,
customer_signed_by=?, customer_signed_name=?, customer_signed_at=?,
updated_at=? WHERE id=? AND status=?`,
		d.Status, supBy, supName, supAt, cusBy, cusName, cusAt, d.UpdatedAt, d.ID, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) UpdateDeliverableFieldsTx(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	res, err := tx.ExecContext(ctx, `UPDATE deliverables SET title=?, updated_at=? WHERE id=?`, d.Title, d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const variationCols = `id,project_id,reference,title,status,cost_delta_cents,billable_delta_cents,schedule_delta_days,reason,created_by,
supplier_signed_by,supplier_signed_name,supplier_signed_at,
customer_signed_by,customer_signed_name,customer_signed_at,
deleted,deleted_at,deleted_by,created_at,updated_at`

func scanVariation(scan func(...any) error) (domain.Variation, error) {
	var v domain.Variation
	var supBy, supName, supAt, cusBy, cusName, cusAt, delAt, delBy sql.NullString
	var deleted int
	err := scan(&v.ID, &v.ProjectID, &v.Reference, &v.Title, &v.Status, &v.CostDeltaCents, &v.BillableDeltaCents, &v.ScheduleDeltaDays, &v.Reason, &v.CreatedBy,
		&supBy, &supName, &supAt, &cusBy, &cusName, &cusAt, &deleted, &delAt, &delBy, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.SupplierSig = sigFrom(supBy, supName, supAt)
	v.CustomerSig = sigFrom(cusBy, cusName, cusAt)
	v.Tombstone = tombstoneFrom(deleted, delAt, delBy)
	return v, nil
}

func (r Repo) InsertVariation(ctx context.Context, tx *sql.Tx, v domain.Variation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO variations(id,project_id,reference,title,status,cost_delta_cents,billable_delta_cents,schedule_delta_days,reason,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ProjectID, v.Reference, v.Title, v.Status, v.CostDeltaCents, v.BillableDeltaCents, v.ScheduleDeltaDays, v.Reason, v.CreatedBy, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return err
	}
	return r.ReplaceVariationMilestonesTx(ctx, tx, v.ID, v.MilestoneIDs)
}

func (r Repo) ReplaceVariationMilestonesTx(ctx context.Context, tx *sql.Tx, variationID string, milestoneIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM variation_milestones WHERE variation_id=?`, variationID); err != nil {
		return err
	}
	for _, mid := range milestoneIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO variation_milestones(variation_id, milestone_id) VALUES (?,?)`, variationID, mid); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) VariationMilestoneIDsTx(ctx context.Context, tx *sql.Tx, variationID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT milestone_id FROM variation_milestones WHERE variation_id=? ORDER BY milestone_id ASC`, variationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) variationMilestoneIDs(ctx context.Context, variationID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT milestone_id FROM variation_milestones WHERE variation_id=? ORDER BY milestone_id ASC`, variationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) GetVariation(ctx context.Context, id string) (domain.Variation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+variationCols+` FROM variations WHERE id=?`, id)
	v, err := scanVariation(row.Scan)
	if err != nil {
		return v, err
	}
	v.MilestoneIDs, err = r.variationMilestoneIDs(ctx, id)
	return v, err
}

func (r Repo) GetVariationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Variation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+variationCols+` FROM variations WHERE id=?`, id)
	v, err := scanVariation(row.Scan)
	if err != nil {
		return v, err
	}
	v.MilestoneIDs, err = r.VariationMilestoneIDsTx(ctx, tx, id)
	return v, err
}

func (r Repo) ListVariations(ctx context.Context, f WorkflowFilters) ([]domain.Variation, error) {
	clauses, args := f.clauses(false, true)
	query := `SELECT ` + variationCols + ` FROM variations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Variation
	for rows.Next() {
		v, err := scanVariation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		ids, err := r.variationMilestoneIDs(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].MilestoneIDs = ids
	}
	return res, nil
}

func (r Repo) UpdateVariationWorkflowTx(ctx context.Context, tx *sql.Tx, v domain.Variation, fromStatus string) error {
	supBy, supName, supAt := sigArgs(v.SupplierSig)
	cusBy, cusName, cusAt := sigArgs(v.CustomerSig)
	res, err := tx.ExecContext(ctx, `UPDATE variations SET status=?,
supplier_signed_by=?, supplier_signed_name=?, supplier_signed_at=?,
customer_signed_by=?, customer_signed_name=?, customer_signed_at=?,
updated_at=? WHERE id=? AND status=?`,
		v.Status, supBy, supName, supAt, cusBy, cusName, cusAt, v.UpdatedAt, v.ID, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) UpdateVariationFieldsTx(ctx context.Context, tx *sql.Tx, v domain.Variation) error {
	res, err := tx.ExecContext(ctx, `UPDATE variations SET reference=?, title=?, cost_delta_cents=?, billable_delta_cents=?, schedule_delta_days=?, reason=?, updated_at=? WHERE id=?`,
		v.Reference, v.Title, v.CostDeltaCents, v.BillableDeltaCents, v.ScheduleDeltaDays, v.Reason, v.UpdatedAt, v.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return r.ReplaceVariationMilestonesTx(ctx, tx, v.ID, v.MilestoneIDs)
}

const certificateCols = `id,project_id,milestone_id,reference,status,
supplier_signed_by,supplier_signed_name,supplier_signed_at,
customer_signed_by,customer_signed_name,customer_signed_at,
deleted,deleted_at,deleted_by,created_at,updated_at`

func scanCertificate(scan func(...any) error) (domain.Certificate, error) {
	var c domain.Certificate
	var supBy, supName, supAt, cusBy, cusName, cusAt, delAt, delBy sql.NullString
	var deleted int
	err := scan(&c.ID, &c.ProjectID, &c.MilestoneID, &c.Reference, &c.Status,
		&supBy, &supName, &supAt, &cusBy, &cusName, &cusAt, &deleted, &delAt, &delBy, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.SupplierSig = sigFrom(supBy, supName, supAt)
	c.CustomerSig = sigFrom(cusBy, cusName, cusAt)
	c.Tombstone = tombstoneFrom(deleted, delAt, delBy)
	return c, nil
}

func (r Repo) InsertCertificate(ctx context.Context, tx *sql.Tx, c domain.Certificate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO certificates(id,project_id,milestone_id,reference,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.MilestoneID, c.Reference, c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCertificate(ctx context.Context, id string) (domain.Certificate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+certificateCols+` FROM certificates WHERE id=?`, id)
	return scanCertificate(row.Scan)
}

func (r Repo) GetCertificateTx(ctx context.Context, tx *sql.Tx, id string) (domain.Certificate, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+certificateCols+` FROM certificates WHERE id=?`, id)
	return scanCertificate(row.Scan)
}

func (r Repo) ListCertificates(ctx context.Context, f WorkflowFilters) ([]domain.Certificate, error) {
	clauses, args := f.clauses(true, false)
	query := `SELECT ` + certificateCols + ` FROM certificates WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCertificateWorkflowTx(ctx context.Context, tx *sql.Tx, c domain.Certificate, fromStatus string) error {
	supBy, supName, supAt := sigArgs(c.SupplierSig)
	cusBy, cusName, cusAt := sigArgs(c.CustomerSig)
	res, err := tx.ExecContext(ctx, `UPDATE certificates SET status=?,
supplier_signed_by=?, supplier_signed_name=?, supplier_signed_at=?,
customer_signed_by=?, customer_signed_name=?, customer_signed_at=?,
updated_at=? WHERE id=? AND status=?`,
		c.Status, supBy, supName, supAt, cusBy, cusName, cusAt, c.UpdatedAt, c.ID, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}
