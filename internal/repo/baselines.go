package repo

import (
	"context"
	"database/sql"

	"pactline/internal/domain"
)

const baselineCols = `id,milestone_id,version,variation_id,start_date,end_date,cost_cents,billable_cents,
cost_delta_cents,billable_delta_cents,schedule_delta_days,
supplier_signed_by,supplier_signed_at,customer_signed_by,customer_signed_at,created_at`

func scanBaseline(scan func(...any) error) (domain.BaselineVersion, error) {
	var b domain.BaselineVersion
	var variationID sql.NullString
	err := scan(&b.ID, &b.MilestoneID, &b.Version, &variationID, &b.StartDate, &b.EndDate, &b.CostCents, &b.BillableCents,
		&b.CostDeltaCents, &b.BillableDeltaCents, &b.ScheduleDeltaDays,
		&b.SupplierSignedBy, &b.SupplierSignedAt, &b.CustomerSignedBy, &b.CustomerSignedAt, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if variationID.Valid {
		b.VariationID = &variationID.String
	}
	return b, err
}

// InsertBaselineVersion appends one history row. Rows are never
// updated or deleted except by milestone purge.
func (r Repo) InsertBaselineVersion(ctx context.Context, tx *sql.Tx, b domain.BaselineVersion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO baseline_versions(`+baselineCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.MilestoneID, b.Version, nullableStringPtr(b.VariationID), b.StartDate, b.EndDate, b.CostCents, b.BillableCents,
		b.CostDeltaCents, b.BillableDeltaCents, b.ScheduleDeltaDays,
		b.SupplierSignedBy, b.SupplierSignedAt, b.CustomerSignedBy, b.CustomerSignedAt, b.CreatedAt)
	return err
}

func (r Repo) ListBaselineVersions(ctx context.Context, milestoneID string) ([]domain.BaselineVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+baselineCols+` FROM baseline_versions WHERE milestone_id=? ORDER BY version ASC`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBaselines(rows)
}

func (r Repo) ListBaselineVersionsTx(ctx context.Context, tx *sql.Tx, milestoneID string) ([]domain.BaselineVersion, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+baselineCols+` FROM baseline_versions WHERE milestone_id=? ORDER BY version ASC`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBaselines(rows)
}

func collectBaselines(rows *sql.Rows) ([]domain.BaselineVersion, error) {
	var res []domain.BaselineVersion
	for rows.Next() {
		b, err := scanBaseline(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// MaxBaselineVersionTx returns 0 when the milestone has no history.
func (r Repo) MaxBaselineVersionTx(ctx context.Context, tx *sql.Tx, milestoneID string) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM baseline_versions WHERE milestone_id=?`, milestoneID).Scan(&v)
	return v, err
}

// HasBaselineForVariationTx reports whether a history row already
// records this variation against this milestone.
func (r Repo) HasBaselineForVariationTx(ctx context.Context, tx *sql.Tx, milestoneID, variationID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM baseline_versions WHERE milestone_id=? AND variation_id=? LIMIT 1`, milestoneID, variationID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// VariationHasBaselinesTx reports whether any milestone's history
// references the variation, which blocks purging it.
func (r Repo) VariationHasBaselinesTx(ctx context.Context, tx *sql.Tx, variationID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM baseline_versions WHERE variation_id=? LIMIT 1`, variationID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
