package repo

import (
	"context"
	"database/sql"
	"fmt"

	"pactline/internal/domain"
)

// lifecycleTables maps soft-deletable entity kinds to their tables.
var lifecycleTables = map[string]string{
	domain.KindMilestone:   "milestones",
	domain.KindDeliverable: "deliverables",
	domain.KindVariation:   "variations",
	domain.KindCertificate: "certificates",
	domain.KindTimeEntry:   "time_entries",
}

func lifecycleTable(kind string) (string, error) {
	table, ok := lifecycleTables[kind]
	if !ok {
		return "", fmt.Errorf("entity kind %s has no soft-delete lifecycle", kind)
	}
	return table, nil
}

// MarkDeletedTx tombstones a live row. ErrNotFound covers both a
// missing row and one already tombstoned.
func (r Repo) MarkDeletedTx(ctx context.Context, tx *sql.Tx, kind, id, deletedBy, now string) error {
	table, err := lifecycleTable(kind)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET deleted=1, deleted_at=?, deleted_by=?, updated_at=? WHERE id=? AND deleted=0`,
		now, deletedBy, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearDeletedTx removes the tombstone from a tombstoned row.
func (r Repo) ClearDeletedTx(ctx context.Context, tx *sql.Tx, kind, id, now string) error {
	table, err := lifecycleTable(kind)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET deleted=0, deleted_at=NULL, deleted_by=NULL, updated_at=? WHERE id=? AND deleted=1`,
		now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeRowTx removes a tombstoned row for good.
func (r Repo) PurgeRowTx(ctx context.Context, tx *sql.Tx, kind, id string) error {
	table, err := lifecycleTable(kind)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id=? AND deleted=1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DependentCountTx counts live child records, surfaced when a parent
// is tombstoned so callers can warn; nothing cascades.
func (r Repo) DependentCountTx(ctx context.Context, tx *sql.Tx, kind, id string) (int, error) {
	switch kind {
	case domain.KindMilestone:
		var deliverables, certificates, variations int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliverables WHERE milestone_id=? AND deleted=0`, id).Scan(&deliverables); err != nil {
			return 0, err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM certificates WHERE milestone_id=? AND deleted=0`, id).Scan(&certificates); err != nil {
			return 0, err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM variation_milestones vm JOIN variations v ON v.id=vm.variation_id WHERE vm.milestone_id=? AND v.deleted=0`, id).Scan(&variations); err != nil {
			return 0, err
		}
		return deliverables + certificates + variations, nil
	case domain.KindDeliverable:
		var entries int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM time_entries WHERE deliverable_id=? AND deleted=0`, id).Scan(&entries); err != nil {
			return 0, err
		}
		return entries, nil
	default:
		return 0, nil
	}
}

// PurgeBlockersTx counts the rows that must be purged before this one
// can go. Unlike DependentCountTx it counts tombstoned children too: a
// milestone row cannot be removed while any deliverable, certificate,
// or variation link still points at it. Time entries release their
// deliverable on purge, so only live entries hold a deliverable back.
func (r Repo) PurgeBlockersTx(ctx context.Context, tx *sql.Tx, kind, id string) (int, error) {
	switch kind {
	case domain.KindMilestone:
		var deliverables, certificates, links int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliverables WHERE milestone_id=?`, id).Scan(&deliverables); err != nil {
			return 0, err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM certificates WHERE milestone_id=?`, id).Scan(&certificates); err != nil {
			return 0, err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM variation_milestones WHERE milestone_id=?`, id).Scan(&links); err != nil {
			return 0, err
		}
		return deliverables + certificates + links, nil
	case domain.KindDeliverable:
		var entries int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM time_entries WHERE deliverable_id=? AND deleted=0`, id).Scan(&entries); err != nil {
			return 0, err
		}
		return entries, nil
	default:
		return 0, nil
	}
}

