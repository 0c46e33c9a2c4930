package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pactline/internal/domain"
	"pactline/internal/engine/workflow"
	"pactline/internal/events"
	"pactline/internal/repo"
)

func shiftDate(date string, days int) string {
	if date == "" || days == 0 {
		return date
	}
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return date
	}
	return d.AddDate(0, 0, days).Format(time.DateOnly)
}

// foldBaseline reconciles a milestone's committed terms from its
// version history: version 1 holds the locked values, every later
// version a signed delta. The current terms are always recomputed by
// summation here, never read from a stored total.
func foldBaseline(milestoneID string, versions []domain.BaselineVersion) (domain.BaselineSnapshot, error) {
	if len(versions) == 0 {
		return domain.BaselineSnapshot{}, repo.ErrNotFound
	}
	if versions[0].Version != 1 {
		return domain.BaselineSnapshot{}, fmt.Errorf("baseline history for milestone %s is missing version 1", milestoneID)
	}
	snap := domain.BaselineSnapshot{
		MilestoneID:   milestoneID,
		Version:       1,
		StartDate:     versions[0].StartDate,
		EndDate:       versions[0].EndDate,
		CostCents:     versions[0].CostCents,
		BillableCents: versions[0].BillableCents,
	}
	for i, v := range versions[1:] {
		if v.Version != i+2 {
			return domain.BaselineSnapshot{}, fmt.Errorf("baseline history for milestone %s is not contiguous at version %d", milestoneID, v.Version)
		}
		snap.CostCents += v.CostDeltaCents
		snap.BillableCents += v.BillableDeltaCents
		snap.EndDate = shiftDate(snap.EndDate, v.ScheduleDeltaDays)
		snap.Version = v.Version
	}
	return snap, nil
}

// Baseline returns the milestone's reconciled current terms.
func (e Engine) Baseline(ctx context.Context, actor Actor, milestoneID string) (domain.BaselineSnapshot, error) {
	m, err := e.GetMilestone(ctx, actor, milestoneID)
	if err != nil {
		return domain.BaselineSnapshot{}, err
	}
	if err := e.require(ctx, actor, m.ProjectID, domain.KindBaseline, "view", nil); err != nil {
		return domain.BaselineSnapshot{}, err
	}
	versions, err := e.Repo.ListBaselineVersions(ctx, milestoneID)
	if err != nil {
		return domain.BaselineSnapshot{}, err
	}
	return foldBaseline(milestoneID, versions)
}

// BaselineHistory returns the full committed version list, oldest
// first.
func (e Engine) BaselineHistory(ctx context.Context, actor Actor, milestoneID string) ([]domain.BaselineVersion, error) {
	m, err := e.GetMilestone(ctx, actor, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := e.require(ctx, actor, m.ProjectID, domain.KindBaseline, "view", nil); err != nil {
		return nil, err
	}
	return e.Repo.ListBaselineVersions(ctx, milestoneID)
}

// lockBaselineTx writes version 1 from the milestone's working fields
// and both signatures, inside the transaction that completed the
// signing.
func (e Engine) lockBaselineTx(ctx context.Context, tx *sql.Tx, m domain.Milestone, actorID string) (domain.BaselineVersion, error) {
	maxVersion, err := e.Repo.MaxBaselineVersionTx(ctx, tx, m.ID)
	if err != nil {
		return domain.BaselineVersion{}, err
	}
	if maxVersion > 0 {
		return domain.BaselineVersion{}, AlreadyLockedError{MilestoneID: m.ID}
	}
	if m.SupplierSig == nil || m.CustomerSig == nil {
		return domain.BaselineVersion{}, fmt.Errorf("milestone %s cannot lock without both signatures", m.ID)
	}
	b := domain.BaselineVersion{
		ID:               newID(),
		MilestoneID:      m.ID,
		Version:          1,
		StartDate:        m.StartDate,
		EndDate:          m.EndDate,
		CostCents:        m.CostCents,
		BillableCents:    m.BillableCents,
		SupplierSignedBy: m.SupplierSig.SignedBy,
		SupplierSignedAt: m.SupplierSig.SignedAt,
		CustomerSignedBy: m.CustomerSig.SignedBy,
		CustomerSignedAt: m.CustomerSig.SignedAt,
		CreatedAt:        e.timestamp(),
	}
	if err := e.Repo.InsertBaselineVersion(ctx, tx, b); err != nil {
		return domain.BaselineVersion{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "baseline.created", e.orgIDForProject(ctx, m.ProjectID), m.ProjectID, domain.KindBaseline, b.ID, actorID, events.EventPayload{
		"milestone_id": m.ID,
		"version":      1,
	}); err != nil {
		return domain.BaselineVersion{}, err
	}
	return b, nil
}

// applyVariationTx appends one baseline version per target milestone,
// carrying the variation's deltas and both its signatures, and writes
// the folded result back onto each milestone's working fields. Every
// milestone must already be locked; a milestone that already holds a
// version for this variation is skipped, which makes replay harmless.
func (e Engine) applyVariationTx(ctx context.Context, tx *sql.Tx, v domain.Variation, actorID string) ([]string, error) {
	if v.SupplierSig == nil || v.CustomerSig == nil {
		return nil, fmt.Errorf("variation %s cannot apply without both signatures", v.ID)
	}
	orgID := e.orgIDForProject(ctx, v.ProjectID)
	var effects []string
	for _, msID := range v.MilestoneIDs {
		m, err := e.Repo.GetMilestoneTx(ctx, tx, msID)
		if err != nil {
			return nil, err
		}
		if m.Deleted || m.Status != "locked" {
			state := m.Status
			if m.Deleted {
				state = "deleted"
			}
			return nil, workflow.PrerequisiteError{
				Kind:        domain.KindVariation,
				ID:          v.ID,
				Requirement: fmt.Sprintf("milestone %s (%s) is %s, must be locked", m.ID, m.Reference, state),
			}
		}
		exists, err := e.Repo.HasBaselineForVariationTx(ctx, tx, msID, v.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		versions, err := e.Repo.ListBaselineVersionsTx(ctx, tx, msID)
		if err != nil {
			return nil, err
		}
		current, err := foldBaseline(msID, versions)
		if err != nil {
			return nil, err
		}
		variationID := v.ID
		next := domain.BaselineVersion{
			ID:                 newID(),
			MilestoneID:        msID,
			Version:            current.Version + 1,
			VariationID:        &variationID,
			StartDate:          current.StartDate,
			EndDate:            shiftDate(current.EndDate, v.ScheduleDeltaDays),
			CostCents:          current.CostCents + v.CostDeltaCents,
			BillableCents:      current.BillableCents + v.BillableDeltaCents,
			CostDeltaCents:     v.CostDeltaCents,
			BillableDeltaCents: v.BillableDeltaCents,
			ScheduleDeltaDays:  v.ScheduleDeltaDays,
			SupplierSignedBy:   v.SupplierSig.SignedBy,
			SupplierSignedAt:   v.SupplierSig.SignedAt,
			CustomerSignedBy:   v.CustomerSig.SignedBy,
			CustomerSignedAt:   v.CustomerSig.SignedAt,
			CreatedAt:          e.timestamp(),
		}
		if err := e.Repo.InsertBaselineVersion(ctx, tx, next); err != nil {
			return nil, wrapTransient(err)
		}
		m.StartDate = next.StartDate
		m.EndDate = next.EndDate
		m.CostCents = next.CostCents
		m.BillableCents = next.BillableCents
		m.UpdatedAt = e.timestamp()
		if err := e.Repo.UpdateMilestoneWorkingTx(ctx, tx, m); err != nil {
			return nil, wrapTransient(err)
		}
		if err := e.Events.Append(ctx, tx, "baseline.created", orgID, v.ProjectID, domain.KindBaseline, next.ID, actorID, events.EventPayload{
			"milestone_id": msID,
			"version":      next.Version,
			"variation_id": v.ID,
		}); err != nil {
			return nil, err
		}
		effects = append(effects, fmt.Sprintf("baseline %s v%d", msID, next.Version))
	}
	return effects, nil
}
