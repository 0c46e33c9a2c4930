package engine

import (
	"context"
	"errors"
	"fmt"

	"pactline/internal/domain"
	"pactline/internal/engine/access"
	"pactline/internal/events"
	"pactline/internal/repo"
)

// LifecycleResult reports a soft-delete lifecycle operation.
// DependentCount warns the caller how many live child records still
// point at a freshly tombstoned one; nothing cascades.
type LifecycleResult struct {
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	State          string `json:"state" enum:"deleted,restored,purged"`
	AlreadyDone    bool   `json:"already_done"`
	DependentCount int    `json:"dependent_count,omitempty"`
}

// PurgeBlockedError reports a purge refused by a retention rule.
type PurgeBlockedError struct {
	Kind   string
	ID     string
	Reason string
}

func (e PurgeBlockedError) Error() string {
	return fmt.Sprintf("cannot purge %s %s: %s", e.Kind, e.ID, e.Reason)
}

// lifecycleFacts loads the access-relevant facts of a record whether or
// not it is tombstoned.
func (e Engine) lifecycleFacts(ctx context.Context, kind, id string) (projectID string, deleted bool, status, ownerID string, err error) {
	switch kind {
	case domain.KindMilestone:
		m, err := e.Repo.GetMilestone(ctx, id)
		return m.ProjectID, m.Deleted, m.Status, "", err
	case domain.KindDeliverable:
		d, err := e.Repo.GetDeliverable(ctx, id)
		return d.ProjectID, d.Deleted, d.Status, "", err
	case domain.KindVariation:
		v, err := e.Repo.GetVariation(ctx, id)
		return v.ProjectID, v.Deleted, v.Status, v.CreatedBy, err
	case domain.KindCertificate:
		c, err := e.Repo.GetCertificate(ctx, id)
		return c.ProjectID, c.Deleted, c.Status, "", err
	case domain.KindTimeEntry:
		t, err := e.Repo.GetTimeEntry(ctx, id)
		return t.ProjectID, t.Deleted, t.Status, t.UserID, err
	default:
		return "", false, "", "", fmt.Errorf("entity type %s has no delete lifecycle", kind)
	}
}

// SoftDelete tombstones a record. The record keeps its state and
// history and disappears from default reads. Deleting a tombstoned
// record again is benign.
func (e Engine) SoftDelete(ctx context.Context, actor Actor, kind, id string) (LifecycleResult, error) {
	projectID, deleted, status, ownerID, err := e.lifecycleFacts(ctx, kind, id)
	if err != nil {
		return LifecycleResult{}, err
	}
	res := LifecycleResult{EntityType: kind, EntityID: id, State: "deleted"}
	if deleted {
		res.AlreadyDone = true
		return res, nil
	}
	ref := &access.RecordRef{ID: id, ProjectID: projectID, OwnerID: ownerID, OwnerDraft: status == "draft"}
	if err := e.require(ctx, actor, projectID, kind, "delete", ref); err != nil {
		return LifecycleResult{}, err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return LifecycleResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkDeletedTx(ctx, tx, kind, id, actor.UserID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			res.AlreadyDone = true
			return res, nil
		}
		return LifecycleResult{}, wrapTransient(err)
	}
	dependents, err := e.Repo.DependentCountTx(ctx, tx, kind, id)
	if err != nil {
		return LifecycleResult{}, err
	}
	res.DependentCount = dependents
	if err := e.Events.Append(ctx, tx, kind+".deleted", e.orgIDForProject(ctx, projectID), projectID, kind, id, actor.UserID, events.EventPayload{"dependents": dependents}); err != nil {
		return LifecycleResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return LifecycleResult{}, wrapTransient(err)
	}
	return res, nil
}

// Restore lifts a tombstone. The record returns exactly as it was,
// same state and signatures.
func (e Engine) Restore(ctx context.Context, actor Actor, kind, id string) (LifecycleResult, error) {
	projectID, deleted, _, _, err := e.lifecycleFacts(ctx, kind, id)
	if err != nil {
		return LifecycleResult{}, err
	}
	if !deleted {
		return LifecycleResult{}, NotDeletedError{Kind: kind, ID: id}
	}
	if err := e.require(ctx, actor, projectID, kind, "restore", &access.RecordRef{ID: id, ProjectID: projectID}); err != nil {
		return LifecycleResult{}, err
	}
	res := LifecycleResult{EntityType: kind, EntityID: id, State: "restored"}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return LifecycleResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ClearDeletedTx(ctx, tx, kind, id, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			res.AlreadyDone = true
			return res, nil
		}
		return LifecycleResult{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, kind+".restored", e.orgIDForProject(ctx, projectID), projectID, kind, id, actor.UserID, nil); err != nil {
		return LifecycleResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return LifecycleResult{}, wrapTransient(err)
	}
	return res, nil
}

// Purge permanently removes a tombstoned record. Purge is the second
// step of a two-step removal: it refuses records that are not already
// soft-deleted. Applied variations are part of the committed baseline
// record and are never purged; records with live dependents are kept
// until the dependents go first.
func (e Engine) Purge(ctx context.Context, actor Actor, kind, id string) (LifecycleResult, error) {
	projectID, deleted, status, _, err := e.lifecycleFacts(ctx, kind, id)
	if err != nil {
		return LifecycleResult{}, err
	}
	if !deleted {
		return LifecycleResult{}, NotDeletedError{Kind: kind, ID: id}
	}
	if err := e.require(ctx, actor, projectID, kind, "purge", &access.RecordRef{ID: id, ProjectID: projectID}); err != nil {
		return LifecycleResult{}, err
	}
	if kind == domain.KindVariation && status == "applied" {
		return LifecycleResult{}, PurgeBlockedError{Kind: kind, ID: id, Reason: "applied variations are a permanent part of the baseline record"}
	}
	res := LifecycleResult{EntityType: kind, EntityID: id, State: "purged"}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return LifecycleResult{}, err
	}
	defer tx.Rollback()
	if kind == domain.KindVariation {
		referenced, err := e.Repo.VariationHasBaselinesTx(ctx, tx, id)
		if err != nil {
			return LifecycleResult{}, err
		}
		if referenced {
			return LifecycleResult{}, PurgeBlockedError{Kind: kind, ID: id, Reason: "baseline versions reference this variation"}
		}
	}
	blockers, err := e.Repo.PurgeBlockersTx(ctx, tx, kind, id)
	if err != nil {
		return LifecycleResult{}, err
	}
	if blockers > 0 {
		return LifecycleResult{}, PurgeBlockedError{Kind: kind, ID: id, Reason: fmt.Sprintf("%d records still reference it", blockers)}
	}
	if err := e.Repo.PurgeRowTx(ctx, tx, kind, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			res.AlreadyDone = true
			return res, nil
		}
		return LifecycleResult{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, kind+".purged", e.orgIDForProject(ctx, projectID), projectID, kind, id, actor.UserID, events.EventPayload{"was_status": status}); err != nil {
		return LifecycleResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return LifecycleResult{}, wrapTransient(err)
	}
	return res, nil
}
