package engine

import (
	"context"
	"errors"
	"fmt"

	"pactline/internal/domain"
	"pactline/internal/engine/workflow"
	"pactline/internal/events"
	"pactline/internal/repo"
)

// ActionOptions identify one workflow action request.
type ActionOptions struct {
	ProjectID  string
	EntityType string
	EntityID   string
	Action     string
	Comment    string
}

// ActionResult reports what an action changed. AlreadyDone marks the
// benign replay of a transition that had already completed; nothing
// was written.
type ActionResult struct {
	EntityType        string   `json:"entity_type"`
	EntityID          string   `json:"entity_id"`
	NewState          string   `json:"new_state"`
	SignatureRecorded bool     `json:"signature_recorded"`
	AlreadyDone       bool     `json:"already_done"`
	SideEffects       []string `json:"side_effects,omitempty"`
}

var eventVerb = map[string]string{
	"start":           "started",
	"submit":          "submitted",
	"complete_review": "review_completed",
	"return":          "returned",
	"reject":          "rejected",
	"approve":         "approved",
	"sign":            "signed",
}

// ApplyAction runs one workflow action: permission check, state graph,
// signature slots, and any side effect, all against a single record
// and inside a single transaction.
func (e Engine) ApplyAction(ctx context.Context, actor Actor, opts ActionOptions) (ActionResult, error) {
	if err := e.matrix.Validate(opts.EntityType, opts.Action); err != nil {
		return ActionResult{}, err
	}
	switch opts.EntityType {
	case domain.KindMilestone:
		return e.milestoneAction(ctx, actor, opts)
	case domain.KindDeliverable:
		return e.deliverableAction(ctx, actor, opts)
	case domain.KindVariation:
		return e.variationAction(ctx, actor, opts)
	case domain.KindCertificate:
		return e.certificateAction(ctx, actor, opts)
	case domain.KindTimeEntry:
		return e.timeEntryAction(ctx, actor, opts)
	default:
		return ActionResult{}, fmt.Errorf("entity type %s has no workflow actions", opts.EntityType)
	}
}

func (e Engine) signatureBy(ctx context.Context, actor Actor) domain.Signature {
	return domain.Signature{
		SignedBy:   actor.UserID,
		SignedName: e.actorName(ctx, actor.UserID),
		SignedAt:   e.timestamp(),
	}
}

func (e Engine) projectRole(ctx context.Context, actor Actor, projectID string) string {
	tenancy, err := e.ResolveTenancy(ctx, actor)
	if err != nil {
		return ""
	}
	return tenancy.ProjectRoles[projectID]
}

// alreadyDone turns a terminal-state refusal into a benign result when
// the action is a replay of the transition that completed the record.
func alreadyDone(kind, action, state string, err error) (ActionResult, bool) {
	var term workflow.TerminalStateError
	if errors.As(err, &term) && workflow.Completes(kind, action, state) {
		return ActionResult{EntityType: kind, NewState: state, AlreadyDone: true}, true
	}
	return ActionResult{}, false
}

func actionPayload(from, to, comment string) events.EventPayload {
	payload := events.EventPayload{"from": from, "to": to}
	if comment != "" {
		payload["comment"] = comment
	}
	return payload
}

func (e Engine) milestoneAction(ctx context.Context, actor Actor, opts ActionOptions) (ActionResult, error) {
	m, err := e.GetMilestone(ctx, actor, opts.EntityID)
	if err != nil {
		return ActionResult{}, err
	}
	if opts.ProjectID != "" && m.ProjectID != opts.ProjectID {
		return ActionResult{}, repo.ErrNotFound
	}
	if err := e.require(ctx, actor, m.ProjectID, domain.KindMilestone, opts.Action, milestoneRef(m)); err != nil {
		return ActionResult{}, err
	}
	res := ActionResult{EntityType: domain.KindMilestone, EntityID: m.ID, NewState: m.Status}

	if opts.Action != "sign" {
		if _, err := workflow.Next(domain.KindMilestone, m.Status, opts.Action); err != nil {
			if done, ok := alreadyDone(domain.KindMilestone, opts.Action, m.Status, err); ok {
				done.EntityID = m.ID
				return done, nil
			}
			return res, err
		}
		return res, workflow.TransitionError{Kind: domain.KindMilestone, From: m.Status, Action: opts.Action}
	}

	role := e.projectRole(ctx, actor, m.ProjectID)
	side, ok := e.sides.SideFor(domain.KindMilestone, role)
	if !ok {
		return res, workflow.UnauthorizedSignerError{Kind: domain.KindMilestone, Role: role}
	}
	sig := e.signatureBy(ctx, actor)
	orgID := e.orgIDForProject(ctx, m.ProjectID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	// decide from the slots as they are now, not the pre-transaction read
	m, err = e.Repo.GetMilestoneTx(ctx, tx, m.ID)
	if err != nil {
		return res, wrapTransient(err)
	}
	if m.Deleted {
		return res, repo.ErrNotFound
	}
	out, err := workflow.ApplySign(domain.KindMilestone, m.Status, side, workflow.SignState{
		SupplierSigned: m.SupplierSig != nil,
		CustomerSigned: m.CustomerSig != nil,
	})
	if err != nil {
		if done, ok := alreadyDone(domain.KindMilestone, "sign", m.Status, err); ok {
			done.EntityID = m.ID
			return done, nil
		}
		return res, err
	}
	from := m.Status
	m.Status = out.To
	if side == workflow.SideSupplier {
		m.SupplierSig = &sig
	} else {
		m.CustomerSig = &sig
	}
	m.UpdatedAt = sig.SignedAt
	if err := e.Repo.UpdateMilestoneWorkflowTx(ctx, tx, m, from); err != nil {
		return res, wrapTransient(err)
	}
	payload := actionPayload(from, m.Status, opts.Comment)
	payload["side"] = string(side)
	if out.Overwrite {
		payload["overwrite"] = true
	}
	if err := e.Events.Append(ctx, tx, "milestone.signed", orgID, m.ProjectID, domain.KindMilestone, m.ID, actor.UserID, payload); err != nil {
		return res, err
	}
	if out.Complete {
		b, err := e.lockBaselineTx(ctx, tx, m, actor.UserID)
		if err != nil {
			return res, err
		}
		res.SideEffects = append(res.SideEffects, fmt.Sprintf("baseline %s v%d", m.ID, b.Version))
		if err := e.Events.Append(ctx, tx, "milestone.locked", orgID, m.ProjectID, domain.KindMilestone, m.ID, actor.UserID, events.EventPayload{"baseline_version": b.Version}); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, wrapTransient(err)
	}
	res.NewState = m.Status
	res.SignatureRecorded = true
	return res, nil
}

func (e Engine) deliverableAction(ctx context.Context, actor Actor, opts ActionOptions) (ActionResult, error) {
	d, err := e.GetDeliverable(ctx, actor, opts.EntityID)
	if err != nil {
		return ActionResult{}, err
	}
	if opts.ProjectID != "" && d.ProjectID != opts.ProjectID {
		return ActionResult{}, repo.ErrNotFound
	}
	if err := e.require(ctx, actor, d.ProjectID, domain.KindDeliverable, opts.Action, deliverableRef(d)); err != nil {
		return ActionResult{}, err
	}
	res := ActionResult{EntityType: domain.KindDeliverable, EntityID: d.ID, NewState: d.Status}
	from := d.Status
	orgID := e.orgIDForProject(ctx, d.ProjectID)

	if opts.Action == "sign" {
		role := e.projectRole(ctx, actor, d.ProjectID)
		side, ok := e.sides.SideFor(domain.KindDeliverable, role)
		if !ok {
			return res, workflow.UnauthorizedSignerError{Kind: domain.KindDeliverable, Role: role}
		}
		sig := e.signatureBy(ctx, actor)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return res, err
		}
		defer tx.Rollback()
		d, err = e.Repo.GetDeliverableTx(ctx, tx, d.ID)
		if err != nil {
			return res, wrapTransient(err)
		}
		if d.Deleted {
			return res, repo.ErrNotFound
		}
		out, err := workflow.ApplySign(domain.KindDeliverable, d.Status, side, workflow.SignState{
			SupplierSigned: d.SupplierSig != nil,
			CustomerSigned: d.CustomerSig != nil,
		})
		if err != nil {
			if done, ok := alreadyDone(domain.KindDeliverable, "sign", d.Status, err); ok {
				done.EntityID = d.ID
				return done, nil
			}
			return res, err
		}
		from = d.Status
		d.Status = out.To
		if side == workflow.SideSupplier {
			d.SupplierSig = &sig
		} else {
			d.CustomerSig = &sig
		}
		d.UpdatedAt = sig.SignedAt
		if err := e.Repo.UpdateDeliverableWorkflowTx(ctx, tx, d, from); err != nil {
			return res, wrapTransient(err)
		}
		payload := actionPayload(from, d.Status, opts.Comment)
		payload["side"] = string(side)
		if out.Overwrite {
			payload["overwrite"] = true
		}
		if err := e.Events.Append(ctx, tx, "deliverable.signed", orgID, d.ProjectID, domain.KindDeliverable, d.ID, actor.UserID, payload); err != nil {
			return res, err
		}
		if out.Complete {
			if err := e.Events.Append(ctx, tx, "deliverable.delivered", orgID, d.ProjectID, domain.KindDeliverable, d.ID, actor.UserID, nil); err != nil {
				return res, err
			}
		}
		if err := tx.Commit(); err != nil {
			return res, wrapTransient(err)
		}
		res.NewState = d.Status
		res.SignatureRecorded = true
		return res, nil
	}

	step, err := workflow.Next(domain.KindDeliverable, d.Status, opts.Action)
	if err != nil {
		if done, ok := alreadyDone(domain.KindDeliverable, opts.Action, d.Status, err); ok {
			done.EntityID = d.ID
			return done, nil
		}
		return res, err
	}
	d.Status = step.To
	d.UpdatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDeliverableWorkflowTx(ctx, tx, d, from); err != nil {
		return res, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, fmt.Sprintf("deliverable.%s", eventVerb[opts.Action]), orgID, d.ProjectID, domain.KindDeliverable, d.ID, actor.UserID, actionPayload(from, d.Status, opts.Comment)); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, wrapTransient(err)
	}
	res.NewState = d.Status
	return res, nil
}

func (e Engine) variationAction(ctx context.Context, actor Actor, opts ActionOptions) (ActionResult, error) {
	v, err := e.GetVariation(ctx, actor, opts.EntityID)
	if err != nil {
		return ActionResult{}, err
	}
	if opts.ProjectID != "" && v.ProjectID != opts.ProjectID {
		return ActionResult{}, repo.ErrNotFound
	}
	if err := e.require(ctx, actor, v.ProjectID, domain.KindVariation, opts.Action, variationRef(v)); err != nil {
		return ActionResult{}, err
	}
	res := ActionResult{EntityType: domain.KindVariation, EntityID: v.ID, NewState: v.Status}
	from := v.Status
	orgID := e.orgIDForProject(ctx, v.ProjectID)

	if opts.Action == "sign" {
		role := e.projectRole(ctx, actor, v.ProjectID)
		side, ok := e.sides.SideFor(domain.KindVariation, role)
		if !ok {
			return res, workflow.UnauthorizedSignerError{Kind: domain.KindVariation, Role: role}
		}
		sig := e.signatureBy(ctx, actor)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return res, err
		}
		defer tx.Rollback()
		v, err = e.Repo.GetVariationTx(ctx, tx, v.ID)
		if err != nil {
			return res, wrapTransient(err)
		}
		if v.Deleted {
			return res, repo.ErrNotFound
		}
		out, err := workflow.ApplySign(domain.KindVariation, v.Status, side, workflow.SignState{
			SupplierSigned: v.SupplierSig != nil,
			CustomerSigned: v.CustomerSig != nil,
		})
		if err != nil {
			if done, ok := alreadyDone(domain.KindVariation, "sign", v.Status, err); ok {
				done.EntityID = v.ID
				return done, nil
			}
			return res, err
		}
		from = v.Status
		v.Status = out.To
		if side == workflow.SideSupplier {
			v.SupplierSig = &sig
		} else {
			v.CustomerSig = &sig
		}
		v.UpdatedAt = sig.SignedAt
		if err := e.Repo.UpdateVariationWorkflowTx(ctx, tx, v, from); err != nil {
			return res, wrapTransient(err)
		}
		payload := actionPayload(from, v.Status, opts.Comment)
		payload["side"] = string(side)
		if out.Overwrite {
			payload["overwrite"] = true
		}
		if err := e.Events.Append(ctx, tx, "variation.signed", orgID, v.ProjectID, domain.KindVariation, v.ID, actor.UserID, payload); err != nil {
			return res, err
		}
		if out.Complete {
			// approval and application commit together or not at all
			if err := e.Events.Append(ctx, tx, "variation.approved", orgID, v.ProjectID, domain.KindVariation, v.ID, actor.UserID, nil); err != nil {
				return res, err
			}
			applied, err := e.applyVariationTx(ctx, tx, v, actor.UserID)
			if err != nil {
				return res, err
			}
			res.SideEffects = append(res.SideEffects, applied...)
			if err := e.Events.Append(ctx, tx, "variation.applied", orgID, v.ProjectID, domain.KindVariation, v.ID, actor.UserID, events.EventPayload{
				"cost_delta":     v.CostDeltaCents,
				"billable_delta": v.BillableDeltaCents,
				"schedule_delta": v.ScheduleDeltaDays,
				"milestones":     len(v.MilestoneIDs),
			}); err != nil {
				return res, err
			}
		}
		if err := tx.Commit(); err != nil {
			return res, wrapTransient(err)
		}
		res.NewState = v.Status
		res.SignatureRecorded = true
		return res, nil
	}

	step, err := workflow.Next(domain.KindVariation, v.Status, opts.Action)
	if err != nil {
		if done, ok := alreadyDone(domain.KindVariation, opts.Action, v.Status, err); ok {
			done.EntityID = v.ID
			return done, nil
		}
		return res, err
	}
	v.Status = step.To
	v.UpdatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateVariationWorkflowTx(ctx, tx, v, from); err != nil {
		return res, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, fmt.Sprintf("variation.%s", eventVerb[opts.Action]), orgID, v.ProjectID, domain.KindVariation, v.ID, actor.UserID, actionPayload(from, v.Status, opts.Comment)); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, wrapTransient(err)
	}
	res.NewState = v.Status
	return res, nil
}

func (e Engine) certificateAction(ctx context.Context, actor Actor, opts ActionOptions) (ActionResult, error) {
	c, err := e.GetCertificate(ctx, actor, opts.EntityID)
	if err != nil {
		return ActionResult{}, err
	}
	if opts.ProjectID != "" && c.ProjectID != opts.ProjectID {
		return ActionResult{}, repo.ErrNotFound
	}
	if err := e.require(ctx, actor, c.ProjectID, domain.KindCertificate, opts.Action, certificateRef(c)); err != nil {
		return ActionResult{}, err
	}
	res := ActionResult{EntityType: domain.KindCertificate, EntityID: c.ID, NewState: c.Status}

	if opts.Action != "sign" {
		if _, err := workflow.Next(domain.KindCertificate, c.Status, opts.Action); err != nil {
			if done, ok := alreadyDone(domain.KindCertificate, opts.Action, c.Status, err); ok {
				done.EntityID = c.ID
				return done, nil
			}
			return res, err
		}
		return res, workflow.TransitionError{Kind: domain.KindCertificate, From: c.Status, Action: opts.Action}
	}

	role := e.projectRole(ctx, actor, c.ProjectID)
	side, ok := e.sides.SideFor(domain.KindCertificate, role)
	if !ok {
		return res, workflow.UnauthorizedSignerError{Kind: domain.KindCertificate, Role: role}
	}
	sig := e.signatureBy(ctx, actor)
	orgID := e.orgIDForProject(ctx, c.ProjectID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	c, err = e.Repo.GetCertificateTx(ctx, tx, c.ID)
	if err != nil {
		return res, wrapTransient(err)
	}
	if c.Deleted {
		return res, repo.ErrNotFound
	}
	out, err := workflow.ApplySign(domain.KindCertificate, c.Status, side, workflow.SignState{
		SupplierSigned: c.SupplierSig != nil,
		CustomerSigned: c.CustomerSig != nil,
	})
	if err != nil {
		if done, ok := alreadyDone(domain.KindCertificate, "sign", c.Status, err); ok {
			done.EntityID = c.ID
			return done, nil
		}
		return res, err
	}
	from := c.Status
	c.Status = out.To
	if side == workflow.SideSupplier {
		c.SupplierSig = &sig
	} else {
		c.CustomerSig = &sig
	}
	c.UpdatedAt = sig.SignedAt
	if from == "pending" {
		// a certificate may not start collecting signatures until every
		// deliverable under its milestone is delivered
		deliverables, err := e.Repo.MilestoneDeliverablesTx(ctx, tx, c.MilestoneID)
		if err != nil {
			return res, err
		}
		for _, d := range deliverables {
			if d.Status != "delivered" {
				return res, workflow.PrerequisiteError{
					Kind:        domain.KindCertificate,
					ID:          c.ID,
					Requirement: fmt.Sprintf("deliverable %s (%s) is %s, must be delivered", d.ID, d.Title, d.Status),
				}
			}
		}
	}
	if err := e.Repo.UpdateCertificateWorkflowTx(ctx, tx, c, from); err != nil {
		return res, wrapTransient(err)
	}
	payload := actionPayload(from, c.Status, opts.Comment)
	payload["side"] = string(side)
	if out.Overwrite {
		payload["overwrite"] = true
	}
	if err := e.Events.Append(ctx, tx, "certificate.signed", orgID, c.ProjectID, domain.KindCertificate, c.ID, actor.UserID, payload); err != nil {
		return res, err
	}
	if out.Complete {
		if err := e.Events.Append(ctx, tx, "certificate.accepted", orgID, c.ProjectID, domain.KindCertificate, c.ID, actor.UserID, events.EventPayload{"milestone_id": c.MilestoneID}); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, wrapTransient(err)
	}
	res.NewState = c.Status
	res.SignatureRecorded = true
	return res, nil
}

func (e Engine) timeEntryAction(ctx context.Context, actor Actor, opts ActionOptions) (ActionResult, error) {
	t, err := e.GetTimeEntry(ctx, actor, opts.EntityID)
	if err != nil {
		return ActionResult{}, err
	}
	if opts.ProjectID != "" && t.ProjectID != opts.ProjectID {
		return ActionResult{}, repo.ErrNotFound
	}
	if err := e.require(ctx, actor, t.ProjectID, domain.KindTimeEntry, opts.Action, timeEntryRef(t)); err != nil {
		return ActionResult{}, err
	}
	res := ActionResult{EntityType: domain.KindTimeEntry, EntityID: t.ID, NewState: t.Status}
	from := t.Status

	step, err := workflow.Next(domain.KindTimeEntry, t.Status, opts.Action)
	if err != nil {
		if done, ok := alreadyDone(domain.KindTimeEntry, opts.Action, t.Status, err); ok {
			done.EntityID = t.ID
			return done, nil
		}
		return res, err
	}
	t.Status = step.To
	t.UpdatedAt = e.timestamp()
	if opts.Action == "approve" {
		// approval is single-party: one signature from the reviewing side
		sig := e.signatureBy(ctx, actor)
		t.ApprovalSig = &sig
		res.SignatureRecorded = true
	}
	orgID := e.orgIDForProject(ctx, t.ProjectID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTimeEntryWorkflowTx(ctx, tx, t, from); err != nil {
		return res, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, fmt.Sprintf("time_entry.%s", eventVerb[opts.Action]), orgID, t.ProjectID, domain.KindTimeEntry, t.ID, actor.UserID, actionPayload(from, t.Status, opts.Comment)); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, wrapTransient(err)
	}
	res.NewState = t.Status
	return res, nil
}
