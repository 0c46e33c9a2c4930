package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pactline/internal/domain"
	"pactline/internal/engine/access"
	"pactline/internal/engine/workflow"
	"pactline/internal/events"
	"pactline/internal/repo"
)

func validDate(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return nil
}

func milestoneRef(m domain.Milestone) *access.RecordRef {
	return &access.RecordRef{ID: m.ID, ProjectID: m.ProjectID}
}

func deliverableRef(d domain.Deliverable) *access.RecordRef {
	return &access.RecordRef{ID: d.ID, ProjectID: d.ProjectID}
}

func variationRef(v domain.Variation) *access.RecordRef {
	return &access.RecordRef{ID: v.ID, ProjectID: v.ProjectID, OwnerID: v.CreatedBy, OwnerDraft: v.Status == "draft"}
}

func certificateRef(c domain.Certificate) *access.RecordRef {
	return &access.RecordRef{ID: c.ID, ProjectID: c.ProjectID}
}

func timeEntryRef(t domain.TimeEntry) *access.RecordRef {
	return &access.RecordRef{ID: t.ID, ProjectID: t.ProjectID, OwnerID: t.UserID, OwnerDraft: t.Status == "draft"}
}

// MilestoneCreateOptions are parameters for creating a milestone.
type MilestoneCreateOptions struct {
	ID            string
	ProjectID     string
	Reference     string
	Title         string
	StartDate     string
	EndDate       string
	CostCents     int64
	BillableCents int64
}

func (e Engine) CreateMilestone(ctx context.Context, actor Actor, opts MilestoneCreateOptions) (domain.Milestone, error) {
	if opts.ProjectID == "" {
		return domain.Milestone{}, errors.New("project is required")
	}
	if opts.Reference == "" {
		return domain.Milestone{}, errors.New("milestone reference is required")
	}
	if opts.Title == "" {
		return domain.Milestone{}, errors.New("milestone title is required")
	}
	if err := validDate(opts.StartDate); err != nil {
		return domain.Milestone{}, err
	}
	if err := validDate(opts.EndDate); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.require(ctx, actor, opts.ProjectID, domain.KindMilestone, "create", nil); err != nil {
		return domain.Milestone{}, err
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Milestone{}, err
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	now := e.timestamp()
	m := domain.Milestone{
		ID:            id,
		ProjectID:     opts.ProjectID,
		Reference:     opts.Reference,
		Title:         opts.Title,
		Status:        workflow.InitialState(domain.KindMilestone),
		StartDate:     opts.StartDate,
		EndDate:       opts.EndDate,
		CostCents:     opts.CostCents,
		BillableCents: opts.BillableCents,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "milestone.created", e.orgIDForProject(ctx, m.ProjectID), m.ProjectID, domain.KindMilestone, m.ID, actor.UserID, events.EventPayload{"reference": m.Reference, "status": m.Status}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, wrapTransient(err)
	}
	return m, nil
}

// MilestoneUpdateOptions are the editable milestone fields; nil keeps.
type MilestoneUpdateOptions struct {
	Reference     *string
	Title         *string
	StartDate     *string
	EndDate       *string
	CostCents     *int64
	BillableCents *int64
}

func (e Engine) UpdateMilestone(ctx context.Context, actor Actor, id string, opts MilestoneUpdateOptions) (domain.Milestone, error) {
	m, err := e.GetMilestone(ctx, actor, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	if err := e.require(ctx, actor, m.ProjectID, domain.KindMilestone, "edit", milestoneRef(m)); err != nil {
		return domain.Milestone{}, err
	}
	if !workflow.Editable(domain.KindMilestone, m.Status) {
		return domain.Milestone{}, workflow.TransitionError{Kind: domain.KindMilestone, From: m.Status, Action: "edit"}
	}
	if opts.Reference != nil {
		m.Reference = *opts.Reference
	}
	if opts.Title != nil {
		m.Title = *opts.Title
	}
	if opts.StartDate != nil {
		if err := validDate(*opts.StartDate); err != nil {
			return domain.Milestone{}, err
		}
		m.StartDate = *opts.StartDate
	}
	if opts.EndDate != nil {
		if err := validDate(*opts.EndDate); err != nil {
			return domain.Milestone{}, err
		}
		m.EndDate = *opts.EndDate
	}
	if opts.CostCents != nil {
		m.CostCents = *opts.CostCents
	}
	if opts.BillableCents != nil {
		m.BillableCents = *opts.BillableCents
	}
	m.UpdatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMilestoneFieldsTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "milestone.updated", e.orgIDForProject(ctx, m.ProjectID), m.ProjectID, domain.KindMilestone, m.ID, actor.UserID, events.EventPayload{"reference": m.Reference}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, wrapTransient(err)
	}
	return m, nil
}

// GetMilestone returns a live milestone; tombstoned rows read as not
// found here and are reachable through the lifecycle operations only.
func (e Engine) GetMilestone(ctx context.Context, actor Actor, id string) (domain.Milestone, error) {
	m, err := e.Repo.GetMilestone(ctx, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.Deleted {
		return domain.Milestone{}, repo.ErrNotFound
	}
	if err := e.require(ctx, actor, m.ProjectID, domain.KindMilestone, "view", milestoneRef(m)); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

func (e Engine) ListMilestones(ctx context.Context, actor Actor, f repo.WorkflowFilters) ([]domain.Milestone, error) {
	if err := e.require(ctx, actor, f.ProjectID, domain.KindMilestone, "view", nil); err != nil {
		return nil, err
	}
	return e.Repo.ListMilestones(ctx, f)
}

// DeliverableCreateOptions are parameters for creating a deliverable.
type DeliverableCreateOptions struct {
	ID          string
	ProjectID   string
	MilestoneID string
	Title       string
}

func (e Engine) CreateDeliverable(ctx context.Context, actor Actor, opts DeliverableCreateOptions) (domain.Deliverable, error) {
	if opts.Title == "" {
		return domain.Deliverable{}, errors.New("deliverable title is required")
	}
	if opts.MilestoneID == "" {
		return domain.Deliverable{}, errors.New("milestone is required")
	}
	if err := e.require(ctx, actor, opts.ProjectID, domain.KindDeliverable, "create", nil); err != nil {
		return domain.Deliverable{}, err
	}
	m, err := e.Repo.GetMilestone(ctx, opts.MilestoneID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	if m.Deleted {
		return domain.Deliverable{}, repo.ErrNotFound
	}
	if m.ProjectID != opts.ProjectID {
		return domain.Deliverable{}, fmt.Errorf("milestone %s not in project %s", opts.MilestoneID, opts.ProjectID)
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	now := e.timestamp()
	d := domain.Deliverable{
		ID:          id,
		ProjectID:   opts.ProjectID,
		MilestoneID: opts.MilestoneID,
		Title:       opts.Title,
		Status:      workflow.InitialState(domain.KindDeliverable),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDeliverable(ctx, tx, d); err != nil {
		return domain.Deliverable{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "deliverable.created", e.orgIDForProject(ctx, d.ProjectID), d.ProjectID, domain.KindDeliverable, d.ID, actor.UserID, events.EventPayload{"title": d.Title, "milestone_id": d.MilestoneID}); err != nil {
		return domain.Deliverable{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deliverable{}, wrapTransient(err)
	}
	return d, nil
}

func (e Engine) UpdateDeliverable(ctx context.Context, actor Actor, id, title string) (domain.Deliverable, error) {
	if title == "" {
		return domain.Deliverable{}, errors.New("deliverable title is required")
	}
	d, err := e.GetDeliverable(ctx, actor, id)
	if err != nil {
		return domain.Deliverable{}, err
	}
	if err := e.require(ctx, actor, d.ProjectID, domain.KindDeliverable, "edit", deliverableRef(d)); err != nil {
		return domain.Deliverable{}, err
	}
	if !workflow.Editable(domain.KindDeliverable, d.Status) {
		return domain.Deliverable{}, workflow.TransitionError{Kind: domain.KindDeliverable, From: d.Status, Action: "edit"}
	}
	d.Title = title
	d.UpdatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDeliverableFieldsTx(ctx, tx, d); err != nil {
		return domain.Deliverable{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "deliverable.updated", e.orgIDForProject(ctx, d.ProjectID), d.ProjectID, domain.KindDeliverable, d.ID, actor.UserID, events.EventPayload{"title": d.Title}); err != nil {
		return domain.Deliverable{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deliverable{}, wrapTransient(err)
	}
	return d, nil
}

func (e Engine) GetDeliverable(ctx context.Context, actor Actor, id string) (domain.Deliverable, error) {
	d, err := e.Repo.GetDeliverable(ctx, id)
	if err != nil {
		return domain.Deliverable{}, err
	}
	if d.Deleted {
		return domain.Deliverable{}, repo.ErrNotFound
	}
	if err := e.require(ctx, actor, d.ProjectID, domain.KindDeliverable, "view", deliverableRef(d)); err != nil {
		return domain.Deliverable{}, err
	}
	return d, nil
}

func (e Engine) ListDeliverables(ctx context.Context, actor Actor, f repo.WorkflowFilters) ([]domain.Deliverable, error) {
	if err := e.require(ctx, actor, f.ProjectID, domain.KindDeliverable, "view", nil); err != nil {
		return nil, err
	}
	return e.Repo.ListDeliverables(ctx, f)
}

// VariationCreateOptions are parameters for proposing a variation.
type VariationCreateOptions struct {
	ID                 string
	ProjectID          string
	Reference          string
	Title              string
	CostDeltaCents     int64
	BillableDeltaCents int64
	ScheduleDeltaDays  int
	MilestoneIDs       []string
	Reason             string
}

func (e Engine) CreateVariation(ctx context.Context, actor Actor, opts VariationCreateOptions) (domain.Variation, error) {
	if opts.Reference == "" {
		return domain.Variation{}, errors.New("variation reference is required")
	}
	if opts.Title == "" {
		return domain.Variation{}, errors.New("variation title is required")
	}
	if len(opts.MilestoneIDs) == 0 {
		return domain.Variation{}, errors.New("variation must target at least one milestone")
	}
	if err := e.require(ctx, actor, opts.ProjectID, domain.KindVariation, "create", nil); err != nil {
		return domain.Variation{}, err
	}
	for _, msID := range opts.MilestoneIDs {
		m, err := e.Repo.GetMilestone(ctx, msID)
		if err != nil {
			return domain.Variation{}, fmt.Errorf("milestone %s: %w", msID, err)
		}
		if m.Deleted {
			return domain.Variation{}, fmt.Errorf("milestone %s: %w", msID, repo.ErrNotFound)
		}
		if m.ProjectID != opts.ProjectID {
			return domain.Variation{}, fmt.Errorf("milestone %s not in project %s", msID, opts.ProjectID)
		}
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	now := e.timestamp()
	v := domain.Variation{
		ID:                 id,
		ProjectID:          opts.ProjectID,
		Reference:          opts.Reference,
		Title:              opts.Title,
		Status:             workflow.InitialState(domain.KindVariation),
		CostDeltaCents:     opts.CostDeltaCents,
		BillableDeltaCents: opts.BillableDeltaCents,
		ScheduleDeltaDays:  opts.ScheduleDeltaDays,
		MilestoneIDs:       opts.MilestoneIDs,
		Reason:             opts.Reason,
		CreatedBy:          actor.UserID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Variation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertVariation(ctx, tx, v); err != nil {
		return domain.Variation{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "variation.created", e.orgIDForProject(ctx, v.ProjectID), v.ProjectID, domain.KindVariation, v.ID, actor.UserID, events.EventPayload{
		"reference":       v.Reference,
		"cost_delta":      v.CostDeltaCents,
		"billable_delta":  v.BillableDeltaCents,
		"schedule_delta":  v.ScheduleDeltaDays,
		"milestone_count": len(v.MilestoneIDs),
	}); err != nil {
		return domain.Variation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Variation{}, wrapTransient(err)
	}
	return v, nil
}

// VariationUpdateOptions are the editable variation fields; nil keeps.
// Only drafts may change, and the draft's creator may edit it without
// holding an editing role.
type VariationUpdateOptions struct {
	Reference          *string
	Title              *string
	CostDeltaCents     *int64
	BillableDeltaCents *int64
	ScheduleDeltaDays  *int
	MilestoneIDs       []string
	Reason             *string
}

func (e Engine) UpdateVariation(ctx context.Context, actor Actor, id string, opts VariationUpdateOptions) (domain.Variation, error) {
	v, err := e.GetVariation(ctx, actor, id)
	if err != nil {
		return domain.Variation{}, err
	}
	if err := e.require(ctx, actor, v.ProjectID, domain.KindVariation, "edit", variationRef(v)); err != nil {
		return domain.Variation{}, err
	}
	if !workflow.Editable(domain.KindVariation, v.Status) {
		return domain.Variation{}, workflow.TransitionError{Kind: domain.KindVariation, From: v.Status, Action: "edit"}
	}
	if opts.Reference != nil {
		v.Reference = *opts.Reference
	}
	if opts.Title != nil {
		v.Title = *opts.Title
	}
	if opts.CostDeltaCents != nil {
		v.CostDeltaCents = *opts.CostDeltaCents
	}
	if opts.BillableDeltaCents != nil {
		v.BillableDeltaCents = *opts.BillableDeltaCents
	}
	if opts.ScheduleDeltaDays != nil {
		v.ScheduleDeltaDays = *opts.ScheduleDeltaDays
	}
	if opts.Reason != nil {
		v.Reason = *opts.Reason
	}
	if opts.MilestoneIDs != nil {
		if len(opts.MilestoneIDs) == 0 {
			return domain.Variation{}, errors.New("variation must target at least one milestone")
		}
		for _, msID := range opts.MilestoneIDs {
			m, err := e.Repo.GetMilestone(ctx, msID)
			if err != nil {
				return domain.Variation{}, fmt.Errorf("milestone %s: %w", msID, err)
			}
			if m.Deleted || m.ProjectID != v.ProjectID {
				return domain.Variation{}, fmt.Errorf("milestone %s: %w", msID, repo.ErrNotFound)
			}
		}
		v.MilestoneIDs = opts.MilestoneIDs
	}
	v.UpdatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Variation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateVariationFieldsTx(ctx, tx, v); err != nil {
		return domain.Variation{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "variation.updated", e.orgIDForProject(ctx, v.ProjectID), v.ProjectID, domain.KindVariation, v.ID, actor.UserID, events.EventPayload{"reference": v.Reference}); err != nil {
		return domain.Variation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Variation{}, wrapTransient(err)
	}
	return v, nil
}

func (e Engine) GetVariation(ctx context.Context, actor Actor, id string) (domain.Variation, error) {
	v, err := e.Repo.GetVariation(ctx, id)
	if err != nil {
		return domain.Variation{}, err
	}
	if v.Deleted {
		return domain.Variation{}, repo.ErrNotFound
	}
	if err := e.require(ctx, actor, v.ProjectID, domain.KindVariation, "view", variationRef(v)); err != nil {
		return domain.Variation{}, err
	}
	return v, nil
}

func (e Engine) ListVariations(ctx context.Context, actor Actor, f repo.WorkflowFilters) ([]domain.Variation, error) {
	if err := e.require(ctx, actor, f.ProjectID, domain.KindVariation, "view", nil); err != nil {
		return nil, err
	}
	return e.Repo.ListVariations(ctx, f)
}

// CertificateCreateOptions are parameters for opening a completion
// certificate against a milestone.
type CertificateCreateOptions struct {
	ID          string
	ProjectID   string
	MilestoneID string
	Reference   string
}

func (e Engine) CreateCertificate(ctx context.Context, actor Actor, opts CertificateCreateOptions) (domain.Certificate, error) {
	if opts.Reference == "" {
		return domain.Certificate{}, errors.New("certificate reference is required")
	}
	if opts.MilestoneID == "" {
		return domain.Certificate{}, errors.New("milestone is required")
	}
	if err := e.require(ctx, actor, opts.ProjectID, domain.KindCertificate, "create", nil); err != nil {
		return domain.Certificate{}, err
	}
	m, err := e.Repo.GetMilestone(ctx, opts.MilestoneID)
	if err != nil {
		return domain.Certificate{}, err
	}
	if m.Deleted {
		return domain.Certificate{}, repo.ErrNotFound
	}
	if m.ProjectID != opts.ProjectID {
		return domain.Certificate{}, fmt.Errorf("milestone %s not in project %s", opts.MilestoneID, opts.ProjectID)
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	now := e.timestamp()
	c := domain.Certificate{
		ID:          id,
		ProjectID:   opts.ProjectID,
		MilestoneID: opts.MilestoneID,
		Reference:   opts.Reference,
		Status:      workflow.InitialState(domain.KindCertificate),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Certificate{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCertificate(ctx, tx, c); err != nil {
		return domain.Certificate{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "certificate.created", e.orgIDForProject(ctx, c.ProjectID), c.ProjectID, domain.KindCertificate, c.ID, actor.UserID, events.EventPayload{"reference": c.Reference, "milestone_id": c.MilestoneID}); err != nil {
		return domain.Certificate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Certificate{}, wrapTransient(err)
	}
	return c, nil
}

func (e Engine) GetCertificate(ctx context.Context, actor Actor, id string) (domain.Certificate, error) {
	c, err := e.Repo.GetCertificate(ctx, id)
	if err != nil {
		return domain.Certificate{}, err
	}
	if c.Deleted {
		return domain.Certificate{}, repo.ErrNotFound
	}
	if err := e.require(ctx, actor, c.ProjectID, domain.KindCertificate, "view", certificateRef(c)); err != nil {
		return domain.Certificate{}, err
	}
	return c, nil
}

func (e Engine) ListCertificates(ctx context.Context, actor Actor, f repo.WorkflowFilters) ([]domain.Certificate, error) {
	if err := e.require(ctx, actor, f.ProjectID, domain.KindCertificate, "view", nil); err != nil {
		return nil, err
	}
	return e.Repo.ListCertificates(ctx, f)
}

// TimeEntryCreateOptions are parameters for logging time. UserID
// defaults to the actor; logging for someone else needs the edit
// permission on time entries.
type TimeEntryCreateOptions struct {
	ID            string
	ProjectID     string
	UserID        string
	DeliverableID string
	EntryDate     string
	Minutes       int
	Notes         string
}

func (e Engine) CreateTimeEntry(ctx context.Context, actor Actor, opts TimeEntryCreateOptions) (domain.TimeEntry, error) {
	if opts.Minutes <= 0 {
		return domain.TimeEntry{}, errors.New("minutes must be positive")
	}
	if opts.EntryDate == "" {
		return domain.TimeEntry{}, errors.New("entry date is required")
	}
	if err := validDate(opts.EntryDate); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := e.require(ctx, actor, opts.ProjectID, domain.KindTimeEntry, "create", nil); err != nil {
		return domain.TimeEntry{}, err
	}
	userID := opts.UserID
	if userID == "" {
		userID = actor.UserID
	}
	if userID != actor.UserID {
		if err := e.require(ctx, actor, opts.ProjectID, domain.KindTimeEntry, "edit", nil); err != nil {
			return domain.TimeEntry{}, err
		}
	}
	var deliverableID *string
	if opts.DeliverableID != "" {
		d, err := e.Repo.GetDeliverable(ctx, opts.DeliverableID)
		if err != nil {
			return domain.TimeEntry{}, err
		}
		if d.Deleted {
			return domain.TimeEntry{}, repo.ErrNotFound
		}
		if d.ProjectID != opts.ProjectID {
			return domain.TimeEntry{}, fmt.Errorf("deliverable %s not in project %s", opts.DeliverableID, opts.ProjectID)
		}
		deliverableID = &opts.DeliverableID
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	now := e.timestamp()
	t := domain.TimeEntry{
		ID:            id,
		ProjectID:     opts.ProjectID,
		UserID:        userID,
		DeliverableID: deliverableID,
		EntryDate:     opts.EntryDate,
		Minutes:       opts.Minutes,
		Notes:         opts.Notes,
		Status:        workflow.InitialState(domain.KindTimeEntry),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTimeEntry(ctx, tx, t); err != nil {
		return domain.TimeEntry{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "time_entry.created", e.orgIDForProject(ctx, t.ProjectID), t.ProjectID, domain.KindTimeEntry, t.ID, actor.UserID, events.EventPayload{"minutes": t.Minutes, "entry_date": t.EntryDate}); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeEntry{}, wrapTransient(err)
	}
	return t, nil
}

// TimeEntryUpdateOptions are the editable time entry fields; nil keeps.
type TimeEntryUpdateOptions struct {
	DeliverableID *string
	EntryDate     *string
	Minutes       *int
	Notes         *string
}

func (e Engine) UpdateTimeEntry(ctx context.Context, actor Actor, id string, opts TimeEntryUpdateOptions) (domain.TimeEntry, error) {
	t, err := e.GetTimeEntry(ctx, actor, id)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	if err := e.require(ctx, actor, t.ProjectID, domain.KindTimeEntry, "edit", timeEntryRef(t)); err != nil {
		return domain.TimeEntry{}, err
	}
	if !workflow.Editable(domain.KindTimeEntry, t.Status) {
		return domain.TimeEntry{}, workflow.TransitionError{Kind: domain.KindTimeEntry, From: t.Status, Action: "edit"}
	}
	if opts.DeliverableID != nil {
		if *opts.DeliverableID == "" {
			t.DeliverableID = nil
		} else {
			d, err := e.Repo.GetDeliverable(ctx, *opts.DeliverableID)
			if err != nil {
				return domain.TimeEntry{}, err
			}
			if d.Deleted || d.ProjectID != t.ProjectID {
				return domain.TimeEntry{}, repo.ErrNotFound
			}
			t.DeliverableID = opts.DeliverableID
		}
	}
	if opts.EntryDate != nil {
		if err := validDate(*opts.EntryDate); err != nil {
			return domain.TimeEntry{}, err
		}
		t.EntryDate = *opts.EntryDate
	}
	if opts.Minutes != nil {
		if *opts.Minutes <= 0 {
			return domain.TimeEntry{}, errors.New("minutes must be positive")
		}
		t.Minutes = *opts.Minutes
	}
	if opts.Notes != nil {
		t.Notes = *opts.Notes
	}
	t.UpdatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTimeEntryFieldsTx(ctx, tx, t); err != nil {
		return domain.TimeEntry{}, wrapTransient(err)
	}
	if err := e.Events.Append(ctx, tx, "time_entry.updated", e.orgIDForProject(ctx, t.ProjectID), t.ProjectID, domain.KindTimeEntry, t.ID, actor.UserID, events.EventPayload{"minutes": t.Minutes}); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeEntry{}, wrapTransient(err)
	}
	return t, nil
}

func (e Engine) GetTimeEntry(ctx context.Context, actor Actor, id string) (domain.TimeEntry, error) {
	t, err := e.Repo.GetTimeEntry(ctx, id)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	if t.Deleted {
		return domain.TimeEntry{}, repo.ErrNotFound
	}
	if err := e.require(ctx, actor, t.ProjectID, domain.KindTimeEntry, "view", timeEntryRef(t)); err != nil {
		return domain.TimeEntry{}, err
	}
	scoped, err := e.ownTimeOnly(ctx, actor, t.ProjectID)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	if scoped && t.UserID != actor.UserID {
		return domain.TimeEntry{}, repo.ErrNotFound
	}
	return t, nil
}

func (e Engine) ListTimeEntries(ctx context.Context, actor Actor, f repo.TimeEntryFilters) ([]domain.TimeEntry, error) {
	if err := e.require(ctx, actor, f.ProjectID, domain.KindTimeEntry, "view", nil); err != nil {
		return nil, err
	}
	scoped, err := e.ownTimeOnly(ctx, actor, f.ProjectID)
	if err != nil {
		return nil, err
	}
	if scoped {
		f.UserID = actor.UserID
	}
	return e.Repo.ListTimeEntries(ctx, f)
}

// ownTimeOnly reports whether the actor sees only their own time
// entries on the project. Contributors do; admins, PMs, finance, org
// admins and system admins see everyone's.
func (e Engine) ownTimeOnly(ctx context.Context, actor Actor, projectID string) (bool, error) {
	u, err := e.Repo.GetUser(ctx, actor.UserID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	if err == nil && u.SystemAdmin {
		return false, nil
	}
	tenancy, err := e.ResolveTenancy(ctx, actor)
	if err != nil {
		var missing access.NoActiveMembershipError
		if errors.As(err, &missing) {
			return true, nil
		}
		return false, err
	}
	if tenancy.OrgMembership.Role == domain.OrgRoleAdmin {
		return false, nil
	}
	return tenancy.ProjectRoles[projectID] == domain.RoleContributor, nil
}
