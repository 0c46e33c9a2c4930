package engine

import (
	"context"

	"pactline/internal/domain"
)

// EventFilters narrow an audit trail read.
type EventFilters struct {
	OrgID      string
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
	Limit      int
}

// EventLog reads the audit trail, newest first. Project-scoped reads
// are open to any project member; org-wide reads need org admin and
// unscoped reads need system admin.
func (e Engine) EventLog(ctx context.Context, actor Actor, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	switch {
	case f.ProjectID != "":
		if err := e.require(ctx, actor, f.ProjectID, domain.KindEvent, "view", nil); err != nil {
			return nil, err
		}
	case f.OrgID != "":
		if err := e.requireOrgAdmin(ctx, actor, f.OrgID, "view events"); err != nil {
			return nil, err
		}
	default:
		if err := e.requireSystemAdmin(ctx, actor, "view events across organisations"); err != nil {
			return nil, err
		}
	}
	return e.Repo.LatestEvents(ctx, f.Limit, f.Cursor, f.OrgID, f.ProjectID, f.Type, f.EntityKind, f.EntityID)
}
