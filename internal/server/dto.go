package server

import (
	"encoding/json"

	"pactline/internal/domain"
)

// Request payloads

type CreateOrgRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Tier string `json:"tier,omitempty"`
}

type UpdateOrgRequest struct {
	Name         *string `json:"name,omitempty"`
	Tier         *string `json:"tier,omitempty"`
	SettingsJSON *string `json:"settings_json,omitempty"`
	Active       *bool   `json:"active,omitempty"`
}

type CreateUserRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	SystemAdmin bool   `json:"system_admin,omitempty"`
}

type OrgRoleRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Role     string `json:"role" enum:"org_admin,org_member"`
}

type ProjectRoleRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Role     string `json:"role" enum:"admin,supplier_pm,supplier_finance,customer_pm,customer_finance,contributor,viewer"`
}

type CreateProjectRequest struct {
	ID           string `json:"id,omitempty"`
	OrgID        string `json:"org_id"`
	Reference    string `json:"reference"`
	Name         string `json:"name"`
	BudgetCents  int64  `json:"budget_cents,omitempty"`
	Currency     string `json:"currency,omitempty"`
	SettingsJSON string `json:"settings_json,omitempty"`
}

type UpdateProjectRequest struct {
	Name         *string `json:"name,omitempty"`
	BudgetCents  *int64  `json:"budget_cents,omitempty"`
	SettingsJSON *string `json:"settings_json,omitempty"`
}

type CreateMilestoneRequest struct {
	ID            string `json:"id,omitempty"`
	Reference     string `json:"reference"`
	Title         string `json:"title"`
	StartDate     string `json:"start_date,omitempty" format:"date"`
	EndDate       string `json:"end_date,omitempty" format:"date"`
	CostCents     int64  `json:"cost_cents,omitempty"`
	BillableCents int64  `json:"billable_cents,omitempty"`
}

type UpdateMilestoneRequest struct {
	Reference     *string `json:"reference,omitempty"`
	Title         *string `json:"title,omitempty"`
	StartDate     *string `json:"start_date,omitempty" format:"date"`
	EndDate       *string `json:"end_date,omitempty" format:"date"`
	CostCents     *int64  `json:"cost_cents,omitempty"`
	BillableCents *int64  `json:"billable_cents,omitempty"`
}

type CreateDeliverableRequest struct {
	ID          string `json:"id,omitempty"`
	MilestoneID string `json:"milestone_id"`
	Title       string `json:"title"`
}

type UpdateDeliverableRequest struct {
	Title string `json:"title"`
}

type CreateVariationRequest struct {
	ID                 string   `json:"id,omitempty"`
	Reference          string   `json:"reference"`
	Title              string   `json:"title"`
	CostDeltaCents     int64    `json:"cost_delta_cents,omitempty"`
	BillableDeltaCents int64    `json:"billable_delta_cents,omitempty"`
	ScheduleDeltaDays  int      `json:"schedule_delta_days,omitempty"`
	MilestoneIDs       []string `json:"milestone_ids"`
	Reason             string   `json:"reason,omitempty"`
}

type UpdateVariationRequest struct {
	Reference          *string  `json:"reference,omitempty"`
	Title              *string  `json:"title,omitempty"`
	CostDeltaCents     *int64   `json:"cost_delta_cents,omitempty"`
	BillableDeltaCents *int64   `json:"billable_delta_cents,omitempty"`
	ScheduleDeltaDays  *int     `json:"schedule_delta_days,omitempty"`
	MilestoneIDs       []string `json:"milestone_ids,omitempty"`
	Reason             *string  `json:"reason,omitempty"`
}

type CreateCertificateRequest struct {
	ID          string `json:"id,omitempty"`
	MilestoneID string `json:"milestone_id"`
	Reference   string `json:"reference"`
}

type CreateTimeEntryRequest struct {
	ID            string `json:"id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	DeliverableID string `json:"deliverable_id,omitempty"`
	EntryDate     string `json:"entry_date" format:"date"`
	Minutes       int    `json:"minutes"`
	Notes         string `json:"notes,omitempty"`
}

type UpdateTimeEntryRequest struct {
	DeliverableID *string `json:"deliverable_id,omitempty"`
	EntryDate     *string `json:"entry_date,omitempty" format:"date"`
	Minutes       *int    `json:"minutes,omitempty"`
	Notes         *string `json:"notes,omitempty"`
}

type ActionRequest struct {
	Action  string `json:"action" enum:"start,submit,complete_review,return,sign,reject,approve"`
	Comment string `json:"comment,omitempty"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

type OrgConfigRequest struct {
	YAML string `json:"yaml"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id,omitempty"`
}

// Response payloads

type PermissionCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule,omitempty"`
}

type WhoAmIResponse struct {
	UserID       string            `json:"user_id"`
	Name         string            `json:"name,omitempty"`
	SystemAdmin  bool              `json:"system_admin"`
	OrgID        string            `json:"org_id,omitempty"`
	OrgRole      string            `json:"org_role,omitempty"`
	ProjectRoles map[string]string `json:"project_roles"`
	Source       string            `json:"source"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIKeyResponse never carries the key hash.
type APIKeyResponse struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Name       string  `json:"name,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}

type CreatedAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

type OrgConfigResponse struct {
	OrgID string `json:"org_id"`
	YAML  string `json:"yaml"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedMilestones struct {
	Items      []domain.Milestone `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedDeliverables struct {
	Items      []domain.Deliverable `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedVariations struct {
	Items      []domain.Variation `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedCertificates struct {
	Items      []domain.Certificate `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OrgID:      e.OrgID,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:         k.ID,
		UserID:     k.UserID,
		Name:       k.Name,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
	}
}

func mapAPIKeys(items []domain.APIKey) []APIKeyResponse {
	res := make([]APIKeyResponse, 0, len(items))
	for _, k := range items {
		res = append(res, apiKeyResponse(k))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
