package pactlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pactline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Milestone represents the API milestone model (partial).
type Milestone struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	Reference     string `json:"reference"`
	Title         string `json:"title"`
	Status        string `json:"status"`
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
	CostCents     int64  `json:"cost_cents"`
	BillableCents int64  `json:"billable_cents"`
}

// BaselineSnapshot is the current baseline, folded from version history
// on the server at read time.
type BaselineSnapshot struct {
	MilestoneID   string `json:"milestone_id"`
	Version       int    `json:"version"`
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
	CostCents     int64  `json:"cost_cents"`
	BillableCents int64  `json:"billable_cents"`
}

// BaselineVersion is one append-only history row.
type BaselineVersion struct {
	ID                 string  `json:"id"`
	MilestoneID        string  `json:"milestone_id"`
	Version            int     `json:"version"`
	VariationID        *string `json:"variation_id,omitempty"`
	StartDate          string  `json:"start_date,omitempty"`
	EndDate            string  `json:"end_date,omitempty"`
	CostCents          int64   `json:"cost_cents"`
	BillableCents      int64   `json:"billable_cents"`
	CostDeltaCents     int64   `json:"cost_delta_cents"`
	BillableDeltaCents int64   `json:"billable_delta_cents"`
	ScheduleDeltaDays  int     `json:"schedule_delta_days"`
	CreatedAt          string  `json:"created_at"`
}

// ActionResult reports what a workflow action did.
type ActionResult struct {
	EntityType        string   `json:"entity_type"`
	EntityID          string   `json:"entity_id"`
	NewState          string   `json:"new_state"`
	SignatureRecorded bool     `json:"signature_recorded"`
	AlreadyDone       bool     `json:"already_done"`
	SideEffects       []string `json:"side_effects,omitempty"`
}

// LifecycleResult reports a soft-delete, restore, or purge.
// DependentCount warns how many live child records still reference a
// freshly tombstoned one.
type LifecycleResult struct {
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	State          string `json:"state"`
	AlreadyDone    bool   `json:"already_done"`
	DependentCount int    `json:"dependent_count,omitempty"`
}

// PermissionDecision is the answer to a dry-run permission check.
type PermissionDecision struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule,omitempty"`
}

// Identity describes the authenticated caller.
type Identity struct {
	UserID       string            `json:"user_id"`
	Name         string            `json:"name,omitempty"`
	SystemAdmin  bool              `json:"system_admin"`
	OrgID        string            `json:"org_id,omitempty"`
	OrgRole      string            `json:"org_role,omitempty"`
	ProjectRoles map[string]string `json:"project_roles"`
	Source       string            `json:"source"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateMilestone creates a draft milestone.
func (c *Client) CreateMilestone(ctx context.Context, reference, title string, costCents, billableCents int64) (Milestone, error) {
	body := map[string]any{
		"reference":      reference,
		"title":          title,
		"cost_cents":     costCents,
		"billable_cents": billableCents,
	}
	var resp Milestone
	err := c.do(ctx, http.MethodPost, c.projectPath("milestones"), body, &resp)
	return resp, err
}

// Milestone fetches a milestone by id.
func (c *Client) Milestone(ctx context.Context, id string) (Milestone, error) {
	var resp Milestone
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Action applies a workflow action to a record. Collection is the wire
// name (milestones, deliverables, variations, certificates, time-entries).
func (c *Client) Action(ctx context.Context, collection, id, action, comment string) (ActionResult, error) {
	body := map[string]any{"action": action}
	if comment != "" {
		body["comment"] = comment
	}
	var resp ActionResult
	endpoint := c.projectPath(fmt.Sprintf("%s/%s/actions", collection, url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Sign records the caller's signature on a record.
func (c *Client) Sign(ctx context.Context, collection, id, comment string) (ActionResult, error) {
	return c.Action(ctx, collection, id, "sign", comment)
}

// Baseline returns the current baseline for a milestone.
func (c *Client) Baseline(ctx context.Context, milestoneID string) (BaselineSnapshot, error) {
	var resp BaselineSnapshot
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s/baseline", url.PathEscape(milestoneID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// BaselineHistory returns the append-only version history for a milestone.
func (c *Client) BaselineHistory(ctx context.Context, milestoneID string) ([]BaselineVersion, error) {
	var resp []BaselineVersion
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s/baseline/history", url.PathEscape(milestoneID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CheckPermission evaluates a permission without performing the action.
func (c *Client) CheckPermission(ctx context.Context, entityType, action, recordID string) (PermissionDecision, error) {
	q := url.Values{}
	q.Set("entity_type", entityType)
	q.Set("action", action)
	if recordID != "" {
		q.Set("record_id", recordID)
	}
	var resp PermissionDecision
	endpoint := c.projectPath("permissions/check") + "?" + q.Encode()
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WhoAmI returns the caller's identity and roles.
func (c *Client) WhoAmI(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp, err
}

// SoftDelete tombstones a record.
func (c *Client) SoftDelete(ctx context.Context, collection, id string) (LifecycleResult, error) {
	var resp LifecycleResult
	endpoint := c.projectPath(fmt.Sprintf("%s/%s", collection, url.PathEscape(id)))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// Restore brings a tombstoned record back.
func (c *Client) Restore(ctx context.Context, collection, id string) (LifecycleResult, error) {
	var resp LifecycleResult
	endpoint := c.projectPath(fmt.Sprintf("%s/%s/restore", collection, url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// Purge permanently removes a tombstoned record.
func (c *Client) Purge(ctx context.Context, collection, id string) (LifecycleResult, error) {
	var resp LifecycleResult
	endpoint := c.projectPath(fmt.Sprintf("%s/%s/purge", collection, url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
