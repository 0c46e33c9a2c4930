package domain

// Role names for organisation memberships.
const (
	OrgRoleAdmin  = "org_admin"
	OrgRoleMember = "org_member"
)

// Role names for project memberships.
const (
	RoleAdmin           = "admin"
	RoleSupplierPM      = "supplier_pm"
	RoleSupplierFinance = "supplier_finance"
	RoleCustomerPM      = "customer_pm"
	RoleCustomerFinance = "customer_finance"
	RoleContributor     = "contributor"
	RoleViewer          = "viewer"
)

// Entity kind names used by permissions, workflow actions, and events.
const (
	KindOrganisation = "organisation"
	KindProject      = "project"
	KindMembership   = "membership"
	KindMilestone    = "milestone"
	KindDeliverable  = "deliverable"
	KindVariation    = "variation"
	KindCertificate  = "certificate"
	KindTimeEntry    = "time_entry"
	KindBaseline     = "baseline"
	KindEvent        = "event"
	KindAPIKey       = "api_key"
)

type User struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	SystemAdmin bool   `json:"system_admin"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Organisation struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Active       bool   `json:"active"`
	Tier         string `json:"tier,omitempty"`
	SettingsJSON string `json:"settings_json,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type OrgMembership struct {
	UserID    string `json:"user_id"`
	OrgID     string `json:"org_id"`
	Role      string `json:"role" enum:"org_admin,org_member"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Project struct {
	ID           string  `json:"id"`
	OrgID        *string `json:"org_id,omitempty"`
	Reference    string  `json:"reference"`
	Name         string  `json:"name"`
	BudgetCents  int64   `json:"budget_cents"`
	Currency     string  `json:"currency,omitempty"`
	SettingsJSON string  `json:"settings_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type ProjectMembership struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Role      string `json:"role" enum:"admin,supplier_pm,supplier_finance,customer_pm,customer_finance,contributor,viewer"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Signature is one filled signing slot on a workflow entity.
type Signature struct {
	SignedBy   string `json:"signed_by"`
	SignedName string `json:"signed_name,omitempty"`
	SignedAt   string `json:"signed_at" format:"date-time"`
}

// Tombstone is the soft-delete triple carried by workflow entities.
type Tombstone struct {
	Deleted   bool    `json:"deleted"`
	DeletedAt *string `json:"deleted_at,omitempty" format:"date-time"`
	DeletedBy *string `json:"deleted_by,omitempty"`
}

type Milestone struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Reference     string     `json:"reference"`
	Title         string     `json:"title"`
	Status        string     `json:"status" enum:"draft,awaiting_supplier_sign,awaiting_customer_sign,locked"`
	StartDate     string     `json:"start_date,omitempty" format:"date"`
	EndDate       string     `json:"end_date,omitempty" format:"date"`
	CostCents     int64      `json:"cost_cents"`
	BillableCents int64      `json:"billable_cents"`
	SupplierSig   *Signature `json:"supplier_signature,omitempty"`
	CustomerSig   *Signature `json:"customer_signature,omitempty"`
	Tombstone
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Deliverable struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	MilestoneID string     `json:"milestone_id"`
	Title       string     `json:"title"`
	Status      string     `json:"status" enum:"not_started,in_progress,submitted_for_review,review_complete,returned_for_work,awaiting_supplier_sign,awaiting_customer_sign,delivered"`
	SupplierSig *Signature `json:"supplier_signature,omitempty"`
	CustomerSig *Signature `json:"customer_signature,omitempty"`
	Tombstone
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Variation struct {
	ID                 string     `json:"id"`
	ProjectID          string     `json:"project_id"`
	Reference          string     `json:"reference"`
	Title              string     `json:"title"`
	Status             string     `json:"status" enum:"draft,submitted,awaiting_supplier_sign,awaiting_customer_sign,approved,applied,rejected"`
	CostDeltaCents     int64      `json:"cost_delta_cents"`
	BillableDeltaCents int64      `json:"billable_delta_cents"`
	ScheduleDeltaDays  int        `json:"schedule_delta_days"`
	MilestoneIDs       []string   `json:"milestone_ids"`
	Reason             string     `json:"reason,omitempty"`
	CreatedBy          string     `json:"created_by"`
	SupplierSig        *Signature `json:"supplier_signature,omitempty"`
	CustomerSig        *Signature `json:"customer_signature,omitempty"`
	Tombstone
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Certificate struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	MilestoneID string     `json:"milestone_id"`
	Reference   string     `json:"reference"`
	Status      string     `json:"status" enum:"pending,awaiting_supplier_sign,awaiting_customer_sign,accepted"`
	SupplierSig *Signature `json:"supplier_signature,omitempty"`
	CustomerSig *Signature `json:"customer_signature,omitempty"`
	Tombstone
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type TimeEntry struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	UserID        string     `json:"user_id"`
	DeliverableID *string    `json:"deliverable_id,omitempty"`
	EntryDate     string     `json:"entry_date" format:"date"`
	Minutes       int        `json:"minutes"`
	Notes         string     `json:"notes,omitempty"`
	Status        string     `json:"status" enum:"draft,submitted,approved"`
	ApprovalSig   *Signature `json:"approval_signature,omitempty"`
	Tombstone
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// BaselineVersion is one immutable entry in a milestone's committed
// history. Version 1 is the original lock; later versions each record
// the variation that produced them plus the deltas it applied, so the
// history can be folded without reading any other table.
type BaselineVersion struct {
	ID                 string  `json:"id"`
	MilestoneID        string  `json:"milestone_id"`
	Version            int     `json:"version"`
	VariationID        *string `json:"variation_id,omitempty"`
	StartDate          string  `json:"start_date,omitempty" format:"date"`
	EndDate            string  `json:"end_date,omitempty" format:"date"`
	CostCents          int64   `json:"cost_cents"`
	BillableCents      int64   `json:"billable_cents"`
	CostDeltaCents     int64   `json:"cost_delta_cents"`
	BillableDeltaCents int64   `json:"billable_delta_cents"`
	ScheduleDeltaDays  int     `json:"schedule_delta_days"`
	SupplierSignedBy   string  `json:"supplier_signed_by,omitempty"`
	SupplierSignedAt   string  `json:"supplier_signed_at,omitempty" format:"date-time"`
	CustomerSignedBy   string  `json:"customer_signed_by,omitempty"`
	CustomerSignedAt   string  `json:"customer_signed_at,omitempty" format:"date-time"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
}

// BaselineSnapshot is the reconciled current baseline for a milestone,
// folded from version history on every read.
type BaselineSnapshot struct {
	MilestoneID   string `json:"milestone_id"`
	Version       int    `json:"version"`
	StartDate     string `json:"start_date,omitempty" format:"date"`
	EndDate       string `json:"end_date,omitempty" format:"date"`
	CostCents     int64  `json:"cost_cents"`
	BillableCents int64  `json:"billable_cents"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"key_hash"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}
