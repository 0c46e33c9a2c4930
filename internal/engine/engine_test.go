package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pactline/internal/config"
	"pactline/internal/db"
	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/engine/access"
	"pactline/internal/engine/workflow"
	"pactline/internal/migrate"
	"pactline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func actorFor(userID string) engine.Actor {
	return engine.Actor{UserID: userID, OrgID: "acme"}
}

// newTestEnv seeds the standard cast: one org, one project, one user
// per role, plus root as system admin.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	eng, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.UpsertUser(ctx, domain.User{
		ID: "root", Name: "Root", SystemAdmin: true,
		CreatedAt: "2024-03-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed root: %v", err)
	}
	root := actorFor("root")
	if _, err := eng.CreateOrganisation(ctx, root, engine.OrgCreateOptions{ID: "acme", Name: "Acme Engineering"}); err != nil {
		t.Fatalf("create org: %v", err)
	}
	if _, err := eng.GrantOrgRole(ctx, root, engine.OrgRoleGrant{OrgID: "acme", UserID: "olive", UserName: "Olive", Role: "org_admin"}); err != nil {
		t.Fatalf("grant org admin: %v", err)
	}
	olive := actorFor("olive")
	if _, err := eng.CreateProject(ctx, olive, engine.ProjectCreateOptions{
		ID: "p1", OrgID: "acme", Reference: "PRJ-1", Name: "Refinery Upgrade", BudgetCents: 5_000_000,
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	for user, role := range map[string]string{
		"sam":  "supplier_pm",
		"finn": "supplier_finance",
		"cora": "customer_pm",
		"carl": "customer_finance",
		"cole": "contributor",
		"vera": "viewer",
	} {
		if _, err := eng.GrantProjectRole(ctx, olive, engine.ProjectRoleGrant{
			ProjectID: "p1", UserID: user, UserName: user, Role: role,
		}); err != nil {
			t.Fatalf("grant %s to %s: %v", role, user, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createMilestone(t *testing.T, id string, costCents, billableCents int64) domain.Milestone {
	t.Helper()
	m, err := env.Engine.CreateMilestone(env.Ctx, actorFor("sam"), engine.MilestoneCreateOptions{
		ID:            id,
		ProjectID:     "p1",
		Reference:     "MS-" + id,
		Title:         "Milestone " + id,
		StartDate:     "2024-03-01",
		EndDate:       "2024-04-30",
		CostCents:     costCents,
		BillableCents: billableCents,
	})
	if err != nil {
		t.Fatalf("create milestone %s: %v", id, err)
	}
	return m
}

func (env testEnv) act(t *testing.T, user, kind, id, action string) (engine.ActionResult, error) {
	t.Helper()
	return env.Engine.ApplyAction(env.Ctx, actorFor(user), engine.ActionOptions{
		EntityType: kind, EntityID: id, Action: action,
	})
}

func (env testEnv) mustAct(t *testing.T, user, kind, id, action string) engine.ActionResult {
	t.Helper()
	res, err := env.act(t, user, kind, id, action)
	if err != nil {
		t.Fatalf("%s %s on %s %s: %v", user, action, kind, id, err)
	}
	return res
}

func (env testEnv) lockMilestone(t *testing.T, id string) {
	t.Helper()
	env.mustAct(t, "sam", domain.KindMilestone, id, "sign")
	res := env.mustAct(t, "cora", domain.KindMilestone, id, "sign")
	if res.NewState != "locked" {
		t.Fatalf("milestone %s not locked after both signatures: %s", id, res.NewState)
	}
}

func (env testEnv) eventTypes(t *testing.T, entityID string) map[string]int {
	t.Helper()
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, entityID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatalf("scan event: %v", err)
		}
		counts[typ]++
	}
	return counts
}

func TestMilestoneDualSignatureLocksBaseline(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMilestone(t, "m1", 10_000, 12_000)
	if m.Status != "draft" {
		t.Fatalf("expected draft, got %s", m.Status)
	}

	res := env.mustAct(t, "sam", domain.KindMilestone, "m1", "sign")
	if res.NewState != "awaiting_customer_sign" || !res.SignatureRecorded {
		t.Fatalf("after supplier sign: %+v", res)
	}
	if len(res.SideEffects) != 0 {
		t.Fatalf("first signature must not lock: %v", res.SideEffects)
	}

	res = env.mustAct(t, "cora", domain.KindMilestone, "m1", "sign")
	if res.NewState != "locked" || !res.SignatureRecorded {
		t.Fatalf("after customer sign: %+v", res)
	}
	if len(res.SideEffects) != 1 || !strings.Contains(res.SideEffects[0], "v1") {
		t.Fatalf("expected baseline v1 side effect, got %v", res.SideEffects)
	}

	got, err := env.Engine.GetMilestone(env.Ctx, actorFor("vera"), "m1")
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if got.SupplierSig == nil || got.SupplierSig.SignedBy != "sam" {
		t.Fatalf("supplier signature missing: %+v", got.SupplierSig)
	}
	if got.CustomerSig == nil || got.CustomerSig.SignedBy != "cora" {
		t.Fatalf("customer signature missing: %+v", got.CustomerSig)
	}

	b, err := env.Engine.Baseline(env.Ctx, actorFor("vera"), "m1")
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if b.Version != 1 || b.CostCents != 10_000 || b.BillableCents != 12_000 || b.EndDate != "2024-04-30" {
		t.Fatalf("unexpected baseline: %+v", b)
	}

	history, err := env.Engine.BaselineHistory(env.Ctx, actorFor("vera"), "m1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Version != 1 || history[0].VariationID != nil {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history[0].SupplierSignedBy != "sam" || history[0].CustomerSignedBy != "cora" {
		t.Fatalf("version 1 must carry both signer ids: %+v", history[0])
	}

	// locked milestones are frozen
	title := "renamed"
	_, err = env.Engine.UpdateMilestone(env.Ctx, actorFor("sam"), "m1", engine.MilestoneUpdateOptions{Title: &title})
	var transition workflow.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error editing locked milestone, got %v", err)
	}
}

func TestMilestoneSignReplayIsBenign(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 12_000)

	// the same side signing twice before completion overwrites the slot
	// in place and does not advance state
	env.mustAct(t, "sam", domain.KindMilestone, "m1", "sign")
	res := env.mustAct(t, "sam", domain.KindMilestone, "m1", "sign")
	if res.NewState != "awaiting_customer_sign" || !res.SignatureRecorded || res.AlreadyDone {
		t.Fatalf("re-sign must overwrite without advancing: %+v", res)
	}
	got, err := env.Engine.GetMilestone(env.Ctx, actorFor("sam"), "m1")
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if got.Status != "awaiting_customer_sign" || got.SupplierSig == nil || got.SupplierSig.SignedBy != "sam" {
		t.Fatalf("overwrite must keep one supplier signature: %+v", got)
	}
	if got.CustomerSig != nil {
		t.Fatalf("customer slot must stay empty: %+v", got.CustomerSig)
	}
	if _, err := env.Engine.Baseline(env.Ctx, actorFor("sam"), "m1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("re-sign must not lock, got %v", err)
	}

	env.mustAct(t, "cora", domain.KindMilestone, "m1", "sign")

	// signing a locked milestone reports already done, no error
	res, err = env.act(t, "cora", domain.KindMilestone, "m1", "sign")
	if err != nil {
		t.Fatalf("replay after lock: %v", err)
	}
	if !res.AlreadyDone || res.NewState != "locked" || res.SignatureRecorded {
		t.Fatalf("expected benign replay, got %+v", res)
	}
	history, err := env.Engine.BaselineHistory(env.Ctx, actorFor("sam"), "m1")
	if err != nil || len(history) != 1 {
		t.Fatalf("replay must not grow history: %d %v", len(history), err)
	}
}

func TestViewerSignDeniedWithoutStateChange(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 12_000)

	_, err := env.act(t, "vera", domain.KindMilestone, "m1", "sign")
	var denied access.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected denied error, got %v", err)
	}
	if denied.Rule != access.RuleNoMatch {
		t.Fatalf("expected no_matching_rule, got %s", denied.Rule)
	}

	got, err := env.Engine.GetMilestone(env.Ctx, actorFor("vera"), "m1")
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if got.Status != "draft" || got.SupplierSig != nil || got.CustomerSig != nil {
		t.Fatalf("denied sign must leave record untouched: %+v", got)
	}

	// contributor is equally outside the milestone sign cell
	if _, err := env.act(t, "cole", domain.KindMilestone, "m1", "sign"); !errors.As(err, &denied) {
		t.Fatalf("expected contributor denial, got %v", err)
	}
}

func TestAdminRoleHoldsNoSigningSide(t *testing.T) {
	env := newTestEnv(t)
	olive := actorFor("olive")
	if _, err := env.Engine.GrantProjectRole(env.Ctx, olive, engine.ProjectRoleGrant{
		ProjectID: "p1", UserID: "ada", UserName: "Ada", Role: "admin",
	}); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	env.createMilestone(t, "m1", 10_000, 12_000)

	// the matrix lets the admin attempt a sign, the side mapping stops it
	_, err := env.act(t, "ada", domain.KindMilestone, "m1", "sign")
	var unauthorized workflow.UnauthorizedSignerError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("expected unauthorized signer, got %v", err)
	}
}

func TestVariationAppliesBySummation(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 12_000)
	env.lockMilestone(t, "m1")

	v, err := env.Engine.CreateVariation(env.Ctx, actorFor("sam"), engine.VariationCreateOptions{
		ID:                 "v1",
		ProjectID:          "p1",
		Reference:          "VAR-1",
		Title:              "Scope growth",
		CostDeltaCents:     2_000,
		BillableDeltaCents: 2_500,
		ScheduleDeltaDays:  14,
		MilestoneIDs:       []string{"m1"},
		Reason:             "extra groundwork",
	})
	if err != nil {
		t.Fatalf("create variation: %v", err)
	}
	if v.Status != "draft" {
		t.Fatalf("expected draft, got %s", v.Status)
	}

	env.mustAct(t, "sam", domain.KindVariation, "v1", "submit")
	env.mustAct(t, "sam", domain.KindVariation, "v1", "sign")
	res := env.mustAct(t, "carl", domain.KindVariation, "v1", "sign")
	if res.NewState != "applied" {
		t.Fatalf("expected applied, got %s", res.NewState)
	}
	if len(res.SideEffects) != 1 || !strings.Contains(res.SideEffects[0], "v2") {
		t.Fatalf("expected baseline v2 side effect, got %v", res.SideEffects)
	}

	b, err := env.Engine.Baseline(env.Ctx, actorFor("vera"), "m1")
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if b.Version != 2 || b.CostCents != 12_000 || b.BillableCents != 14_500 {
		t.Fatalf("summation wrong: %+v", b)
	}
	if b.EndDate != "2024-05-14" {
		t.Fatalf("schedule delta not folded into end date: %s", b.EndDate)
	}

	// the working copy moves with the baseline
	m, err := env.Engine.GetMilestone(env.Ctx, actorFor("vera"), "m1")
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.CostCents != 12_000 || m.BillableCents != 14_500 || m.EndDate != "2024-05-14" {
		t.Fatalf("working fields not updated by apply: %+v", m)
	}

	history, err := env.Engine.BaselineHistory(env.Ctx, actorFor("vera"), "m1")
	if err != nil || len(history) != 2 {
		t.Fatalf("expected two versions: %d %v", len(history), err)
	}
	v2 := history[1]
	if v2.Version != 2 || v2.VariationID == nil || *v2.VariationID != "v1" {
		t.Fatalf("version 2 must reference the variation: %+v", v2)
	}
	if v2.CostDeltaCents != 2_000 || v2.ScheduleDeltaDays != 14 {
		t.Fatalf("version 2 must carry the deltas: %+v", v2)
	}
}

func TestVariationSignReplayAddsNoVersions(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 12_000)
	env.lockMilestone(t, "m1")
	if _, err := env.Engine.CreateVariation(env.Ctx, actorFor("sam"), engine.VariationCreateOptions{
		ID: "v1", ProjectID: "p1", Reference: "VAR-1", Title: "Delta",
		CostDeltaCents: 2_000, MilestoneIDs: []string{"m1"},
	}); err != nil {
		t.Fatalf("create variation: %v", err)
	}
	env.mustAct(t, "sam", domain.KindVariation, "v1", "submit")
	env.mustAct(t, "sam", domain.KindVariation, "v1", "sign")

	// another supplier-side signer overwriting holds the slot to one
	// signature, latest signer winning
	res := env.mustAct(t, "finn", domain.KindVariation, "v1", "sign")
	if res.NewState != "awaiting_customer_sign" || !res.SignatureRecorded {
		t.Fatalf("supplier re-sign: %+v", res)
	}
	v, err := env.Engine.GetVariation(env.Ctx, actorFor("sam"), "v1")
	if err != nil || v.SupplierSig == nil || v.SupplierSig.SignedBy != "finn" {
		t.Fatalf("supplier slot must carry the latest signer: %+v %v", v.SupplierSig, err)
	}

	env.mustAct(t, "cora", domain.KindVariation, "v1", "sign")

	res, err = env.act(t, "cora", domain.KindVariation, "v1", "sign")
	if err != nil || !res.AlreadyDone || res.NewState != "applied" {
		t.Fatalf("expected benign replay, got %+v %v", res, err)
	}
	history, err := env.Engine.BaselineHistory(env.Ctx, actorFor("sam"), "m1")
	if err != nil || len(history) != 2 {
		t.Fatalf("replay must not append versions: %d %v", len(history), err)
	}
}

func TestVariationRequiresLockedMilestones(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 12_000)
	if _, err := env.Engine.CreateVariation(env.Ctx, actorFor("sam"), engine.VariationCreateOptions{
		ID: "v1", ProjectID: "p1", Reference: "VAR-1", Title: "Too early",
		CostDeltaCents: 500, MilestoneIDs: []string{"m1"},
	}); err != nil {
		t.Fatalf("create variation: %v", err)
	}
	env.mustAct(t, "sam", domain.KindVariation, "v1", "submit")
	env.mustAct(t, "sam", domain.KindVariation, "v1", "sign")

	_, err := env.act(t, "cora", domain.KindVariation, "v1", "sign")
	var prereq workflow.PrerequisiteError
	if !errors.As(err, &prereq) {
		t.Fatalf("expected prerequisite error, got %v", err)
	}
	if !strings.Contains(prereq.Requirement, "must be locked") {
		t.Fatalf("requirement should name the unlocked milestone: %s", prereq.Requirement)
	}

	// the completing signature rolled back with its side effect
	v, err := env.Engine.GetVariation(env.Ctx, actorFor("sam"), "v1")
	if err != nil {
		t.Fatalf("get variation: %v", err)
	}
	if v.Status != "awaiting_customer_sign" || v.CustomerSig != nil {
		t.Fatalf("failed apply must leave variation unsigned: %+v", v)
	}
	if _, err := env.Engine.Baseline(env.Ctx, actorFor("sam"), "m1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("no baseline may exist before lock, got %v", err)
	}
}

func TestVariationAtomicAcrossMilestones(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 0)
	env.createMilestone(t, "m2", 20_000, 0)
	env.lockMilestone(t, "m1")
	// m2 stays draft

	if _, err := env.Engine.CreateVariation(env.Ctx, actorFor("sam"), engine.VariationCreateOptions{
		ID: "v1", ProjectID: "p1", Reference: "VAR-1", Title: "Both",
		CostDeltaCents: 1_000, MilestoneIDs: []string{"m1", "m2"},
	}); err != nil {
		t.Fatalf("create variation: %v", err)
	}
	env.mustAct(t, "sam", domain.KindVariation, "v1", "submit")
	env.mustAct(t, "sam", domain.KindVariation, "v1", "sign")
	if _, err := env.act(t, "cora", domain.KindVariation, "v1", "sign"); err == nil {
		t.Fatalf("expected apply blocked by draft milestone")
	}

	// neither milestone gained a version
	history, err := env.Engine.BaselineHistory(env.Ctx, actorFor("sam"), "m1")
	if err != nil || len(history) != 1 {
		t.Fatalf("m1 history grew on failed apply: %d %v", len(history), err)
	}

	env.lockMilestone(t, "m2")
	env.mustAct(t, "cora", domain.KindVariation, "v1", "sign")
	for _, msID := range []string{"m1", "m2"} {
		b, err := env.Engine.Baseline(env.Ctx, actorFor("sam"), msID)
		if err != nil || b.Version != 2 {
			t.Fatalf("milestone %s missing applied version: %+v %v", msID, b, err)
		}
	}
}

func TestVariationRejection(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 0)
	env.lockMilestone(t, "m1")
	if _, err := env.Engine.CreateVariation(env.Ctx, actorFor("cora"), engine.VariationCreateOptions{
		ID: "v1", ProjectID: "p1", Reference: "VAR-1", Title: "Unwanted",
		CostDeltaCents: 9_000, MilestoneIDs: []string{"m1"},
	}); err != nil {
		t.Fatalf("create variation: %v", err)
	}
	env.mustAct(t, "cora", domain.KindVariation, "v1", "submit")
	env.mustAct(t, "sam", domain.KindVariation, "v1", "sign")
	res := env.mustAct(t, "finn", domain.KindVariation, "v1", "reject")
	if res.NewState != "rejected" {
		t.Fatalf("expected rejected, got %s", res.NewState)
	}
	// rejected is terminal and never touches baselines
	if _, err := env.act(t, "cora", domain.KindVariation, "v1", "sign"); err == nil {
		t.Fatalf("expected terminal refusal")
	}
	history, err := env.Engine.BaselineHistory(env.Ctx, actorFor("sam"), "m1")
	if err != nil || len(history) != 1 {
		t.Fatalf("rejected variation must not append versions: %d %v", len(history), err)
	}
}

func TestDeliverableReviewLoop(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 0)
	d, err := env.Engine.CreateDeliverable(env.Ctx, actorFor("cole"), engine.DeliverableCreateOptions{
		ID: "d1", ProjectID: "p1", MilestoneID: "m1", Title: "Design pack",
	})
	if err != nil {
		t.Fatalf("create deliverable: %v", err)
	}
	if d.Status != "not_started" {
		t.Fatalf("expected not_started, got %s", d.Status)
	}

	// submit straight from not_started is not a legal move
	if _, err := env.act(t, "cole", domain.KindDeliverable, "d1", "submit"); err == nil {
		t.Fatalf("expected transition refusal")
	}

	env.mustAct(t, "cole", domain.KindDeliverable, "d1", "start")
	env.mustAct(t, "cole", domain.KindDeliverable, "d1", "submit")
	res := env.mustAct(t, "cora", domain.KindDeliverable, "d1", "return")
	if res.NewState != "returned_for_work" {
		t.Fatalf("expected returned_for_work, got %s", res.NewState)
	}
	env.mustAct(t, "cole", domain.KindDeliverable, "d1", "start")
	env.mustAct(t, "cole", domain.KindDeliverable, "d1", "submit")
	res = env.mustAct(t, "cora", domain.KindDeliverable, "d1", "complete_review")
	if res.NewState != "review_complete" {
		t.Fatalf("expected review_complete, got %s", res.NewState)
	}

	// contributor may not run the review
	var denied access.DeniedError
	if _, err := env.act(t, "cole", domain.KindDeliverable, "d1", "sign"); err == nil {
		t.Fatalf("expected contributor sign denial")
	} else if !errors.As(err, &denied) {
		t.Fatalf("expected denied error, got %v", err)
	}

	env.mustAct(t, "sam", domain.KindDeliverable, "d1", "sign")
	res = env.mustAct(t, "cora", domain.KindDeliverable, "d1", "sign")
	if res.NewState != "delivered" {
		t.Fatalf("expected delivered, got %s", res.NewState)
	}
}

func TestCertificateRequiresDeliveredDeliverables(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 0)
	env.lockMilestone(t, "m1")
	if _, err := env.Engine.CreateDeliverable(env.Ctx, actorFor("sam"), engine.DeliverableCreateOptions{
		ID: "d1", ProjectID: "p1", MilestoneID: "m1", Title: "Handover pack",
	}); err != nil {
		t.Fatalf("create deliverable: %v", err)
	}
	if _, err := env.Engine.CreateCertificate(env.Ctx, actorFor("sam"), engine.CertificateCreateOptions{
		ID: "c1", ProjectID: "p1", MilestoneID: "m1", Reference: "CERT-1",
	}); err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	_, err := env.act(t, "sam", domain.KindCertificate, "c1", "sign")
	var prereq workflow.PrerequisiteError
	if !errors.As(err, &prereq) {
		t.Fatalf("expected prerequisite error, got %v", err)
	}
	if !strings.Contains(prereq.Requirement, "d1") || !strings.Contains(prereq.Requirement, "must be delivered") {
		t.Fatalf("requirement should name the deliverable: %s", prereq.Requirement)
	}
	c, err := env.Engine.GetCertificate(env.Ctx, actorFor("sam"), "c1")
	if err != nil || c.Status != "pending" || c.SupplierSig != nil {
		t.Fatalf("blocked sign must not record a signature: %+v %v", c, err)
	}

	env.mustAct(t, "cole", domain.KindDeliverable, "d1", "start")
	env.mustAct(t, "cole", domain.KindDeliverable, "d1", "submit")
	env.mustAct(t, "cora", domain.KindDeliverable, "d1", "complete_review")
	env.mustAct(t, "sam", domain.KindDeliverable, "d1", "sign")
	env.mustAct(t, "cora", domain.KindDeliverable, "d1", "sign")

	env.mustAct(t, "finn", domain.KindCertificate, "c1", "sign")
	res := env.mustAct(t, "carl", domain.KindCertificate, "c1", "sign")
	if res.NewState != "accepted" {
		t.Fatalf("expected accepted, got %s", res.NewState)
	}
}

func TestTimeEntryApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	entry, err := env.Engine.CreateTimeEntry(env.Ctx, actorFor("cole"), engine.TimeEntryCreateOptions{
		ID: "t1", ProjectID: "p1", EntryDate: "2024-03-04", Minutes: 480, Notes: "site survey",
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if entry.UserID != "cole" || entry.Status != "draft" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	env.mustAct(t, "cole", domain.KindTimeEntry, "t1", "submit")
	// contributors cannot approve, not even their own
	if _, err := env.act(t, "cole", domain.KindTimeEntry, "t1", "approve"); err == nil {
		t.Fatalf("expected approval denial")
	}
	res := env.mustAct(t, "sam", domain.KindTimeEntry, "t1", "return")
	if res.NewState != "draft" {
		t.Fatalf("expected back to draft, got %s", res.NewState)
	}
	env.mustAct(t, "cole", domain.KindTimeEntry, "t1", "submit")
	res = env.mustAct(t, "sam", domain.KindTimeEntry, "t1", "approve")
	if res.NewState != "approved" {
		t.Fatalf("expected approved, got %s", res.NewState)
	}
}

func TestOwnerDraftException(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTimeEntry(env.Ctx, actorFor("cole"), engine.TimeEntryCreateOptions{
		ID: "t1", ProjectID: "p1", EntryDate: "2024-03-04", Minutes: 60,
	}); err != nil {
		t.Fatalf("create entry: %v", err)
	}

	// the contributor role has no edit cell; ownership of the draft does
	minutes := 90
	if _, err := env.Engine.UpdateTimeEntry(env.Ctx, actorFor("cole"), "t1", engine.TimeEntryUpdateOptions{Minutes: &minutes}); err != nil {
		t.Fatalf("owner edit of own draft: %v", err)
	}

	d, err := env.Engine.CanPerform(env.Ctx, actorFor("cole"), "p1", domain.KindTimeEntry, "edit",
		&access.RecordRef{ID: "t1", ProjectID: "p1", OwnerID: "cole", OwnerDraft: true})
	if err != nil || !d.Allowed || d.Rule != access.RuleOwner {
		t.Fatalf("expected owner rule, got %+v %v", d, err)
	}

	// once submitted the exception lapses
	env.mustAct(t, "cole", domain.KindTimeEntry, "t1", "submit")
	var denied access.DeniedError
	if _, err := env.Engine.UpdateTimeEntry(env.Ctx, actorFor("cole"), "t1", engine.TimeEntryUpdateOptions{Minutes: &minutes}); !errors.As(err, &denied) {
		t.Fatalf("expected denial after submit, got %v", err)
	}

	// ownership never crosses users
	if _, err := env.Engine.CreateTimeEntry(env.Ctx, actorFor("sam"), engine.TimeEntryCreateOptions{
		ID: "t2", ProjectID: "p1", EntryDate: "2024-03-05", Minutes: 30,
	}); err != nil {
		t.Fatalf("create sam entry: %v", err)
	}
	if _, err := env.Engine.UpdateTimeEntry(env.Ctx, actorFor("cole"), "t2", engine.TimeEntryUpdateOptions{Minutes: &minutes}); err == nil {
		t.Fatalf("expected denial editing another user's entry")
	}
}

func TestContributorSeesOwnTimeOnly(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTimeEntry(env.Ctx, actorFor("cole"), engine.TimeEntryCreateOptions{
		ID: "t1", ProjectID: "p1", EntryDate: "2024-03-04", Minutes: 60,
	}); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := env.Engine.CreateTimeEntry(env.Ctx, actorFor("sam"), engine.TimeEntryCreateOptions{
		ID: "t2", ProjectID: "p1", EntryDate: "2024-03-04", Minutes: 45,
	}); err != nil {
		t.Fatalf("create entry: %v", err)
	}

	mine, err := env.Engine.ListTimeEntries(env.Ctx, actorFor("cole"), repo.TimeEntryFilters{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("list as contributor: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "t1" {
		t.Fatalf("contributor must see own entries only: %+v", mine)
	}
	if _, err := env.Engine.GetTimeEntry(env.Ctx, actorFor("cole"), "t2"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found reading another user's entry, got %v", err)
	}

	all, err := env.Engine.ListTimeEntries(env.Ctx, actorFor("sam"), repo.TimeEntryFilters{ProjectID: "p1"})
	if err != nil || len(all) != 2 {
		t.Fatalf("supplier pm must see all entries: %d %v", len(all), err)
	}
}

func TestSoftDeleteRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 12_000)
	env.lockMilestone(t, "m1")

	res, err := env.Engine.SoftDelete(env.Ctx, actorFor("sam"), domain.KindMilestone, "m1")
	if err != nil || res.State != "deleted" || res.AlreadyDone {
		t.Fatalf("soft delete: %+v %v", res, err)
	}
	if _, err := env.Engine.GetMilestone(env.Ctx, actorFor("sam"), "m1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("tombstoned record must read as not found, got %v", err)
	}
	visible, err := env.Engine.ListMilestones(env.Ctx, actorFor("sam"), repo.WorkflowFilters{ProjectID: "p1"})
	if err != nil || len(visible) != 0 {
		t.Fatalf("default list must hide tombstones: %d %v", len(visible), err)
	}
	withDeleted, err := env.Engine.ListMilestones(env.Ctx, actorFor("sam"), repo.WorkflowFilters{ProjectID: "p1", IncludeDeleted: true})
	if err != nil || len(withDeleted) != 1 || !withDeleted[0].Deleted {
		t.Fatalf("include-deleted list must show tombstones: %+v %v", withDeleted, err)
	}

	// deleting again is benign
	res, err = env.Engine.SoftDelete(env.Ctx, actorFor("sam"), domain.KindMilestone, "m1")
	if err != nil || !res.AlreadyDone {
		t.Fatalf("second delete: %+v %v", res, err)
	}

	res, err = env.Engine.Restore(env.Ctx, actorFor("sam"), domain.KindMilestone, "m1")
	if err != nil || res.State != "restored" {
		t.Fatalf("restore: %+v %v", res, err)
	}
	got, err := env.Engine.GetMilestone(env.Ctx, actorFor("sam"), "m1")
	if err != nil {
		t.Fatalf("get after restore: %v", err)
	}
	if got.Status != "locked" || got.SupplierSig == nil || got.CustomerSig == nil {
		t.Fatalf("restore must return the record as it was: %+v", got)
	}

	// restoring a live record is a refusal, not a no-op
	var notDeleted engine.NotDeletedError
	if _, err := env.Engine.Restore(env.Ctx, actorFor("sam"), domain.KindMilestone, "m1"); !errors.As(err, &notDeleted) {
		t.Fatalf("expected not-deleted error, got %v", err)
	}
}

func TestPurgeIsTwoStepAndGuarded(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 0)
	env.lockMilestone(t, "m1")

	// purge refuses records that are not tombstoned
	var notDeleted engine.NotDeletedError
	if _, err := env.Engine.Purge(env.Ctx, actorFor("olive"), domain.KindMilestone, "m1"); !errors.As(err, &notDeleted) {
		t.Fatalf("expected not-deleted error, got %v", err)
	}

	// applied variations are permanent
	if _, err := env.Engine.CreateVariation(env.Ctx, actorFor("sam"), engine.VariationCreateOptions{
		ID: "v1", ProjectID: "p1", Reference: "VAR-1", Title: "Delta",
		CostDeltaCents: 100, MilestoneIDs: []string{"m1"},
	}); err != nil {
		t.Fatalf("create variation: %v", err)
	}
	env.mustAct(t, "sam", domain.KindVariation, "v1", "submit")
	env.mustAct(t, "sam", domain.KindVariation, "v1", "sign")
	env.mustAct(t, "cora", domain.KindVariation, "v1", "sign")
	if _, err := env.Engine.SoftDelete(env.Ctx, actorFor("sam"), domain.KindVariation, "v1"); err != nil {
		t.Fatalf("delete applied variation: %v", err)
	}
	var blocked engine.PurgeBlockedError
	if _, err := env.Engine.Purge(env.Ctx, actorFor("olive"), domain.KindVariation, "v1"); !errors.As(err, &blocked) {
		t.Fatalf("expected purge blocked, got %v", err)
	}

	// a draft variation with no baseline footprint purges cleanly
	if _, err := env.Engine.CreateVariation(env.Ctx, actorFor("sam"), engine.VariationCreateOptions{
		ID: "v2", ProjectID: "p1", Reference: "VAR-2", Title: "Abandoned",
		CostDeltaCents: 100, MilestoneIDs: []string{"m1"},
	}); err != nil {
		t.Fatalf("create variation: %v", err)
	}
	if _, err := env.Engine.SoftDelete(env.Ctx, actorFor("sam"), domain.KindVariation, "v2"); err != nil {
		t.Fatalf("delete draft variation: %v", err)
	}
	// purge is an admin-tier action
	var denied access.DeniedError
	if _, err := env.Engine.Purge(env.Ctx, actorFor("sam"), domain.KindVariation, "v2"); !errors.As(err, &denied) {
		t.Fatalf("expected purge denial for supplier pm, got %v", err)
	}
	res, err := env.Engine.Purge(env.Ctx, actorFor("olive"), domain.KindVariation, "v2")
	if err != nil || res.State != "purged" {
		t.Fatalf("purge: %+v %v", res, err)
	}
	if _, err := env.Engine.GetVariation(env.Ctx, actorFor("sam"), "v2"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("purged record must be gone, got %v", err)
	}

	// milestones with live dependents stay
	if _, err := env.Engine.CreateDeliverable(env.Ctx, actorFor("sam"), engine.DeliverableCreateOptions{
		ID: "d1", ProjectID: "p1", MilestoneID: "m1", Title: "Still live",
	}); err != nil {
		t.Fatalf("create deliverable: %v", err)
	}
	del, err := env.Engine.SoftDelete(env.Ctx, actorFor("sam"), domain.KindMilestone, "m1")
	if err != nil {
		t.Fatalf("delete milestone: %v", err)
	}
	if del.DependentCount != 1 {
		t.Fatalf("delete must surface the live deliverable as a dependent: %+v", del)
	}
	if _, err := env.Engine.Purge(env.Ctx, actorFor("olive"), domain.KindMilestone, "m1"); !errors.As(err, &blocked) {
		t.Fatalf("expected dependent guard, got %v", err)
	}

	// tombstoning a child is not enough; its row must be purged first
	if _, err := env.Engine.SoftDelete(env.Ctx, actorFor("sam"), domain.KindDeliverable, "d1"); err != nil {
		t.Fatalf("delete deliverable: %v", err)
	}
	if _, err := env.Engine.Purge(env.Ctx, actorFor("olive"), domain.KindMilestone, "m1"); !errors.As(err, &blocked) {
		t.Fatalf("expected tombstoned deliverable to block, got %v", err)
	}
	if _, err := env.Engine.Purge(env.Ctx, actorFor("olive"), domain.KindDeliverable, "d1"); err != nil {
		t.Fatalf("purge deliverable: %v", err)
	}

	// the applied variation still targets m1, and being applied it can
	// never be purged, so the milestone and its history stay for good
	if _, err := env.Engine.Purge(env.Ctx, actorFor("olive"), domain.KindMilestone, "m1"); !errors.As(err, &blocked) {
		t.Fatalf("expected variation link to block, got %v", err)
	}
}

func TestDecisionRulesAndOverrides(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 0)

	// system admin passes everything
	d, err := env.Engine.CanPerform(env.Ctx, actorFor("root"), "p1", domain.KindMilestone, "purge", nil)
	if err != nil || !d.Allowed || d.Rule != access.RuleSystemAdmin {
		t.Fatalf("system admin: %+v %v", d, err)
	}

	// org admin holds the admin role on every project in the org
	d, err = env.Engine.CanPerform(env.Ctx, actorFor("olive"), "p1", domain.KindMilestone, "create", nil)
	if err != nil || !d.Allowed || d.Rule != access.RuleOrgAdmin {
		t.Fatalf("org admin: %+v %v", d, err)
	}
	if _, err := env.Engine.CreateMilestone(env.Ctx, actorFor("olive"), engine.MilestoneCreateOptions{
		ID: "m2", ProjectID: "p1", Reference: "MS-2", Title: "By org admin",
	}); err != nil {
		t.Fatalf("org admin create: %v", err)
	}

	// project role matches carry the role name
	d, err = env.Engine.CanPerform(env.Ctx, actorFor("sam"), "p1", domain.KindMilestone, "edit", nil)
	if err != nil || !d.Allowed || d.Rule != "role:supplier_pm" {
		t.Fatalf("project role: %+v %v", d, err)
	}

	// a role outside the cell is an ordinary refusal
	d, err = env.Engine.CanPerform(env.Ctx, actorFor("vera"), "p1", domain.KindMilestone, "edit", nil)
	if err != nil || d.Allowed || d.Rule != access.RuleNoMatch {
		t.Fatalf("viewer edit: %+v %v", d, err)
	}

	// no membership anywhere is its own rule
	d, err = env.Engine.CanPerform(env.Ctx, actorFor("stranger"), "p1", domain.KindMilestone, "view", nil)
	if err != nil || d.Allowed || d.Rule != access.RuleNoActiveMembership {
		t.Fatalf("stranger: %+v %v", d, err)
	}

	// unknown cells are malformed input, not denials
	if _, err := env.Engine.CanPerform(env.Ctx, actorFor("sam"), "p1", domain.KindMilestone, "frobnicate", nil); err == nil {
		t.Fatalf("expected unknown action error")
	}
}

func TestCheckPermissionLoadsOwnership(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTimeEntry(env.Ctx, actorFor("cole"), engine.TimeEntryCreateOptions{
		ID: "t1", ProjectID: "p1", EntryDate: "2024-03-04", Minutes: 60,
	}); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	d, err := env.Engine.CheckPermission(env.Ctx, actorFor("cole"), "", domain.KindTimeEntry, "edit", "t1")
	if err != nil || !d.Allowed || d.Rule != access.RuleOwner {
		t.Fatalf("check with record: %+v %v", d, err)
	}
	d, err = env.Engine.CheckPermission(env.Ctx, actorFor("cole"), "p1", domain.KindTimeEntry, "edit", "")
	if err != nil || d.Allowed {
		t.Fatalf("check without record must not grant ownership: %+v %v", d, err)
	}
}

func TestEventTrailPerEntity(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 0)
	env.lockMilestone(t, "m1")
	if _, err := env.Engine.SoftDelete(env.Ctx, actorFor("sam"), domain.KindMilestone, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Restore(env.Ctx, actorFor("sam"), domain.KindMilestone, "m1"); err != nil {
		t.Fatalf("restore: %v", err)
	}

	counts := env.eventTypes(t, "m1")
	for typ, want := range map[string]int{
		"milestone.created":  1,
		"milestone.signed":   2,
		"milestone.locked":   1,
		"milestone.deleted":  1,
		"milestone.restored": 1,
	} {
		if counts[typ] != want {
			t.Fatalf("expected %d %s events, got %d (%v)", want, typ, counts[typ], counts)
		}
	}

	// project members read the project trail
	events, err := env.Engine.EventLog(env.Ctx, actorFor("vera"), engine.EventFilters{ProjectID: "p1"})
	if err != nil || len(events) == 0 {
		t.Fatalf("project trail read: %d %v", len(events), err)
	}

	// org and instance tiers stay closed to project members
	if _, err := env.Engine.EventLog(env.Ctx, actorFor("vera"), engine.EventFilters{OrgID: "acme"}); err == nil {
		t.Fatalf("expected org trail denial for viewer")
	}
	if _, err := env.Engine.EventLog(env.Ctx, actorFor("olive"), engine.EventFilters{}); err == nil {
		t.Fatalf("expected unscoped trail denial for org admin")
	}
	if _, err := env.Engine.EventLog(env.Ctx, actorFor("root"), engine.EventFilters{}); err != nil {
		t.Fatalf("system admin unscoped read: %v", err)
	}
}

func TestBaselineHistoryGapsRefuseToFold(t *testing.T) {
	env := newTestEnv(t)
	env.createMilestone(t, "m1", 10_000, 0)
	env.lockMilestone(t, "m1")

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM baseline_versions WHERE milestone_id='m1' AND version=1`); err != nil {
		t.Fatalf("drop version: %v", err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`INSERT INTO baseline_versions (id, milestone_id, version, start_date, end_date, cost_cents, billable_cents, cost_delta_cents, billable_delta_cents, schedule_delta_days, created_at)
		 VALUES ('bv-x', 'm1', 3, '', '', 0, 0, 500, 0, 0, '2024-03-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert orphan version: %v", err)
	}
	_, err := env.Engine.Baseline(env.Ctx, actorFor("sam"), "m1")
	if err == nil || !strings.Contains(err.Error(), "missing version 1") {
		t.Fatalf("expected missing version 1, got %v", err)
	}
}
