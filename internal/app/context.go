package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pactline/internal/config"
	"pactline/internal/domain"
	"pactline/internal/repo"
)

// ResolveOrgAndConfig picks the active organisation and ensures an org + config
// exist in DB, seeding defaults if missing. It prefers the override, then the
// single org present in the workspace. An overridden org that does not exist
// yet is bootstrapped on the fly with the invoking actor as its first admin.
func ResolveOrgAndConfig(ctx context.Context, orgOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	orgID := orgOverride
	if orgID == "" {
		orgs, err := r.ListOrgs(ctx)
		if err != nil {
			return "", nil, err
		}
		switch len(orgs) {
		case 1:
			orgID = orgs[0].ID
		case 0:
			return "", nil, fmt.Errorf("organisation not specified; use --org")
		default:
			return "", nil, fmt.Errorf("multiple organisations in workspace; use --org")
		}
	}
	seedCfg := config.Default(orgID)

	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := bootstrapOrg(ctx, r, orgID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetOrgConfig(ctx, orgID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertOrgConfig(ctx, orgID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed org config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Organisation.ID = orgID
	return orgID, cfg, nil
}

// bootstrapOrg inserts a minimal org/config/admin footprint using the seed config.
// The invoking actor is promoted to system admin so a fresh workspace is
// administrable without a prior user record.
func bootstrapOrg(ctx context.Context, r repo.Repo, orgID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(orgID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertOrg(ctx, tx, domain.Organisation{
		ID:        orgID,
		Name:      orgID,
		Active:    true,
		Tier:      "standard",
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("insert org: %w", err)
	}
	if err := r.UpsertOrgConfigTx(ctx, tx, orgID, seedCfg); err != nil {
		return fmt.Errorf("insert org config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureUser(ctx, tx, actorID, actorID, now); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET system_admin=1 WHERE id=?`, actorID); err != nil {
		return fmt.Errorf("promote user: %w", err)
	}
	if _, err := r.UpsertOrgMembershipTx(ctx, tx, domain.OrgMembership{
		UserID:    actorID,
		OrgID:     orgID,
		Role:      "org_admin",
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("grant org role: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}
