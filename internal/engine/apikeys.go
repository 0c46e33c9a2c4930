package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"pactline/internal/domain"
	"pactline/internal/events"
	"pactline/internal/repo"
)

// APIKeyCreateOptions name a key and optionally mint it for another
// user, which is a system-admin operation.
type APIKeyCreateOptions struct {
	UserID string
	Name   string
}

// CreateAPIKey mints an API key. The plaintext is returned exactly
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actor Actor, opts APIKeyCreateOptions) (domain.APIKey, string, error) {
	userID := opts.UserID
	if userID == "" {
		userID = actor.UserID
	}
	if userID != actor.UserID {
		if err := e.requireSystemAdmin(ctx, actor, "create api keys for other users"); err != nil {
			return domain.APIKey{}, "", err
		}
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.APIKey{}, "", fmt.Errorf("user %s not found", userID)
		}
		return domain.APIKey{}, "", err
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", err
	}
	plaintext := "plk_" + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        newID(),
		UserID:    userID,
		Name:      opts.Name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "api_key.created", "", "", domain.KindAPIKey, key.ID, actor.UserID, events.EventPayload{"user_id": userID}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", wrapTransient(err)
	}
	return key, plaintext, nil
}

// APIKeys lists the actor's keys. System admins may list any user's
// keys by passing userID.
func (e Engine) APIKeys(ctx context.Context, actor Actor, userID string) ([]domain.APIKey, error) {
	if userID == "" {
		userID = actor.UserID
	}
	if userID != actor.UserID {
		if err := e.requireSystemAdmin(ctx, actor, "list api keys for other users"); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListAPIKeys(ctx, userID)
}

// DeleteAPIKey revokes a key. Owners revoke their own keys; system
// admins revoke anyone's.
func (e Engine) DeleteAPIKey(ctx context.Context, actor Actor, id string) error {
	key, err := e.Repo.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if key.UserID != actor.UserID {
		if err := e.requireSystemAdmin(ctx, actor, "delete api keys for other users"); err != nil {
			return err
		}
	}
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "api_key.deleted", "", "", domain.KindAPIKey, id, actor.UserID, events.EventPayload{"user_id": key.UserID}); err != nil {
		return err
	}
	return tx.Commit()
}
