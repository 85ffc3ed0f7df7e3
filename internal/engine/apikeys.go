package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"shipline/internal/audit"
	"shipline/internal/domain"
	"shipline/internal/repo"
)

// CreateAPIKey issues a key for actorID. The secret is returned once and
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor id is required")
	}
	secret, err := repo.NewAPIKeySecret()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: repo.Timestamp(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.auditor().Event(ctx, tx, audit.Record{Action: audit.ActionAPIKeyCreate, ActorID: actorID},
		audit.Payload{"key_id": key.ID, "name": key.Name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// RevokeAPIKey disables a key on behalf of actorID.
func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeAPIKey(ctx, tx, id, repo.Timestamp(e.now())); err != nil {
		return err
	}
	if err := e.auditor().Event(ctx, tx, audit.Record{Action: audit.ActionAPIKeyRevoke, ActorID: actorID},
		audit.Payload{"key_id": id}); err != nil {
		return err
	}
	return tx.Commit()
}

// AuthenticateAPIKey resolves a presented secret to its active key and
// stamps its last use.
func (e Engine) AuthenticateAPIKey(ctx context.Context, secret string) (domain.APIKey, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.APIKey{}, errors.New("api key required")
	}
	key, err := e.Repo.GetActiveAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		return key, err
	}
	if err := e.Repo.TouchAPIKey(ctx, key.ID, repo.Timestamp(e.now())); err != nil {
		return key, err
	}
	return key, nil
}
