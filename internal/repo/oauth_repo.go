package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/keyward/server/internal/model"
)

// OAuthRepo defines the interface for social identity links
type OAuthRepo interface {
	Create(ctx context.Context, userID uuid.UUID, provider model.Provider, providerID string) (model.OAuthIdentity, error)
	Find(ctx context.Context, userID uuid.UUID, provider model.Provider) (model.OAuthIdentity, error)
	Delete(ctx context.Context, userID uuid.UUID, provider model.Provider) error
}

type oauthRepo struct {
	db *sql.DB
}

// NewOAuthRepo creates a new OAuthRepo instance
func NewOAuthRepo(db *sql.DB) OAuthRepo {
	return &oauthRepo{db: db}
}

// Create links the user to the provider. A second link for the same pair fails with ErrUniqueViolation.
func (r *oauthRepo) Create(ctx context.Context, userID uuid.UUID, provider model.Provider, providerID string) (model.OAuthIdentity, error) {
	identity := model.OAuthIdentity{
		UserID:       userID,
		ProviderName: provider,
		ProviderID:   providerID,
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO oauth_identities (user_id, provider_name, provider_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, userID, string(provider), providerID).Scan(&identity.ID, &identity.CreatedAt)
	if err != nil {
		return model.OAuthIdentity{}, classify("create oauth identity", err)
	}
	return identity, nil
}

// Find returns the link for (user, provider) or ErrNotFound.
func (r *oauthRepo) Find(ctx context.Context, userID uuid.UUID, provider model.Provider) (model.OAuthIdentity, error) {
	var (
		identity     model.OAuthIdentity
		providerName string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider_name, provider_id, created_at
		FROM oauth_identities
		WHERE user_id = $1 AND provider_name = $2
	`, userID, string(provider)).Scan(
		&identity.ID,
		&identity.UserID,
		&providerName,
		&identity.ProviderID,
		&identity.CreatedAt,
	)
	if err != nil {
		return model.OAuthIdentity{}, classify("find oauth identity", err)
	}
	identity.ProviderName = model.Provider(providerName)
	return identity, nil
}

// Delete removes the link for (user, provider). Returns ErrNotFound if no link existed.
func (r *oauthRepo) Delete(ctx context.Context, userID uuid.UUID, provider model.Provider) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM oauth_identities WHERE user_id = $1 AND provider_name = $2
	`, userID, string(provider))
	if err != nil {
		return classify("delete oauth identity", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delete oauth identity: %w", ErrNotFound)
	}
	return nil
}
