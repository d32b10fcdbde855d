package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/example/calendar-assistant/internal/persistence"
)

// CredentialRepository implements persistence.CredentialRepository. Blobs
// are stored as sealed by the vault; this layer never sees plaintext.
type CredentialRepository struct {
	pool *ConnectionPool
}

// NewCredentialRepository creates the repository.
func NewCredentialRepository(pool *ConnectionPool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

// UpsertCredential stores or replaces the sealed blob for one integration.
func (r *CredentialRepository) UpsertCredential(ctx context.Context, cred persistence.ProviderCredential) error {
	if cred.ID == "" || cred.UserID == "" || cred.Provider == "" || len(cred.Blob) == 0 {
		return persistence.ErrConstraintViolation
	}
	now := time.Now().UTC().Format(time.RFC3339)
	var expiresAt sql.NullString
	if cred.ExpiresAt != nil {
		expiresAt.String = cred.ExpiresAt.UTC().Format(time.RFC3339)
		expiresAt.Valid = true
	}
	_, err := r.pool.db.ExecContext(ctx, `
		INSERT INTO provider_credentials (id, user_id, provider, blob, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			blob = excluded.blob,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`,
		cred.ID,
		cred.UserID,
		cred.Provider,
		cred.Blob,
		expiresAt,
		now,
		now,
	)
	return mapError(err)
}

// GetCredential fetches the sealed blob for one integration.
func (r *CredentialRepository) GetCredential(ctx context.Context, userID, provider string) (persistence.ProviderCredential, error) {
	row := r.pool.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, blob, expires_at, created_at, updated_at
		FROM provider_credentials
		WHERE user_id = ? AND provider = ?
	`, userID, provider)
	return scanCredential(row)
}

// ListExpiringCredentials returns credentials whose recorded expiry falls
// before the cutoff, for the periodic refresh sweep.
func (r *CredentialRepository) ListExpiringCredentials(ctx context.Context, before time.Time) ([]persistence.ProviderCredential, error) {
	rows, err := r.pool.db.QueryContext(ctx, `
		SELECT id, user_id, provider, blob, expires_at, created_at, updated_at
		FROM provider_credentials
		WHERE expires_at IS NOT NULL AND expires_at < ?
	`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var creds []persistence.ProviderCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, mapError(rows.Err())
}

// DeleteCredential destroys the sealed blob on disconnect.
func (r *CredentialRepository) DeleteCredential(ctx context.Context, userID, provider string) error {
	result, err := r.pool.db.ExecContext(ctx,
		`DELETE FROM provider_credentials WHERE user_id = ? AND provider = ?`,
		userID, provider,
	)
	if err != nil {
		return mapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func scanCredential(row rowScanner) (persistence.ProviderCredential, error) {
	var cred persistence.ProviderCredential
	var expiresAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(
		&cred.ID,
		&cred.UserID,
		&cred.Provider,
		&cred.Blob,
		&expiresAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return persistence.ProviderCredential{}, mapError(err)
	}
	if expiresAt.Valid {
		if t, err := time.Parse(time.RFC3339, expiresAt.String); err == nil {
			cred.ExpiresAt = &t
		}
	}
	cred.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	cred.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return cred, nil
}
