package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/subscription-api/internal/models"
)

const refreshTokenColumns = `id, user_id, family_id, parent_id, token_hash, expires_at, created_at, revoked, revoked_at, replaced_by, ip_address, user_agent`

// RefreshTokenRepository is the credential store. Every state change on a
// token row is a conditional update so concurrent callers cannot both win.
type RefreshTokenRepository struct {
	db *sqlx.DB
}

// NewRefreshTokenRepository constructs the repository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create persists a freshly issued token.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if err := insertRefreshToken(ctx, r.db, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByHash returns the token stored under hash, expired or not.
func (r *RefreshTokenRepository) FindByHash(ctx context.Context, hash string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = $1 LIMIT 1`
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &token, nil
}

// Rotate consumes the token stored under presentedHash and persists successor
// in the same transaction. successor.ID must be set; UserID, FamilyID and
// ParentID are inherited from the consumed token. A lost race returns
// ErrTokenAlreadyRevoked and nothing is written.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, presentedHash string, successor *models.RefreshToken, now time.Time) (*models.RefreshToken, error) {
	if successor == nil || successor.ID == "" {
		return nil, errors.New("rotate refresh token: successor id required")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rotate tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	consumeQuery := `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2, replaced_by = $3
		WHERE token_hash = $1 AND revoked = FALSE AND expires_at > $2
		RETURNING ` + refreshTokenColumns
	var consumed models.RefreshToken
	if err := tx.GetContext(ctx, &consumed, consumeQuery, presentedHash, now, successor.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, classifyLostRotation(ctx, tx, presentedHash, now)
		}
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}

	successor.UserID = consumed.UserID
	successor.FamilyID = consumed.FamilyID
	parentID := consumed.ID
	successor.ParentID = &parentID
	if err := insertRefreshToken(ctx, tx, successor); err != nil {
		return nil, fmt.Errorf("insert successor token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rotate tx: %w", err)
	}
	return &consumed, nil
}

// classifyLostRotation explains why the conditional update matched nothing.
func classifyLostRotation(ctx context.Context, tx *sqlx.Tx, hash string, now time.Time) error {
	const query = `SELECT revoked, expires_at FROM refresh_tokens WHERE token_hash = $1`
	var state struct {
		Revoked   bool      `db:"revoked"`
		ExpiresAt time.Time `db:"expires_at"`
	}
	if err := tx.GetContext(ctx, &state, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("inspect refresh token: %w", err)
	}
	if state.Revoked {
		return ErrTokenAlreadyRevoked
	}
	if !now.Before(state.ExpiresAt) {
		return ErrTokenExpired
	}
	return ErrTokenAlreadyRevoked
}

// Revoke marks a single token revoked. It returns the token only when this
// call changed it; revoking a missing or already-revoked token is a no-op.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, hash string, now time.Time) (*models.RefreshToken, error) {
	query := `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE token_hash = $1 AND revoked = FALSE RETURNING ` + refreshTokenColumns
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, hash, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	return &token, nil
}

// RevokeAllForUser revokes every live token of a user and returns how many changed.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE user_id = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, userID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens rows: %w", err)
	}
	return affected, nil
}

// ListActiveByUser returns unexpired, unrevoked tokens newest first.
func (r *RefreshTokenRepository) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2 ORDER BY created_at DESC`
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID, now); err != nil {
		return nil, fmt.Errorf("list active refresh tokens: %w", err)
	}
	return tokens, nil
}

// DeleteExpired removes tokens that expired before cutoff.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE expires_at <= $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens rows: %w", err)
	}
	return affected, nil
}

func insertRefreshToken(ctx context.Context, exec sqlx.ExecerContext, token *models.RefreshToken) error {
	const query = `INSERT INTO refresh_tokens (id, user_id, family_id, parent_id, token_hash, expires_at, created_at, revoked, revoked_at, replaced_by, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := exec.ExecContext(ctx, query,
		token.ID,
		token.UserID,
		token.FamilyID,
		token.ParentID,
		token.TokenHash,
		token.ExpiresAt,
		token.CreatedAt,
		token.Revoked,
		token.RevokedAt,
		token.ReplacedBy,
		token.IPAddress,
		token.UserAgent,
	)
	return err
}
