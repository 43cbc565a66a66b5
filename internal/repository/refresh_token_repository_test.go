package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/subscription-api/internal/models"
)

var tokenRowColumns = []string{"id", "user_id", "family_id", "parent_id", "token_hash", "expires_at", "created_at", "revoked", "revoked_at", "replaced_by", "ip_address", "user_agent"}

func TestRotateConsumesAndInsertsSuccessor(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens SET revoked = TRUE").
		WithArgs("hash-a", now, "tok-b").
		WillReturnRows(sqlmock.NewRows(tokenRowColumns).
			AddRow("tok-a", "u1", "fam-1", nil, "hash-a", now.Add(time.Hour), now.Add(-time.Hour), true, now, "tok-b", "127.0.0.1", "ua"))
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WithArgs("tok-b", "u1", "fam-1", sqlmock.AnyArg(), "hash-b", sqlmock.AnyArg(), sqlmock.AnyArg(), false, nil, nil, "127.0.0.1", "ua").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	successor := &models.RefreshToken{ID: "tok-b", TokenHash: "hash-b", ExpiresAt: now.Add(time.Hour), CreatedAt: now, IPAddress: "127.0.0.1", UserAgent: "ua"}
	consumed, err := repo.Rotate(context.Background(), "hash-a", successor, now)
	require.NoError(t, err)
	assert.Equal(t, "tok-a", consumed.ID)
	assert.Equal(t, "u1", successor.UserID)
	assert.Equal(t, "fam-1", successor.FamilyID)
	require.NotNil(t, successor.ParentID)
	assert.Equal(t, "tok-a", *successor.ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateLostRaceReportsAlreadyRevoked(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens SET revoked = TRUE").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT revoked, expires_at FROM refresh_tokens").
		WithArgs("hash-a").
		WillReturnRows(sqlmock.NewRows([]string{"revoked", "expires_at"}).AddRow(true, now.Add(time.Hour)))
	mock.ExpectRollback()

	_, err := repo.Rotate(context.Background(), "hash-a", &models.RefreshToken{ID: "tok-b"}, now)
	assert.ErrorIs(t, err, ErrTokenAlreadyRevoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateExpiredBetweenLookupAndConsume(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens SET revoked = TRUE").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT revoked, expires_at FROM refresh_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"revoked", "expires_at"}).AddRow(false, now.Add(-time.Second)))
	mock.ExpectRollback()

	_, err := repo.Rotate(context.Background(), "hash-a", &models.RefreshToken{ID: "tok-b"}, now)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateRollsBackWhenSuccessorInsertFails(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens SET revoked = TRUE").
		WillReturnRows(sqlmock.NewRows(tokenRowColumns).
			AddRow("tok-a", "u1", "fam-1", nil, "hash-a", now.Add(time.Hour), now, true, now, "tok-b", "", ""))
	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := repo.Rotate(context.Background(), "hash-a", &models.RefreshToken{ID: "tok-b", TokenHash: "hash-b"}, now)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateRequiresSuccessorID(t *testing.T) {
	db, _, cleanup := newMock(t)
	defer cleanup()
	_, err := NewRefreshTokenRepository(db).Rotate(context.Background(), "h", &models.RefreshToken{}, time.Now())
	assert.Error(t, err)
}

func TestRevokeIsIdempotent(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	mock.ExpectQuery("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = \\$2 WHERE token_hash = \\$1 AND revoked = FALSE").
		WillReturnError(sql.ErrNoRows)

	token, err := repo.Revoke(context.Background(), "hash-a", time.Now())
	require.NoError(t, err)
	assert.Nil(t, token)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeAllForUser(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	mock.ExpectExec("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = \\$2 WHERE user_id = \\$1 AND revoked = FALSE").
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.RevokeAllForUser(context.Background(), "u1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveByUser(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery("FROM refresh_tokens WHERE user_id = \\$1 AND revoked = FALSE AND expires_at > \\$2").
		WithArgs("u1", now).
		WillReturnRows(sqlmock.NewRows(tokenRowColumns).
			AddRow("tok-b", "u1", "fam-1", "tok-a", "hash-b", now.Add(time.Hour), now, false, nil, nil, "", ""))

	tokens, err := repo.ListActiveByUser(context.Background(), "u1", now)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.NotNil(t, tokens[0].ParentID)
	assert.Equal(t, "tok-a", *tokens[0].ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpired(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	mock.ExpectExec("DELETE FROM refresh_tokens WHERE expires_at <= \\$1").WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
