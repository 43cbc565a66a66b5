package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/subscription-api/internal/models"
	"github.com/noah-isme/subscription-api/internal/repository"
	appErrors "github.com/noah-isme/subscription-api/pkg/errors"
)

const refreshTokenBytes = 32

type credentialStore interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByHash(ctx context.Context, hash string) (*models.RefreshToken, error)
	Rotate(ctx context.Context, presentedHash string, successor *models.RefreshToken, now time.Time) (*models.RefreshToken, error)
	Revoke(ctx context.Context, hash string, now time.Time) (*models.RefreshToken, error)
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error)
}

type identityDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type auditRecorder interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// TokenConfig defines lifetimes and signing material for issued credentials.
type TokenConfig struct {
	AccessTokenSecret  string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
	Audience           []string
	PersistenceTimeout time.Duration
}

// TokenService is the refresh-token rotation engine. Each refresh token is
// single use; presenting a consumed token revokes every session of its owner.
type TokenService struct {
	store   credentialStore
	users   identityDirectory
	audit   auditRecorder
	metrics *MetricsService
	logger  *zap.Logger
	config  TokenConfig
	now     func() time.Time
}

// NewTokenService constructs a TokenService instance.
func NewTokenService(store credentialStore, users identityDirectory, audit auditRecorder, metrics *MetricsService, logger *zap.Logger, config TokenConfig) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PersistenceTimeout <= 0 {
		config.PersistenceTimeout = 5 * time.Second
	}
	if config.AccessTokenExpiry <= 0 {
		config.AccessTokenExpiry = 15 * time.Minute
	}
	if config.RefreshTokenExpiry <= 0 {
		config.RefreshTokenExpiry = 7 * 24 * time.Hour
	}
	return &TokenService{
		store:   store,
		users:   users,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Issue starts a new token family for an authenticated identity.
func (s *TokenService) Issue(ctx context.Context, user *models.User, client models.ClientContext) (*models.TokenPair, error) {
	if user == nil || user.ID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredential, "")
	}

	raw, hash, err := newRefreshSecret()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	now := s.now()
	token := &models.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		FamilyID:  uuid.NewString(),
		TokenHash: hash,
		ExpiresAt: now.Add(s.config.RefreshTokenExpiry),
		CreatedAt: now,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.config.PersistenceTimeout)
	defer cancel()
	if err := s.store.Create(storeCtx, token); err != nil {
		return nil, transientError(err, "failed to persist refresh token")
	}

	return s.buildPair(user, token, raw, now)
}

// Rotate exchanges a presented refresh token for a new pair. Every failure a
// client may see is ErrInvalidCredential, except reuse which is reported as
// ErrTokenReuse after the owner's sessions have been revoked.
func (s *TokenService) Rotate(ctx context.Context, presented string, client models.ClientContext) (*models.TokenPair, error) {
	pair, outcome, err := s.rotate(ctx, presented, client)
	s.metrics.RecordRotation(outcome)
	return pair, err
}

func (s *TokenService) rotate(ctx context.Context, presented string, client models.ClientContext) (*models.TokenPair, string, error) {
	if presented == "" {
		return nil, RotationInvalid, appErrors.Clone(appErrors.ErrInvalidCredential, "")
	}
	hash := hashRefreshToken(presented)
	now := s.now()

	lookupCtx, cancel := context.WithTimeout(ctx, s.config.PersistenceTimeout)
	stored, err := s.store.FindByHash(lookupCtx, hash)
	cancel()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, RotationInvalid, appErrors.Clone(appErrors.ErrInvalidCredential, "")
		}
		return nil, RotationInternal, transientError(err, "failed to load refresh token")
	}

	if subtle.ConstantTimeCompare([]byte(stored.TokenHash), []byte(hash)) != 1 {
		return nil, RotationInvalid, appErrors.Clone(appErrors.ErrInvalidCredential, "")
	}
	// Expiry wins over revocation: an expired consumed token is not treated as reuse.
	if !now.Before(stored.ExpiresAt) {
		return nil, RotationInvalid, appErrors.Clone(appErrors.ErrInvalidCredential, "")
	}
	if stored.Revoked {
		if stored.Rotated() {
			return nil, RotationReuse, s.handleReuse(ctx, stored, client)
		}
		return nil, RotationInvalid, appErrors.Clone(appErrors.ErrInvalidCredential, "")
	}

	userCtx, cancel := context.WithTimeout(ctx, s.config.PersistenceTimeout)
	user, err := s.users.FindByID(userCtx, stored.UserID)
	cancel()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, RotationInvalid, appErrors.Clone(appErrors.ErrInvalidCredential, "")
		}
		return nil, RotationInternal, transientError(err, "failed to load identity")
	}
	if !user.Active {
		return nil, RotationInvalid, appErrors.Clone(appErrors.ErrInvalidCredential, "")
	}

	raw, successorHash, err := newRefreshSecret()
	if err != nil {
		return nil, RotationInternal, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}
	successor := &models.RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: successorHash,
		ExpiresAt: now.Add(s.config.RefreshTokenExpiry),
		CreatedAt: now,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	}

	rotateCtx, cancel := context.WithTimeout(ctx, s.config.PersistenceTimeout)
	started := time.Now()
	consumed, err := s.store.Rotate(rotateCtx, hash, successor, now)
	s.metrics.ObserveDBQuery("refresh_rotate", time.Since(started))
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrTokenAlreadyRevoked):
		// Another presentation consumed the token between our read and the compare-and-set.
		return nil, RotationReuse, s.handleReuse(ctx, stored, client)
	case errors.Is(err, repository.ErrTokenExpired), errors.Is(err, sql.ErrNoRows):
		return nil, RotationInvalid, appErrors.Clone(appErrors.ErrInvalidCredential, "")
	default:
		return nil, RotationInternal, transientError(err, "failed to rotate refresh token")
	}

	s.recordAudit(ctx, &models.AuditLog{
		UserID:     &user.ID,
		Action:     models.AuditActionTokenRotated,
		Resource:   models.AuditResourceRefreshToken,
		ResourceID: &successor.ID,
		OldValues:  []byte(fmt.Sprintf(`{"token_id":%q}`, consumed.ID)),
		NewValues:  []byte(fmt.Sprintf(`{"token_id":%q,"family_id":%q}`, successor.ID, successor.FamilyID)),
		IPAddress:  client.IPAddress,
		UserAgent:  client.UserAgent,
	})

	pair, err := s.buildPair(user, successor, raw, now)
	if err != nil {
		return nil, RotationInternal, err
	}
	return pair, RotationSuccess, nil
}

// handleReuse revokes every session of the token owner. It runs detached from
// the request context so a disconnecting client cannot cancel the revocation.
func (s *TokenService) handleReuse(ctx context.Context, stored *models.RefreshToken, client models.ClientContext) error {
	s.logger.Warn("refresh token reuse detected",
		zap.Bool("security_event", true),
		zap.String("user_id", stored.UserID),
		zap.String("token_id", stored.ID),
		zap.String("family_id", stored.FamilyID),
		zap.String("ip", client.IPAddress),
		zap.String("user_agent", client.UserAgent),
	)

	detached := context.WithoutCancel(ctx)
	revoked, err := s.RevokeAll(detached, stored.UserID)
	if err != nil {
		s.logger.Error("failed to revoke sessions after reuse", zap.String("user_id", stored.UserID), zap.Error(err))
	}

	s.recordAudit(detached, &models.AuditLog{
		UserID:     &stored.UserID,
		Action:     models.AuditActionTokenReuseDetected,
		Resource:   models.AuditResourceRefreshToken,
		ResourceID: &stored.ID,
		NewValues:  []byte(fmt.Sprintf(`{"family_id":%q,"revoked":%d}`, stored.FamilyID, revoked)),
		IPAddress:  client.IPAddress,
		UserAgent:  client.UserAgent,
	})

	return appErrors.Clone(appErrors.ErrTokenReuse, "")
}

// Revoke invalidates a single refresh token. Unknown or already revoked tokens are a no-op.
func (s *TokenService) Revoke(ctx context.Context, presented string) (*models.RefreshToken, error) {
	if presented == "" {
		return nil, nil
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.config.PersistenceTimeout)
	defer cancel()
	token, err := s.store.Revoke(storeCtx, hashRefreshToken(presented), s.now())
	if err != nil {
		return nil, transientError(err, "failed to revoke refresh token")
	}
	if token != nil {
		s.metrics.RecordRevocations(1)
	}
	return token, nil
}

// RevokeAll invalidates every live refresh token of an identity.
func (s *TokenService) RevokeAll(ctx context.Context, userID string) (int64, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.config.PersistenceTimeout)
	defer cancel()
	n, err := s.store.RevokeAllForUser(storeCtx, userID, s.now())
	if err != nil {
		return 0, transientError(err, "failed to revoke refresh tokens")
	}
	s.metrics.RecordRevocations(n)
	return n, nil
}

// ListSessions returns live refresh tokens of an identity. currentFamily marks
// the session the caller is using.
func (s *TokenService) ListSessions(ctx context.Context, userID, currentFamily string) ([]models.Session, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.config.PersistenceTimeout)
	defer cancel()
	tokens, err := s.store.ListActiveByUser(storeCtx, userID, s.now())
	if err != nil {
		return nil, transientError(err, "failed to list sessions")
	}
	sessions := make([]models.Session, 0, len(tokens))
	for _, t := range tokens {
		sessions = append(sessions, models.Session{
			ID:        t.ID,
			FamilyID:  t.FamilyID,
			CreatedAt: t.CreatedAt,
			ExpiresAt: t.ExpiresAt,
			IPAddress: t.IPAddress,
			UserAgent: t.UserAgent,
			Current:   currentFamily != "" && t.FamilyID == currentFamily,
		})
	}
	return sessions, nil
}

// ValidateToken parses and validates an access token returning the claims.
func (s *TokenService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}
	if len(s.config.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(s.config.Audience[0]))
	}

	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.AccessTokenSecret), nil
	}, opts...)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	return claims, nil
}

func (s *TokenService) buildPair(user *models.User, refresh *models.RefreshToken, raw string, issuedAt time.Time) (*models.TokenPair, error) {
	access, err := s.generateAccessToken(user, refresh.FamilyID, issuedAt)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}
	return &models.TokenPair{
		AccessToken:      access,
		RefreshToken:     raw,
		ExpiresIn:        int64(s.config.AccessTokenExpiry.Seconds()),
		RefreshExpiresAt: refresh.ExpiresAt,
		IssuedAt:         issuedAt,
		SessionID:        refresh.FamilyID,
	}, nil
}

func (s *TokenService) generateAccessToken(user *models.User, sessionID string, issuedAt time.Time) (string, error) {
	claims := &models.JWTClaims{
		UserID:    user.ID,
		Role:      user.Role,
		Email:     user.Email,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			Audience:  s.config.Audience,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.config.AccessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.AccessTokenSecret))
}

func (s *TokenService) recordAudit(ctx context.Context, entry *models.AuditLog) {
	if s.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(ctx, s.config.PersistenceTimeout)
	defer cancel()
	if err := s.audit.CreateAuditLog(auditCtx, entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", entry.Action), zap.Error(err))
	}
}

func newRefreshSecret() (raw, hash string, err error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, hashRefreshToken(raw), nil
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func transientError(err error, message string) *appErrors.Error {
	return appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, message)
}
