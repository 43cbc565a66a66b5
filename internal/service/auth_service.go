package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/subscription-api/internal/models"
	appErrors "github.com/noah-isme/subscription-api/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type sessionManager interface {
	Issue(ctx context.Context, user *models.User, client models.ClientContext) (*models.TokenPair, error)
	Rotate(ctx context.Context, presented string, client models.ClientContext) (*models.TokenPair, error)
	Revoke(ctx context.Context, presented string) (*models.RefreshToken, error)
	RevokeAll(ctx context.Context, userID string) (int64, error)
	ListSessions(ctx context.Context, userID, currentFamily string) ([]models.Session, error)
	ValidateToken(tokenString string) (*models.JWTClaims, error)
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	SingleSession bool
}

// AuthService provides authentication use cases on top of the token engine.
type AuthService struct {
	repo      authUserRepository
	tokens    sessionManager
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(repo authUserRepository, tokens sessionManager, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AuthService{repo: repo, tokens: tokens, validator: validate, logger: logger, config: config}
}

// Login authenticates a user and starts a new session.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.repo.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
	}

	if s.config.SingleSession {
		if _, err := s.tokens.RevokeAll(ctx, user.ID); err != nil {
			s.logger.Warn("failed to revoke previous refresh tokens", zap.Error(err))
		}
	}

	client := models.ClientContext{IPAddress: req.IP, UserAgent: req.UserAgent}
	pair, err := s.tokens.Issue(ctx, user, client)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	s.audit(ctx, &models.AuditLog{
		UserID:     &user.ID,
		Action:     models.AuditActionLogin,
		Resource:   models.AuditResourceAuth,
		ResourceID: &user.ID,
		NewValues:  []byte(fmt.Sprintf(`{"status":"success","session_id":%q}`, pair.SessionID)),
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
	})

	return &models.LoginResponse{
		TokenPair: *pair,
		User: models.UserInfo{
			ID:       user.ID,
			Email:    user.Email,
			FullName: user.FullName,
			Role:     user.Role,
		},
	}, nil
}

// Refresh rotates a refresh token.
func (s *AuthService) Refresh(ctx context.Context, presented string, client models.ClientContext) (*models.TokenPair, error) {
	return s.tokens.Rotate(ctx, presented, client)
}

// Logout revokes the presented refresh token. Logging out twice is not an error.
func (s *AuthService) Logout(ctx context.Context, presented string, client models.ClientContext) error {
	token, err := s.tokens.Revoke(ctx, presented)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}
	s.audit(ctx, &models.AuditLog{
		UserID:     &token.UserID,
		Action:     models.AuditActionLogout,
		Resource:   models.AuditResourceRefreshToken,
		ResourceID: &token.ID,
		IPAddress:  client.IPAddress,
		UserAgent:  client.UserAgent,
	})
	return nil
}

// LogoutAll revokes every session of the calling user.
func (s *AuthService) LogoutAll(ctx context.Context, userID string, client models.ClientContext) (int64, error) {
	n, err := s.tokens.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.audit(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     models.AuditActionLogoutAll,
		Resource:   models.AuditResourceAuth,
		ResourceID: &userID,
		NewValues:  []byte(fmt.Sprintf(`{"revoked":%d}`, n)),
		IPAddress:  client.IPAddress,
		UserAgent:  client.UserAgent,
	})
	return n, nil
}

// RevokeUserSessions lets an administrator terminate every session of another user.
func (s *AuthService) RevokeUserSessions(ctx context.Context, actorID, targetUserID string, client models.ClientContext) (int64, error) {
	if targetUserID == "" {
		return 0, appErrors.Clone(appErrors.ErrValidation, "user id is required")
	}
	n, err := s.tokens.RevokeAll(ctx, targetUserID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("sessions revoked by administrator",
		zap.String("actor_id", actorID),
		zap.String("user_id", targetUserID),
		zap.Int64("revoked", n),
	)
	s.audit(ctx, &models.AuditLog{
		UserID:     &actorID,
		Action:     models.AuditActionAdminRevokeAll,
		Resource:   models.AuditResourceAuth,
		ResourceID: &targetUserID,
		NewValues:  []byte(fmt.Sprintf(`{"revoked":%d}`, n)),
		IPAddress:  client.IPAddress,
		UserAgent:  client.UserAgent,
	})
	return n, nil
}

// Sessions lists live sessions of the calling user.
func (s *AuthService) Sessions(ctx context.Context, userID, currentSession string) ([]models.Session, error) {
	return s.tokens.ListSessions(ctx, userID, currentSession)
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	return s.tokens.ValidateToken(tokenString)
}

func (s *AuthService) audit(ctx context.Context, entry *models.AuditLog) {
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", entry.Action), zap.Error(err))
	}
}
