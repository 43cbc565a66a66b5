package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/subscription-api/internal/middleware"
	"github.com/noah-isme/subscription-api/internal/models"
	appErrors "github.com/noah-isme/subscription-api/pkg/errors"
	"github.com/noah-isme/subscription-api/pkg/response"
)

const (
	defaultSessionsPageSize = 20
	maxSessionsPageSize     = 100
)

type authService interface {
	Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error)
	Refresh(ctx context.Context, presented string, client models.ClientContext) (*models.TokenPair, error)
	Logout(ctx context.Context, presented string, client models.ClientContext) error
	LogoutAll(ctx context.Context, userID string, client models.ClientContext) (int64, error)
	RevokeUserSessions(ctx context.Context, actorID, targetUserID string, client models.ClientContext) (int64, error)
	Sessions(ctx context.Context, userID, currentSession string) ([]models.Session, error)
}

// RefreshCookie configures the HttpOnly cookie carrying the refresh token.
type RefreshCookie struct {
	Name   string
	Domain string
	Path   string
	Secure bool
}

// AuthHandler wires HTTP endpoints to the auth service.
type AuthHandler struct {
	service authService
	cookie  RefreshCookie
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc authService, cookie RefreshCookie) *AuthHandler {
	if cookie.Name == "" {
		cookie.Name = "refresh_token"
	}
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	return &AuthHandler{service: svc, cookie: cookie}
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate user by email and password
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setRefreshCookie(c, res.RefreshToken, res.RefreshExpiresAt)
	response.JSON(c, http.StatusOK, res, nil)
}

// Refresh godoc
// @Summary Rotate refresh token
// @Description Exchange a refresh token for a new access and refresh token pair. The token is read from the refresh cookie, the JSON body, or a Bearer header in that order.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RefreshTokenRequest false "Refresh payload"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	presented := h.presentedToken(c, true)
	if presented == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrInvalidCredential, ""))
		return
	}

	pair, err := h.service.Refresh(c.Request.Context(), presented, clientContext(c))
	if err != nil {
		if appErrors.Is(err, appErrors.ErrInvalidCredential) || appErrors.Is(err, appErrors.ErrTokenReuse) {
			h.clearRefreshCookie(c)
		}
		response.Error(c, err)
		return
	}

	h.setRefreshCookie(c, pair.RefreshToken, pair.RefreshExpiresAt)
	response.JSON(c, http.StatusOK, pair, nil)
}

// Logout godoc
// @Summary Logout current session
// @Description Revoke the presented refresh token. Repeating the call is harmless.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LogoutRequest false "Refresh token"
// @Success 204 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	presented := h.presentedToken(c, false)
	if presented != "" {
		if err := h.service.Logout(c.Request.Context(), presented, clientContext(c)); err != nil {
			response.Error(c, err)
			return
		}
	}
	h.clearRefreshCookie(c)
	response.NoContent(c)
}

// LogoutAll godoc
// @Summary Logout everywhere
// @Description Revoke every refresh token of the authenticated user
// @Tags Authentication
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/logout-all [post]
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	claims := middleware.Claims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	n, err := h.service.LogoutAll(c.Request.Context(), claims.UserID, clientContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	h.clearRefreshCookie(c)
	response.JSON(c, http.StatusOK, gin.H{"revoked": n}, nil)
}

// Sessions godoc
// @Summary List active sessions
// @Tags Authentication
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/sessions [get]
func (h *AuthHandler) Sessions(c *gin.Context) {
	claims := middleware.Claims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	page, pageSize := parsePagination(c)
	sessions, err := h.service.Sessions(c.Request.Context(), claims.UserID, claims.SessionID)
	if err != nil {
		response.Error(c, err)
		return
	}

	total := len(sessions)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	response.JSON(c, http.StatusOK, sessions[start:end], &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total})
}

// AdminRevokeAll godoc
// @Summary Revoke a user's sessions
// @Description Administrators terminate every session of the given user
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /admin/users/{id}/revoke-sessions [post]
func (h *AuthHandler) AdminRevokeAll(c *gin.Context) {
	claims := middleware.Claims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	n, err := h.service.RevokeUserSessions(c.Request.Context(), claims.UserID, c.Param("id"), clientContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"user_id": c.Param("id"), "revoked": n}, nil)
}

// presentedToken reads the refresh token from the cookie, then the JSON body,
// then optionally a Bearer header.
func (h *AuthHandler) presentedToken(c *gin.Context, allowBearer bool) string {
	if value, err := c.Cookie(h.cookie.Name); err == nil && value != "" {
		return value
	}
	var body models.RefreshTokenRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err == nil && body.RefreshToken != "" {
			return body.RefreshToken
		}
	}
	if allowBearer {
		if token, ok := middleware.BearerToken(c); ok {
			return token
		}
	}
	return ""
}

func (h *AuthHandler) setRefreshCookie(c *gin.Context, value string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge <= 0 {
		return
	}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.cookie.Name, value, maxAge, h.cookie.Path, h.cookie.Domain, h.cookie.Secure, true)
}

func (h *AuthHandler) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.cookie.Name, "", -1, h.cookie.Path, h.cookie.Domain, h.cookie.Secure, true)
}

func clientContext(c *gin.Context) models.ClientContext {
	return models.ClientContext{IPAddress: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}

func parsePagination(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultSessionsPageSize)))
	if err != nil || size < 1 {
		size = defaultSessionsPageSize
	}
	if size > maxSessionsPageSize {
		size = maxSessionsPageSize
	}
	return page, size
}
