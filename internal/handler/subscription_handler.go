package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/subscription-api/internal/middleware"
	"github.com/noah-isme/subscription-api/internal/models"
	appErrors "github.com/noah-isme/subscription-api/pkg/errors"
	"github.com/noah-isme/subscription-api/pkg/response"
)

type subscriptionService interface {
	GetForUser(ctx context.Context, userID string) (*models.SubscriptionView, bool, error)
}

// SubscriptionHandler exposes the entitlement read model.
type SubscriptionHandler struct {
	service subscriptionService
}

// NewSubscriptionHandler constructs the handler.
func NewSubscriptionHandler(service subscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{service: service}
}

// Me godoc
// @Summary Current subscription
// @Tags Subscriptions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /subscriptions/me [get]
func (h *SubscriptionHandler) Me(c *gin.Context) {
	claims := middleware.Claims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	view, hit, err := h.service.GetForUser(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, view, nil, middleware.ExtractMeta(c))
}
