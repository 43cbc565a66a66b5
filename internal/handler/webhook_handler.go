package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/subscription-api/internal/models"
	appErrors "github.com/noah-isme/subscription-api/pkg/errors"
	"github.com/noah-isme/subscription-api/pkg/response"
)

// DefaultWebhookBodyLimit caps webhook payloads at 1 MiB.
const DefaultWebhookBodyLimit int64 = 1 << 20

var errPayloadTooLarge = appErrors.New("PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge, "payload too large")

type eventReconciler interface {
	HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (*models.ReconcileResult, error)
}

// WebhookHandler receives billing provider notifications.
type WebhookHandler struct {
	reconciler      eventReconciler
	signatureHeader string
	maxBodyBytes    int64
}

// NewWebhookHandler constructs the handler.
func NewWebhookHandler(reconciler eventReconciler, signatureHeader string, maxBodyBytes int64) *WebhookHandler {
	if signatureHeader == "" {
		signatureHeader = "Billing-Signature"
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultWebhookBodyLimit
	}
	return &WebhookHandler{reconciler: reconciler, signatureHeader: signatureHeader, maxBodyBytes: maxBodyBytes}
}

// Billing godoc
// @Summary Billing provider webhook
// @Description Verifies the signature over the raw body and reconciles the event exactly once. Duplicate, stale, unknown and unmatched events are acknowledged with 200.
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param Billing-Signature header string true "t=<unix>,v1=<hex hmac>"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /webhooks/billing [post]
func (h *WebhookHandler) Billing(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, errPayloadTooLarge)
			return
		}
		response.Error(c, appErrors.Wrap(err, appErrors.ErrMalformedEvent.Code, appErrors.ErrMalformedEvent.Status, "failed to read payload"))
		return
	}

	result, err := h.reconciler.HandleEvent(c.Request.Context(), body, c.GetHeader(h.signatureHeader))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
