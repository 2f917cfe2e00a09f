package notify

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/idgen"
	"github.com/mbd888/fieldguard/internal/validation"
)

// Handler provides HTTP endpoints for webhook management.
type Handler struct {
	store        Store
	dispatcher   *Dispatcher
	sharedSecret string
}

// NewHandler creates a webhook handler. A non-empty sharedSecret signs every
// subscription; otherwise each subscription gets its own generated secret.
func NewHandler(store Store, dispatcher *Dispatcher, sharedSecret string) *Handler {
	return &Handler{store: store, dispatcher: dispatcher, sharedSecret: sharedSecret}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", validation.IDParamMiddleware("id"), h.DeleteWebhook)
}

// CreateWebhookRequest is the body of POST /v1/webhooks.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required,min=1"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if err := h.dispatcher.ValidateURL(req.URL); err != nil {
		respondError(c, err)
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et, err := ParseEventType(e)
		if err != nil {
			respondError(c, err)
			return
		}
		events = append(events, et)
	}

	secret := h.sharedSecret
	generated := secret == ""
	if generated {
		secret = idgen.Hex(32)
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"webhook": sub,
		"usage": gin.H{
			"signature": "HMAC-SHA256(body, secret), hex",
			"header":    signatureHeader,
		},
	}
	if generated {
		// Only shown once.
		resp["secret"] = secret
	}
	c.JSON(http.StatusCreated, resp)
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func respondError(c *gin.Context, err error) {
	status := faults.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": faults.Code(err), "message": msg})
}
