package risk

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/pagination"
	"github.com/mbd888/fieldguard/internal/validation"
)

// Handler provides HTTP endpoints for risk reads and actor registration.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new risk handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up risk routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	actors := r.Group("/actors/:id", validation.IDParamMiddleware("id"))
	actors.GET("/risk", h.GetActorRisk)
	actors.GET("/signals", h.ListSignals)
	actors.PUT("", h.RegisterActor)

	r.GET("/risk/:kind/:id", validation.IDParamMiddleware("id"), h.GetAssessment)
}

// RegisterActorRequest is the body of PUT /v1/actors/:id.
type RegisterActorRequest struct {
	Role string `json:"role"`
}

// GetActorRisk handles GET /v1/actors/:id/risk
func (h *Handler) GetActorRisk(c *gin.Context) {
	risk, err := h.engine.ActorRisk(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk": risk})
}

// ListSignals handles GET /v1/actors/:id/signals
func (h *Handler) ListSignals(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	signals, next, more, err := h.engine.ListActorSignals(c.Request.Context(), c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if signals == nil {
		signals = []*Signal{}
	}
	c.JSON(http.StatusOK, gin.H{
		"signals":    signals,
		"count":      len(signals),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// GetAssessment handles GET /v1/risk/:kind/:id
func (h *Handler) GetAssessment(c *gin.Context) {
	kind, err := ParseEntityKind(c.Param("kind"))
	if err != nil {
		respondError(c, err)
		return
	}
	a, err := h.engine.Assess(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessment": a})
}

// RegisterActor handles PUT /v1/actors/:id
func (h *Handler) RegisterActor(c *gin.Context) {
	var req RegisterActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(validation.MaxLength("role", req.Role, 64)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	actor, err := h.engine.RegisterActor(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Role, 64))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actor": actor})
}

func respondError(c *gin.Context, err error) {
	status := faults.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": faults.Code(err), "message": msg})
}
