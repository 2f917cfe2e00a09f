package visit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/geo"
	"github.com/mbd888/fieldguard/internal/validation"
)

// Handler provides HTTP endpoints for visits and targets.
type Handler struct {
	recorder *Recorder
}

// NewHandler creates a new visit handler.
func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterRoutes sets up visit and target routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/visits", h.RecordVisit)
	r.GET("/visits/:id", validation.IDParamMiddleware("id"), h.GetVisit)
	r.GET("/actors/:id/visits", validation.IDParamMiddleware("id"), h.ListActorVisits)

	t := r.Group("/targets/:id", validation.IDParamMiddleware("id"))
	t.PUT("", h.PutTarget)
	t.GET("", h.GetTarget)
}

// TargetRequest is the body of PUT /v1/targets/:id.
type TargetRequest struct {
	Kind       string     `json:"kind" binding:"required"`
	Name       string     `json:"name"`
	Point      *geo.Point `json:"point"`
	DocumentID string     `json:"documentId"`
}

// RecordVisit handles POST /v1/visits
func (h *Handler) RecordVisit(c *gin.Context) {
	var req Claim
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	checks := []func() *validation.ValidationError{
		validation.ValidID("actorId", req.ActorID),
		validation.ValidID("targetId", req.TargetID),
		validation.ValidPoint("claimedPoint", req.ClaimedPoint),
		validation.MaxLength("presentedQr", req.PresentedQR, 512),
	}
	if req.DocumentID != "" {
		checks = append(checks, validation.ValidID("documentId", req.DocumentID))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	outcome, err := h.recorder.RecordVisit(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"visit": outcome})
}

// GetVisit handles GET /v1/visits/:id
func (h *Handler) GetVisit(c *gin.Context) {
	outcome, err := h.recorder.GetOutcome(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"visit": outcome})
}

// ListActorVisits handles GET /v1/actors/:id/visits
func (h *Handler) ListActorVisits(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	visits, err := h.recorder.ListByActor(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"visits": visits, "count": len(visits)})
}

// PutTarget handles PUT /v1/targets/:id
func (h *Handler) PutTarget(c *gin.Context) {
	var req TargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	checks := []func() *validation.ValidationError{
		validation.ValidID("kind", req.Kind),
		validation.MaxLength("name", req.Name, 200),
	}
	if req.Point != nil {
		checks = append(checks, validation.ValidPoint("point", *req.Point))
	}
	if req.DocumentID != "" {
		checks = append(checks, validation.ValidID("documentId", req.DocumentID))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	t, err := h.recorder.RegisterTarget(c.Request.Context(), &Target{
		ID:         c.Param("id"),
		Kind:       req.Kind,
		Name:       validation.SanitizeString(req.Name, 200),
		Point:      req.Point,
		DocumentID: req.DocumentID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": t})
}

// GetTarget handles GET /v1/targets/:id
func (h *Handler) GetTarget(c *gin.Context) {
	t, err := h.recorder.GetTarget(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": t})
}

func respondError(c *gin.Context, err error) {
	status := faults.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": faults.Code(err), "message": msg})
}
