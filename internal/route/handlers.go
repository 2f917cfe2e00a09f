package route

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/geo"
	"github.com/mbd888/fieldguard/internal/validation"
)

// Handler provides HTTP endpoints for route traces and audits.
type Handler struct {
	auditor *Auditor
}

// NewHandler creates a new route handler.
func NewHandler(auditor *Auditor) *Handler {
	return &Handler{auditor: auditor}
}

// RegisterRoutes sets up route trace routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	day := r.Group("/routes/:actorId/:date", validation.IDParamMiddleware("actorId"), dateParam)
	day.GET("", h.GetTrace)
	day.PUT("/plan", h.SetPlan)
	day.POST("/stops", h.AddStop)
	day.GET("/audit", h.AuditRoute)
}

func dateParam(c *gin.Context) {
	if _, err := ParseDate(c.Param("date")); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	c.Next()
}

// PlanRequest is the body of PUT /v1/routes/:actorId/:date/plan.
type PlanRequest struct {
	Start geo.Point     `json:"start"`
	Stops []PlannedStop `json:"stops"`
}

// StopRequest is the body of POST /v1/routes/:actorId/:date/stops.
type StopRequest struct {
	Point geo.Point `json:"point"`
	At    time.Time `json:"at"`
}

// SetPlan handles PUT /v1/routes/:actorId/:date/plan
func (h *Handler) SetPlan(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	checks := []func() *validation.ValidationError{validation.ValidPoint("start", req.Start)}
	for _, s := range req.Stops {
		checks = append(checks, validation.ValidPoint("stops.point", s.Point))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	t, err := h.auditor.SetPlan(c.Request.Context(), c.Param("actorId"), c.Param("date"), req.Start, req.Stops)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace": t})
}

// AddStop handles POST /v1/routes/:actorId/:date/stops
func (h *Handler) AddStop(c *gin.Context) {
	var req StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(validation.ValidPoint("point", req.Point)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	t, err := h.auditor.AddStop(c.Request.Context(), c.Param("actorId"), c.Param("date"), req.Point, req.At)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trace": t})
}

// GetTrace handles GET /v1/routes/:actorId/:date
func (h *Handler) GetTrace(c *gin.Context) {
	t, err := h.auditor.Get(c.Request.Context(), c.Param("actorId"), c.Param("date"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace": t})
}

// AuditRoute handles GET /v1/routes/:actorId/:date/audit
func (h *Handler) AuditRoute(c *gin.Context) {
	result, err := h.auditor.Audit(c.Request.Context(), c.Param("actorId"), c.Param("date"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": result})
}

func respondError(c *gin.Context, err error) {
	status := faults.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": faults.Code(err), "message": msg})
}
