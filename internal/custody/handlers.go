package custody

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/validation"
)

// Handler provides HTTP endpoints for payment custody.
type Handler struct {
	tracker *Tracker
}

// NewHandler creates a new custody handler.
func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// RegisterRoutes sets up custody routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CollectPayment)
	r.GET("/actors/:id/payments", validation.IDParamMiddleware("id"), h.ListActorPayments)

	p := r.Group("/payments/:id", validation.IDParamMiddleware("id"))
	p.GET("", h.GetPayment)
	p.POST("/verify-otp", h.VerifyOTP)
	p.POST("/confirm-deposit", h.ConfirmDeposit)
	p.POST("/cancel", h.CancelPayment)
}

// VerifyOTPRequest is the body of POST /v1/payments/:id/verify-otp.
type VerifyOTPRequest struct {
	Code string `json:"code" binding:"required"`
}

// ConfirmDepositRequest is the body of POST /v1/payments/:id/confirm-deposit.
type ConfirmDepositRequest struct {
	BankReference string `json:"bankReference" binding:"required"`
}

// CancelRequest is the body of POST /v1/payments/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CollectPayment handles POST /v1/payments
func (h *Handler) CollectPayment(c *gin.Context) {
	var req CollectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	checks := []func() *validation.ValidationError{
		validation.ValidID("actorId", req.ActorID),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidPhone("customerPhone", req.CustomerPhone),
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

	p, err := h.tracker.Collect(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.tracker.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListActorPayments handles GET /v1/actors/:id/payments
func (h *Handler) ListActorPayments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	payments, err := h.tracker.ListByActor(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// VerifyOTP handles POST /v1/payments/:id/verify-otp
func (h *Handler) VerifyOTP(c *gin.Context) {
	var req VerifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Malformed codes still reach the tracker so they are flagged like any
	// other wrong code.
	result, err := h.tracker.VerifyOTP(c.Request.Context(), c.Param("id"), req.Code)
	if errors.Is(err, ErrInvalidOTP) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_otp",
			"message": err.Error(),
			"result":  result,
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ConfirmDeposit handles POST /v1/payments/:id/confirm-deposit
func (h *Handler) ConfirmDeposit(c *gin.Context) {
	var req ConfirmDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "bankReference is required",
		})
		return
	}
	if errs := validation.Validate(validation.MaxLength("bankReference", req.BankReference, 128)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.tracker.ConfirmDeposit(c.Request.Context(), c.Param("id"), req.BankReference)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// CancelPayment handles POST /v1/payments/:id/cancel
func (h *Handler) CancelPayment(c *gin.Context) {
	var req CancelRequest
	// Body is optional.
	_ = c.ShouldBindJSON(&req)

	result, err := h.tracker.Cancel(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func respondError(c *gin.Context, err error) {
	status := faults.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": faults.Code(err), "message": msg})
}
