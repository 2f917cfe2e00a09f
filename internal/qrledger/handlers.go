package qrledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/validation"
)

// Handler provides HTTP endpoints for the QR ledger.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new document handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up document routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/documents", h.IssueDocument)

	doc := r.Group("/documents/:id", validation.IDParamMiddleware("id"))
	doc.GET("", h.GetDocument)
	doc.POST("/scan", h.ScanDocument)
	doc.POST("/cancel", h.CancelDocument)
}

// IssueRequest is the body of POST /v1/documents.
type IssueRequest struct {
	DocumentID string `json:"documentId"`
	Hash       string `json:"hash" binding:"required"`
}

// ScanRequest is the body of POST /v1/documents/:id/scan.
type ScanRequest struct {
	Hash    string `json:"hash" binding:"required"`
	ActorID string `json:"actorId" binding:"required"`
	EventID string `json:"eventId"`
}

// IssueDocument handles POST /v1/documents
func (h *Handler) IssueDocument(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	checks := []func() *validation.ValidationError{validation.MaxLength("hash", req.Hash, 512)}
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

	doc, err := h.ledger.Issue(c.Request.Context(), req.DocumentID, req.Hash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"document": doc})
}

// GetDocument handles GET /v1/documents/:id
func (h *Handler) GetDocument(c *gin.Context) {
	doc, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc})
}

// ScanDocument handles POST /v1/documents/:id/scan
func (h *Handler) ScanDocument(c *gin.Context) {
	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	checks := []func() *validation.ValidationError{validation.ValidID("actorId", req.ActorID)}
	if req.EventID != "" {
		checks = append(checks, validation.ValidID("eventId", req.EventID))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.ledger.Scan(c.Request.Context(), c.Param("id"), req.Hash, ScanContext{
		ActorID: req.ActorID,
		EventID: req.EventID,
	})
	if errors.Is(err, ErrQrMismatch) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "qr_mismatch",
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

// CancelDocument handles POST /v1/documents/:id/cancel
func (h *Handler) CancelDocument(c *gin.Context) {
	doc, err := h.ledger.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc})
}

func respondError(c *gin.Context, err error) {
	status := faults.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": faults.Code(err), "message": msg})
}
