package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edumatch/edumatch/internal/logging"
)

// Handler exposes escrow read and party-initiated endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates an escrow HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	record, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// ListByAccount handles GET /v1/accounts/:id/escrows
func (h *Handler) ListByAccount(c *gin.Context) {
	records, err := h.service.ListByAccount(c.Request.Context(), c.Param("id"), 50)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []*Record{}
	}
	c.JSON(http.StatusOK, gin.H{"escrows": records, "count": len(records)})
}

// Cancel handles POST /v1/escrows/:id/cancel. Payer only, Pending only.
func (h *Handler) Cancel(c *gin.Context) {
	callerID := c.GetString("authAccountID")
	record, err := h.service.Cancel(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("escrow cancelled by payer",
		"escrow_id", record.ID, "payer_id", callerID)
	c.JSON(http.StatusOK, record)
}

// DisputeRequest is the body for raising a dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Dispute handles POST /v1/escrows/:id/dispute. Either party.
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	callerID := c.GetString("authAccountID")
	record, err := h.service.Dispute(c.Request.Context(), c.Param("id"), callerID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("escrow disputed",
		"escrow_id", record.ID, "raised_by", callerID)
	c.JSON(http.StatusOK, record)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for this escrow"})
	case errors.Is(err, ErrAlreadySettled):
		c.JSON(http.StatusConflict, gin.H{"error": "escrow already settled"})
	case errors.Is(err, ErrStateConflict), errors.Is(err, ErrNotDisputed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidSplit):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
