package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edumatch/edumatch/internal/escrow"
	"github.com/edumatch/edumatch/internal/reputation"
)

// Handler exposes settlement endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler creates a settlement HTTP handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// SettleRequest optionally carries post-session ratings.
type SettleRequest struct {
	Ratings *Ratings `json:"ratings,omitempty"`
}

// Settle handles POST /v1/escrows/:id/settle. Idempotent: retrying a
// settled escrow returns the original outcome with 200.
func (h *Handler) Settle(c *gin.Context) {
	var req SettleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	record, err := h.engine.Settle(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"), req.Ratings)
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// ResolveRequest carries the externally decided dispute split.
type ResolveRequest struct {
	Split *float64 `json:"split" binding:"required"`
}

// Resolve handles POST /v1/escrows/:id/resolve. Admin only; records the
// split and settles under it.
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "split is required"})
		return
	}

	record, err := h.engine.Resolve(c.Request.Context(), c.Param("id"), *req.Split)
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func writeSettlementError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow not found"})
	case errors.Is(err, escrow.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "ratings can only be submitted by the rated session's participants"})
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrUnresolvedDispute),
		errors.Is(err, escrow.ErrNotDisputed), errors.Is(err, escrow.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrRatingsNotAllowed), errors.Is(err, escrow.ErrInvalidSplit),
		errors.Is(err, reputation.ErrInvalidRating):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed; retry is safe"})
	}
}
