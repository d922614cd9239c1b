package ledger

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ReputationProvider enriches account summaries with the derived
// reputation aggregate. Optional; wired by the server.
type ReputationProvider interface {
	Summarize(ctx context.Context, accountID string) (average float64, count int, err error)
}

// Handler provides HTTP endpoints for account balances and history.
type Handler struct {
	ledger     *Ledger
	reputation ReputationProvider
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// SetReputation wires a reputation provider into account summaries.
func (h *Handler) SetReputation(p ReputationProvider) {
	h.reputation = p
}

// GetAccount handles GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	id := c.Param("id")

	account, err := h.ledger.GetAccount(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{"account": account}
	if h.reputation != nil {
		if avg, count, err := h.reputation.Summarize(c.Request.Context(), id); err == nil {
			resp["reputation"] = gin.H{"average": avg, "count": count}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetHistory handles GET /v1/accounts/:id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	id := c.Param("id")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// DepositRequest contains the parameters for crediting an account.
type DepositRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// RecordDeposit handles POST /v1/admin/accounts/:id/deposits
// In production this is called by the payment-rail webhook, not end users.
func (h *Handler) RecordDeposit(c *gin.Context) {
	id := c.Param("id")

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Amount is required",
		})
		return
	}

	if err := h.ledger.Deposit(c.Request.Context(), id, req.Amount, req.Reference); err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrAccountNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	account, err := h.ledger.GetAccount(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}
