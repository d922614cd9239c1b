package reputation

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes reputation read endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a reputation HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// GetSummary handles GET /v1/accounts/:id/reputation
func (h *Handler) GetSummary(c *gin.Context) {
	accountID := c.Param("id")
	average, count, err := h.service.Summarize(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute reputation"})
		return
	}
	c.JSON(http.StatusOK, Summary{AccountID: accountID, Average: average, Count: count})
}

// ListEntries handles GET /v1/accounts/:id/reputation/entries
func (h *Handler) ListEntries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.Entries(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list reputation entries"})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
