package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edumatch/edumatch/internal/escrow"
)

// Handler exposes the join/end signal endpoints.
type Handler struct {
	controller *Controller
}

// NewHandler creates a session HTTP handler.
func NewHandler(controller *Controller) *Handler {
	return &Handler{controller: controller}
}

// Join handles POST /v1/escrows/:id/join
func (h *Handler) Join(c *gin.Context) {
	record, err := h.controller.ReportJoin(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		writeSignalError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// End handles POST /v1/escrows/:id/end
func (h *Handler) End(c *gin.Context) {
	record, err := h.controller.ReportEnd(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		writeSignalError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func writeSignalError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow not found"})
	case errors.Is(err, escrow.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this session"})
	case errors.Is(err, escrow.ErrAlreadySettled):
		c.JSON(http.StatusConflict, gin.H{"error": "escrow already settled"})
	case errors.Is(err, escrow.ErrStateConflict), errors.Is(err, escrow.ErrGraceExpired):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
