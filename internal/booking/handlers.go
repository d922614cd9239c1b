package booking

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edumatch/edumatch/internal/escrow"
)

// Handler exposes booking submission and tutor availability endpoints.
type Handler struct {
	service      *Service
	availability AvailabilityStore
}

// NewHandler creates a booking HTTP handler.
func NewHandler(service *Service, availability AvailabilityStore) *Handler {
	return &Handler{service: service, availability: availability}
}

// SubmitRequest is the body for POST /v1/bookings.
type SubmitRequest struct {
	TutorID         string    `json:"tutorId" binding:"required"`
	Start           time.Time `json:"start" binding:"required"`
	DurationMinutes int       `json:"durationMinutes" binding:"required"`
	Rate            string    `json:"rate" binding:"required"`
}

// Submit handles POST /v1/bookings. The requester is the authenticated
// account.
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, quote, err := h.service.Submit(c.Request.Context(), &Request{
		RequesterID:     c.GetString("authAccountID"),
		TutorID:         req.TutorID,
		Start:           req.Start,
		DurationMinutes: req.DurationMinutes,
		Rate:            req.Rate,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": record, "quote": quote})
}

// PublishWindowRequest is the body for publishing availability.
type PublishWindowRequest struct {
	Start time.Time `json:"start" binding:"required"`
	End   time.Time `json:"end" binding:"required"`
}

// PublishWindow handles POST /v1/availability.
func (h *Handler) PublishWindow(c *gin.Context) {
	var req PublishWindowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	window, err := NewWindow(c.GetString("authAccountID"), req.Start, req.End)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := h.availability.Publish(c.Request.Context(), window); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish window"})
		return
	}
	c.JSON(http.StatusCreated, window)
}

// RemoveWindow handles DELETE /v1/availability/:id.
func (h *Handler) RemoveWindow(c *gin.Context) {
	err := h.availability.Remove(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if errors.Is(err, ErrWindowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "window not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove window"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// ListWindows handles GET /v1/tutors/:id/availability.
func (h *Handler) ListWindows(c *gin.Context) {
	windows, err := h.availability.ListByTutor(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list windows"})
		return
	}
	if windows == nil {
		windows = []*Window{}
	}
	c.JSON(http.StatusOK, gin.H{"windows": windows, "count": len(windows)})
}

func writeBookingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrConflict),
		errors.Is(err, escrow.ErrOverlap),
		errors.Is(err, ErrInvalidDuration),
		errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "reason": rejectionReason(err)})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error(), "reason": "InsufficientFunds"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrUnavailable):
		return "Unavailable"
	case errors.Is(err, ErrConflict), errors.Is(err, escrow.ErrOverlap):
		return "Conflict"
	case errors.Is(err, ErrInvalidDuration):
		return "InvalidDuration"
	default:
		return "Invalid"
	}
}
