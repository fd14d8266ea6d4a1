package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rollcall-app/rollcall-api/internal/models"
	"github.com/rollcall-app/rollcall-api/internal/service"
	appErrors "github.com/rollcall-app/rollcall-api/pkg/errors"
	"github.com/rollcall-app/rollcall-api/pkg/response"
)

// RecordHandler wires HTTP endpoints to record listings.
type RecordHandler struct {
	service *service.RecordService
}

// NewRecordHandler creates a new handler.
func NewRecordHandler(svc *service.RecordService) *RecordHandler {
	return &RecordHandler{service: svc}
}

// List godoc
// @Summary List attendance records
// @Description Students see their own records; staff may filter freely
// @Tags Records
// @Produce json
// @Param session_id query string false "Filter by session"
// @Param attendee_id query string false "Filter by attendee"
// @Param disposition query string false "Filter by disposition"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /records [get]
func (h *RecordHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := models.RecordFilter{
		SessionID:  c.Query("session_id"),
		AttendeeID: c.Query("attendee_id"),
	}
	if raw := c.Query("disposition"); raw != "" {
		disposition := models.Disposition(raw)
		if !disposition.Valid() {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid disposition filter"))
			return
		}
		filter.Disposition = &disposition
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "50"))

	records, total, err := h.service.List(c.Request.Context(), filter, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, &models.Pagination{
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalCount: total,
	})
}

// Get godoc
// @Summary Get an attendance record
// @Tags Records
// @Produce json
// @Param id path string true "Record ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /records/{id} [get]
func (h *RecordHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	record, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}
