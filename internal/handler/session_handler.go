package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rollcall-app/rollcall-api/internal/models"
	"github.com/rollcall-app/rollcall-api/internal/service"
	appErrors "github.com/rollcall-app/rollcall-api/pkg/errors"
	"github.com/rollcall-app/rollcall-api/pkg/response"
)

// SessionHandler wires HTTP endpoints to the session lifecycle service.
type SessionHandler struct {
	sessions  *service.SessionService
	records   *service.RecordService
	scheduler *service.RotationScheduler
}

// NewSessionHandler creates a new handler. The scheduler may be nil when the
// background timers are disabled.
func NewSessionHandler(sessions *service.SessionService, records *service.RecordService, scheduler *service.RotationScheduler) *SessionHandler {
	return &SessionHandler{sessions: sessions, records: records, scheduler: scheduler}
}

// Create godoc
// @Summary Open an attendance session
// @Description Open a new session for a course meeting and issue the initial token
// @Tags Sessions
// @Accept json
// @Produce json
// @Param payload body service.CreateSessionRequest true "Session payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /sessions [post]
func (h *SessionHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid session payload"))
		return
	}

	snapshot, err := h.sessions.Create(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.scheduler != nil {
		h.scheduler.Track(&snapshot.Session)
	}

	response.Created(c, snapshot)
}

// Get godoc
// @Summary Get a session
// @Description Returns the session, auto-closing it when past its cutoff
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.sessions.GetActive(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session.Snapshot(time.Now().UTC()), nil)
}

// GetByCourse godoc
// @Summary Get the latest session for a course
// @Tags Sessions
// @Produce json
// @Param courseId path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /courses/{courseId}/sessions/latest [get]
func (h *SessionHandler) GetByCourse(c *gin.Context) {
	session, err := h.sessions.GetActiveByCourse(c.Request.Context(), c.Param("courseId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session.Snapshot(time.Now().UTC()), nil)
}

// Rotate godoc
// @Summary Rotate the session token
// @Description Replaces the token and bumps the rotation sequence
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/rotate [post]
func (h *SessionHandler) Rotate(c *gin.Context) {
	newToken, seq, err := h.sessions.RotateToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"token": newToken, "token_seq": seq}, nil)
}

// Close godoc
// @Summary Close a session
// @Description Closes the session and reconciles non-submitters to ABSENT
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{id}/close [post]
func (h *SessionHandler) Close(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.sessions.Close(c.Request.Context(), sessionID, "manual"); err != nil {
		response.Error(c, err)
		return
	}
	if h.scheduler != nil {
		h.scheduler.Untrack(sessionID)
	}
	response.NoContent(c)
}

// Records godoc
// @Summary List session records
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Param disposition query string false "Filter by disposition"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/records [get]
func (h *SessionHandler) Records(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := models.RecordFilter{SessionID: c.Param("id")}
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

	records, total, err := h.records.List(c.Request.Context(), filter, claims)
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

// Summary godoc
// @Summary Summarise session dispositions
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/summary [get]
func (h *SessionHandler) Summary(c *gin.Context) {
	summary, err := h.records.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// Export godoc
// @Summary Export the session attendance sheet
// @Tags Sessions
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Session ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} byte
// @Router /sessions/{id}/export [get]
func (h *SessionHandler) Export(c *gin.Context) {
	sessionID := c.Param("id")
	format := c.DefaultQuery("format", "csv")
	payload, contentType, err := h.records.Export(c.Request.Context(), sessionID, format)
	if err != nil {
		response.Error(c, err)
		return
	}

	ext := "csv"
	if format == "pdf" {
		ext = "pdf"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=attendance-%s.%s", sessionID, ext))
	c.Data(http.StatusOK, contentType, payload)
}

// Remind godoc
// @Summary Remind unsigned attendees
// @Description Sends a sign-in reminder to roster members without a record
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/remind [post]
func (h *SessionHandler) Remind(c *gin.Context) {
	var payload struct {
		Message string `json:"message"`
	}
	// Body is optional; an empty message falls back to the default text.
	_ = c.ShouldBindJSON(&payload)

	reminded, err := h.sessions.Remind(c.Request.Context(), c.Param("id"), payload.Message)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"reminded": reminded}, nil)
}
