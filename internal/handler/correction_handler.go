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

// CorrectionHandler wires HTTP endpoints to the correction workflow.
type CorrectionHandler struct {
	service *service.CorrectionService
}

// NewCorrectionHandler creates a new handler.
func NewCorrectionHandler(svc *service.CorrectionService) *CorrectionHandler {
	return &CorrectionHandler{service: svc}
}

// Open godoc
// @Summary Open a correction request
// @Description Files a correction against a LATE or ABSENT record
// @Tags Corrections
// @Accept json
// @Produce json
// @Param payload body service.OpenCorrectionRequest true "Correction payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /corrections [post]
func (h *CorrectionHandler) Open(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.OpenCorrectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid correction payload"))
		return
	}

	request, err := h.service.Open(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, request)
}

// Get godoc
// @Summary Get a correction request
// @Tags Corrections
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /corrections/{id} [get]
func (h *CorrectionHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	request, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// List godoc
// @Summary List correction requests
// @Tags Corrections
// @Produce json
// @Param status query string false "Filter by status"
// @Param session_id query string false "Filter by session"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /corrections [get]
func (h *CorrectionHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := models.CorrectionFilter{
		Status:    models.CorrectionStatus(c.Query("status")),
		SessionID: c.Query("session_id"),
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	requests, total, err := h.service.List(c.Request.Context(), filter, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, &models.Pagination{
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalCount: total,
	})
}

// Review godoc
// @Summary Apply the reviewer decision
// @Description First-stage verdict on an OPENED request
// @Tags Corrections
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body service.DecisionRequest true "Decision payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /corrections/{id}/review [post]
func (h *CorrectionHandler) Review(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}

	request, err := h.service.DecideAsReviewer(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Decide godoc
// @Summary Apply the instructor decision
// @Description Final verdict on a REVIEWER_APPROVED request; approval excuses the record
// @Tags Corrections
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body service.DecisionRequest true "Decision payload"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /corrections/{id}/decide [post]
func (h *CorrectionHandler) Decide(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}

	request, err := h.service.DecideAsInstructor(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}
