package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rollcall-app/rollcall-api/internal/service"
	appErrors "github.com/rollcall-app/rollcall-api/pkg/errors"
	"github.com/rollcall-app/rollcall-api/pkg/response"
)

// SubmissionHandler wires the sign-in endpoint to the verification service.
type SubmissionHandler struct {
	service *service.VerificationService
}

// NewSubmissionHandler creates a new handler.
func NewSubmissionHandler(svc *service.VerificationService) *SubmissionHandler {
	return &SubmissionHandler{service: svc}
}

// Submit godoc
// @Summary Submit a sign-in attempt
// @Description Verifies the attempt against the session's security mode and records the outcome
// @Tags Submissions
// @Accept json
// @Produce json
// @Param payload body service.SubmitRequest true "Submission payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /submissions [post]
func (h *SubmissionHandler) Submit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid submission payload"))
		return
	}

	record, err := h.service.Submit(c.Request.Context(), req, claims.UserID, claims.FullName)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, record)
}
