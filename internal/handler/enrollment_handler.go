package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-sync/pkg/errors"
	"github.com/noah-isme/sma-enrollment-sync/pkg/response"
)

// maxStepPayloadBytes bounds a single step submission body.
const maxStepPayloadBytes = 64 << 10

type enrollmentWorkflow interface {
	InitializeEnrollment(ctx context.Context, req models.InitializeEnrollmentRequest) (*models.InitializeEnrollmentResponse, error)
	SubmitStep(ctx context.Context, id string, step int, payload json.RawMessage) (*models.EnrollmentRecord, error)
	GetStatus(ctx context.Context, id string) (*models.EnrollmentRecord, error)
	Abandon(ctx context.Context, id string) (*models.EnrollmentRecord, error)
}

// EnrollmentHandler exposes the guardian-facing enrollment endpoints.
type EnrollmentHandler struct {
	enrollments enrollmentWorkflow
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments enrollmentWorkflow) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments}
}

// Initialize godoc
// @Summary Start an enrollment from a coach invitation
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body models.InitializeEnrollmentRequest true "Invitation and guardian email"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Initialize(c *gin.Context) {
	var req models.InitializeEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.enrollments.InitializeEnrollment(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// SubmitStep godoc
// @Summary Submit the payload of one enrollment step
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param step path int true "Step number (1-6)"
// @Param payload body object true "Step payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments/{id}/steps/{step} [post]
func (h *EnrollmentHandler) SubmitStep(c *gin.Context) {
	step, err := stepParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxStepPayloadBytes+1))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unreadable payload"))
		return
	}
	if len(body) > maxStepPayloadBytes {
		response.Error(c, appErrors.WithDetails(appErrors.ErrValidation, "payload too large", map[string]string{"payload": "max"}))
		return
	}
	record, err := h.enrollments.SubmitStep(c.Request.Context(), c.Param("id"), step, json.RawMessage(body))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record)
}

// Get godoc
// @Summary Get enrollment progress
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	record, err := h.enrollments.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record)
}

// Abandon godoc
// @Summary Abandon an enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments/{id}/abandon [post]
func (h *EnrollmentHandler) Abandon(c *gin.Context) {
	record, err := h.enrollments.Abandon(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record)
}
