package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-admission-api/internal/dto"
	"github.com/noah-isme/sma-admission-api/internal/models"
	"github.com/noah-isme/sma-admission-api/internal/service"
	appErrors "github.com/noah-isme/sma-admission-api/pkg/errors"
	"github.com/noah-isme/sma-admission-api/pkg/export"
	"github.com/noah-isme/sma-admission-api/pkg/middleware/requestid"
	"github.com/noah-isme/sma-admission-api/pkg/response"
)

type admissionService interface {
	CreateApplication(ctx context.Context, req dto.CreateApplicationRequest) (*models.Application, error)
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	ListApplications(ctx context.Context, query dto.ApplicationQuery) ([]models.Application, *models.Pagination, error)
	RequestTransition(ctx context.Context, applicationID string, req dto.TransitionRequest, actor service.Actor) (*dto.TransitionResponse, error)
	History(ctx context.Context, applicationID string, filter models.TransitionLogFilter) ([]models.TransitionLogEntry, error)
	TransitionOptions(ctx context.Context, applicationID string, role models.UserRole) (*dto.TransitionOptionsResponse, error)
	ExportHistory(ctx context.Context, applicationID string, format export.Format) ([]byte, error)
}

// IdempotencyHeader may carry the idempotency key instead of the body.
const IdempotencyHeader = "Idempotency-Key"

// ApplicationHandler exposes admission application endpoints.
type ApplicationHandler struct {
	service admissionService
}

// NewApplicationHandler constructs the handler.
func NewApplicationHandler(service admissionService) *ApplicationHandler {
	return &ApplicationHandler{service: service}
}

// Create godoc
// @Summary Open a draft application
// @Tags Applications
// @Accept json
// @Produce json
// @Param payload body dto.CreateApplicationRequest true "Applicant"
// @Success 201 {object} response.Envelope
// @Router /applications [post]
func (h *ApplicationHandler) Create(c *gin.Context) {
	var req dto.CreateApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid application payload"))
		return
	}
	app, err := h.service.CreateApplication(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, app)
}

// List godoc
// @Summary List applications
// @Tags Applications
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param applicantId query string false "Applicant ID"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /applications [get]
func (h *ApplicationHandler) List(c *gin.Context) {
	query := dto.ApplicationQuery{
		ApplicantID: strings.TrimSpace(c.Query("applicantId")),
		Page:        parseIntDefault(c.Query("page"), 1),
		PageSize:    parseIntDefault(c.Query("pageSize"), 50),
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		for _, part := range strings.Split(rawStatus, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			status, err := models.ParseAdmissionStatus(part)
			if err != nil {
				response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
				return
			}
			query.Status = append(query.Status, status)
		}
	}
	apps, pagination, err := h.service.ListApplications(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, apps, pagination)
}

// Get godoc
// @Summary Get application
// @Tags Applications
// @Produce json
// @Param id path string true "Application ID"
// @Success 200 {object} response.Envelope
// @Router /applications/{id} [get]
func (h *ApplicationHandler) Get(c *gin.Context) {
	app, err := h.service.GetApplication(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, app, nil)
}

// Transition godoc
// @Summary Request a status transition
// @Description Validates the transition against the admission policy and commits it with its ledger row and outbox event.
// @Tags Applications
// @Accept json
// @Produce json
// @Param id path string true "Application ID"
// @Param Idempotency-Key header string false "Idempotency key"
// @Param payload body dto.TransitionRequest true "Transition"
// @Success 201 {object} response.Envelope
// @Success 200 {object} response.Envelope "Replayed"
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /applications/{id}/transitions [post]
func (h *ApplicationHandler) Transition(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid transition payload"))
		return
	}
	req.ToState = strings.ToUpper(strings.TrimSpace(req.ToState))
	req.ReasonCode = strings.ToUpper(strings.TrimSpace(req.ReasonCode))
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	}

	actor := service.Actor{
		UserID:        claims.UserID,
		Role:          claims.Role,
		IPAddress:     c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
		CorrelationID: requestid.Value(c),
	}
	result, err := h.service.RequestTransition(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	response.JSON(c, status, result, nil)
}

// History godoc
// @Summary Transition history
// @Tags Applications
// @Produce json
// @Param id path string true "Application ID"
// @Param reasonCode query string false "Reason code"
// @Param actorUserId query string false "Actor user ID"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /applications/{id}/transitions [get]
func (h *ApplicationHandler) History(c *gin.Context) {
	page := parseIntDefault(c.Query("page"), 1)
	size := parseIntDefault(c.Query("pageSize"), 200)
	filter := models.TransitionLogFilter{
		ActorUserID: strings.TrimSpace(c.Query("actorUserId")),
		Limit:       size,
		Offset:      (page - 1) * size,
	}
	if raw := strings.ToUpper(strings.TrimSpace(c.Query("reasonCode"))); raw != "" {
		reason, err := models.ParseReasonCode(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
			return
		}
		filter.ReasonCode = reason
	}
	entries, err := h.service.History(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// Options godoc
// @Summary Allowed next transitions for the caller
// @Tags Applications
// @Produce json
// @Param id path string true "Application ID"
// @Success 200 {object} response.Envelope
// @Router /applications/{id}/transitions/options [get]
func (h *ApplicationHandler) Options(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	options, err := h.service.TransitionOptions(c.Request.Context(), c.Param("id"), claims.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, options, nil)
}

// Export godoc
// @Summary Export transition history
// @Tags Applications
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Application ID"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /applications/{id}/transitions/export [get]
func (h *ApplicationHandler) Export(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	id := c.Param("id")
	body, err := h.service.ExportHistory(c.Request.Context(), id, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, fmt.Sprintf("application-%s-history.%s", id, format), format.ContentType(), body)
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
