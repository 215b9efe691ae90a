package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-admission-api/internal/dto"
	"github.com/noah-isme/sma-admission-api/internal/models"
	"github.com/noah-isme/sma-admission-api/internal/service"
	appErrors "github.com/noah-isme/sma-admission-api/pkg/errors"
	"github.com/noah-isme/sma-admission-api/pkg/response"
)

type outboxAdmin interface {
	Stats(ctx context.Context) (*models.OutboxStats, error)
	Status() service.DispatcherStatus
	FailedEvents(ctx context.Context, limit, offset int) ([]models.OutboxEvent, error)
	ForceReprocess(ctx context.Context, ids []string, all bool) (int64, error)
	Purge(ctx context.Context, retention time.Duration) (int64, error)
	Enable()
	Disable()
	SetBatchSize(size int) error
}

// OutboxAdminHandler exposes operator controls for the outbox dispatcher.
type OutboxAdminHandler struct {
	dispatcher outboxAdmin
	metrics    *service.MetricsService
}

// NewOutboxAdminHandler constructs the handler.
func NewOutboxAdminHandler(dispatcher outboxAdmin, metrics *service.MetricsService) *OutboxAdminHandler {
	return &OutboxAdminHandler{dispatcher: dispatcher, metrics: metrics}
}

// Stats godoc
// @Summary Outbox statistics
// @Tags Outbox
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/outbox/stats [get]
func (h *OutboxAdminHandler) Stats(c *gin.Context) {
	stats, err := h.dispatcher.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// Status godoc
// @Summary Dispatcher status
// @Tags Outbox
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/outbox/status [get]
func (h *OutboxAdminHandler) Status(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.dispatcher.Status(), nil)
}

// Failed godoc
// @Summary Permanently failed events
// @Tags Outbox
// @Produce json
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /admin/outbox/failed [get]
func (h *OutboxAdminHandler) Failed(c *gin.Context) {
	page := parseIntDefault(c.Query("page"), 1)
	size := parseIntDefault(c.Query("pageSize"), 50)
	if size > 200 {
		size = 200
	}
	events, err := h.dispatcher.FailedEvents(c.Request.Context(), size, (page-1)*size)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, &models.Pagination{Page: page, PageSize: size, TotalCount: len(events)})
}

// Reprocess godoc
// @Summary Reset retry budget for failed events
// @Tags Outbox
// @Accept json
// @Produce json
// @Param payload body dto.ReprocessRequest true "Events"
// @Success 200 {object} response.Envelope
// @Router /admin/outbox/reprocess [post]
func (h *OutboxAdminHandler) Reprocess(c *gin.Context) {
	var req dto.ReprocessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid reprocess payload"))
		return
	}
	n, err := h.dispatcher.ForceReprocess(c.Request.Context(), req.IDs, req.All)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.ReprocessResponse{Reset: n}, nil)
}

// Purge godoc
// @Summary Delete delivered events older than a retention window
// @Tags Outbox
// @Produce json
// @Param olderThan query string true "Go duration, e.g. 168h"
// @Success 200 {object} response.Envelope
// @Router /admin/outbox/processed [delete]
func (h *OutboxAdminHandler) Purge(c *gin.Context) {
	retention, err := time.ParseDuration(c.Query("olderThan"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "olderThan must be a duration"))
		return
	}
	n, err := h.dispatcher.Purge(c.Request.Context(), retention)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"deleted": n}, nil)
}

// Enable godoc
// @Summary Resume dispatching
// @Tags Outbox
// @Success 200 {object} response.Envelope
// @Router /admin/outbox/enable [post]
func (h *OutboxAdminHandler) Enable(c *gin.Context) {
	h.dispatcher.Enable()
	response.JSON(c, http.StatusOK, h.dispatcher.Status(), nil)
}

// Disable godoc
// @Summary Pause dispatching
// @Tags Outbox
// @Success 200 {object} response.Envelope
// @Router /admin/outbox/disable [post]
func (h *OutboxAdminHandler) Disable(c *gin.Context) {
	h.dispatcher.Disable()
	response.JSON(c, http.StatusOK, h.dispatcher.Status(), nil)
}

// SetBatchSize godoc
// @Summary Change the poll batch size
// @Tags Outbox
// @Accept json
// @Param payload body dto.BatchSizeRequest true "Batch size"
// @Success 200 {object} response.Envelope
// @Router /admin/outbox/batch-size [put]
func (h *OutboxAdminHandler) SetBatchSize(c *gin.Context) {
	var req dto.BatchSizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "batchSize must be between 1 and 1000"))
		return
	}
	if err := h.dispatcher.SetBatchSize(req.BatchSize); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.dispatcher.Status(), nil)
}

// Metrics godoc
// @Summary In-process counter snapshot
// @Tags Outbox
// @Success 200 {object} response.Envelope
// @Router /admin/metrics [get]
func (h *OutboxAdminHandler) Metrics(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.metrics.Snapshot(), nil)
}
