package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/sma-enrollment-sync/pkg/errors"
	"github.com/noah-isme/sma-enrollment-sync/pkg/export"
	"github.com/noah-isme/sma-enrollment-sync/pkg/response"
)

type pendingReconciler interface {
	ReconcilePending(ctx context.Context) (int, error)
	BacklogReport(ctx context.Context, limit int) (export.Dataset, error)
}

// AdminHandler exposes staff-only operational endpoints.
type AdminHandler struct {
	reconciler pendingReconciler
	renderers  map[string]export.Renderer
	logger     *zap.Logger
}

// NewAdminHandler constructs AdminHandler.
func NewAdminHandler(reconciler pendingReconciler, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	csvRenderer := export.NewCSVExporter()
	pdfRenderer := export.NewPDFExporter()
	return &AdminHandler{
		reconciler: reconciler,
		renderers: map[string]export.Renderer{
			csvRenderer.Extension(): csvRenderer,
			pdfRenderer.Extension(): pdfRenderer,
		},
		logger: logger,
	}
}

// Reconcile godoc
// @Summary Run a compliance reconciliation sweep now
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /admin/reconcile [post]
func (h *AdminHandler) Reconcile(c *gin.Context) {
	resolved, err := h.reconciler.ReconcilePending(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	h.logger.Info("manual reconciliation triggered",
		zap.String("staff_id", staffIDFromContext(c)),
		zap.Int("resolved", resolved))
	response.JSON(c, http.StatusOK, gin.H{"resolved": resolved})
}

// SyncBacklog godoc
// @Summary List enrollments whose compliance sync failed
// @Tags Admin
// @Produce json
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param format query string false "json (default), csv or pdf"
// @Param limit query int false "Maximum records"
// @Success 200 {object} response.Envelope
// @Router /admin/sync-backlog [get]
func (h *AdminHandler) SyncBacklog(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		response.Error(c, appErrors.WithDetails(appErrors.ErrValidation, "invalid limit", map[string]string{"limit": c.Query("limit")}))
		return
	}
	format := c.DefaultQuery("format", "json")
	renderer, ok := h.renderers[format]
	if format != "json" && !ok {
		response.Error(c, appErrors.WithDetails(appErrors.ErrValidation, "unsupported format", map[string]string{"format": format}))
		return
	}

	report, err := h.reconciler.BacklogReport(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	if format == "json" {
		response.JSON(c, http.StatusOK, report.Rows, map[string]interface{}{"total": len(report.Rows)})
		return
	}

	body, err := renderer.Render(report)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render report"))
		return
	}
	filename := fmt.Sprintf("sync-backlog-%s.%s", time.Now().UTC().Format("20060102T150405Z"), renderer.Extension())
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, renderer.ContentType(), body)
}
