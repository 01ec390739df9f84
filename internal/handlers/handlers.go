package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	smerrors "sitesmith/internal/errors"
	"sitesmith/internal/models"
	"sitesmith/internal/paths"
	"sitesmith/internal/services"
)

// TaskService is the generation surface of the orchestrator.
type TaskService interface {
	Submit(ctx context.Context, req services.SubmitRequest) (*models.GenerationTask, error)
	Cancel(ctx context.Context, taskID string) error
	Retry(ctx context.Context, taskID string) (*models.GenerationTask, error)
	DeleteSite(ctx context.Context, siteID string) error
}

// TaskReader serves the task read model.
type TaskReader interface {
	Get(ctx context.Context, id string) (*models.GenerationTask, error)
	ListBySite(ctx context.Context, siteID string) ([]models.GenerationTask, error)
}

// DomainService is the domain lifecycle surface.
type DomainService interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.SiteDomain, error)
	RequestCustomDomain(ctx context.Context, sessionID, siteID, domain string) (*models.SiteDomain, error)
	VerifyDomain(ctx context.Context, id uint) (*models.SiteDomain, error)
	RetryDomain(ctx context.Context, id uint) (*models.SiteDomain, error)
	RetireDomain(ctx context.Context, id uint) (*models.SiteDomain, error)
	IssueCertificate(ctx context.Context, id uint) (*models.SiteDomain, error)
}

type Handler struct {
	tasks   TaskService
	reader  TaskReader
	domains DomainService
}

func RegisterRoutes(api *echo.Group, tasks TaskService, reader TaskReader, domains DomainService) {
	h := &Handler{tasks: tasks, reader: reader, domains: domains}

	api.POST("/tasks", h.SubmitTask)
	api.GET("/tasks/:id", h.GetTask)
	api.POST("/tasks/:id/cancel", h.CancelTask)
	api.POST("/tasks/:id/retry", h.RetryTask)

	api.GET("/sites/:siteId/tasks", h.ListSiteTasks)
	api.DELETE("/sites/:siteId", h.DeleteSite)

	api.GET("/sessions/:sessionId/domains", h.ListDomains)
	api.POST("/sessions/:sessionId/domains", h.RequestDomain)

	api.POST("/domains/:id/verify", h.domainAction(domains.VerifyDomain))
	api.POST("/domains/:id/retry", h.domainAction(domains.RetryDomain))
	api.POST("/domains/:id/ssl", h.domainAction(domains.IssueCertificate))
	api.DELETE("/domains/:id", h.domainAction(domains.RetireDomain))
}

// RegisterSystemRoutes adds /healthz and /metrics. ping reports storage health.
func RegisterSystemRoutes(e *echo.Echo, gatherer prometheus.Gatherer, ping func(ctx context.Context) error) {
	e.GET("/healthz", func(c echo.Context) error {
		if err := ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func (h *Handler) SubmitTask(c echo.Context) error {
	var req services.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, smerrors.CodeInvalidInput, "invalid request body")
	}
	task, err := h.tasks.Submit(c.Request().Context(), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, task.View())
}

func (h *Handler) GetTask(c echo.Context) error {
	task, err := h.reader.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, task.View())
}

func (h *Handler) CancelTask(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.tasks.Cancel(ctx, id); err != nil {
		return fail(c, err)
	}
	task, err := h.reader.Get(ctx, id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, task.View())
}

func (h *Handler) RetryTask(c echo.Context) error {
	task, err := h.tasks.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, task.View())
}

func (h *Handler) ListSiteTasks(c echo.Context) error {
	siteID := c.Param("siteId")
	if err := paths.ValidateSiteID(siteID); err != nil {
		return fail(c, err)
	}
	tasks, err := h.reader.ListBySite(c.Request().Context(), siteID)
	if err != nil {
		return fail(c, err)
	}
	views := make([]models.TaskView, 0, len(tasks))
	for i := range tasks {
		views = append(views, tasks[i].View())
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) DeleteSite(c echo.Context) error {
	if err := h.tasks.DeleteSite(c.Request().Context(), c.Param("siteId")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListDomains(c echo.Context) error {
	domains, err := h.domains.ListBySession(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return fail(c, err)
	}
	views := make([]models.DomainView, 0, len(domains))
	for i := range domains {
		views = append(views, domains[i].View())
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) RequestDomain(c echo.Context) error {
	var req struct {
		Domain string `json:"domain"`
		SiteID string `json:"siteId"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, smerrors.CodeInvalidInput, "invalid request body")
	}
	sessionID := c.Param("sessionId")
	if req.SiteID == "" {
		req.SiteID = paths.DefaultSiteID(sessionID)
	}
	rec, err := h.domains.RequestCustomDomain(c.Request().Context(), sessionID, req.SiteID, req.Domain)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, rec.View())
}

// domainAction adapts a domain state transition keyed by record id.
func (h *Handler) domainAction(action func(ctx context.Context, id uint) (*models.SiteDomain, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, smerrors.CodeInvalidInput, "invalid domain id")
		}
		rec, err := action(c.Request().Context(), uint(id))
		if err != nil {
			if rec != nil && statusFor(smerrors.Code(err)) == http.StatusUnprocessableEntity {
				// The record carries the reason, e.g. a missing TXT record.
				return c.JSON(http.StatusUnprocessableEntity, map[string]any{
					"error":  err.Error(),
					"code":   smerrors.Code(err),
					"domain": rec.View(),
				})
			}
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, rec.View())
	}
}

func fail(c echo.Context, err error) error {
	code := smerrors.Code(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
		if errors.Is(err, context.Canceled) {
			msg = "request cancelled"
		}
	}
	return errorJSON(c, status, code, msg)
}

func errorJSON(c echo.Context, status int, code smerrors.ErrorCode, msg string) error {
	return c.JSON(status, map[string]string{"error": msg, "code": string(code)})
}

func statusFor(code smerrors.ErrorCode) int {
	switch code {
	case smerrors.CodeInvalidInput, smerrors.CodeDomainInvalid, smerrors.CodeConfigurationMissing:
		return http.StatusBadRequest
	case smerrors.CodeTaskNotFound, smerrors.CodeDomainNotFound:
		return http.StatusNotFound
	case smerrors.CodeSiteBusy, smerrors.CodeDomainConflict, smerrors.CodeTaskAlreadyTerminal, smerrors.CodeInvalidTransition:
		return http.StatusConflict
	case smerrors.CodeDomainNotVerified, smerrors.CodeVerificationExpired:
		return http.StatusUnprocessableEntity
	case smerrors.CodeSSLIssuance, smerrors.CodeProxyConfig:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
