package ingress

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"onboarding/internal/logger"
	"onboarding/pkg/errors"
)

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log,
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	{
		onboarding := v1.Group("/onboarding")
		{
			onboarding.POST("", h.RequestOnboarding)
			onboarding.GET("/:requestId/failures", h.GetFailures)
			onboarding.GET("/:requestId/progress", h.GetProgress)
		}
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

// RequestOnboarding starts a saga and returns its request id without waiting
// for any stage.
func (h *Handler) RequestOnboarding(c *gin.Context) {
	var req OnboardingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	resp, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetFailures(c *gin.Context) {
	resp, err := h.service.Failures(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetProgress(c *gin.Context) {
	snap, err := h.service.Progress(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
