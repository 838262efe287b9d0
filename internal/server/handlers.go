package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/errs"
	"github.com/ifuryst/postwave/internal/service"
)

const (
	TenantHeader = "X-Tenant-ID"
	UserHeader   = "X-User-ID"

	ctxTenant = "tenant_id"
	ctxUser   = "user_id"
)

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"time":      time.Now().Unix(),
			"queue":     s.Config.Queue.Driver,
			"providers": s.Registry.Tags(),
		})
	})

	if s.Config.Metrics.Enabled {
		s.Router.GET(s.Config.Metrics.Path, gin.WrapH(s.Metrics.Handler()))
	}

	// API routes
	api := s.Router.Group("/api/v1")
	{
		items := api.Group("/items", requireIdentity)
		{
			items.POST("", s.handleCreateItem)
			items.GET("/:id", s.handleGetItem)
			items.PUT("/:id", s.handleEditItem)
			items.DELETE("/:id", s.handleDeleteItem)
			items.POST("/:id/schedules/:scheduleId/cancel", s.handleCancelSchedule)
			items.GET("/:id/published", s.handleListPublished)
		}

		admin := api.Group("/admin", s.Auth.AdminMiddleware())
		{
			admin.POST("/sweep", s.handleSweep)
			admin.POST("/channels", requireIdentity, s.handleRegisterChannel)
			admin.POST("/channels/:id/test", requireIdentity, s.handleTestChannel)
			admin.POST("/channels/:id/refresh", requireIdentity, s.handleRefreshChannel)
		}
	}
}

// requireIdentity takes tenant and user from headers set by the upstream gateway
func requireIdentity(c *gin.Context) {
	tenant := c.GetHeader(TenantHeader)
	if tenant == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": TenantHeader + " header is required"})
		return
	}
	c.Set(ctxTenant, tenant)
	c.Set(ctxUser, c.GetHeader(UserHeader))
	c.Next()
}

// statusFor maps error kinds onto HTTP status codes
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindAccess:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindTransient, errs.KindTimeout:
		return http.StatusServiceUnavailable
	case errs.KindProvider, errs.KindChannelUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  errs.KindOf(err),
	})
}

func (s *Server) handleCreateItem(c *gin.Context) {
	var in service.ItemInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": errs.KindValidation})
		return
	}

	item, err := s.Content.Create(c.Request.Context(), c.GetString(ctxTenant), c.GetString(ctxUser), in)
	if err != nil {
		s.respondError(c, "Failed to create content item", err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (s *Server) handleGetItem(c *gin.Context) {
	item, err := s.Content.Get(c.Request.Context(), c.GetString(ctxTenant), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to get content item", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleEditItem(c *gin.Context) {
	var in service.ItemInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": errs.KindValidation})
		return
	}

	item, err := s.Content.Edit(c.Request.Context(), c.GetString(ctxTenant), c.Param("id"), in)
	if err != nil {
		s.respondError(c, "Failed to edit content item", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleDeleteItem(c *gin.Context) {
	if err := s.Content.Delete(c.Request.Context(), c.GetString(ctxTenant), c.Param("id")); err != nil {
		s.respondError(c, "Failed to delete content item", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCancelSchedule(c *gin.Context) {
	item, err := s.Content.Cancel(c.Request.Context(), c.GetString(ctxTenant), c.Param("id"), c.Param("scheduleId"))
	if err != nil {
		s.respondError(c, "Failed to cancel schedule", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleListPublished(c *gin.Context) {
	records, err := s.Content.ListPublished(c.Request.Context(), c.GetString(ctxTenant), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to list published records", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) handleSweep(c *gin.Context) {
	res, err := s.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		s.respondError(c, "Sweep failed", errs.Transient("admin.sweep", err))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleRegisterChannel(c *gin.Context) {
	var in service.ChannelInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": errs.KindValidation})
		return
	}

	ch, err := s.Channels.Register(c.Request.Context(), c.GetString(ctxTenant), in)
	if err != nil {
		s.respondError(c, "Failed to register channel", err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

func (s *Server) handleTestChannel(c *gin.Context) {
	ch, err := s.Channels.Verify(c.Request.Context(), c.GetString(ctxTenant), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to test channel", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (s *Server) handleRefreshChannel(c *gin.Context) {
	ch, err := s.Channels.Refresh(c.Request.Context(), c.GetString(ctxTenant), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to refresh channel token", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}
