package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"astralcore.app/crisis/internal/http/handler"
	"astralcore.app/crisis/internal/service"
)

type RouterConfig struct {
	UserIDHeader string
	Alerts       handler.AlertSource
	Metrics      http.Handler
	SSEHeartbeat time.Duration
}

func SetupRoutes(router *gin.Engine, services *service.Services, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	crisisHandler := handler.NewCrisisHandler(services.Crisis(), cfg.Alerts, cfg.SSEHeartbeat)
	CrisisRouter(router.Group("/crisis"), crisisHandler, cfg.UserIDHeader)
}
