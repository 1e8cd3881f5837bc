package router

import (
	"github.com/gin-gonic/gin"

	"astralcore.app/crisis/internal/http/handler"
	"astralcore.app/crisis/internal/http/middleware"
)

func CrisisRouter(router *gin.RouterGroup, handler *handler.CrisisHandler, userIDHeader string) {
	requireUser := middleware.UserID(userIDHeader)
	optionalUser := middleware.OptionalUserID(userIDHeader)

	router.POST("/create", optionalUser, handler.Create)
	router.GET("/active", requireUser, handler.Active)
	router.POST("/resolve", optionalUser, handler.Resolve)
	router.POST("/escalate", optionalUser, handler.Escalate)
	router.GET("/alerts/stream", requireUser, handler.Stream)
	router.GET("/schema/escalation", handler.EscalationSchema)
	router.GET("/:id/interventions", handler.Interventions)
	router.POST("/:id/interventions", optionalUser, handler.RecordIntervention)
}
