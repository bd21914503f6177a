// Package http exposes the dispatcher's client-facing API.
package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	taskdomain "dispatchd/internal/domain/task"
	"dispatchd/internal/logging"
)

// NewRouter builds the gin engine with permissive CORS for browser callers.
func NewRouter(store taskdomain.Store, logger logging.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	engine.Use(cors.New(corsConfig))

	handler := NewTaskHandler(store, logger)
	engine.POST("/create-task", handler.CreateTask)
	engine.GET("/tasks/:task_id", handler.GetTask)
	engine.GET("/health", handler.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}
