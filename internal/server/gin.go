package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		api.GET("/version", s.handleAPIVersion)
		api.GET("/stats", s.handleAPIStats)
		api.GET("/personas", s.handleAPIPersonas)
		api.GET("/tasks", s.handleAPITasksList)
		api.POST("/tasks", s.handleAPITaskCreate)
		api.GET("/tasks/:id", s.handleAPITaskGet)
		api.DELETE("/tasks/:id", s.handleAPITaskCancel)
		api.POST("/tasks/:id/interrupt", s.handleAPITaskInterrupt)
		api.POST("/tasks/:id/input", s.handleAPITaskInput)
		api.GET("/tasks/:id/events", s.handleAPITaskEvents)
		api.GET("/tasks/:id/stream", s.handleAPITaskStream)
		api.GET("/tasks/:id/log", s.handleAPITaskLog)
	}

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.DebugCtx("http request", map[string]any{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.scheduler.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": stats.Running,
		"queued":  stats.Queued,
	})
}

func (s *Server) handleAPIVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func (s *Server) handleAPIStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"scheduler": s.scheduler.Stats(),
		"tasks":     s.store.Count(),
	})
}

func (s *Server) handleAPIPersonas(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"personas": s.personas.List()})
}
