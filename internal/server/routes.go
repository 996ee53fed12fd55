package server

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SetupRoutes builds the gin engine with all API routes registered.
func SetupRoutes(svc *Service) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:8080"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", svc.Health)

	api := router.Group("/api")
	{
		api.POST("/upload", svc.Upload)
		api.POST("/process", svc.Process)

		api.GET("/documents", svc.ListDocuments)
		api.GET("/documents/:id", svc.GetDocument)
		api.POST("/documents/:id/erp", svc.MarkERP)

		api.GET("/results", svc.ListResults)

		api.GET("/stats/documents", svc.DocumentStats)
		api.GET("/stats/processing", svc.ProcessingStats)

		api.POST("/query", svc.Query)
	}

	return router
}
