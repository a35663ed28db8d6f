package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mklotz/geoconvert/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "geoconvert-api",
		})
	})

	conversionHandler := handler.NewConversionHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		conversions := v1.Group("/conversions")
		{
			// POST /api/v1/conversions - Submit a conversion
			conversions.POST("", conversionHandler.CreateConversion)

			// GET /api/v1/conversions/:job_id - Poll conversion status
			conversions.GET("/:job_id", conversionHandler.GetConversion)

			// GET /api/v1/conversions/:job_id/result - Fetch the result link
			conversions.GET("/:job_id/result", conversionHandler.GetConversionResult)
		}

		// POST /api/v1/uploads - Allocate a staging blob for direct upload
		v1.POST("/uploads", conversionHandler.CreateUpload)

		// GET /api/v1/projects/:project_id/layers - List a project's layers
		v1.GET("/projects/:project_id/layers", conversionHandler.ListProjectLayers)
	}

	return r
}
