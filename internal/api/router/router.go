package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/minhvo-dev/docpipe/internal/api/handler"
	"github.com/minhvo-dev/docpipe/internal/metrics"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Liveness: the process is up and serving
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "ocr-api-service",
		})
	})

	// Readiness: collaborators are reachable
	r.GET("/ready", func(c *gin.Context) {
		if deps.DB != nil {
			if err := deps.DB.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "not ready",
					"reason": "database unreachable",
				})
				return
			}
		}
		if deps.Broker != nil && !deps.Broker.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"reason": "message broker disconnected",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "ready",
		})
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Initialize OCR handler
	ocrHandler := handler.NewOCRHandler(deps)

	ocr := r.Group("/ocr")
	{
		// POST /ocr - Submit an image for OCR processing
		ocr.POST("", ocrHandler.SubmitJob)

		// GET /ocr/:job_id - Get job status
		ocr.GET("/:job_id", ocrHandler.GetJob)

		// GET /ocr/:job_id/result - Get extracted text of a completed job
		ocr.GET("/:job_id/result", ocrHandler.GetResult)
	}

	return r
}
