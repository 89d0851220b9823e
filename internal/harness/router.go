package harness

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

// SetupRouter собирает роутер харнесса: REST-контракт платформы плюс
// оба WebSocket-канала.
func SetupRouter(handlers *Handlers, hub *Hub, environment string, log logger.Logger) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.GET("/health", handlers.Health)

	api := router.Group("/api")
	{
		conversations := api.Group("/conversations")
		{
			conversations.GET("/:id", handlers.GetConversation)
			conversations.GET("/:id/messages", handlers.GetMessages)
			conversations.POST("/:id/send", handlers.SendMessage)
		}

		sessions := api.Group("/sessions")
		{
			sessions.GET("/:id/status", handlers.GetSessionStatus)
			sessions.POST("/:id/token", handlers.IssueToken)
			sessions.POST("/:id/recording", handlers.UploadRecording)
		}
	}

	router.GET("/ws/chat/:id", hub.HandleChat)
	router.GET("/ws/session/:id", hub.HandleSession)

	return router
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
