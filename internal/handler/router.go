package handler

import (
	"time"

	"workspace-im/config"
	"workspace-im/pkg/jwt"
	"workspace-im/pkg/logger"
	"workspace-im/pkg/metrics"
	"workspace-im/pkg/response"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RouterDeps 路由依赖
type RouterDeps struct {
	Config   *config.Config
	JWT      *jwt.JWTService
	Messages *MessageHandler
	Users    *UserHandler
	// WS 为 nil 时不注册 /ws
	WS gin.HandlerFunc
	// Health 健康检查，返回组件名 -> 错误
	Health func() map[string]error
}

// NewRouter 创建Gin路由
func NewRouter(d RouterDeps) *gin.Engine {
	RegisterValidators()

	router := gin.New()
	router.Use(corsMiddleware(d.Config.CORS.AllowOrigins))
	router.Use(logger.RequestID())
	router.Use(logger.RequestLogger())
	router.Use(logger.ErrorLoggerMiddleware())

	router.GET("/health", func(c *gin.Context) {
		status := "ok"
		components := gin.H{}
		if d.Health != nil {
			for name, err := range d.Health() {
				if err != nil {
					status = "degraded"
					components[name] = err.Error()
					continue
				}
				components[name] = "ok"
			}
		}
		response.Success(c, gin.H{
			"status":     status,
			"components": components,
			"time":       time.Now().Format(time.RFC3339),
		})
	})

	if d.Config.Metrics.Enabled {
		path := d.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, metrics.Handler())
	}

	if d.WS != nil {
		router.GET("/ws", d.WS)
	}

	v1 := router.Group("/api/v1")
	v1.Use(d.JWT.AuthMiddleware(), d.Users.EnsureMember())
	{
		v1.GET("/conversations", d.Messages.GetConversations)

		messages := v1.Group("/messages")
		{
			messages.GET("/:id", d.Messages.GetMessages)               // :id 为对方用户
			messages.POST("/:id", d.Messages.SendMessage)              // :id 为接收者
			messages.POST("/:id/read", d.Messages.MarkAsRead)          // :id 为对方用户
			messages.GET("/:id/detail", d.Messages.GetMessage)         // :id 为消息ID
			messages.PUT("/:id", d.Messages.EditMessage)               // :id 为消息ID
			messages.DELETE("/:id", d.Messages.DeleteMessage)          // :id 为消息ID
			messages.POST("/:id/reactions", d.Messages.ReactToMessage) // :id 为消息ID
		}

		users := v1.Group("/users")
		{
			users.GET("/online", d.Users.GetOnlineUsers)
			users.GET("/:id", d.Users.GetUser)
		}
	}

	return router
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", logger.RequestIDHeader)
	cfg.ExposeHeaders = []string{logger.RequestIDHeader}
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
