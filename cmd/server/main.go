package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workspace-im/config"
	"workspace-im/internal/handler"
	"workspace-im/internal/model"
	"workspace-im/internal/repository"
	"workspace-im/internal/service"
	dbPkg "workspace-im/pkg/db"
	"workspace-im/pkg/jwt"
	"workspace-im/pkg/logger"
	redisPkg "workspace-im/pkg/redis"
	"workspace-im/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg := config.LoadConfig()

	// 2. 初始化日志系统
	log := logger.InitLogger(cfg.Log)
	defer log.Sync()

	log.Info("=== 工作区私信服务启动 ===")
	log.Info("服务器配置信息",
		zap.String("port", cfg.Server.Port),
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("database_host", cfg.Database.Host),
		zap.String("database_name", cfg.Database.Database),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.Duration("typing_timeout", cfg.Messaging.TypingTimeout),
		zap.String("log_level", cfg.Log.Level),
	)

	// 3. 初始化数据库连接
	gdb, err := dbPkg.InitDB(cfg.Database)
	if err != nil {
		log.Fatal("数据库连接失败", zap.Error(err))
	}
	defer func() {
		if err := dbPkg.CloseDB(); err != nil {
			log.Error("关闭数据库连接失败", zap.Error(err))
		}
	}()
	log.Info("数据库连接成功")

	// 3.1 自动迁移表结构
	if err := dbPkg.AutoMigrate(gdb, model.AllModels()...); err != nil {
		log.Fatal("自动迁移失败", zap.Error(err))
	}
	log.Info("自动迁移完成")

	// 3.2 Redis（可选）：在线状态镜像与跨实例转发
	instance := uuid.NewString()
	var presence websocket.PresenceMirror
	if cfg.Redis.Enabled {
		if err := redisPkg.InitRedis(cfg.Redis); err != nil {
			log.Fatal("Redis连接失败", zap.Error(err))
		}
		defer redisPkg.Close()
		presence = redisPkg.Presence{Instance: instance}
		log.Info("Redis连接成功")
	}

	// 3.3 初始化业务服务
	jwtSvc := jwt.NewJWTService(cfg.JWT)
	userRepo := repository.NewUserRepository(gdb)
	messageRepo := repository.NewMessageRepository(gdb)
	userSvc := service.NewUserService(userRepo)
	messageSvc := service.NewMessageService(messageRepo, userSvc, cfg.Messaging)

	// 3.4 实时投递网关
	gateway := websocket.NewGateway(websocket.NewManager(presence), cfg.Messaging.TypingTimeout, messageSvc)
	defer gateway.Close()
	gateway.OnDisconnect = func(workspaceID, userID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := userSvc.TouchLastSeen(ctx, workspaceID, userID); err != nil {
			log.Warn("更新最近在线时间失败", zap.String("user_id", userID), zap.Error(err))
		}
	}
	userSvc.SetPresence(gateway)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	if cfg.Redis.Enabled && cfg.Redis.RelayChannel != "" {
		relay := redisPkg.NewRelay(cfg.Redis.RelayChannel)
		gateway.SetRelay(relay)
		go func() {
			if err := relay.Run(relayCtx, gateway.HandleRelay); err != nil {
				log.Error("事件转发订阅退出", zap.Error(err))
			}
		}()
	}

	// 4. 设置Gin模式
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 5. 创建Gin路由
	wsHandler := websocket.NewHandler(gateway, jwtSvc, cfg.WebSocket, cfg.CORS.AllowOrigins)
	router := handler.NewRouter(handler.RouterDeps{
		Config:   cfg,
		JWT:      jwtSvc,
		Messages: handler.NewMessageHandler(messageSvc, userSvc, gateway, cfg.Messaging.MarkReadTimeout),
		Users:    handler.NewUserHandler(userSvc),
		WS:       wsHandler.Serve,
		Health: func() map[string]error {
			checks := map[string]error{"database": dbPkg.HealthCheck()}
			if cfg.Redis.Enabled {
				checks["redis"] = redisPkg.HealthCheck()
			}
			return checks
		},
	})

	// 6. 创建HTTP服务器
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 7. 启动HTTP服务器
	go func() {
		log.Info("HTTP服务器启动", zap.String("port", cfg.Server.Port), zap.String("instance", instance))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP服务器启动失败", zap.Error(err))
		}
	}()

	// 8. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 已升级的 WebSocket 连接不受 Shutdown 管理，进程退出时一并断开
	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP服务器关闭失败", zap.Error(err))
	}
	stopRelay()

	log.Info("服务器已安全关闭")
}
