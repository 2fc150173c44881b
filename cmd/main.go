package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/cluster_service/internal/adapters/in/ws"
	"github.com/EthanQC/IM/services/cluster_service/internal/adapters/out/mq"
	redisFabric "github.com/EthanQC/IM/services/cluster_service/internal/adapters/out/redis"
	"github.com/EthanQC/IM/services/cluster_service/internal/application"
	"github.com/EthanQC/IM/services/cluster_service/internal/domain/call"
	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/cluster_service/internal/ports/out"
	"github.com/EthanQC/IM/services/cluster_service/internal/registry"
	"github.com/EthanQC/IM/services/cluster_service/pkg/zlog"
)

func main() {
	// 加载配置
	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logCfg, err := zlog.FromViper(viper.GetViper(), "cluster-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载日志配置失败: %v\n", err)
		os.Exit(1)
	}
	zlog.MustInitGlobal(*logCfg)
	defer zap.L().Sync()

	promReg := prometheus.NewRegistry()
	zlog.RegisterMetrics(promReg)

	logger := zap.L()
	logger.Info("cluster_service starting", zap.String("env", os.Getenv("APP_ENV")))

	// 初始化Redis
	redisClient, err := initRedis()
	if err != nil {
		logger.Fatal("Failed to init redis", zap.Error(err))
	}

	// 集群设施与本地注册表
	fabric := redisFabric.NewFabric(redisClient, logger)
	presenceReg := registry.NewPresenceRegistry()
	nodeConns := registry.NewNodeConnIndex()
	callReg := call.NewRegistry()

	// 上下线事件发布器（未配置 broker 时关闭）
	var events out.EventPublisher
	if brokers := viper.GetStringSlice("kafka.brokers"); len(brokers) > 0 {
		events, err = mq.NewKafkaEventPublisher(brokers)
		if err != nil {
			logger.Fatal("Failed to init kafka publisher", zap.Error(err))
		}
		defer events.Close()
	}

	// 用例层
	routerUC := application.NewRouterUseCase(presenceReg, nodeConns, fabric, logger)
	presenceUC := application.NewPresenceUseCase(presenceReg, nodeConns, fabric, events, routerUC, logger)
	signalingUC := application.NewSignalingUseCase(callReg, routerUC, logger)

	// 连接管理与集群桥接
	connManager := ws.NewConnectionManager()
	bridge := application.NewClusterBridge(presenceReg, nodeConns, connManager, logger)

	ctx := context.Background()
	if err := fabric.Start(ctx, bridge); err != nil {
		logger.Fatal("Failed to start cluster fabric", zap.Error(err))
	}
	defer fabric.Close()

	// 注册本节点
	nodeInfo := entity.ServerNodeInfo{
		PriorIP: viper.GetString("server.prior_ip"),
		IP:      viper.GetString("server.ip"),
		Port:    viper.GetInt("server.port"),
	}
	if err := presenceUC.RegisterNode(ctx, nodeInfo); err != nil {
		logger.Fatal("Failed to register node", zap.Error(err))
	}

	// WebSocket 服务器与HTTP路由
	wsServer := ws.NewWSServer(connManager, presenceUC, signalingUC)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), zlog.GinLogger())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": fabric.LocalNodeID()})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	engine.Any("/log/level", gin.WrapF(zlog.LevelHTTPHandler()))

	engine.GET("/ws", func(c *gin.Context) {
		userID, err := strconv.ParseUint(c.Query("user_id"), 10, 64)
		if err != nil || userID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		clientType := entity.ClientType(c.DefaultQuery("client_type", string(entity.ClientTypeWeb)))
		wsServer.HandleConnection(c.Writer, c.Request, userID, clientType)
	})

	engine.GET("/status", func(c *gin.Context) {
		members, err := fabric.Members(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"node_id": fabric.LocalNodeID(),
			"members": members,
			"conns":   wsServer.GetStats(),
		})
	})

	engine.POST("/status/query", func(c *gin.Context) {
		var req struct {
			FromUserID uint64   `json:"from_user_id"`
			UserIDs    []uint64 `json:"user_ids"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		stats, err := presenceUC.QueryUserStatus(c.Request.Context(), req.FromUserID, req.UserIDs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stats": stats})
	})

	addr := fmt.Sprintf(":%d", viper.GetInt("server.http_port"))
	srv := &http.Server{Addr: addr, Handler: engine}

	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("cluster_service shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
}

func loadConfig() error {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
		os.Setenv("APP_ENV", env)
	}

	v := viper.GetViper()
	v.SetConfigFile(filepath.Join("configs", fmt.Sprintf("config.%s.yaml", env)))
	v.AutomaticEnv()
	v.SetEnvPrefix("IM")

	v.SetDefault("server.http_port", 8084)
	v.SetDefault("server.port", 8085)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	return v.ReadInConfig()
}

func initRedis() (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
