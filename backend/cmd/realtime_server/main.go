package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"uinova-realtime/backend/internal/access"
	"uinova-realtime/backend/internal/audit"
	"uinova-realtime/backend/internal/auth"
	"uinova-realtime/backend/internal/cache"
	"uinova-realtime/backend/internal/entity"
	"uinova-realtime/backend/internal/httpapi/handlers"
	"uinova-realtime/backend/internal/httpapi/middleware"
	"uinova-realtime/backend/internal/mysqldb"
	"uinova-realtime/backend/internal/ratelimit"
	"uinova-realtime/backend/internal/replay"
	"uinova-realtime/backend/internal/store"
	"uinova-realtime/backend/internal/ws"
)

type ClassLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type RealtimeConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 鉴权服务地址；留空则用本地 JWT 校验（开发环境）
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Collab struct {
		MaxRoomSize    int `mapstructure:"maxRoomSize"`
		IdleTimeoutSec int `mapstructure:"idleTimeoutSec"`
		HeartbeatSec   int `mapstructure:"heartbeatSec"`
	} `mapstructure:"collab"`
	Limits struct {
		Edit     ClassLimitConfig `mapstructure:"edit"`
		Presence ClassLimitConfig `mapstructure:"presence"`
		Metadata ClassLimitConfig `mapstructure:"metadata"`
	} `mapstructure:"limits"`
}

func initConfig() (*RealtimeConfig, error) {
	cfg := &RealtimeConfig{}
	v := viper.New()
	v.SetConfigName("realtimeConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// limitsFromConfig 配置缺省时回落到内置限额
func limitsFromConfig(cfg *RealtimeConfig) ratelimit.Limits {
	limits := ratelimit.DefaultLimits()
	if cfg.Limits.Edit.Rate > 0 && cfg.Limits.Edit.Burst > 0 {
		limits.Edit = ratelimit.ClassLimit{Rate: cfg.Limits.Edit.Rate, Burst: cfg.Limits.Edit.Burst}
	}
	if cfg.Limits.Presence.Rate > 0 && cfg.Limits.Presence.Burst > 0 {
		limits.Presence = ratelimit.ClassLimit{Rate: cfg.Limits.Presence.Rate, Burst: cfg.Limits.Presence.Burst}
	}
	if cfg.Limits.Metadata.Rate > 0 && cfg.Limits.Metadata.Burst > 0 {
		limits.Metadata = ratelimit.ClassLimit{Rate: cfg.Limits.Metadata.Rate, Burst: cfg.Limits.Metadata.Burst}
	}
	return limits
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("ping redis failed: %v", err)
	}
	defer rdb.Close()

	// 操作日志用原生 database/sql，归档会话用 gorm，各取所长
	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("open mysql failed: %v", err)
	}
	defer db.Close()

	gdb, err := gorm.Open(gormmysql.Open(cfg.Mysql.DSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("open mysql (gorm) failed: %v", err)
	}
	if err := gdb.AutoMigrate(&entity.ReplaySession{}); err != nil {
		log.Fatalf("migrate replay_sessions failed: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("connect kafka failed: %v", err)
	}
	defer producer.Close()

	// 审计链路：本地有界队列 + worker 重试发送
	auditSem := audit.NewSemaphoreControl()
	dispatcher := audit.NewDispatcher(producer, cfg.Kafka.Topic, auditSem, audit.DispatcherOptions{
		// Go 允许在数字里用下划线做分隔符，方便阅读
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	})

	historyStore := store.NewHistoryStore(db)
	sessionRepo := mysqldb.NewMySQLSessionRepo(gdb)
	presenceCache := cache.NewRedisPresence(rdb)
	checker := access.AllowAll{}

	engine := replay.NewEngine(historyStore)
	archiver, err := replay.NewArchiver(engine, sessionRepo, historyStore)
	if err != nil {
		log.Fatalf("init archiver failed: %v", err)
	}

	maxRoomSize := cfg.Collab.MaxRoomSize
	if maxRoomSize <= 0 {
		maxRoomSize = 200
	}
	hub := ws.NewHub(maxRoomSize)
	manager := ws.NewManager(hub, ws.ConnDeps{
		History:  historyStore,
		Auditor:  dispatcher,
		Access:   checker,
		Presence: presenceCache,
	}, ws.ConnOptions{
		Limits:       limitsFromConfig(cfg),
		IdleTimeout:  time.Duration(cfg.Collab.IdleTimeoutSec) * time.Second,
		HeartbeatTTL: time.Duration(cfg.Collab.HeartbeatSec) * time.Second,
	})

	var verifier auth.Verifier
	if cfg.Auth.Path != "" {
		verifier = auth.NewHTTPVerifier(cfg.Auth.Path)
	} else {
		verifier = auth.NewLocalVerifier()
	}

	replayHandler := handlers.NewReplayHandler(engine, archiver, checker)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）；比 AllowOrigins:["*"] 更兼容
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:   []string{"Content-Length"},
		// 不依赖 Cookie（token 都放 Authorization），false 避免某些浏览器对 * / null 的限制
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	collab := r.Group("/collab")
	collab.Use(middleware.AuthMiddleware(verifier))
	collab.GET("/ws", manager.WebSocketConnect)

	api := r.Group("/v1")
	api.Use(middleware.AuthMiddleware(verifier))
	{
		api.GET("/projects/:projectId/replay", replayHandler.Replay)
		api.POST("/projects/:projectId/replay/sessions", replayHandler.CaptureSession)
		api.GET("/replay/sessions/:sessionId", replayHandler.GetSession)
		api.DELETE("/projects/:projectId/replay/history", replayHandler.PurgeHistory)
	}

	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}
