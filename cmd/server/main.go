package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"coinledger/internal/config"
	"coinledger/internal/handler"
	"coinledger/internal/infrastructure/cache"
	"coinledger/internal/infrastructure/database"
	"coinledger/internal/infrastructure/mq"
	"coinledger/internal/job"
	"coinledger/internal/logging"
	"coinledger/internal/service"
	"coinledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
)

func main() {
	configPath := os.Getenv("COINLEDGER_CONFIG_FILE")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		log.Error("初始化 ID 生成器失败", "error", err)
		os.Exit(1)
	}

	db, err := database.InitDB(&cfg.Database, log)
	if err != nil {
		log.Error("初始化数据库失败", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 未启用 Redis 时转账不加分布式锁，结算任务只依赖结算日期防重
	var rdb redis.Cmdable
	if cfg.Redis.Enabled {
		client, err := cache.InitRedis(ctx, &cfg.Redis)
		if err != nil {
			log.Error("初始化 Redis 失败", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		rdb = client
	}

	var publisher mq.Publisher = mq.NopPublisher{}
	if cfg.Kafka.Enabled {
		producer, err := mq.NewKafkaProducer(&cfg.Kafka)
		if err != nil {
			log.Error("初始化 Kafka 失败", "error", err)
			os.Exit(1)
		}
		publisher = mq.NewKafkaPublisher(producer, log.With("component", "kafka"))
	}
	defer publisher.Close()

	svc := service.NewServices(db, rdb, cfg, log)

	outboxSender := job.NewOutboxSender(db, cfg, publisher, log)
	go outboxSender.Start(ctx)

	recoveryJob := job.NewTransferRecoveryJob(db, cfg, svc.Transfer, log)
	go recoveryJob.Start(ctx)

	payoutJob := job.NewPayoutJob(svc.Payout, rdb, cfg, log)
	go payoutJob.Start(ctx)

	router := handler.SetupRouter(svc, cfg, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("服务启动", "port", cfg.Server.Port, "database", cfg.Database.Driver,
			"redis", cfg.Redis.Enabled, "kafka", cfg.Kafka.Enabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("服务启动失败", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服务关闭异常", "error", err)
	}

	log.Info("服务已关闭")
}
