package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jmspos/internal/config"
	"jmspos/internal/handler"
	"jmspos/internal/infrastructure/cache"
	"jmspos/internal/infrastructure/database"
	"jmspos/internal/infrastructure/lock"
	"jmspos/internal/infrastructure/mq"
	"jmspos/internal/job"
	"jmspos/internal/logging"
	"jmspos/internal/notify"
	"jmspos/internal/service"
	"jmspos/pkg/idgen"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	workerID := flag.Int64("worker-id", 1, "snowflake 机器号")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level)

	// 初始化 ID 生成器
	idgen.Init(*workerID)

	// 初始化数据库
	db, err := database.Open(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("初始化数据库失败")
	}

	// 初始化 Redis（可选）
	redisClient, err := cache.InitRedis(cfg.Redis, log)
	if err != nil {
		log.WithError(err).Fatal("初始化 Redis 失败")
	}

	// 初始化 Kafka（可选）
	var (
		producer *mq.Producer
		notifier notify.Notifier = notify.NewLogNotifier(log)
	)
	if cfg.Kafka.Enabled() {
		producer, err = mq.NewProducer(cfg.Kafka)
		if err != nil {
			log.WithError(err).Fatal("初始化 Kafka 失败")
		}
		defer producer.Close()
		notifier = notify.NewKafkaNotifier(producer, cfg.Kafka.Topic.Notification, log)
	}

	// 组装服务
	stock := service.NewStockEngine(db, cfg.Sale, notifier, log)
	analytics := service.NewAnalyticsService(db, cfg.Analytics, log)
	sales := service.NewSaleService(db, cfg, stock,
		lock.NewSaleLocker(redisClient, cfg.Sale.LockTTL),
		cache.NewReplayCache(redisClient, cfg.Sale.ReplayCacheTTL),
		notifier, log)

	h := handler.NewHandler(handler.Services{
		Sale:      sales,
		Stock:     stock,
		Product:   service.NewProductService(db),
		Customer:  service.NewCustomerService(db),
		Analytics: analytics,
	}, log)

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.SetupRouter(h, cfg.Server, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 收到 SIGINT/SIGTERM 时取消
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// 后台任务
	var publisher job.Publisher = job.NewLocalPublisher(analytics)
	if producer != nil {
		publisher = job.NewKafkaPublisher(producer)

		group, err := mq.NewConsumerGroup(cfg.Kafka)
		if err != nil {
			log.WithError(err).Fatal("初始化 Kafka 消费者组失败")
		}
		consumer := job.NewAnalyticsConsumer(group, cfg.Kafka.Topic.SaleCompleted, analytics, log)
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx) })
	}

	outboxSender := job.NewOutboxSender(db, cfg.Jobs, publisher, log)
	staleJob := job.NewStaleTransactionJob(db, cfg.Jobs, log)
	catchUpJob := job.NewAnalyticsCatchUpJob(analytics, cfg.Analytics, log)
	for _, start := range []func(context.Context){outboxSender.Start, staleJob.Start, catchUpJob.Start} {
		start := start
		g.Go(func() error {
			start(gctx)
			return nil
		})
	}

	// HTTP 服务
	g.Go(func() error {
		log.WithField("port", cfg.Server.Port).Info("服务启动")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("服务启动失败: %w", err)
		}
		return nil
	})

	// 关闭 HTTP 服务（等待最多5秒）
	g.Go(func() error {
		<-gctx.Done()
		log.Info("正在关闭服务...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("服务异常退出")
	}
	log.Info("服务已关闭")
}
