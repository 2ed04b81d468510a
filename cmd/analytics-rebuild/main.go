package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jmspos/internal/config"
	"jmspos/internal/infrastructure/database"
	"jmspos/internal/logging"
	"jmspos/internal/service"
)

// 统计重建工具
//
//	analytics-rebuild -config config/config.yaml                 清空后全量重算
//	analytics-rebuild -config config/config.yaml -catch-up 48h   只补算最近 48h 漏掉的销售单
func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	catchUp := flag.Duration("catch-up", 0, "只补算最近这段时间内未计入的销售单，0 表示清空后全量重建")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log.Level)

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("初始化数据库失败")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	analytics := service.NewAnalyticsService(db, cfg.Analytics, log)
	start := time.Now()

	var n int
	if *catchUp > 0 {
		n, err = analytics.CatchUp(ctx, start.Add(-*catchUp))
	} else {
		n, err = analytics.Rebuild(ctx)
	}
	if err != nil {
		log.WithError(err).WithField("processed", n).Fatal("统计重建失败")
	}

	log.WithFields(map[string]interface{}{
		"sales":       n,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("统计重建完成")
}
