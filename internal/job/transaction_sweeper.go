package job

import (
	"context"
	"encoding/json"
	"time"

	"jmspos/internal/config"
	"jmspos/internal/model"
	"jmspos/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// StaleTransactionJob 给中途崩溃的交易补一条 rolled_back
//
// 进程在销售事务中途退出时，数据库已经回滚，但事务日志只有 started。
// 超过 stale_after 仍没有结论的交易在这里收尾，方便排查和统计失败率。
type StaleTransactionJob struct {
	txLogRepo  *repository.TransactionLogRepository
	log        *logrus.Logger
	stopCh     chan struct{}
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
}

func NewStaleTransactionJob(db *gorm.DB, cfg config.JobsConfig, log *logrus.Logger) *StaleTransactionJob {
	return &StaleTransactionJob{
		txLogRepo:  repository.NewTransactionLogRepository(db),
		log:        log,
		stopCh:     make(chan struct{}),
		interval:   cfg.SweepInterval,
		staleAfter: cfg.StaleAfter,
		batchSize:  100,
	}
}

func (j *StaleTransactionJob) Start(ctx context.Context) {
	j.log.Info("[StaleTransactionJob] 任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("[StaleTransactionJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("[StaleTransactionJob] 任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx, time.Now())
		}
	}
}

func (j *StaleTransactionJob) Stop() {
	close(j.stopCh)
}

// sweep 返回本次收尾的交易数
func (j *StaleTransactionJob) sweep(ctx context.Context, now time.Time) int {
	stale, err := j.txLogRepo.FindStale(ctx, now.Add(-j.staleAfter), j.batchSize)
	if err != nil {
		j.log.WithError(err).Error("[StaleTransactionJob] 查询未完成交易失败")
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	closed := 0
	for _, entry := range stale {
		payload, _ := json.Marshal(map[string]any{
			"reason":     "stale",
			"started_at": entry.CreatedAt,
		})
		err := j.txLogRepo.Append(ctx, nil, &model.TransactionLog{
			TransactionID: entry.TransactionID,
			Phase:         model.TxPhaseRolledBack,
			Context:       string(payload),
		})
		if err != nil {
			j.log.WithError(err).WithField("transaction_id", entry.TransactionID).Error("[StaleTransactionJob] 写入 rolled_back 失败")
			continue
		}
		closed++
	}

	j.log.WithField("count", closed).Warn("[StaleTransactionJob] 已收尾中断的交易")
	return closed
}

// CatchUpRunner service.AnalyticsService 实现了它
type CatchUpRunner interface {
	CatchUp(ctx context.Context, since time.Time) (int, error)
}

// AnalyticsCatchUpJob 定期补算最近 window 内漏掉的销售单
//
// 消息丢失或消费者长时间不可用时兜底，正常情况下每次补算 0 条。
type AnalyticsCatchUpJob struct {
	runner   CatchUpRunner
	log      *logrus.Logger
	stopCh   chan struct{}
	interval time.Duration
	window   time.Duration
}

func NewAnalyticsCatchUpJob(runner CatchUpRunner, cfg config.AnalyticsConfig, log *logrus.Logger) *AnalyticsCatchUpJob {
	return &AnalyticsCatchUpJob{
		runner:   runner,
		log:      log,
		stopCh:   make(chan struct{}),
		interval: cfg.CatchUpInterval,
		window:   cfg.CatchUpWindow,
	}
}

func (j *AnalyticsCatchUpJob) Start(ctx context.Context) {
	j.log.Info("[AnalyticsCatchUpJob] 任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("[AnalyticsCatchUpJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("[AnalyticsCatchUpJob] 任务停止")
			return
		case <-ticker.C:
			j.run(ctx, time.Now())
		}
	}
}

func (j *AnalyticsCatchUpJob) Stop() {
	close(j.stopCh)
}

func (j *AnalyticsCatchUpJob) run(ctx context.Context, now time.Time) {
	n, err := j.runner.CatchUp(ctx, now.Add(-j.window))
	if err != nil {
		j.log.WithError(err).Error("[AnalyticsCatchUpJob] 补算失败")
		return
	}
	if n > 0 {
		j.log.WithField("sales", n).Warn("[AnalyticsCatchUpJob] 补算了漏掉的销售单")
	}
}
