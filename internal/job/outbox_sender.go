package job

import (
	"context"
	"time"

	"jmspos/internal/config"
	"jmspos/internal/model"
	"jmspos/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Publisher 投递一条 outbox 消息
type Publisher interface {
	Publish(ctx context.Context, msg *model.OutboxMessage) error
}

// Sender mq.Producer 实现了它
type Sender interface {
	SendMessage(topic, key, value string) error
}

// KafkaPublisher 投递到 Kafka，由 AnalyticsConsumer 消费
type KafkaPublisher struct {
	sender Sender
}

func NewKafkaPublisher(sender Sender) *KafkaPublisher {
	return &KafkaPublisher{sender: sender}
}

func (p *KafkaPublisher) Publish(_ context.Context, msg *model.OutboxMessage) error {
	return p.sender.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
}

// EventHandler service.AnalyticsService 实现了它
type EventHandler interface {
	HandleEvent(ctx context.Context, payload []byte) error
}

// LocalPublisher 没有 Kafka 时在进程内直接交给统计服务
type LocalPublisher struct {
	handler EventHandler
}

func NewLocalPublisher(handler EventHandler) *LocalPublisher {
	return &LocalPublisher{handler: handler}
}

func (p *LocalPublisher) Publish(ctx context.Context, msg *model.OutboxMessage) error {
	if msg.EventType != model.EventSaleCompleted {
		return nil
	}
	return p.handler.HandleEvent(ctx, []byte(msg.Payload))
}

// ============================================================================
// OutboxSender 轮询 outbox 表投递消息
// ============================================================================
//
// 销售事务只负责写 outbox，投递在这里异步进行：
//   - 投递成功 -> SENT
//   - 投递失败 -> retry_count+1，达到上限 -> FAILED
//
// 至少投递一次，下游按 sale_id 去重。
// ============================================================================

type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	log        *logrus.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, cfg config.JobsConfig, publisher Publisher, log *logrus.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		log:        log,
		stopCh:     make(chan struct{}),
		interval:   cfg.OutboxInterval,
		batchSize:  cfg.OutboxBatchSize,
		maxRetry:   cfg.MaxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// processPendingMessages 处理一批，返回成功投递的条数
func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.WithError(err).Error("[OutboxSender] 查询消息失败")
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	logger := s.log.WithFields(logrus.Fields{
		"id":    msg.ID,
		"event": msg.EventType,
		"key":   msg.MessageKey,
	})

	err := s.publisher.Publish(ctx, msg)
	if err == nil {
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			logger.WithError(updateErr).Error("[OutboxSender] 更新消息状态失败")
		} else {
			logger.Debug("[OutboxSender] 消息发送成功")
		}
		return true
	}

	logger.WithError(err).Warn("[OutboxSender] 消息发送失败")

	giveUp, recordErr := s.outboxRepo.RecordFailure(ctx, msg, s.maxRetry)
	if recordErr != nil {
		logger.WithError(recordErr).Error("[OutboxSender] 记录失败次数失败")
		return false
	}
	if giveUp {
		logger.Error("[OutboxSender] 消息超过最大重试次数，标记为失败")
	}
	return false
}
