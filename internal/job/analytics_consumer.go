package job

import (
	"context"
	"errors"

	"jmspos/internal/model"
	"jmspos/internal/saleerr"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// AnalyticsConsumer 消费 sale.completed，计入统计
//
// 处理失败不提交 offset，消息会在重平衡或重启后重新投递；
// 统计服务按 sale_id 去重，所以重复消费是安全的。
//
// 【死信】消息体坏掉或销售单不存在时重投也没用，记 Error 日志后直接提交 offset，
// 否则这条消息会一直卡住所在分区。漏掉的销售单由 analytics-rebuild -catch-up 补回。
type AnalyticsConsumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler EventHandler
	log     *logrus.Logger
}

func NewAnalyticsConsumer(group sarama.ConsumerGroup, topic string, handler EventHandler, log *logrus.Logger) *AnalyticsConsumer {
	return &AnalyticsConsumer{
		group:   group,
		topics:  []string{topic},
		handler: handler,
		log:     log,
	}
}

// Run 阻塞直到 ctx 结束
func (c *AnalyticsConsumer) Run(ctx context.Context) error {
	c.log.WithField("topics", c.topics).Info("[AnalyticsConsumer] 开始消费")

	go func() {
		for err := range c.group.Errors() {
			c.log.WithError(err).Warn("[AnalyticsConsumer] 消费者组错误")
		}
	}()

	for {
		// 每次重平衡后 Consume 返回，需要重新进入
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			c.log.Info("[AnalyticsConsumer] 收到停止信号，退出")
			return nil
		}
	}
}

func (c *AnalyticsConsumer) Close() error {
	return c.group.Close()
}

func (c *AnalyticsConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *AnalyticsConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *AnalyticsConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := c.handleMessage(session.Context(), msg); err != nil {
			// 停在这条，等下次重新投递
			return err
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// handleMessage 返回 nil 表示可以提交 offset
func (c *AnalyticsConsumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	err := c.handler.HandleEvent(ctx, msg.Value)
	if err == nil {
		return nil
	}

	entry := c.log.WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"key":       string(msg.Key),
	}).WithError(err)

	if isPoisonMessage(err) {
		entry.Error("[AnalyticsConsumer] 消息无法处理，跳过（死信）")
		return nil
	}
	entry.Error("[AnalyticsConsumer] 处理消息失败")
	return err
}

func isPoisonMessage(err error) bool {
	if errors.Is(err, model.ErrMalformedEvent) {
		return true
	}
	var nf *saleerr.NotFoundError
	return errors.As(err, &nf)
}
