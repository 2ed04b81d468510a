package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	EventLowStock  = "low_stock"
	EventSaleError = "sale_error"
)

// Event 低库存 / 销售失败通知
type Event struct {
	Type          string    `json:"type"`
	ProductID     int64     `json:"product_id,omitempty"`
	StockLevel    int       `json:"stock_level"`
	Threshold     int       `json:"threshold,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Message       string    `json:"message,omitempty"`
	At            time.Time `json:"at"`
}

// Notifier 只管发出，不关心送达。实现不得返回错误给业务流程
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Sender mq.Producer 满足这个接口
type Sender interface {
	SendMessage(topic, key, value string) error
}

// KafkaNotifier 发送到通知 topic，失败只记日志
type KafkaNotifier struct {
	sender Sender
	topic  string
	log    *logrus.Logger
}

func NewKafkaNotifier(sender Sender, topic string, log *logrus.Logger) *KafkaNotifier {
	return &KafkaNotifier{sender: sender, topic: topic, log: log}
}

func (n *KafkaNotifier) Notify(_ context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		n.log.WithError(err).WithField("type", event.Type).Warn("[Notifier] 序列化通知失败")
		return
	}

	key := event.TransactionID
	if event.ProductID > 0 {
		key = fmt.Sprintf("product:%d", event.ProductID)
	}
	if err := n.sender.SendMessage(n.topic, key, string(payload)); err != nil {
		n.log.WithError(err).WithFields(logrus.Fields{
			"type":       event.Type,
			"product_id": event.ProductID,
		}).Warn("[Notifier] 发送通知失败")
	}
}

// LogNotifier 没有 Kafka 时把通知写进日志
type LogNotifier struct {
	log *logrus.Logger
}

func NewLogNotifier(log *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) {
	n.log.WithFields(logrus.Fields{
		"type":           event.Type,
		"product_id":     event.ProductID,
		"stock_level":    event.StockLevel,
		"threshold":      event.Threshold,
		"transaction_id": event.TransactionID,
	}).Warn("[Notifier] " + event.Message)
}

// Noop 测试用
type Noop struct{}

func (Noop) Notify(context.Context, Event) {}

// Recorder 测试用，记录收到的全部通知
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
