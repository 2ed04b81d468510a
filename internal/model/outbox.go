package model

import (
	"errors"
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

const (
	EventSaleCompleted = "sale.completed"
)

// OutboxMessage 事务外发消息，与销售单同事务写入，由 OutboxSender 投递
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType  string    `gorm:"type:varchar(64);not null" json:"event_type"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// SaleCompletedEvent sale.completed 消息体
type SaleCompletedEvent struct {
	SaleID        int64     `json:"sale_id"`
	SaleNumber    string    `json:"sale_number"`
	TransactionID string    `json:"transaction_id"`
	CompletedAt   time.Time `json:"completed_at"`
}

// ErrMalformedEvent 消息体无法解析，重投也不会成功
var ErrMalformedEvent = errors.New("销售事件格式错误")

// AllModels AutoMigrate 用
func AllModels() []interface{} {
	return []interface{}{
		&Product{},
		&Customer{},
		&Sale{},
		&SaleItem{},
		&SalePayment{},
		&TransactionLog{},
		&StockMovement{},
		&AnalyticsRollup{},
		&AnalyticsProcessedSale{},
		&OutboxMessage{},
	}
}
