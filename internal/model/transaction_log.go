package model

import (
	"time"
)

const (
	TxPhaseStarted          = "started"
	TxPhaseRetry            = "retry"
	TxPhaseValidationFailed = "validation_failed"
	TxPhaseCheckpoint       = "checkpoint"
	TxPhaseCompleted        = "completed"
	TxPhaseRolledBack       = "rolled_back"
	TxPhaseError            = "error"
)

// TransactionLog 事务日志
//
// 【重要】只追加，不修改，不删除：
// 1. 每次阶段变化写一行，transaction_id 即幂等键
// 2. completed 行与销售单在同一事务提交，重放判断以它为准
// 3. context 存 JSON，包含金额、错误、重试历史等诊断信息
type TransactionLog struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionID string    `gorm:"type:varchar(64);index:idx_txlog_txid_phase,priority:1;not null" json:"transaction_id"`
	Phase         string    `gorm:"type:varchar(32);index:idx_txlog_txid_phase,priority:2;not null" json:"phase"`
	SaleID        *int64    `json:"sale_id,omitempty"`
	Context       string    `gorm:"type:text" json:"context"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (TransactionLog) TableName() string {
	return "transaction_log"
}
