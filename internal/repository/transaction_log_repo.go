package repository

import (
	"context"
	"errors"
	"time"

	"jmspos/internal/model"

	"gorm.io/gorm"
)

// 这些阶段出现后，交易就有了结论
var terminalPhases = []string{
	model.TxPhaseCompleted,
	model.TxPhaseValidationFailed,
	model.TxPhaseError,
	model.TxPhaseRolledBack,
}

type TransactionLogRepository struct {
	db *gorm.DB
}

func NewTransactionLogRepository(db *gorm.DB) *TransactionLogRepository {
	return &TransactionLogRepository{db: db}
}

// Append 只追加，没有 Update/Delete 方法
func (r *TransactionLogRepository) Append(ctx context.Context, tx *gorm.DB, entry *model.TransactionLog) error {
	return use(ctx, r.db, tx).Create(entry).Error
}

// FindCompleted 查找该交易号的 completed 记录，没有时返回 nil, nil
func (r *TransactionLogRepository) FindCompleted(ctx context.Context, tx *gorm.DB, transactionID string) (*model.TransactionLog, error) {
	var entry model.TransactionLog
	err := use(ctx, r.db, tx).
		Where("transaction_id = ? AND phase = ?", transactionID, model.TxPhaseCompleted).
		Order("id ASC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *TransactionLogRepository) ListByTransactionID(ctx context.Context, transactionID string) ([]*model.TransactionLog, error) {
	var entries []*model.TransactionLog
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// FindStale 只有 started、没有任何结论且早于 before 的交易
//
// 进程在事务中途崩溃时会留下这种记录，数据库事务本身已经回滚
func (r *TransactionLogRepository) FindStale(ctx context.Context, before time.Time, limit int) ([]*model.TransactionLog, error) {
	var entries []*model.TransactionLog

	concluded := r.db.Model(&model.TransactionLog{}).
		Select("transaction_id").
		Where("phase IN ?", terminalPhases)

	err := r.db.WithContext(ctx).
		Where("phase = ? AND created_at < ?", model.TxPhaseStarted, before).
		Where("transaction_id NOT IN (?)", concluded).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
