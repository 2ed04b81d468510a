package repository

import (
	"context"
	"errors"
	"time"

	"jmspos/internal/model"
	"jmspos/internal/saleerr"

	"gorm.io/gorm"
)

type SaleRepository struct {
	db *gorm.DB
}

func NewSaleRepository(db *gorm.DB) *SaleRepository {
	return &SaleRepository{db: db}
}

// Create 写入销售单、明细和收款记录
//
// 明细按 batchSize 分批 INSERT，只影响语句数量，不影响原子性（调用方在同一事务内）
func (r *SaleRepository) Create(ctx context.Context, tx *gorm.DB, sale *model.Sale, batchSize int) error {
	conn := use(ctx, r.db, tx)

	if err := conn.Omit("Items", "Payments").Create(sale).Error; err != nil {
		return err
	}

	for i := range sale.Items {
		sale.Items[i].SaleID = sale.ID
	}
	if len(sale.Items) > 0 {
		if batchSize < 1 {
			batchSize = len(sale.Items)
		}
		if err := conn.CreateInBatches(&sale.Items, batchSize).Error; err != nil {
			return err
		}
	}

	for i := range sale.Payments {
		sale.Payments[i].SaleID = sale.ID
	}
	if len(sale.Payments) > 0 {
		if err := conn.Create(&sale.Payments).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *SaleRepository) GetByID(ctx context.Context, id int64) (*model.Sale, error) {
	var sale model.Sale
	err := r.db.WithContext(ctx).
		Preload("Items").
		Preload("Payments").
		Where("id = ?", id).
		First(&sale).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &saleerr.NotFoundError{Entity: "sale", ID: id}
		}
		return nil, err
	}
	return &sale, nil
}

// GetByTransactionID 不存在时返回 nil, nil
func (r *SaleRepository) GetByTransactionID(ctx context.Context, tx *gorm.DB, transactionID string) (*model.Sale, error) {
	var sale model.Sale
	err := use(ctx, r.db, tx).Where("transaction_id = ?", transactionID).First(&sale).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sale, nil
}

// ListUnprocessedSince 按 id 游标翻页读取还没计入统计的销售单（带明细），用于补算和重建
func (r *SaleRepository) ListUnprocessedSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]*model.Sale, error) {
	var sales []*model.Sale
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("created_at >= ? AND id > ?", since, afterID).
		Where("id NOT IN (?)", r.db.Model(&model.AnalyticsProcessedSale{}).Select("sale_id")).
		Order("id ASC").
		Limit(limit).
		Find(&sales).Error
	return sales, err
}
