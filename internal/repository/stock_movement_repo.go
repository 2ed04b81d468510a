package repository

import (
	"context"

	"jmspos/internal/model"

	"gorm.io/gorm"
)

type StockMovementRepository struct {
	db *gorm.DB
}

func NewStockMovementRepository(db *gorm.DB) *StockMovementRepository {
	return &StockMovementRepository{db: db}
}

func (r *StockMovementRepository) Create(ctx context.Context, tx *gorm.DB, movement *model.StockMovement) error {
	return use(ctx, r.db, tx).Create(movement).Error
}

func (r *StockMovementRepository) ListByProduct(ctx context.Context, productID int64, page, pageSize int) ([]*model.StockMovement, int64, error) {
	var movements []*model.StockMovement
	var total int64

	query := r.db.WithContext(ctx).Model(&model.StockMovement{}).Where("product_id = ?", productID).Session(&gorm.Session{})

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&movements).Error

	return movements, total, err
}

func (r *StockMovementRepository) ListByReference(ctx context.Context, referenceNo string) ([]*model.StockMovement, error) {
	var movements []*model.StockMovement
	err := r.db.WithContext(ctx).
		Where("reference_no = ?", referenceNo).
		Order("id ASC").
		Find(&movements).Error
	return movements, err
}
