package repository

import (
	"context"
	"errors"
	"time"

	"jmspos/internal/model"
	"jmspos/internal/saleerr"

	"gorm.io/gorm"
)

// use 有事务用事务，没有就用默认连接
func use(ctx context.Context, db, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		tx = db
	}
	return tx.WithContext(ctx)
}

type ProductRepository struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) Create(ctx context.Context, tx *gorm.DB, product *model.Product) error {
	return use(ctx, r.db, tx).Create(product).Error
}

func (r *ProductRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Product, error) {
	var product model.Product
	err := use(ctx, r.db, tx).Where("id = ?", id).First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &saleerr.NotFoundError{Entity: "product", ID: id}
		}
		return nil, err
	}
	return &product, nil
}

// GetByIDs 批量读取，不存在的 id 不出现在结果中
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []int64) (map[int64]*model.Product, error) {
	out := make(map[int64]*model.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var products []*model.Product
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&products).Error; err != nil {
		return nil, err
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

// GetStock 读取当前库存，事务内调用时必须传 tx
func (r *ProductRepository) GetStock(ctx context.Context, tx *gorm.DB, id int64) (int, error) {
	product, err := r.GetByID(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	return product.StockLevel, nil
}

// ConditionalDecrement 条件扣减库存
//
// 【关键点】UPDATE product SET stock_level = stock_level - ? WHERE id = ? AND stock_level >= ?
//
// 判断和扣减在同一条语句里由数据库完成，不存在"先读后写"的窗口：
//
//	请求A: stock=10, 扣6 -> WHERE 10 >= 6 命中 -> stock=4
//	请求B: stock=4,  扣6 -> WHERE 4 >= 6 不命中 -> affected=0
//
// affected=false 时由调用方重新读取库存判断是不足还是商品不存在
func (r *ProductRepository) ConditionalDecrement(ctx context.Context, tx *gorm.DB, id int64, quantity int, soldAt *time.Time) (bool, error) {
	updates := map[string]interface{}{
		"stock_level": gorm.Expr("stock_level - ?", quantity),
	}
	if soldAt != nil {
		updates["last_sold_at"] = *soldAt
	}

	result := use(ctx, r.db, tx).
		Model(&model.Product{}).
		Where("id = ? AND stock_level >= ?", id, quantity).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Increase 原子增加库存（补货）
func (r *ProductRepository) Increase(ctx context.Context, tx *gorm.DB, id int64, quantity int) error {
	result := use(ctx, r.db, tx).
		Model(&model.Product{}).
		Where("id = ?", id).
		Update("stock_level", gorm.Expr("stock_level + ?", quantity))

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &saleerr.NotFoundError{Entity: "product", ID: id}
	}
	return nil
}
