package repository

import (
	"context"
	"encoding/json"
	"errors"

	"jmspos/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRollupVersionConflict = errors.New("统计行版本冲突，请重试")

// RollupKey 统计行的唯一键
type RollupKey struct {
	Dimension string
	DimKey    string
	Period    string
}

type AnalyticsRepository struct {
	db *gorm.DB
}

func NewAnalyticsRepository(db *gorm.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

// MarkProcessed 插入已处理标记，返回 false 表示该销售单之前已经计入过
//
// 【关键点】标记和统计增量在同一事务里：
//   - 标记插入成功 -> 增量一定也提交
//   - 重复投递 -> ON CONFLICT DO NOTHING，affected=0，直接跳过
func (r *AnalyticsRepository) MarkProcessed(ctx context.Context, tx *gorm.DB, saleID int64) (bool, error) {
	result := use(ctx, r.db, tx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sale_id"}},
			DoNothing: true,
		}).
		Create(&model.AnalyticsProcessedSale{SaleID: saleID})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// EnsureRollup 懒创建统计行，已存在时什么都不做
func (r *AnalyticsRepository) EnsureRollup(ctx context.Context, tx *gorm.DB, key RollupKey) error {
	row := &model.AnalyticsRollup{
		Dimension: key.Dimension,
		DimKey:    key.DimKey,
		Period:    key.Period,
		Revenue:   decimal.Zero,
		Breakdown: map[string]model.BreakdownEntry{},
	}
	return use(ctx, r.db, tx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dimension"}, {Name: "dim_key"}, {Name: "period"}},
			DoNothing: true,
		}).
		Create(row).Error
}

// AddTotals 原子累加，new = old + delta
func (r *AnalyticsRepository) AddTotals(ctx context.Context, tx *gorm.DB, key RollupKey, revenue decimal.Decimal, units, sales int) error {
	result := use(ctx, r.db, tx).
		Model(&model.AnalyticsRollup{}).
		Where("dimension = ? AND dim_key = ? AND period = ?", key.Dimension, key.DimKey, key.Period).
		Updates(map[string]interface{}{
			"revenue":    gorm.Expr("revenue + ?", revenue),
			"units":      gorm.Expr("units + ?", units),
			"sale_count": gorm.Expr("sale_count + ?", sales),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetForUpdate 读取统计行并加行锁（SQLite 下锁子句被忽略，靠版本号兜底）
func (r *AnalyticsRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, key RollupKey) (*model.AnalyticsRollup, error) {
	var row model.AnalyticsRollup
	err := use(ctx, r.db, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("dimension = ? AND dim_key = ? AND period = ?", key.Dimension, key.DimKey, key.Period).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SaveBreakdown 版本号 CAS 写回子类分布
func (r *AnalyticsRepository) SaveBreakdown(ctx context.Context, tx *gorm.DB, id int64, version int, breakdown map[string]model.BreakdownEntry) error {
	payload, err := json.Marshal(breakdown)
	if err != nil {
		return err
	}

	result := use(ctx, r.db, tx).
		Model(&model.AnalyticsRollup{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"breakdown": string(payload),
			"version":   gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRollupVersionConflict
	}
	return nil
}

func (r *AnalyticsRepository) Get(ctx context.Context, key RollupKey) (*model.AnalyticsRollup, error) {
	var row model.AnalyticsRollup
	err := r.db.WithContext(ctx).
		Where("dimension = ? AND dim_key = ? AND period = ?", key.Dimension, key.DimKey, key.Period).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// List 按维度和周期前缀查询，period 为空时不过滤
func (r *AnalyticsRepository) List(ctx context.Context, dimension, period string, limit int) ([]*model.AnalyticsRollup, error) {
	var rows []*model.AnalyticsRollup
	query := r.db.WithContext(ctx).Where("dimension = ?", dimension)
	if period != "" {
		query = query.Where("period LIKE ?", period+"%")
	}
	err := query.
		Order("period DESC").
		Order("revenue DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Reset 清空统计行和处理标记，重建前调用
func (r *AnalyticsRepository) Reset(ctx context.Context, tx *gorm.DB) error {
	conn := use(ctx, r.db, tx).Session(&gorm.Session{AllowGlobalUpdate: true})
	if err := conn.Delete(&model.AnalyticsRollup{}).Error; err != nil {
		return err
	}
	return conn.Delete(&model.AnalyticsProcessedSale{}).Error
}
