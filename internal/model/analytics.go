package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RollupDaily        = "daily"
	RollupManufacturer = "manufacturer"
	RollupCategory     = "category"
)

// BreakdownOther 超出 top-N 的子类合并到这里
const BreakdownOther = "_other"

type BreakdownEntry struct {
	Revenue decimal.Decimal `json:"revenue"`
	Units   int             `json:"units"`
}

// AnalyticsRollup 统计汇总表（派生数据，可从销售单重建）
//
// 粒度：(dimension, dim_key, period)
//   - daily:        dim_key = 日期，period = 日期，breakdown 按品类
//   - manufacturer: dim_key = 厂商，period = 月份，breakdown 按品类
//   - category:     dim_key = 品类，period = 月份，breakdown 按厂商
//
// 只做合并（new = old + delta），从不覆盖
type AnalyticsRollup struct {
	ID        int64                     `gorm:"primaryKey;autoIncrement" json:"id"`
	Dimension string                    `gorm:"type:varchar(20);not null;uniqueIndex:uniq_rollup_key,priority:1" json:"dimension"`
	DimKey    string                    `gorm:"type:varchar(128);not null;uniqueIndex:uniq_rollup_key,priority:2" json:"dim_key"`
	Period    string                    `gorm:"type:varchar(10);not null;uniqueIndex:uniq_rollup_key,priority:3" json:"period"`
	Revenue   decimal.Decimal           `gorm:"type:decimal(20,4);not null;default:0" json:"revenue"`
	Units     int                       `gorm:"not null;default:0" json:"units"`
	SaleCount int                       `gorm:"not null;default:0" json:"sale_count"`
	Breakdown map[string]BreakdownEntry `gorm:"type:text;serializer:json" json:"breakdown"`
	Version   int                       `gorm:"not null;default:0" json:"version"`
	UpdatedAt time.Time                 `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AnalyticsRollup) TableName() string {
	return "analytics_rollup"
}

// AnalyticsProcessedSale 已计入统计的销售单，重复投递靠它去重
type AnalyticsProcessedSale struct {
	SaleID      int64     `gorm:"primaryKey;autoIncrement:false" json:"sale_id"`
	ProcessedAt time.Time `gorm:"autoCreateTime" json:"processed_at"`
}

func (AnalyticsProcessedSale) TableName() string {
	return "analytics_processed_sale"
}
