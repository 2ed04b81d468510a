package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product 商品表
// stock_level 只能通过条件扣减（stock_level >= ?）或原子加法修改，任何时候都不为负
type Product struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	SKU          string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"sku"`
	Name         string          `gorm:"type:varchar(128);not null" json:"name"`
	Manufacturer string          `gorm:"type:varchar(128);index" json:"manufacturer"`
	Category     string          `gorm:"type:varchar(64);index" json:"category"`
	Price        decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"price"`
	StockLevel   int             `gorm:"not null;default:0;check:stock_level >= 0" json:"stock_level"`
	LastSoldAt   *time.Time      `json:"last_sold_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Product) TableName() string {
	return "product"
}
