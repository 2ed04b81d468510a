package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Customer 客户表
// total_purchases 只增不减，由销售编排器在同一事务内累加
type Customer struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Name             string          `gorm:"type:varchar(128);not null" json:"name"`
	Phone            string          `gorm:"type:varchar(32);index" json:"phone"`
	TotalPurchases   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_purchases"`
	LastPurchaseDate *time.Time      `json:"last_purchase_date"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Customer) TableName() string {
	return "customer"
}
