package model

import (
	"time"
)

const (
	StockReasonSale    = "sale"
	StockReasonBulk    = "bulk_decrement"
	StockReasonRestock = "restock"
)

// StockMovement 库存流水，记录每次变动前后的库存，只追加
type StockMovement struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MovementNo    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"movement_no"`
	ProductID     int64     `gorm:"index;not null" json:"product_id"`
	PreviousStock int       `gorm:"not null" json:"previous_stock"`
	NewStock      int       `gorm:"not null" json:"new_stock"`
	Delta         int       `gorm:"not null" json:"delta"`
	Reason        string    `gorm:"type:varchar(32);not null" json:"reason"`
	ReferenceNo   string    `gorm:"type:varchar(64);index" json:"reference_no"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (StockMovement) TableName() string {
	return "stock_movement"
}
