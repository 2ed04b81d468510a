package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SaleTypeCounter   = "counter"
	SaleTypeVideoCall = "video_call"
	SaleTypeBulk      = "bulk"
)

const (
	SaleStatusAccepted = "accepted"
)

var SaleTypes = []string{SaleTypeCounter, SaleTypeVideoCall, SaleTypeBulk}

func IsSaleType(v string) bool { return contains(SaleTypes, v) }

// Sale 销售单
//
// 【重要】销售单一旦创建不可修改：
// 1. 与 sale_item、sale_payment、库存扣减在同一事务内写入
// 2. transaction_id 唯一，同一个幂等键只会产生一张销售单
type Sale struct {
	ID                   int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	SaleNumber           string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"sale_number"`
	TransactionID        string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_id"`
	SaleType             string          `gorm:"type:varchar(20);not null" json:"sale_type"`
	CustomerID           *int64          `gorm:"index" json:"customer_id,omitempty"`
	StaffID              *int64          `json:"staff_id,omitempty"`
	Status               string          `gorm:"type:varchar(20);not null" json:"status"`
	TotalAmount          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_amount"`
	TotalItems           int             `gorm:"not null" json:"total_items"`
	PaidAmount           decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"paid_amount"`
	PendingAmount        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"pending_amount"`
	PaymentStatus        string          `gorm:"type:varchar(20);not null" json:"payment_status"`
	PaymentSchemaVersion int             `gorm:"not null;default:1" json:"payment_schema_version"`
	CreatedAt            time.Time       `gorm:"autoCreateTime;index" json:"created_at"`

	Items    []SaleItem    `gorm:"foreignKey:SaleID" json:"items,omitempty"`
	Payments []SalePayment `gorm:"foreignKey:SaleID" json:"payments,omitempty"`
}

func (Sale) TableName() string {
	return "sale"
}

// SaleItem 销售明细，manufacturer/category 为下单时快照，用于重建统计
type SaleItem struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	SaleID       int64           `gorm:"index;not null" json:"sale_id"`
	ProductID    int64           `gorm:"index;not null" json:"product_id"`
	Quantity     int             `gorm:"not null" json:"quantity"`
	UnitPrice    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price"`
	LineTotal    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"line_total"`
	Manufacturer string          `gorm:"type:varchar(128)" json:"manufacturer"`
	Category     string          `gorm:"type:varchar(64)" json:"category"`
}

func (SaleItem) TableName() string {
	return "sale_item"
}

// SalePayment 收款记录
type SalePayment struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	SaleID    int64           `gorm:"index;not null" json:"sale_id"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	PaidAt    time.Time       `gorm:"not null" json:"paid_at"`
	Type      string          `gorm:"type:varchar(20);not null" json:"type"`
	Method    string          `gorm:"type:varchar(20);not null" json:"method"`
	Reference string          `gorm:"type:varchar(128)" json:"reference,omitempty"`
}

func (SalePayment) TableName() string {
	return "sale_payment"
}

// Details 还原成收款明细值对象，供写入前复核使用
func (s *Sale) Details() PaymentDetails {
	payments := make([]Payment, 0, len(s.Payments))
	for _, p := range s.Payments {
		payments = append(payments, Payment{
			Amount:    p.Amount,
			Date:      p.PaidAt,
			Type:      p.Type,
			Method:    p.Method,
			Reference: p.Reference,
		})
	}
	return PaymentDetails{
		TotalAmount:   s.TotalAmount,
		PaidAmount:    s.PaidAmount,
		PendingAmount: s.PendingAmount,
		Status:        s.PaymentStatus,
		Payments:      payments,
	}
}
