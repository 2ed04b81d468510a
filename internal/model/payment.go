package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusPartial   = "partial"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

const (
	PaymentTypeFull    = "full"
	PaymentTypePartial = "partial"
	PaymentTypeAdvance = "advance"
)

const (
	PaymentMethodCash         = "cash"
	PaymentMethodCard         = "card"
	PaymentMethodUPI          = "upi"
	PaymentMethodBankTransfer = "bank_transfer"
)

// PaymentDetailsSchemaVersion 写入 sale 行，结构变化时递增
const PaymentDetailsSchemaVersion = 1

var (
	PaymentStatuses = []string{PaymentStatusPending, PaymentStatusPartial, PaymentStatusCompleted, PaymentStatusFailed}
	PaymentTypes    = []string{PaymentTypeFull, PaymentTypePartial, PaymentTypeAdvance}
	PaymentMethods  = []string{PaymentMethodCash, PaymentMethodCard, PaymentMethodUPI, PaymentMethodBankTransfer}
)

// Payment 单笔收款
type Payment struct {
	Amount    decimal.Decimal `json:"amount"`
	Date      time.Time       `json:"date"`
	Type      string          `json:"type"`
	Method    string          `json:"method"`
	Reference string          `json:"reference,omitempty"`
}

// PaymentDetails 一次销售的收款明细
//
// 约束：total = paid + pending（容差 0.01），sum(payments) ≈ paid，status 与金额一致
type PaymentDetails struct {
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	PendingAmount decimal.Decimal `json:"pending_amount"`
	Status        string          `json:"status"`
	Payments      []Payment       `json:"payments"`
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func IsPaymentStatus(v string) bool { return contains(PaymentStatuses, v) }
func IsPaymentType(v string) bool   { return contains(PaymentTypes, v) }
func IsPaymentMethod(v string) bool { return contains(PaymentMethods, v) }
