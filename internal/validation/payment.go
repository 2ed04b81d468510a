package validation

import (
	"fmt"

	"jmspos/internal/model"
	"jmspos/internal/saleerr"

	"github.com/shopspring/decimal"
)

// DefaultTolerance 金额比较容差
var DefaultTolerance = decimal.RequireFromString("0.01")

// CheckPayment 校验收款明细，返回全部违规项（供校验器汇总）
//
// 【状态与金额的关系】
//
//	completed => pending == 0 且 paid == total
//	pending   => paid == 0
//	partial   => 0 < paid < total
//	failed    => paid == 0
func CheckPayment(d model.PaymentDetails, tolerance decimal.Decimal) []*saleerr.PaymentError {
	var errs []*saleerr.PaymentError

	if !model.IsPaymentStatus(d.Status) {
		errs = append(errs, &saleerr.PaymentError{
			Field:   "payment_details.status",
			Message: fmt.Sprintf("status=%q", d.Status),
			Err:     saleerr.ErrInvalidStatus,
		})
	}

	amountsOK := true
	for _, a := range []struct {
		field string
		value decimal.Decimal
	}{
		{"payment_details.total_amount", d.TotalAmount},
		{"payment_details.paid_amount", d.PaidAmount},
		{"payment_details.pending_amount", d.PendingAmount},
	} {
		if a.value.IsNegative() {
			amountsOK = false
			errs = append(errs, &saleerr.PaymentError{
				Field:   a.field,
				Context: map[string]any{"value": a.value.String()},
				Err:     saleerr.ErrNegativeAmount,
			})
		}
	}

	if amountsOK && !approxEqual(d.TotalAmount, d.PaidAmount.Add(d.PendingAmount), tolerance) {
		errs = append(errs, &saleerr.PaymentError{
			Field: "payment_details.total_amount",
			Context: map[string]any{
				"total":   d.TotalAmount.String(),
				"paid":    d.PaidAmount.String(),
				"pending": d.PendingAmount.String(),
			},
			Err: saleerr.ErrAmountMismatch,
		})
	}

	sum := decimal.Zero
	for i, p := range d.Payments {
		field := fmt.Sprintf("payment_details.payments[%d]", i)
		if p.Amount.IsNegative() {
			errs = append(errs, &saleerr.PaymentError{
				Field:   field + ".amount",
				Context: map[string]any{"value": p.Amount.String()},
				Err:     saleerr.ErrNegativeAmount,
			})
		}
		if !model.IsPaymentType(p.Type) {
			errs = append(errs, &saleerr.PaymentError{
				Field:   field + ".type",
				Message: fmt.Sprintf("type=%q", p.Type),
				Err:     saleerr.ErrInvalidPaymentType,
			})
		}
		if !model.IsPaymentMethod(p.Method) {
			errs = append(errs, &saleerr.PaymentError{
				Field:   field + ".method",
				Message: fmt.Sprintf("method=%q", p.Method),
				Err:     saleerr.ErrInvalidPaymentMethod,
			})
		}
		sum = sum.Add(p.Amount)
	}

	if !approxEqual(sum, d.PaidAmount, tolerance) {
		errs = append(errs, &saleerr.PaymentError{
			Field: "payment_details.payments",
			Context: map[string]any{
				"payments_sum": sum.String(),
				"paid":         d.PaidAmount.String(),
			},
			Err: saleerr.ErrPaymentsMismatch,
		})
	}

	if err := checkStatusAmounts(d, tolerance); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// ReconcilePayment 写入前的复核，返回第一个违规项
func ReconcilePayment(d model.PaymentDetails, tolerance decimal.Decimal) error {
	if errs := CheckPayment(d, tolerance); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func checkStatusAmounts(d model.PaymentDetails, tolerance decimal.Decimal) *saleerr.PaymentError {
	ok := true
	switch d.Status {
	case model.PaymentStatusCompleted:
		ok = approxEqual(d.PendingAmount, decimal.Zero, tolerance) &&
			approxEqual(d.PaidAmount, d.TotalAmount, tolerance)
	case model.PaymentStatusPending, model.PaymentStatusFailed:
		ok = approxEqual(d.PaidAmount, decimal.Zero, tolerance)
	case model.PaymentStatusPartial:
		ok = d.PaidAmount.IsPositive() && d.PaidAmount.LessThan(d.TotalAmount)
	default:
		// 非法状态已单独报错
		return nil
	}
	if ok {
		return nil
	}
	return &saleerr.PaymentError{
		Field:   "payment_details.status",
		Message: fmt.Sprintf("status=%s total=%s paid=%s pending=%s", d.Status, d.TotalAmount, d.PaidAmount, d.PendingAmount),
		Context: map[string]any{
			"status":  d.Status,
			"total":   d.TotalAmount.String(),
			"paid":    d.PaidAmount.String(),
			"pending": d.PendingAmount.String(),
		},
		Err: saleerr.ErrStatusAmountMismatch,
	}
}

func approxEqual(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}
