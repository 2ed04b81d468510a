package validation

import (
	"errors"
	"testing"
	"time"

	"jmspos/internal/model"
	"jmspos/internal/saleerr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cashPayment(amount string) model.Payment {
	return model.Payment{
		Amount: dec(amount),
		Date:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Type:   model.PaymentTypeFull,
		Method: model.PaymentMethodCash,
	}
}

func TestReconcilePaymentCompletedIsValid(t *testing.T) {
	d := model.PaymentDetails{
		TotalAmount:   dec("100"),
		PaidAmount:    dec("100"),
		PendingAmount: dec("0"),
		Status:        model.PaymentStatusCompleted,
		Payments:      []model.Payment{cashPayment("100")},
	}
	require.NoError(t, ReconcilePayment(d, DefaultTolerance))
}

func TestReconcilePaymentPartialWithFullAmountRejected(t *testing.T) {
	d := model.PaymentDetails{
		TotalAmount:   dec("100"),
		PaidAmount:    dec("100"),
		PendingAmount: dec("0"),
		Status:        model.PaymentStatusPartial,
		Payments:      []model.Payment{cashPayment("100")},
	}

	err := ReconcilePayment(d, DefaultTolerance)
	require.Error(t, err)
	assert.ErrorIs(t, err, saleerr.ErrStatusAmountMismatch)

	var pe *saleerr.PaymentError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "payment_details.status", pe.Field)
	assert.Equal(t, saleerr.KindPayment, saleerr.KindOf(err))
}

func TestCheckPaymentToleranceBoundary(t *testing.T) {
	d := model.PaymentDetails{
		TotalAmount:   dec("100.01"),
		PaidAmount:    dec("60"),
		PendingAmount: dec("40"),
		Status:        model.PaymentStatusPartial,
		Payments:      []model.Payment{cashPayment("60")},
	}
	assert.Empty(t, CheckPayment(d, DefaultTolerance))

	d.TotalAmount = dec("100.02")
	errs := CheckPayment(d, DefaultTolerance)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], saleerr.ErrAmountMismatch)
}

func TestCheckPaymentCollectsEveryViolation(t *testing.T) {
	d := model.PaymentDetails{
		TotalAmount:   dec("50"),
		PaidAmount:    dec("-1"),
		PendingAmount: dec("0"),
		Status:        "settled",
		Payments: []model.Payment{
			{Amount: dec("-5"), Type: "gift", Method: "cheque"},
		},
	}

	errs := CheckPayment(d, DefaultTolerance)

	var got []error
	for _, e := range errs {
		got = append(got, e.Err)
	}
	assert.Contains(t, got, saleerr.ErrInvalidStatus)
	assert.Contains(t, got, saleerr.ErrNegativeAmount)
	assert.Contains(t, got, saleerr.ErrInvalidPaymentType)
	assert.Contains(t, got, saleerr.ErrInvalidPaymentMethod)
	assert.Contains(t, got, saleerr.ErrPaymentsMismatch)
	assert.NotContains(t, got, saleerr.ErrAmountMismatch, "sum check skipped when an amount is negative")
}

func TestCheckPaymentStatusRules(t *testing.T) {
	cases := []struct {
		name    string
		status  string
		total   string
		paid    string
		pending string
		ok      bool
	}{
		{"pending nothing paid", model.PaymentStatusPending, "80", "0", "80", true},
		{"pending with money", model.PaymentStatusPending, "80", "10", "70", false},
		{"partial in range", model.PaymentStatusPartial, "80", "30", "50", true},
		{"partial nothing paid", model.PaymentStatusPartial, "80", "0", "80", false},
		{"failed nothing paid", model.PaymentStatusFailed, "80", "0", "80", true},
		{"failed with money", model.PaymentStatusFailed, "80", "80", "0", false},
		{"completed with pending", model.PaymentStatusCompleted, "80", "40", "40", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := model.PaymentDetails{
				TotalAmount:   dec(tc.total),
				PaidAmount:    dec(tc.paid),
				PendingAmount: dec(tc.pending),
				Status:        tc.status,
			}
			if !dec(tc.paid).IsZero() {
				d.Payments = []model.Payment{cashPayment(tc.paid)}
			}

			err := ReconcilePayment(d, DefaultTolerance)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, saleerr.ErrStatusAmountMismatch)
			}
		})
	}
}
