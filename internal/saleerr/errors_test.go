package saleerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation list", ValidationErrors{{Field: "items", Message: "empty"}}, KindValidation},
		{"payment", &PaymentError{Field: "payment_details.status", Err: ErrInvalidStatus}, KindPayment},
		{"insufficient stock", &InsufficientStockError{ProductID: 1, Requested: 6, Available: 4}, KindStock},
		{"missing product", &NotFoundError{Entity: "product", ID: int64(3)}, KindStock},
		{"missing customer", &NotFoundError{Entity: "customer", ID: int64(3)}, KindValidation},
		{"concurrency", &ConcurrencyError{ProductID: 1}, KindConcurrency},
		{"transient", &TransientError{Err: errors.New("deadlock")}, KindTransient},
		{"exhausted retries", &StockUpdateFailedError{ProductID: 1, Err: &TransientError{Err: errors.New("deadlock")}}, KindFatal},
		{"unknown", errors.New("boom"), KindFatal},
		{"wrapped stock", fmt.Errorf("扣减库存: %w", &InsufficientStockError{ProductID: 2}), KindStock},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestValidationErrorsUnwrapReachesCauses(t *testing.T) {
	ise := &InsufficientStockError{ProductID: 9, Requested: 2, Available: 1}
	pe := &PaymentError{Field: "payment_details.total_amount", Err: ErrAmountMismatch}

	errs := ValidationErrors{
		{Field: "items[0].quantity", Message: "库存不足", Err: ise},
		pe.AsFieldError(),
		{Field: "items[1].price", Message: "必填"},
	}

	var got *InsufficientStockError
	require.True(t, errors.As(errs, &got))
	assert.Same(t, ise, got)
	assert.ErrorIs(t, errs, ErrAmountMismatch)
	assert.Contains(t, errs.Error(), "items[1].price")
}

func TestFatalErrorKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := &FatalError{TransactionID: "t-1", Op: "create_sale", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "t-1")
	assert.Equal(t, KindFatal, KindOf(err))
}
