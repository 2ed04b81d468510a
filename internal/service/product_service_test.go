package service

import (
	"context"
	"errors"
	"testing"

	"jmspos/internal/model"
	"jmspos/internal/saleerr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateProductRejectsNegativePrice(t *testing.T) {
	f := newFixture(t)
	svc := NewProductService(f.db)

	_, err := svc.CreateProduct(context.Background(), &CreateProductRequest{
		SKU:   "neg",
		Name:  "negative",
		Price: decimal.NewFromInt(-1),
	})
	assert.ErrorIs(t, err, ErrInvalidProduct)
	assert.Equal(t, int64(0), f.count(t, &model.Product{}))
}

func TestRestockWritesMovement(t *testing.T) {
	f := newFixture(t)
	svc := NewProductService(f.db)
	ctx := context.Background()
	p := f.product(t, "drill", 2, "12.5", "Acme", "tools")

	movement, err := svc.Restock(ctx, p.ID, 8, "PO-1")
	require.NoError(t, err)
	assert.Equal(t, 2, movement.PreviousStock)
	assert.Equal(t, 10, movement.NewStock)
	assert.Equal(t, 8, movement.Delta)
	assert.Equal(t, model.StockReasonRestock, movement.Reason)
	assert.Equal(t, 10, f.stockOf(t, p.ID))

	list, total, err := svc.ListMovements(ctx, p.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)
	assert.Equal(t, "PO-1", list[0].ReferenceNo)
}

func TestRestockValidation(t *testing.T) {
	f := newFixture(t)
	svc := NewProductService(f.db)

	_, err := svc.Restock(context.Background(), 1, 0, "")
	assert.ErrorIs(t, err, ErrInvalidRestock)

	_, err = svc.Restock(context.Background(), 404, 1, "")
	var nf *saleerr.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "product", nf.Entity)
	assert.Equal(t, int64(0), f.count(t, &model.StockMovement{}))
}
