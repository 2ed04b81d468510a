package service

import (
	"context"
	"errors"
	"testing"

	"jmspos/internal/model"
	"jmspos/internal/notify"
	"jmspos/internal/repository"
	"jmspos/internal/saleerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDecrementAllRequiresTransaction(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, "A", 10, "1", "", "")

	_, _, err := f.engine().DecrementAll(context.Background(), nil, []StockItem{{ProductID: a.ID, Quantity: 1}}, DecrementOptions{})
	require.Error(t, err)
	assert.Equal(t, 10, f.stockOf(t, a.ID))
}

func TestDecrementAllReportsWhatIsLeft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, "A", 10, "1", "", "")
	engine := f.engine()

	var changes []StockChange
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		changes, _, err = engine.DecrementAll(ctx, tx, []StockItem{{ProductID: a.ID, Quantity: 6}}, DecrementOptions{Reason: model.StockReasonSale})
		return err
	})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, 10, changes[0].PreviousStock)
	assert.Equal(t, 4, changes[0].NewStock)
	assert.Equal(t, 1, changes[0].Attempts)
	assert.NotEmpty(t, changes[0].MovementNo)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, _, err := engine.DecrementAll(ctx, tx, []StockItem{{ProductID: a.ID, Quantity: 6}}, DecrementOptions{Reason: model.StockReasonSale})
		return err
	})
	var ise *saleerr.InsufficientStockError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, 6, ise.Requested)
	assert.Equal(t, 4, ise.Available)
	assert.Equal(t, 4, f.stockOf(t, a.ID))
}

func TestDecrementAllUnknownProduct(t *testing.T) {
	f := newFixture(t)

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, _, err := f.engine().DecrementAll(context.Background(), tx, []StockItem{{ProductID: 404, Quantity: 1}}, DecrementOptions{})
		return err
	})
	var nf *saleerr.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "product", nf.Entity)
}

func TestDecrementAllWritesMovements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, "A", 10, "1", "", "")
	b := f.product(t, "B", 3, "1", "", "")

	var events []notify.Event
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		_, events, err = f.engine().DecrementAll(ctx, tx, []StockItem{
			{ProductID: a.ID, Quantity: 2},
			{ProductID: b.ID, Quantity: 1},
		}, DecrementOptions{Reason: model.StockReasonSale, ReferenceNo: "REF-1"})
		return err
	})
	require.NoError(t, err)

	movements, err := repository.NewStockMovementRepository(f.db).ListByReference(ctx, "REF-1")
	require.NoError(t, err)
	require.Len(t, movements, 2)
	for _, m := range movements {
		assert.Equal(t, model.StockReasonSale, m.Reason)
		assert.Equal(t, m.PreviousStock+m.Delta, m.NewStock)
		assert.Negative(t, m.Delta)
	}

	// 低库存事件由调用方在提交后发出，引擎自己不发
	require.Len(t, events, 1)
	assert.Equal(t, b.ID, events[0].ProductID)
	assert.Empty(t, f.notifier.Events())
}

func TestBulkDecrementCheckpointsEachBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, "A", 10, "1", "", "")
	b := f.product(t, "B", 10, "1", "", "")
	c := f.product(t, "C", 10, "1", "", "")

	res, err := f.engine().BulkDecrement(ctx, []StockItem{
		{ProductID: a.ID, Quantity: 1},
		{ProductID: b.ID, Quantity: 2},
		{ProductID: c.ID, Quantity: 3},
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CommittedBatches)
	assert.Equal(t, 3, res.Processed)
	assert.Len(t, res.Changes, 3)

	assert.Equal(t, 9, f.stockOf(t, a.ID))
	assert.Equal(t, 8, f.stockOf(t, b.ID))
	assert.Equal(t, 7, f.stockOf(t, c.ID))

	assert.Equal(t, []string{
		model.TxPhaseStarted,
		model.TxPhaseCheckpoint,
		model.TxPhaseCheckpoint,
		model.TxPhaseCompleted,
	}, f.phases(t, res.BatchNo))
}

func TestBulkDecrementKeepsCommittedBatchesOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, "A", 10, "1", "", "")
	b := f.product(t, "B", 10, "1", "", "")
	c := f.product(t, "C", 2, "1", "", "")
	d := f.product(t, "D", 10, "1", "", "")

	res, err := f.engine().BulkDecrement(ctx, []StockItem{
		{ProductID: a.ID, Quantity: 1},
		{ProductID: b.ID, Quantity: 1},
		{ProductID: d.ID, Quantity: 1},
		{ProductID: c.ID, Quantity: 5},
	}, 2)
	var ise *saleerr.InsufficientStockError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, c.ID, ise.ProductID)

	assert.Equal(t, 1, res.CommittedBatches)
	assert.Equal(t, 2, res.Processed)

	// 第一批已提交，第二批整体回滚
	assert.Equal(t, 9, f.stockOf(t, a.ID))
	assert.Equal(t, 9, f.stockOf(t, b.ID))
	assert.Equal(t, 10, f.stockOf(t, d.ID))
	assert.Equal(t, 2, f.stockOf(t, c.ID))

	assert.Equal(t, []string{
		model.TxPhaseStarted,
		model.TxPhaseCheckpoint,
		model.TxPhaseError,
	}, f.phases(t, res.BatchNo))
}

func TestDecrementAllLocksRowsInProductOrder(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, "A", 10, "1", "", "")
	b := f.product(t, "B", 10, "1", "", "")
	c := f.product(t, "C", 10, "1", "", "")
	store := &orderStore{ProductRepository: repository.NewProductRepository(f.db)}

	var changes []StockChange
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		changes, _, err = f.engine(WithProductStore(store)).DecrementAll(context.Background(), tx, []StockItem{
			{ProductID: c.ID, Quantity: 1},
			{ProductID: a.ID, Quantity: 2},
			{ProductID: b.ID, Quantity: 3},
		}, DecrementOptions{Reason: model.StockReasonSale})
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{a.ID, b.ID, c.ID}, store.order)
	require.Len(t, changes, 3)
	assert.Equal(t, a.ID, changes[0].ProductID)
	assert.Equal(t, 2, changes[0].Quantity)
}

func TestDecrementAllLeavesAbortedTransactionToCaller(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, "A", 10, "1", "", "")
	store := &flakyStore{ProductRepository: repository.NewProductRepository(f.db), failures: -1, txAborted: true}

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, _, err := f.engine(WithProductStore(store)).DecrementAll(context.Background(), tx, []StockItem{{ProductID: a.ID, Quantity: 1}}, DecrementOptions{})
		return err
	})
	require.Error(t, err)
	assert.True(t, AbortsTransaction(err))

	var failed *saleerr.StockUpdateFailedError
	assert.False(t, errors.As(err, &failed))
	assert.Equal(t, 1, store.calls)
	assert.Empty(t, f.recordedSleeps())
}

func TestDecrementAllLostRaceIsConcurrencyError(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, "A", 10, "1", "", "")
	store := &missingStore{ProductRepository: repository.NewProductRepository(f.db)}

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, _, err := f.engine(WithProductStore(store)).DecrementAll(context.Background(), tx, []StockItem{{ProductID: a.ID, Quantity: 4}}, DecrementOptions{})
		return err
	})
	var conflict *saleerr.ConcurrencyError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 4, conflict.Requested)
	assert.Equal(t, 10, conflict.Available)
	assert.Empty(t, f.recordedSleeps())
	assert.Zero(t, f.count(t, &model.StockMovement{}))
}

func TestBulkDecrementRestartsAbortedBatch(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, "A", 10, "1", "", "")
	b := f.product(t, "B", 10, "1", "", "")
	store := &flakyStore{ProductRepository: repository.NewProductRepository(f.db), failures: 1, txAborted: true}

	res, err := f.engine(WithProductStore(store)).BulkDecrement(context.Background(), []StockItem{
		{ProductID: a.ID, Quantity: 1},
		{ProductID: b.ID, Quantity: 1},
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CommittedBatches)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 9, f.stockOf(t, a.ID))
	assert.Equal(t, 9, f.stockOf(t, b.ID))
	assert.Equal(t, int64(2), f.count(t, &model.StockMovement{}))
	assert.Len(t, f.recordedSleeps(), 1)
}
