package service

import (
	"context"
	"testing"
	"time"

	"jmspos/internal/logging"
	"jmspos/internal/model"
	"jmspos/internal/repository"
	"jmspos/internal/saleerr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(revenue string, units int) model.BreakdownEntry {
	return model.BreakdownEntry{Revenue: decimal.RequireFromString(revenue), Units: units}
}

// completedSales 两张销售单：工具 25 + 配件 10，工具 12.5
func completedSales(t *testing.T, f *fixture) []*CompleteSaleResult {
	t.Helper()
	drill := f.product(t, "DRILL", 50, "12.5", "Acme", "tools")
	bolt := f.product(t, "BOLT", 50, "5", "Bolt Co", "parts")
	svc := f.saleService(f.engine())

	first, err := svc.CompleteSale(context.Background(), paidSale("txn-a1", line(drill, 2), line(bolt, 2)))
	require.NoError(t, err)
	second, err := svc.CompleteSale(context.Background(), paidSale("txn-a2", line(drill, 1)))
	require.NoError(t, err)
	return []*CompleteSaleResult{first, second}
}

func (f *fixture) analytics() *AnalyticsService {
	return NewAnalyticsService(f.db, f.cfg.Analytics, logging.Discard())
}

func (f *fixture) rollup(t *testing.T, key repository.RollupKey) *model.AnalyticsRollup {
	t.Helper()
	row, err := repository.NewAnalyticsRepository(f.db).Get(context.Background(), key)
	require.NoError(t, err)
	return row
}

func saleDay(t *testing.T, f *fixture, saleID int64) (string, string) {
	t.Helper()
	sale, err := repository.NewSaleRepository(f.db).GetByID(context.Background(), saleID)
	require.NoError(t, err)
	return sale.CreatedAt.Format("2006-01-02"), sale.CreatedAt.Format("2006-01")
}

func TestProcessSaleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sales := completedSales(t, f)
	svc := f.analytics()

	applied, err := svc.ProcessSale(ctx, sales[0].SaleID)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = svc.ProcessSale(ctx, sales[0].SaleID)
	require.NoError(t, err)
	assert.False(t, applied)

	day, month := saleDay(t, f, sales[0].SaleID)

	daily := f.rollup(t, repository.RollupKey{Dimension: model.RollupDaily, DimKey: day, Period: day})
	assert.True(t, daily.Revenue.Equal(decimal.NewFromInt(35)), daily.Revenue.String())
	assert.Equal(t, 4, daily.Units)
	assert.Equal(t, 1, daily.SaleCount)
	require.Len(t, daily.Breakdown, 2)
	assert.True(t, daily.Breakdown["tools"].Revenue.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, 2, daily.Breakdown["parts"].Units)

	acme := f.rollup(t, repository.RollupKey{Dimension: model.RollupManufacturer, DimKey: "Acme", Period: month})
	assert.True(t, acme.Revenue.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, 1, acme.SaleCount)

	parts := f.rollup(t, repository.RollupKey{Dimension: model.RollupCategory, DimKey: "parts", Period: month})
	assert.True(t, parts.Breakdown["Bolt Co"].Revenue.Equal(decimal.NewFromInt(10)))
}

func TestHandleEventFromOutboxPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sales := completedSales(t, f)
	svc := f.analytics()

	pending, err := repository.NewOutboxRepository(f.db).GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, msg := range pending {
		require.NoError(t, svc.HandleEvent(ctx, []byte(msg.Payload)))
	}
	// 重复投递
	require.NoError(t, svc.HandleEvent(ctx, []byte(pending[0].Payload)))

	day, _ := saleDay(t, f, sales[1].SaleID)
	daily := f.rollup(t, repository.RollupKey{Dimension: model.RollupDaily, DimKey: day, Period: day})
	assert.Equal(t, 2, daily.SaleCount)
	assert.Equal(t, 5, daily.Units)
	assert.True(t, daily.Revenue.Equal(decimal.RequireFromString("47.5")), daily.Revenue.String())

	assert.ErrorIs(t, svc.HandleEvent(ctx, []byte(`{"sale_number":"x"}`)), model.ErrMalformedEvent)
	assert.ErrorIs(t, svc.HandleEvent(ctx, []byte(`not json`)), model.ErrMalformedEvent)

	var nf *saleerr.NotFoundError
	assert.ErrorAs(t, svc.HandleEvent(ctx, []byte(`{"sale_id":99999}`)), &nf)
}

func TestCatchUpOnlyProcessesMissingSales(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sales := completedSales(t, f)
	svc := f.analytics()

	_, err := svc.ProcessSale(ctx, sales[0].SaleID)
	require.NoError(t, err)

	n, err := svc.CatchUp(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.CatchUp(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRebuildReproducesTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sales := completedSales(t, f)
	svc := f.analytics()

	n, err := svc.CatchUp(ctx, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	day, month := saleDay(t, f, sales[0].SaleID)
	before := f.rollup(t, repository.RollupKey{Dimension: model.RollupCategory, DimKey: "tools", Period: month})

	n, err = svc.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	after := f.rollup(t, repository.RollupKey{Dimension: model.RollupCategory, DimKey: "tools", Period: month})
	assert.True(t, before.Revenue.Equal(after.Revenue))
	assert.Equal(t, before.Units, after.Units)
	assert.Equal(t, before.SaleCount, after.SaleCount)
	assert.Equal(t, 3, after.Units)

	rows, err := svc.ListRollups(ctx, model.RollupDaily, day, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestListRollupsRejectsUnknownDimension(t *testing.T) {
	f := newFixture(t)
	_, err := f.analytics().ListRollups(context.Background(), "weekly", "", 10)
	assert.ErrorIs(t, err, ErrUnsupportedDimension)
}

func TestMergeEntriesFoldsTailIntoOther(t *testing.T) {
	old := map[string]model.BreakdownEntry{
		"a":                  entry("10", 1),
		"b":                  entry("5", 1),
		model.BreakdownOther: entry("2", 2),
	}
	delta := map[string]model.BreakdownEntry{
		"c": entry("1", 1),
		"d": entry("20", 4),
	}

	merged := mergeEntries(old, delta, 2)
	require.Len(t, merged, 3)
	assert.True(t, merged["d"].Revenue.Equal(decimal.NewFromInt(20)))
	assert.True(t, merged["a"].Revenue.Equal(decimal.NewFromInt(10)))
	assert.True(t, merged[model.BreakdownOther].Revenue.Equal(decimal.NewFromInt(8)))
	assert.Equal(t, 4, merged[model.BreakdownOther].Units)

	// 总量守恒
	total := decimal.Zero
	for _, e := range merged {
		total = total.Add(e.Revenue)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(38)))
}

func TestMergeEntriesUnderCapKeepsEverything(t *testing.T) {
	merged := mergeEntries(nil, map[string]model.BreakdownEntry{"a": entry("1", 1)}, 5)
	require.Len(t, merged, 1)
	assert.True(t, merged["a"].Revenue.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 1, merged["a"].Units)
}
