package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"jmspos/internal/config"
	"jmspos/internal/infrastructure/cache"
	"jmspos/internal/infrastructure/database"
	"jmspos/internal/infrastructure/lock"
	"jmspos/internal/logging"
	"jmspos/internal/model"
	"jmspos/internal/notify"
	"jmspos/internal/repository"
	"jmspos/internal/saleerr"
	"jmspos/internal/validation"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	cfg      *config.Config
	notifier *notify.Recorder

	mu     sync.Mutex
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	cfg := config.Default()
	cfg.Sale.LowStockThreshold = 3
	return &fixture{db: db, cfg: cfg, notifier: &notify.Recorder{}}
}

func (f *fixture) sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	return nil
}

func (f *fixture) recordedSleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func (f *fixture) engine(opts ...StockEngineOption) *StockEngine {
	opts = append([]StockEngineOption{
		WithSleep(f.sleep),
		WithJitter(func() float64 { return 0.5 }),
	}, opts...)
	return NewStockEngine(f.db, f.cfg.Sale, f.notifier, logging.Discard(), opts...)
}

func (f *fixture) saleService(engine *StockEngine) *SaleService {
	return NewSaleService(f.db, f.cfg, engine,
		lock.NewSaleLocker(nil, time.Second),
		cache.NewReplayCache(nil, time.Minute),
		f.notifier, logging.Discard())
}

func (f *fixture) product(t *testing.T, sku string, stock int, price, manufacturer, category string) *model.Product {
	t.Helper()
	p := &model.Product{
		SKU:          sku,
		Name:         sku,
		Manufacturer: manufacturer,
		Category:     category,
		Price:        decimal.RequireFromString(price),
		StockLevel:   stock,
	}
	require.NoError(t, repository.NewProductRepository(f.db).Create(context.Background(), nil, p))
	return p
}

func (f *fixture) stockOf(t *testing.T, id int64) int {
	t.Helper()
	stock, err := repository.NewProductRepository(f.db).GetStock(context.Background(), nil, id)
	require.NoError(t, err)
	return stock
}

func (f *fixture) count(t *testing.T, m interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(m).Count(&n).Error)
	return n
}

func (f *fixture) phases(t *testing.T, transactionID string) []string {
	t.Helper()
	logs, err := repository.NewTransactionLogRepository(f.db).ListByTransactionID(context.Background(), transactionID)
	require.NoError(t, err)
	phases := make([]string, 0, len(logs))
	for _, l := range logs {
		phases = append(phases, l.Phase)
	}
	return phases
}

// line 购物车行，价格取商品价
func line(p *model.Product, qty int) validation.ItemInput {
	price := p.Price
	return validation.ItemInput{
		ProductID:    p.ID,
		Quantity:     qty,
		Price:        &price,
		Manufacturer: p.Manufacturer,
		Category:     p.Category,
	}
}

// paidSale 全额现金支付的销售请求
func paidSale(transactionID string, items ...validation.ItemInput) *CompleteSaleRequest {
	total, _ := validation.ComputeTotals(items)
	return &CompleteSaleRequest{
		TransactionID: transactionID,
		SaleType:      model.SaleTypeCounter,
		Items:         items,
		PaymentDetails: model.PaymentDetails{
			TotalAmount:   total,
			PaidAmount:    total,
			PendingAmount: decimal.Zero,
			Status:        model.PaymentStatusCompleted,
			Payments: []model.Payment{{
				Amount: total,
				Type:   model.PaymentTypeFull,
				Method: model.PaymentMethodCash,
			}},
		},
	}
}

// flakyStore 前 failures 次扣减返回临时错误，之后交给真实仓储
// txAborted 为 true 时模拟 MySQL 死锁：数据库已回滚整个事务
type flakyStore struct {
	*repository.ProductRepository

	mu        sync.Mutex
	failures  int
	txAborted bool
	calls     int
}

func (s *flakyStore) ConditionalDecrement(ctx context.Context, tx *gorm.DB, id int64, quantity int, soldAt *time.Time) (bool, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failures < 0 || s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		if s.txAborted {
			return false, &saleerr.TransientError{Err: errors.New("Deadlock found when trying to get lock"), TxAborted: true}
		}
		return false, &saleerr.TransientError{Err: errors.New("connection reset by peer")}
	}
	return s.ProductRepository.ConditionalDecrement(ctx, tx, id, quantity, soldAt)
}

// orderStore 记录扣减顺序
type orderStore struct {
	*repository.ProductRepository
	order []int64
}

func (s *orderStore) ConditionalDecrement(ctx context.Context, tx *gorm.DB, id int64, quantity int, soldAt *time.Time) (bool, error) {
	s.order = append(s.order, id)
	return s.ProductRepository.ConditionalDecrement(ctx, tx, id, quantity, soldAt)
}

// drainingStore 扣减前把 productID 的库存改成 stock，模拟校验之后库存被别的收银台卖掉
type drainingStore struct {
	*repository.ProductRepository
	productID int64
	stock     int
}

func (s *drainingStore) ConditionalDecrement(ctx context.Context, tx *gorm.DB, id int64, quantity int, soldAt *time.Time) (bool, error) {
	if id == s.productID {
		if err := tx.Model(&model.Product{}).Where("id = ?", id).Update("stock_level", s.stock).Error; err != nil {
			return false, err
		}
	}
	return s.ProductRepository.ConditionalDecrement(ctx, tx, id, quantity, soldAt)
}

// missingStore 条件扣减总是未命中，但库存是够的：并发竞争中落败
type missingStore struct {
	*repository.ProductRepository
}

func (s *missingStore) ConditionalDecrement(context.Context, *gorm.DB, int64, int, *time.Time) (bool, error) {
	return false, nil
}

// brokenStore 指定商品的扣减返回不可恢复的错误
type brokenStore struct {
	*repository.ProductRepository
	productID int64
	err       error
}

func (s *brokenStore) ConditionalDecrement(ctx context.Context, tx *gorm.DB, id int64, quantity int, soldAt *time.Time) (bool, error) {
	if id == s.productID {
		return false, s.err
	}
	return s.ProductRepository.ConditionalDecrement(ctx, tx, id, quantity, soldAt)
}
