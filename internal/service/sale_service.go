package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jmspos/internal/config"
	"jmspos/internal/logging"
	"jmspos/internal/model"
	"jmspos/internal/notify"
	"jmspos/internal/repository"
	"jmspos/internal/saleerr"
	"jmspos/internal/validation"
	"jmspos/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Locker 按交易号互斥，lock.SaleLocker 实现了它
type Locker interface {
	Acquire(ctx context.Context, transactionID string) (func(), error)
}

// ReplayStore 交易号 -> 销售单缓存，cache.ReplayCache 实现了它
type ReplayStore interface {
	Get(ctx context.Context, transactionID string) (int64, bool, error)
	Set(ctx context.Context, transactionID string, saleID int64) error
}

type CompleteSaleRequest struct {
	TransactionID  string
	SaleType       string
	CustomerID     *int64
	Items          []validation.ItemInput
	PaymentDetails model.PaymentDetails
	StaffID        *int64
	// BatchSize 只控制明细 INSERT 的分批大小，整单始终在一个事务内
	BatchSize  int
	MaxRetries int
}

type CompleteSaleResult struct {
	Success       bool            `json:"success"`
	SaleID        int64           `json:"sale_id"`
	SaleNumber    string          `json:"sale_number"`
	TransactionID string          `json:"transaction_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	TotalItems    int             `json:"total_items"`
	Replayed      bool            `json:"replayed"`
}

// SaleService 销售完成编排器
type SaleService struct {
	db        *gorm.DB
	cfg       config.SaleConfig
	topic     string
	validator *validation.SaleValidator
	stock     *StockEngine
	locker    Locker
	replay    ReplayStore
	notifier  notify.Notifier
	log       *logrus.Logger
	tracer    trace.Tracer

	saleRepo     *repository.SaleRepository
	customerRepo *repository.CustomerRepository
	txLogRepo    *repository.TransactionLogRepository
	outboxRepo   *repository.OutboxRepository
}

func NewSaleService(db *gorm.DB, cfg *config.Config, stock *StockEngine, locker Locker, replay ReplayStore, notifier notify.Notifier, log *logrus.Logger) *SaleService {
	saleCfg := cfg.Sale
	return &SaleService{
		db:           db,
		cfg:          saleCfg,
		topic:        cfg.Kafka.Topic.SaleCompleted,
		validator:    validation.NewSaleValidator(repository.NewProductRepository(db), decimal.NewFromFloat(saleCfg.AmountTolerance)),
		stock:        stock,
		locker:       locker,
		replay:       replay,
		notifier:     notifier,
		log:          log,
		tracer:       otel.Tracer("jmspos/service/sale"),
		saleRepo:     repository.NewSaleRepository(db),
		customerRepo: repository.NewCustomerRepository(db),
		txLogRepo:    repository.NewTransactionLogRepository(db),
		outboxRepo:   repository.NewOutboxRepository(db),
	}
}

// CompleteSale 完成一笔销售
//
// 【关键点】整单是一个事务：
//  1. 销售单 + 明细 + 收款记录
//  2. 逐项条件扣减库存（任何一项失败整单回滚）
//  3. 客户累计消费
//  4. outbox 消息 + completed 事务日志
//
// 同一 transaction_id 重复提交时返回第一次创建的销售单，不会再扣库存。
//
// 返回的错误：
//   - saleerr.ValidationErrors：输入有问题，没有任何写入
//   - *saleerr.PaymentError / InsufficientStockError / NotFoundError / ConcurrencyError：整单已回滚
//   - *saleerr.FatalError：重试耗尽或未知异常，整单已回滚，详情见事务日志
func (s *SaleService) CompleteSale(ctx context.Context, req *CompleteSaleRequest) (*CompleteSaleResult, error) {
	start := time.Now()

	transactionID := req.TransactionID
	if transactionID == "" {
		transactionID = uuid.NewString()
	}

	ctx, span := s.tracer.Start(ctx, "SaleService.CompleteSale",
		trace.WithAttributes(
			attribute.String("transaction_id", transactionID),
			attribute.String("sale_type", req.SaleType),
			attribute.Int("items", len(req.Items)),
		))
	defer span.End()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	logger := s.log.WithFields(logrus.Fields{
		"module":         "SaleService",
		"transaction_id": transactionID,
	})

	// 幂等校验
	if res, err := s.findReplay(ctx, transactionID); err != nil || res != nil {
		return res, err
	}

	// 获取交易号锁
	release, err := s.locker.Acquire(ctx, transactionID)
	if err != nil {
		return nil, &saleerr.TransientError{Err: fmt.Errorf("系统繁忙，请稍后重试: %w", err)}
	}
	defer release()

	// 获取锁后再次检查幂等
	if res, err := s.findReplay(ctx, transactionID); err != nil || res != nil {
		return res, err
	}

	s.appendLog(ctx, transactionID, model.TxPhaseStarted, map[string]any{
		"sale_type":   req.SaleType,
		"customer_id": req.CustomerID,
		"staff_id":    req.StaffID,
		"items":       len(req.Items),
	})

	// 校验（只读）
	result, err := s.validate(ctx, req)
	if err != nil {
		fatal := &saleerr.FatalError{TransactionID: transactionID, Op: "validate", Err: err}
		s.fail(ctx, transactionID, req, decimal.Zero, nil, fatal)
		span.SetStatus(codes.Error, fatal.Error())
		return nil, fatal
	}
	if !result.Valid {
		s.appendLog(ctx, transactionID, model.TxPhaseValidationFailed, map[string]any{
			"errors": result.Errors,
		})
		logger.WithField("errors", len(result.Errors)).Info("销售校验未通过")
		return nil, result.Errors
	}

	// 总额由明细重新计算
	totalAmount, totalItems := validation.ComputeTotals(req.Items)

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}

	var (
		sale     *model.Sale
		lowStock []notify.Event
		retries  []map[string]any
		op       string
	)

	// 执行销售事务；死锁、断连这类让数据库回滚整个事务的故障，整单从头重做
	onUnitRetry := func(attempt saleerr.RetryAttempt) {
		retries = append(retries, map[string]any{
			"scope":   "transaction",
			"attempt": attempt.Attempt,
			"error":   attempt.Error,
			"delay":   attempt.Delay.String(),
		})
	}
	err = s.stock.RunInTransaction(ctx, maxRetries, onUnitRetry, func(tx *gorm.DB) error {
		now := time.Now()
		sale = s.buildSale(transactionID, req, totalAmount, totalItems)

		// 写入前复核收款明细
		op = "reconcile_payment"
		if err := validation.ReconcilePayment(sale.Details(), s.validator.Tolerance()); err != nil {
			return err
		}

		op = "create_sale"
		if err := s.saleRepo.Create(ctx, tx, sale, batchSize); err != nil {
			return fmt.Errorf("创建销售单失败: %w", err)
		}

		op = "decrement_stock"
		stockItems := make([]StockItem, 0, len(req.Items))
		for _, item := range req.Items {
			stockItems = append(stockItems, StockItem{ProductID: item.ProductID, Quantity: item.Quantity})
		}
		_, events, err := s.stock.DecrementAll(ctx, tx, stockItems, DecrementOptions{
			Reason:      model.StockReasonSale,
			ReferenceNo: sale.SaleNumber,
			SoldAt:      &now,
			MaxRetries:  maxRetries,
			OnRetry: func(productID int64, attempt saleerr.RetryAttempt) {
				retries = append(retries, map[string]any{
					"scope":      "statement",
					"product_id": productID,
					"attempt":    attempt.Attempt,
					"error":      attempt.Error,
					"delay":      attempt.Delay.String(),
				})
			},
		})
		if err != nil {
			return err
		}
		lowStock = events

		if req.CustomerID != nil {
			op = "update_customer"
			if err := s.customerRepo.IncrementPurchases(ctx, tx, *req.CustomerID, totalAmount, now); err != nil {
				return err
			}
		}

		op = "write_outbox"
		payload, err := json.Marshal(model.SaleCompletedEvent{
			SaleID:        sale.ID,
			SaleNumber:    sale.SaleNumber,
			TransactionID: transactionID,
			CompletedAt:   now,
		})
		if err != nil {
			return err
		}
		if err := s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
			EventType:  model.EventSaleCompleted,
			MessageKey: sale.SaleNumber,
			Topic:      s.topic,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		}); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		// completed 与销售单同事务提交，重放判断以它为准
		op = "log_completed"
		saleID := sale.ID
		completed, _ := json.Marshal(map[string]any{
			"sale_number":  sale.SaleNumber,
			"total_amount": totalAmount.String(),
			"total_items":  totalItems,
			"duration_ms":  time.Since(start).Milliseconds(),
			"retries":      len(retries),
		})
		if err := s.txLogRepo.Append(ctx, tx, &model.TransactionLog{
			TransactionID: transactionID,
			Phase:         model.TxPhaseCompleted,
			SaleID:        &saleID,
			Context:       string(completed),
		}); err != nil {
			return err
		}

		op = "commit"
		return nil
	})

	// 重试历史在事务外追加（事务内写的会随回滚丢失）
	for _, r := range retries {
		s.appendLog(ctx, transactionID, model.TxPhaseRetry, r)
	}

	if err != nil {
		// 没有 Redis 锁时，并发的重复提交会撞上 transaction_id 唯一索引
		if IsDuplicateKey(err) {
			if res, replayErr := s.findReplay(ctx, transactionID); replayErr == nil && res != nil {
				return res, nil
			}
		}

		returned := err
		if kind := saleerr.KindOf(err); kind == saleerr.KindFatal || kind == saleerr.KindTransient {
			returned = &saleerr.FatalError{TransactionID: transactionID, Op: op, Err: err}
		}
		s.fail(ctx, transactionID, req, totalAmount, sale, returned)
		span.RecordError(returned)
		span.SetStatus(codes.Error, returned.Error())
		return nil, returned
	}

	// 以下都在提交之后，失败不影响结果
	if err := s.replay.Set(ctx, transactionID, sale.ID); err != nil {
		logger.WithError(err).Warn("写入重放缓存失败")
	}
	for _, ev := range lowStock {
		ev.TransactionID = transactionID
		s.notifier.Notify(ctx, ev)
	}

	logger.WithFields(logrus.Fields{
		"sale_id":      sale.ID,
		"sale_number":  sale.SaleNumber,
		"total_amount": totalAmount.String(),
		"total_items":  totalItems,
		"duration_ms":  time.Since(start).Milliseconds(),
	}).Info("销售完成")

	return &CompleteSaleResult{
		Success:       true,
		SaleID:        sale.ID,
		SaleNumber:    sale.SaleNumber,
		TransactionID: transactionID,
		TotalAmount:   totalAmount,
		TotalItems:    totalItems,
	}, nil
}

// validate 商品/收款校验之外，再检查销售类型和客户是否存在
func (s *SaleService) validate(ctx context.Context, req *CompleteSaleRequest) (validation.Result, error) {
	result, err := s.validator.Validate(ctx, req.Items, req.PaymentDetails)
	if err != nil {
		return result, err
	}

	var extra saleerr.ValidationErrors
	if !model.IsSaleType(req.SaleType) {
		extra = append(extra, saleerr.FieldError{
			Field:   "sale_type",
			Message: fmt.Sprintf("不支持的销售类型: %q", req.SaleType),
		})
	}
	if req.CustomerID != nil {
		if _, err := s.customerRepo.GetByID(ctx, *req.CustomerID); err != nil {
			var nf *saleerr.NotFoundError
			if !errors.As(err, &nf) {
				return result, err
			}
			extra = append(extra, saleerr.FieldError{
				Field:   "customer_id",
				Message: "客户不存在",
				Context: map[string]any{"customer_id": *req.CustomerID},
				Err:     nf,
			})
		}
	}

	if len(extra) > 0 {
		result.Valid = false
		result.Errors = append(extra, result.Errors...)
	}
	return result, nil
}

func (s *SaleService) buildSale(transactionID string, req *CompleteSaleRequest, total decimal.Decimal, totalItems int) *model.Sale {
	d := req.PaymentDetails

	items := make([]model.SaleItem, 0, len(req.Items))
	for _, in := range req.Items {
		items = append(items, model.SaleItem{
			ProductID:    in.ProductID,
			Quantity:     in.Quantity,
			UnitPrice:    *in.Price,
			LineTotal:    in.LineTotal(),
			Manufacturer: in.Manufacturer,
			Category:     in.Category,
		})
	}

	payments := make([]model.SalePayment, 0, len(d.Payments))
	for _, p := range d.Payments {
		paidAt := p.Date
		if paidAt.IsZero() {
			paidAt = time.Now()
		}
		payments = append(payments, model.SalePayment{
			Amount:    p.Amount,
			PaidAt:    paidAt,
			Type:      p.Type,
			Method:    p.Method,
			Reference: p.Reference,
		})
	}

	return &model.Sale{
		SaleNumber:           idgen.GenerateSaleNo(),
		TransactionID:        transactionID,
		SaleType:             req.SaleType,
		CustomerID:           req.CustomerID,
		StaffID:              req.StaffID,
		Status:               model.SaleStatusAccepted,
		TotalAmount:          total,
		TotalItems:           totalItems,
		PaidAmount:           d.PaidAmount,
		PendingAmount:        d.PendingAmount,
		PaymentStatus:        d.Status,
		PaymentSchemaVersion: model.PaymentDetailsSchemaVersion,
		Items:                items,
		Payments:             payments,
	}
}

// findReplay 交易号已完成时返回原销售单，否则返回 nil, nil
func (s *SaleService) findReplay(ctx context.Context, transactionID string) (*CompleteSaleResult, error) {
	var saleID int64

	cached, ok, err := s.replay.Get(ctx, transactionID)
	if err != nil {
		s.log.WithError(err).WithField("transaction_id", transactionID).Warn("读取重放缓存失败")
	}
	if ok {
		saleID = cached
	} else {
		entry, err := s.txLogRepo.FindCompleted(ctx, nil, transactionID)
		if err != nil {
			return nil, fmt.Errorf("查询事务日志失败: %w", err)
		}
		if entry == nil || entry.SaleID == nil {
			return nil, nil
		}
		saleID = *entry.SaleID
	}

	sale, err := s.saleRepo.GetByID(ctx, saleID)
	if err != nil {
		return nil, fmt.Errorf("查询销售单失败: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"module":         "SaleService",
		"transaction_id": transactionID,
		"sale_id":        sale.ID,
	}).Info("重复提交，返回已完成的销售单")

	if !ok {
		if err := s.replay.Set(ctx, transactionID, sale.ID); err != nil {
			s.log.WithError(err).Warn("写入重放缓存失败")
		}
	}

	return &CompleteSaleResult{
		Success:       true,
		SaleID:        sale.ID,
		SaleNumber:    sale.SaleNumber,
		TransactionID: transactionID,
		TotalAmount:   sale.TotalAmount,
		TotalItems:    sale.TotalItems,
		Replayed:      true,
	}, nil
}

// fail 回滚后的收尾：error + rolled_back 日志，发出错误通知
func (s *SaleService) fail(ctx context.Context, transactionID string, req *CompleteSaleRequest, total decimal.Decimal, sale *model.Sale, err error) {
	data := map[string]any{
		"sale_type":    req.SaleType,
		"customer_id":  req.CustomerID,
		"staff_id":     req.StaffID,
		"items":        len(req.Items),
		"total_amount": total.String(),
		"kind":         saleerr.KindOf(err),
		"error":        err.Error(),
	}
	if sale != nil {
		data["sale_number"] = sale.SaleNumber
	}

	var failed *saleerr.StockUpdateFailedError
	if errors.As(err, &failed) {
		data["product_id"] = failed.ProductID
		data["quantity"] = failed.Quantity
		data["last_known_stock"] = failed.LastKnownStock
		data["retry_history"] = failed.History
	}
	var ise *saleerr.InsufficientStockError
	if errors.As(err, &ise) {
		data["product_id"] = ise.ProductID
		data["requested"] = ise.Requested
		data["available"] = ise.Available
	}

	s.appendLog(ctx, transactionID, model.TxPhaseError, data)
	s.appendLog(ctx, transactionID, model.TxPhaseRolledBack, map[string]any{
		"kind": saleerr.KindOf(err),
	})

	if saleerr.KindOf(err) == saleerr.KindFatal {
		logging.LogError(s.log, "SaleService", "CompleteSale", "销售失败，已回滚", data, err)
		s.notifier.Notify(ctx, notify.Event{
			Type:          notify.EventSaleError,
			TransactionID: transactionID,
			Message:       err.Error(),
		})
		return
	}
	s.log.WithFields(logrus.Fields{
		"module":         "SaleService",
		"transaction_id": transactionID,
		"kind":           saleerr.KindOf(err),
	}).WithError(err).Warn("销售失败，已回滚")
}

// appendLog 事务外的日志，ctx 已超时也要写进去
func (s *SaleService) appendLog(ctx context.Context, transactionID, phase string, data map[string]any) {
	payload, _ := json.Marshal(data)
	entry := &model.TransactionLog{
		TransactionID: transactionID,
		Phase:         phase,
		Context:       string(payload),
	}
	if err := s.txLogRepo.Append(context.WithoutCancel(ctx), nil, entry); err != nil {
		logging.LogError(s.log, "SaleService", "appendLog", "写入事务日志失败", entry, err)
	}
}

func (s *SaleService) GetSale(ctx context.Context, id int64) (*model.Sale, error) {
	return s.saleRepo.GetByID(ctx, id)
}

// GetSaleByTransactionID 只返回已提交的销售单
func (s *SaleService) GetSaleByTransactionID(ctx context.Context, transactionID string) (*model.Sale, error) {
	sale, err := s.saleRepo.GetByTransactionID(ctx, nil, transactionID)
	if err != nil {
		return nil, err
	}
	if sale == nil {
		return nil, &saleerr.NotFoundError{Entity: "sale", ID: transactionID}
	}
	return s.saleRepo.GetByID(ctx, sale.ID)
}

func (s *SaleService) ListTransactionLogs(ctx context.Context, transactionID string) ([]*model.TransactionLog, error) {
	return s.txLogRepo.ListByTransactionID(ctx, transactionID)
}
