package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"jmspos/internal/config"
	"jmspos/internal/logging"
	"jmspos/internal/model"
	"jmspos/internal/notify"
	"jmspos/internal/repository"
	"jmspos/internal/saleerr"
	"jmspos/pkg/idgen"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ProductStore 库存引擎需要的商品操作，repository.ProductRepository 实现了它
type ProductStore interface {
	GetStock(ctx context.Context, tx *gorm.DB, id int64) (int, error)
	ConditionalDecrement(ctx context.Context, tx *gorm.DB, id int64, quantity int, soldAt *time.Time) (bool, error)
}

// StockItem 一次扣减
type StockItem struct {
	ProductID int64 `json:"product_id" binding:"required,gt=0"`
	Quantity  int   `json:"quantity" binding:"required,gt=0"`
}

// StockChange 扣减结果
type StockChange struct {
	ProductID     int64  `json:"product_id"`
	Quantity      int    `json:"quantity"`
	PreviousStock int    `json:"previous_stock"`
	NewStock      int    `json:"new_stock"`
	MovementNo    string `json:"movement_no"`
	Attempts      int    `json:"attempts"`
}

// DecrementOptions 单次调用的参数
type DecrementOptions struct {
	Reason      string
	ReferenceNo string
	SoldAt      *time.Time
	MaxRetries  int
	// OnRetry 每次临时故障后回调，编排器用它收集重试历史
	OnRetry func(productID int64, attempt saleerr.RetryAttempt)
}

// ============================================================================
// 库存扣减引擎
// ============================================================================
//
// 两种模式，调用方必须显式选择，不能混用：
//
//  1. DecrementAll（原子模式）：在调用方的事务内逐项扣减，任何一项失败整个事务回滚。
//     销售编排器只用这个模式。
//  2. BulkDecrement（批量模式）：按 batch_size 分批，每批一个独立事务，批与批之间写 checkpoint。
//     前面的批次已经提交，失败时不会回滚，只适合批量导入这种"进度比整体原子更重要"的场景。
//
// ============================================================================

type StockEngine struct {
	db        *gorm.DB
	products  ProductStore
	movements *repository.StockMovementRepository
	txLogs    *repository.TransactionLogRepository
	notifier  notify.Notifier
	cfg       config.SaleConfig
	backoff   Backoff
	sleep     SleepFunc
	log       *logrus.Logger
	tracer    trace.Tracer
}

type StockEngineOption func(*StockEngine)

func WithProductStore(store ProductStore) StockEngineOption {
	return func(e *StockEngine) { e.products = store }
}

func WithSleep(sleep SleepFunc) StockEngineOption {
	return func(e *StockEngine) { e.sleep = sleep }
}

func WithJitter(jitter func() float64) StockEngineOption {
	return func(e *StockEngine) { e.backoff.Jitter = jitter }
}

func NewStockEngine(db *gorm.DB, cfg config.SaleConfig, notifier notify.Notifier, log *logrus.Logger, opts ...StockEngineOption) *StockEngine {
	e := &StockEngine{
		db:        db,
		products:  repository.NewProductRepository(db),
		movements: repository.NewStockMovementRepository(db),
		txLogs:    repository.NewTransactionLogRepository(db),
		notifier:  notifier,
		cfg:       cfg,
		backoff:   NewBackoff(cfg.BaseRetryDelay, cfg.MaxRetryDelay),
		sleep:     sleepContext,
		log:       log,
		tracer:    otel.Tracer("jmspos/service/stock"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DecrementAll 原子模式：逐项扣减，必须在事务内调用
//
// 按 product_id 升序扣减，所有事务以相同顺序锁行，[A,B] 与 [B,A] 两单不会互相死锁；
// 返回的 changes 也是这个顺序。
// 返回的低库存事件只在调用方提交成功后才能发出。
// 事务级故障（AbortsTransaction）直接返回，由调用方整个事务重来，见 RunInTransaction。
func (e *StockEngine) DecrementAll(ctx context.Context, tx *gorm.DB, items []StockItem, opts DecrementOptions) ([]StockChange, []notify.Event, error) {
	ctx, span := e.tracer.Start(ctx, "StockEngine.DecrementAll",
		trace.WithAttributes(attribute.Int("items", len(items)), attribute.String("reference_no", opts.ReferenceNo)))
	defer span.End()

	if tx == nil {
		return nil, nil, errors.New("DecrementAll 必须在事务内调用")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = e.cfg.MaxRetries
	}

	ordered := append([]StockItem(nil), items...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ProductID < ordered[j].ProductID
	})

	changes := make([]StockChange, 0, len(ordered))
	var events []notify.Event
	for _, item := range ordered {
		change, err := e.decrementWithRetry(ctx, tx, item, opts)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, nil, err
		}
		changes = append(changes, change)

		if change.NewStock <= e.cfg.LowStockThreshold {
			events = append(events, notify.Event{
				Type:       notify.EventLowStock,
				ProductID:  change.ProductID,
				StockLevel: change.NewStock,
				Threshold:  e.cfg.LowStockThreshold,
				Message:    fmt.Sprintf("商品 %d 库存仅剩 %d", change.ProductID, change.NewStock),
			})
		}
	}
	return changes, events, nil
}

// decrementWithRetry 单个商品扣减，语句级临时故障按退避重试
//
// 每次尝试放在一个 savepoint 里：失败的语句只回滚到 savepoint，外层事务仍然可用，
// 所以重试不会重复扣减。事务已被数据库回滚时不能再在这个连接上写任何东西。
func (e *StockEngine) decrementWithRetry(ctx context.Context, tx *gorm.DB, item StockItem, opts DecrementOptions) (StockChange, error) {
	var history []saleerr.RetryAttempt

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return StockChange{}, err
		}

		change, err := e.tryDecrement(ctx, tx, item, opts)
		if err == nil {
			change.Attempts = attempt + 1
			return change, nil
		}
		if !IsTransient(err) || AbortsTransaction(err) {
			return StockChange{}, err
		}

		if attempt >= opts.MaxRetries {
			history = append(history, saleerr.RetryAttempt{Attempt: attempt + 1, Error: err.Error()})
			lastKnown := -1
			if stock, readErr := e.products.GetStock(ctx, tx, item.ProductID); readErr == nil {
				lastKnown = stock
			}
			failed := &saleerr.StockUpdateFailedError{
				ProductID:      item.ProductID,
				Quantity:       item.Quantity,
				LastKnownStock: lastKnown,
				History:        history,
				Err:            err,
			}
			logging.LogError(e.log, "StockEngine", "decrementWithRetry", "重试耗尽", failed.History, failed)
			return StockChange{}, failed
		}

		delay := e.backoff.Delay(attempt)
		retry := saleerr.RetryAttempt{Attempt: attempt + 1, Error: err.Error(), Delay: delay}
		history = append(history, retry)
		if opts.OnRetry != nil {
			opts.OnRetry(item.ProductID, retry)
		}

		e.log.WithFields(logrus.Fields{
			"module":       "StockEngine",
			"product_id":   item.ProductID,
			"quantity":     item.Quantity,
			"attempt":      attempt + 1,
			"delay":        delay.String(),
			"error":        err.Error(),
			"reference_no": opts.ReferenceNo,
		}).Warn("[StockEngine] 库存扣减临时失败，准备重试")

		if err := e.sleep(ctx, delay); err != nil {
			return StockChange{}, err
		}
	}
}

// RunInTransaction 在新事务中执行 fn，事务被数据库整体回滚时按退避整个重来
//
// fn 每次都在全新的事务里从头执行，不能沿用上一次尝试留下的状态。
// 重试耗尽后返回最后一次的错误。
func (e *StockEngine) RunInTransaction(ctx context.Context, maxRetries int, onRetry func(saleerr.RetryAttempt), fn func(tx *gorm.DB) error) error {
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}

	for attempt := 0; ; attempt++ {
		err := e.db.WithContext(ctx).Transaction(fn)
		if err == nil || !AbortsTransaction(err) || attempt >= maxRetries {
			return err
		}

		delay := e.backoff.Delay(attempt)
		retry := saleerr.RetryAttempt{Attempt: attempt + 1, Error: err.Error(), Delay: delay}
		if onRetry != nil {
			onRetry(retry)
		}

		e.log.WithFields(logrus.Fields{
			"module":  "StockEngine",
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		}).Warn("[StockEngine] 事务被数据库回滚，整个事务重试")

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (e *StockEngine) tryDecrement(ctx context.Context, tx *gorm.DB, item StockItem, opts DecrementOptions) (StockChange, error) {
	var change StockChange

	err := tx.Transaction(func(sp *gorm.DB) error {
		ok, err := e.products.ConditionalDecrement(ctx, sp, item.ProductID, item.Quantity, opts.SoldAt)
		if err != nil {
			return err
		}

		if !ok {
			// 条件未命中，重新读取库存判断原因
			available, err := e.products.GetStock(ctx, sp, item.ProductID)
			if err != nil {
				return err
			}
			if available < item.Quantity {
				return &saleerr.InsufficientStockError{
					ProductID: item.ProductID,
					Requested: item.Quantity,
					Available: available,
				}
			}
			return &saleerr.ConcurrencyError{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: available,
			}
		}

		// 本事务已持有该行的写锁，读到的就是扣减后的值
		newStock, err := e.products.GetStock(ctx, sp, item.ProductID)
		if err != nil {
			return err
		}

		change = StockChange{
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			PreviousStock: newStock + item.Quantity,
			NewStock:      newStock,
			MovementNo:    idgen.GenerateMovementNo(),
		}
		return e.movements.Create(ctx, sp, &model.StockMovement{
			MovementNo:    change.MovementNo,
			ProductID:     item.ProductID,
			PreviousStock: change.PreviousStock,
			NewStock:      change.NewStock,
			Delta:         -item.Quantity,
			Reason:        opts.Reason,
			ReferenceNo:   opts.ReferenceNo,
		})
	})
	return change, err
}

// ============================================================================
// 批量模式
// ============================================================================

// BulkResult 批量扣减结果，失败时 Changes 只包含已提交的批次
type BulkResult struct {
	BatchNo          string        `json:"batch_no"`
	BatchSize        int           `json:"batch_size"`
	CommittedBatches int           `json:"committed_batches"`
	Processed        int           `json:"processed"`
	Total            int           `json:"total"`
	Changes          []StockChange `json:"changes"`
}

// BulkDecrement 批量模式：每批独立事务，批之间写 checkpoint
//
// 【注意】这里不保证整体原子性。第 3 批失败时前 2 批已经提交，
// 返回的 BulkResult 说明提交到了哪里，调用方据此处理剩余部分。
func (e *StockEngine) BulkDecrement(ctx context.Context, items []StockItem, batchSize int) (*BulkResult, error) {
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}

	result := &BulkResult{
		BatchNo:   idgen.GenerateBatchNo(),
		BatchSize: batchSize,
		Total:     len(items),
	}
	e.appendLog(ctx, result.BatchNo, model.TxPhaseStarted, map[string]any{
		"items":      len(items),
		"batch_size": batchSize,
	})

	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		var changes []StockChange
		var events []notify.Event
		err := e.RunInTransaction(ctx, 0, nil, func(tx *gorm.DB) error {
			var err error
			changes, events, err = e.DecrementAll(ctx, tx, batch, DecrementOptions{
				Reason:      model.StockReasonBulk,
				ReferenceNo: result.BatchNo,
			})
			return err
		})
		if err != nil {
			e.appendLog(ctx, result.BatchNo, model.TxPhaseError, map[string]any{
				"error":             err.Error(),
				"kind":              saleerr.KindOf(err),
				"failed_batch":      result.CommittedBatches + 1,
				"committed_batches": result.CommittedBatches,
				"processed":         result.Processed,
			})
			return result, err
		}

		result.CommittedBatches++
		result.Processed += len(batch)
		result.Changes = append(result.Changes, changes...)
		for _, ev := range events {
			ev.TransactionID = result.BatchNo
			e.notifier.Notify(ctx, ev)
		}

		e.appendLog(ctx, result.BatchNo, model.TxPhaseCheckpoint, map[string]any{
			"batch":     result.CommittedBatches,
			"processed": result.Processed,
			"total":     result.Total,
		})
	}

	e.appendLog(ctx, result.BatchNo, model.TxPhaseCompleted, map[string]any{
		"batches":   result.CommittedBatches,
		"processed": result.Processed,
	})
	return result, nil
}

// appendLog 批量模式的日志在事务外写，写失败只记日志
func (e *StockEngine) appendLog(ctx context.Context, batchNo, phase string, data map[string]any) {
	payload, _ := json.Marshal(data)
	entry := &model.TransactionLog{
		TransactionID: batchNo,
		Phase:         phase,
		Context:       string(payload),
	}
	if err := e.txLogs.Append(context.WithoutCancel(ctx), nil, entry); err != nil {
		logging.LogError(e.log, "StockEngine", "appendLog", "写入事务日志失败", entry, err)
	}
}
