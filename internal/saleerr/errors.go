package saleerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind 错误分类，决定调用方怎么处理：
//   - validation / payment：调用方修正输入，未发生任何写入
//   - stock / concurrency：整单回滚，调用方可以重新校验后再提交
//   - transient：内部已按退避重试
//   - fatal：重试耗尽或未知异常，已回滚并写入事务日志
type Kind string

const (
	KindValidation  Kind = "validation"
	KindPayment     Kind = "payment"
	KindStock       Kind = "stock"
	KindConcurrency Kind = "concurrency"
	KindTransient   Kind = "transient"
	KindFatal       Kind = "fatal"
)

// 收款校验的具名错误，调用方用 errors.Is 区分字段
var (
	ErrNegativeAmount       = errors.New("金额不能为负数")
	ErrAmountMismatch       = errors.New("总额不等于已付加待付")
	ErrPaymentsMismatch     = errors.New("收款明细合计与已付金额不一致")
	ErrInvalidPaymentType   = errors.New("收款类型不合法")
	ErrInvalidPaymentMethod = errors.New("收款方式不合法")
	ErrInvalidStatus        = errors.New("收款状态不合法")
	ErrStatusAmountMismatch = errors.New("收款状态与金额不一致")
)

// FieldError 单个字段问题
type FieldError struct {
	Field   string         `json:"field"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Err     error          `json:"-"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

// ValidationErrors 一次扫描收集到的全部问题，不在第一个错误处中断
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Error())
	}
	return "校验失败: " + strings.Join(parts, "; ")
}

// Unwrap 让 errors.As 能找到具体原因（例如库存不足）
func (v ValidationErrors) Unwrap() []error {
	errs := make([]error, 0, len(v))
	for _, fe := range v {
		if fe.Err != nil {
			errs = append(errs, fe.Err)
		}
	}
	return errs
}

// PaymentError 收款对账错误，Err 是上面的具名错误之一
type PaymentError struct {
	Field   string
	Message string
	Context map[string]any
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Field, e.Err, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// AsFieldError 收款错误并入校验结果时使用
func (e *PaymentError) AsFieldError() FieldError {
	msg := e.Err.Error()
	if e.Message != "" {
		msg = msg + ": " + e.Message
	}
	return FieldError{Field: e.Field, Message: msg, Context: e.Context, Err: e}
}

// InsufficientStockError 库存不足，available 为条件更新失败后重新读取的库存
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("库存不足: product=%d requested=%d available=%d", e.ProductID, e.Requested, e.Available)
}

// NotFoundError 实体不存在，entity 为 product 时归为库存类错误
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s 不存在: %v", e.Entity, e.ID)
}

// ConcurrencyError 条件扣减未命中，但重新读取时库存又是足够的（并发竞争中落败）
// 不在内部静默重试，由调用方重新校验后作为新请求提交
type ConcurrencyError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("库存并发冲突，请重新提交: product=%d requested=%d available=%d", e.ProductID, e.Requested, e.Available)
}

// TransientError 连接错误、死锁等可重试故障
//
// TxAborted 表示故障已经让数据库回滚了整个事务（MySQL 死锁、连接断开），
// 只能整单重来，不能在 savepoint 上重试
type TransientError struct {
	Err       error
	TxAborted bool
}

func (e *TransientError) Error() string {
	return "临时故障: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RetryAttempt 一次失败的尝试
type RetryAttempt struct {
	Attempt int           `json:"attempt"`
	Error   string        `json:"error"`
	Delay   time.Duration `json:"delay"`
}

// StockUpdateFailedError 重试耗尽
type StockUpdateFailedError struct {
	ProductID      int64
	Quantity       int
	LastKnownStock int
	History        []RetryAttempt
	Err            error
}

func (e *StockUpdateFailedError) Error() string {
	return fmt.Sprintf("库存更新失败: product=%d quantity=%d last_known_stock=%d attempts=%d: %v",
		e.ProductID, e.Quantity, e.LastKnownStock, len(e.History), e.Err)
}

func (e *StockUpdateFailedError) Unwrap() error {
	return e.Err
}

// FatalError 未预期的失败，整单已回滚
type FatalError struct {
	TransactionID string
	Op            string
	Err           error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("交易 %s 在 %s 阶段失败: %v", e.TransactionID, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// KindOf 对任意错误链分类，越具体的业务类别优先
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var (
		validationErrs ValidationErrors
		fieldErr       FieldError
		paymentErr     *PaymentError
		stockErr       *InsufficientStockError
		notFoundErr    *NotFoundError
		concurrencyErr *ConcurrencyError
		failedErr      *StockUpdateFailedError
		transientErr   *TransientError
	)

	switch {
	case errors.As(err, &failedErr):
		return KindFatal
	case errors.As(err, &validationErrs), errors.As(err, &fieldErr):
		return KindValidation
	case errors.As(err, &paymentErr):
		return KindPayment
	case errors.As(err, &stockErr):
		return KindStock
	case errors.As(err, &notFoundErr):
		if notFoundErr.Entity == "product" {
			return KindStock
		}
		return KindValidation
	case errors.As(err, &concurrencyErr):
		return KindConcurrency
	case errors.As(err, &transientErr):
		return KindTransient
	default:
		return KindFatal
	}
}
