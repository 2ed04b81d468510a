package service

import (
	"context"
	"database/sql/driver"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"jmspos/internal/saleerr"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ============================================================================
// 临时故障判断 + 退避
// ============================================================================
//
// 可重试：
//   - MySQL 1213 死锁 / 1205 锁等待超时
//   - PostgreSQL 40001 序列化失败 / 40P01 死锁
//   - 连接断开、网络错误
//
// 不可重试：库存不足、商品不存在、并发冲突、ctx 取消，以及其它一切未知错误
//
// 重试粒度（AbortsTransaction）：
//   - 语句级：MySQL 1205（innodb_rollback_on_timeout=OFF）、PostgreSQL 40P01、SQLite busy，
//     事务还在，回滚到 savepoint 重做这一条即可
//   - 事务级：MySQL 1213 会让 InnoDB 回滚整个事务，连接回到 autocommit；
//     PostgreSQL 40001 快照已失效；连接断开时事务已不存在。
//     这些在 savepoint 上重试会让后续语句逐条自动提交，只能整个事务重来
// ============================================================================

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var transientErr *saleerr.TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysqlDriver.ErrInvalidConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// SQLite（本地开发）写锁竞争
	return strings.Contains(err.Error(), "database is locked")
}

// AbortsTransaction 故障发生后数据库已经放弃了整个事务
func AbortsTransaction(err error) bool {
	if !IsTransient(err) {
		return false
	}

	var transientErr *saleerr.TransientError
	if errors.As(err, &transientErr) && transientErr.TxAborted {
		return true
	}

	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysqlDriver.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsDuplicateKey 唯一索引冲突
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Backoff 指数退避 + 抖动：base * 2^attempt * random(0.9~1.1)，不超过 max
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter func() float64 // 返回 [0,1)
}

func NewBackoff(base, maxDelay time.Duration) Backoff {
	return Backoff{Base: base, Max: maxDelay, Jitter: rand.Float64}
}

// Delay attempt 从 0 开始
func (b Backoff) Delay(attempt int) time.Duration {
	jitter := 0.5
	if b.Jitter != nil {
		jitter = b.Jitter()
	}
	factor := math.Pow(2, float64(attempt)) * (0.9 + 0.2*jitter)
	d := time.Duration(float64(b.Base) * factor)
	if b.Max > 0 && (d > b.Max || d < 0) {
		d = b.Max
	}
	return d
}

// SleepFunc 测试时替换成不睡眠的实现
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext 等待 d，ctx 结束时提前返回
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
