package service

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"jmspos/internal/saleerr"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"mysql deadlock", &mysqlDriver.MySQLError{Number: 1213}, true},
		{"mysql lock wait", fmt.Errorf("update: %w", &mysqlDriver.MySQLError{Number: 1205}), true},
		{"mysql duplicate", &mysqlDriver.MySQLError{Number: 1062}, false},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pg unique", &pgconn.PgError{Code: "23505"}, false},
		{"bad conn", driver.ErrBadConn, true},
		{"marked transient", &saleerr.TransientError{Err: errors.New("flaky")}, true},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"canceled", context.Canceled, false},
		{"insufficient", &saleerr.InsufficientStockError{ProductID: 1}, false},
		{"plain", errors.New("syntax error"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestAbortsTransaction(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"mysql deadlock", fmt.Errorf("update: %w", &mysqlDriver.MySQLError{Number: 1213}), true},
		{"mysql lock wait", &mysqlDriver.MySQLError{Number: 1205}, false},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, false},
		{"bad conn", driver.ErrBadConn, true},
		{"invalid conn", mysqlDriver.ErrInvalidConn, true},
		{"marked aborted", &saleerr.TransientError{Err: errors.New("deadlock"), TxAborted: true}, true},
		{"marked statement", &saleerr.TransientError{Err: errors.New("flaky")}, false},
		{"wrapped deadlock", &saleerr.TransientError{Err: &mysqlDriver.MySQLError{Number: 1213}}, true},
		{"sqlite busy", errors.New("database is locked"), false},
		{"canceled", context.Canceled, false},
		{"insufficient", &saleerr.InsufficientStockError{ProductID: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AbortsTransaction(tc.err))
		})
	}
}

func TestIsDuplicateKey(t *testing.T) {
	assert.True(t, IsDuplicateKey(&mysqlDriver.MySQLError{Number: 1062}))
	assert.True(t, IsDuplicateKey(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsDuplicateKey(fmt.Errorf("创建销售单失败: %w", gorm.ErrDuplicatedKey)))
	assert.True(t, IsDuplicateKey(errors.New("constraint failed: UNIQUE constraint failed: sale.transaction_id (2067)")))
	assert.False(t, IsDuplicateKey(errors.New("no such table")))
	assert.False(t, IsDuplicateKey(nil))
}

func TestBackoffDelay(t *testing.T) {
	low := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: func() float64 { return 0 }}
	high := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: func() float64 { return 0.999999 }}

	assert.Equal(t, 90*time.Millisecond, low.Delay(0))
	assert.Equal(t, 180*time.Millisecond, low.Delay(1))
	assert.Equal(t, 360*time.Millisecond, low.Delay(2))
	assert.InDelta(t, float64(440*time.Millisecond), float64(high.Delay(2)), float64(time.Millisecond))

	assert.Equal(t, time.Second, low.Delay(4), "capped")
	assert.Equal(t, time.Second, low.Delay(80), "overflow capped")
}

func TestSleepContextStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleepContext(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
