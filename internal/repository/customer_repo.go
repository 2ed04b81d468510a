package repository

import (
	"context"
	"errors"
	"time"

	"jmspos/internal/model"
	"jmspos/internal/saleerr"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrNegativePurchase = errors.New("累计消费只能增加")

type CustomerRepository struct {
	db *gorm.DB
}

func NewCustomerRepository(db *gorm.DB) *CustomerRepository {
	return &CustomerRepository{db: db}
}

func (r *CustomerRepository) Create(ctx context.Context, customer *model.Customer) error {
	return r.db.WithContext(ctx).Create(customer).Error
}

func (r *CustomerRepository) GetByID(ctx context.Context, id int64) (*model.Customer, error) {
	var customer model.Customer
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &saleerr.NotFoundError{Entity: "customer", ID: id}
		}
		return nil, err
	}
	return &customer, nil
}

// IncrementPurchases 累加客户消费额
//
// 和库存一样用原子表达式，不做"读出来加完再写回去"
func (r *CustomerRepository) IncrementPurchases(ctx context.Context, tx *gorm.DB, id int64, amount decimal.Decimal, at time.Time) error {
	if amount.IsNegative() {
		return ErrNegativePurchase
	}

	result := use(ctx, r.db, tx).
		Model(&model.Customer{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_purchases":    gorm.Expr("total_purchases + ?", amount),
			"last_purchase_date": at,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &saleerr.NotFoundError{Entity: "customer", ID: id}
	}
	return nil
}
