package service

import (
	"context"

	"jmspos/internal/model"
	"jmspos/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CustomerService struct {
	customerRepo *repository.CustomerRepository
}

func NewCustomerService(db *gorm.DB) *CustomerService {
	return &CustomerService{
		customerRepo: repository.NewCustomerRepository(db),
	}
}

type CreateCustomerRequest struct {
	Name  string `json:"name" binding:"required,max=128"`
	Phone string `json:"phone" binding:"max=32"`
}

// CreateCustomer 新客户累计消费从 0 开始，只能由销售累加
func (s *CustomerService) CreateCustomer(ctx context.Context, req *CreateCustomerRequest) (*model.Customer, error) {
	customer := &model.Customer{
		Name:           req.Name,
		Phone:          req.Phone,
		TotalPurchases: decimal.Zero,
	}
	if err := s.customerRepo.Create(ctx, customer); err != nil {
		return nil, err
	}
	return customer, nil
}

func (s *CustomerService) GetCustomer(ctx context.Context, id int64) (*model.Customer, error) {
	return s.customerRepo.GetByID(ctx, id)
}
