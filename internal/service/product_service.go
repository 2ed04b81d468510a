package service

import (
	"context"
	"errors"

	"jmspos/internal/model"
	"jmspos/internal/repository"
	"jmspos/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidRestock = errors.New("补货数量必须大于0")
	ErrInvalidProduct = errors.New("商品信息不完整")
)

type ProductService struct {
	db           *gorm.DB
	productRepo  *repository.ProductRepository
	movementRepo *repository.StockMovementRepository
}

func NewProductService(db *gorm.DB) *ProductService {
	return &ProductService{
		db:           db,
		productRepo:  repository.NewProductRepository(db),
		movementRepo: repository.NewStockMovementRepository(db),
	}
}

type CreateProductRequest struct {
	SKU          string          `json:"sku" binding:"required,max=64"`
	Name         string          `json:"name" binding:"required,max=128"`
	Manufacturer string          `json:"manufacturer" binding:"max=128"`
	Category     string          `json:"category" binding:"max=64"`
	Price        decimal.Decimal `json:"price"`
	StockLevel   int             `json:"stock_level" binding:"gte=0"`
}

func (s *ProductService) CreateProduct(ctx context.Context, req *CreateProductRequest) (*model.Product, error) {
	if req.Price.IsNegative() || req.StockLevel < 0 {
		return nil, ErrInvalidProduct
	}

	product := &model.Product{
		SKU:          req.SKU,
		Name:         req.Name,
		Manufacturer: req.Manufacturer,
		Category:     req.Category,
		Price:        req.Price,
		StockLevel:   req.StockLevel,
	}
	if err := s.productRepo.Create(ctx, nil, product); err != nil {
		return nil, err
	}
	return product, nil
}

func (s *ProductService) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	return s.productRepo.GetByID(ctx, nil, id)
}

// Restock 补货：原子加库存 + 写库存流水，同一事务
//
// 只有加法，扣减一律走库存引擎的条件更新
func (s *ProductService) Restock(ctx context.Context, productID int64, quantity int, referenceNo string) (*model.StockMovement, error) {
	if quantity <= 0 {
		return nil, ErrInvalidRestock
	}

	var movement *model.StockMovement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.productRepo.Increase(ctx, tx, productID, quantity); err != nil {
			return err
		}

		newStock, err := s.productRepo.GetStock(ctx, tx, productID)
		if err != nil {
			return err
		}

		movement = &model.StockMovement{
			MovementNo:    idgen.GenerateMovementNo(),
			ProductID:     productID,
			PreviousStock: newStock - quantity,
			NewStock:      newStock,
			Delta:         quantity,
			Reason:        model.StockReasonRestock,
			ReferenceNo:   referenceNo,
		}
		return s.movementRepo.Create(ctx, tx, movement)
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

func (s *ProductService) ListMovements(ctx context.Context, productID int64, page, pageSize int) ([]*model.StockMovement, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.movementRepo.ListByProduct(ctx, productID, page, pageSize)
}
