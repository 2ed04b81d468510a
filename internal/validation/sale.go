package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"jmspos/internal/model"
	"jmspos/internal/saleerr"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ItemInput 购物车中的一行
type ItemInput struct {
	ProductID    int64            `json:"product_id" validate:"required,gt=0"`
	Quantity     int              `json:"quantity" validate:"required,gt=0"`
	Price        *decimal.Decimal `json:"price" validate:"required"`
	Manufacturer string           `json:"manufacturer" validate:"max=128"`
	Category     string           `json:"category" validate:"max=64"`

	// decodeErrs 解析时格式不对的字段，Field 不带 items[i] 前缀
	decodeErrs []saleerr.FieldError
}

// UnmarshalJSON 逐字段解析，某个字段格式不对只记录下来，不让整个请求解析失败，
// 这样一行写错的数字不会挡住其它行的校验
func (i *ItemInput) UnmarshalJSON(data []byte) error {
	*i = ItemInput{}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		i.decodeErrs = append(i.decodeErrs, saleerr.FieldError{
			Message: "必须是对象",
			Context: map[string]any{"value": string(data)},
		})
		return nil
	}

	decode := func(name string, dst any) bool {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			return false
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			i.decodeErrs = append(i.decodeErrs, saleerr.FieldError{
				Field:   name,
				Message: "格式不正确",
				Context: map[string]any{"value": string(raw)},
			})
			return false
		}
		return true
	}

	decode("product_id", &i.ProductID)
	decode("quantity", &i.Quantity)
	var price decimal.Decimal
	if decode("price", &price) {
		i.Price = &price
	}
	decode("manufacturer", &i.Manufacturer)
	decode("category", &i.Category)
	return nil
}

func (i ItemInput) hasDecodeError(field string) bool {
	for _, fe := range i.decodeErrs {
		if fe.Field == "" || fe.Field == field {
			return true
		}
	}
	return false
}

// LineTotal quantity * price，价格缺失时为 0
func (i ItemInput) LineTotal() decimal.Decimal {
	if i.Price == nil {
		return decimal.Zero
	}
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ProductReader 校验器只读商品，不加锁
type ProductReader interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]*model.Product, error)
}

// Result 校验结果
type Result struct {
	Valid  bool                     `json:"valid"`
	Errors saleerr.ValidationErrors `json:"errors,omitempty"`
}

// Err 有问题时返回 ValidationErrors
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return r.Errors
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SaleValidator 销售前置校验
//
// 【关键点】这里读到的库存没有加锁，结果可能在编排器执行时已经过期，
// 真正的库存判断由库存引擎的条件更新完成。这里只负责一次性把所有问题告诉调用方。
type SaleValidator struct {
	products  ProductReader
	tolerance decimal.Decimal
}

func NewSaleValidator(products ProductReader, tolerance decimal.Decimal) *SaleValidator {
	if !tolerance.IsPositive() {
		tolerance = DefaultTolerance
	}
	return &SaleValidator{products: products, tolerance: tolerance}
}

func (v *SaleValidator) Tolerance() decimal.Decimal {
	return v.tolerance
}

// Validate 依次检查：明细格式 -> 商品存在 -> 库存足够 -> 收款明细
// 有问题的明细跳过并记录，不中断扫描
func (v *SaleValidator) Validate(ctx context.Context, items []ItemInput, details model.PaymentDetails) (Result, error) {
	var errs saleerr.ValidationErrors

	if len(items) == 0 {
		errs = append(errs, saleerr.FieldError{Field: "items", Message: "至少需要一件商品"})
	}

	// known: product_id 可用，查商品是否存在；wellFormed: 整行无误，再查库存
	known := make([]int, 0, len(items))
	wellFormed := make(map[int]bool, len(items))
	for i, item := range items {
		shapeErrs := checkItemShape(i, item)
		errs = append(errs, shapeErrs...)
		if len(shapeErrs) == 0 {
			wellFormed[i] = true
		}
		if item.ProductID > 0 && !item.hasDecodeError("product_id") {
			known = append(known, i)
		}
	}

	if len(known) > 0 {
		stockErrs, err := v.checkStock(ctx, items, known, wellFormed)
		if err != nil {
			return Result{}, err
		}
		errs = append(errs, stockErrs...)
	}

	for _, pe := range CheckPayment(details, v.tolerance) {
		errs = append(errs, pe.AsFieldError())
	}

	if len(items) > 0 && len(wellFormed) == len(items) {
		total, _ := ComputeTotals(items)
		if !approxEqual(total, details.TotalAmount, v.tolerance) {
			pe := &saleerr.PaymentError{
				Field: "payment_details.total_amount",
				Context: map[string]any{
					"items_total":   total.String(),
					"payment_total": details.TotalAmount.String(),
				},
				Message: "与商品合计不一致",
				Err:     saleerr.ErrAmountMismatch,
			}
			errs = append(errs, pe.AsFieldError())
		}
	}

	if len(errs) > 0 {
		return Result{Valid: false, Errors: errs}, nil
	}
	return Result{Valid: true}, nil
}

func checkItemShape(index int, item ItemInput) saleerr.ValidationErrors {
	var errs saleerr.ValidationErrors
	prefix := fmt.Sprintf("items[%d]", index)

	for _, fe := range item.decodeErrs {
		if fe.Field == "" {
			fe.Field = prefix
			return saleerr.ValidationErrors{fe}
		}
		fe.Field = prefix + "." + fe.Field
		errs = append(errs, fe)
	}

	if err := structValidator.Struct(item); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return append(errs, saleerr.FieldError{Field: prefix, Message: err.Error()})
		}
		for _, fe := range verrs {
			if item.hasDecodeError(fe.Field()) {
				continue
			}
			errs = append(errs, saleerr.FieldError{
				Field:   prefix + "." + fe.Field(),
				Message: shapeMessage(fe),
				Context: map[string]any{"rule": fe.Tag(), "value": fmt.Sprint(fe.Value())},
			})
		}
	}
	if item.Price != nil && item.Price.IsNegative() {
		errs = append(errs, saleerr.FieldError{
			Field:   prefix + ".price",
			Message: "价格不能为负数",
			Context: map[string]any{"value": item.Price.String()},
		})
	}
	return errs
}

func shapeMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "必填"
	case "gt":
		return "必须大于 " + fe.Param()
	case "max":
		return "长度不能超过 " + fe.Param()
	default:
		return "格式不正确: " + fe.Tag()
	}
}

// checkStock 商品存在性按 known 检查；库存只对整行无误的明细检查，同一商品多行时按合计数量判断
func (v *SaleValidator) checkStock(ctx context.Context, items []ItemInput, known []int, wellFormed map[int]bool) (saleerr.ValidationErrors, error) {
	requested := make(map[int64]int)
	firstIndex := make(map[int64]int)
	firstWellFormed := make(map[int64]int)
	ids := make([]int64, 0, len(known))
	for _, i := range known {
		id := items[i].ProductID
		if _, seen := firstIndex[id]; !seen {
			ids = append(ids, id)
			firstIndex[id] = i
		}
		if !wellFormed[i] {
			continue
		}
		if _, seen := firstWellFormed[id]; !seen {
			firstWellFormed[id] = i
		}
		requested[id] += items[i].Quantity
	}

	products, err := v.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("查询商品失败: %w", err)
	}

	sort.Slice(ids, func(a, b int) bool { return firstIndex[ids[a]] < firstIndex[ids[b]] })

	var errs saleerr.ValidationErrors
	for _, id := range ids {
		field := fmt.Sprintf("items[%d].product_id", firstIndex[id])
		product, ok := products[id]
		if !ok {
			nf := &saleerr.NotFoundError{Entity: "product", ID: id}
			errs = append(errs, saleerr.FieldError{
				Field:   field,
				Message: "商品不存在",
				Context: map[string]any{"product_id": id},
				Err:     nf,
			})
			continue
		}
		if requested[id] > product.StockLevel {
			ise := &saleerr.InsufficientStockError{ProductID: id, Requested: requested[id], Available: product.StockLevel}
			errs = append(errs, saleerr.FieldError{
				Field:   fmt.Sprintf("items[%d].quantity", firstWellFormed[id]),
				Message: "库存不足",
				Context: map[string]any{
					"product_id": id,
					"requested":  requested[id],
					"available":  product.StockLevel,
				},
				Err: ise,
			})
		}
	}
	return errs, nil
}

// ComputeTotals 由明细重新计算总额和件数，从不信任客户端传入的总额
func ComputeTotals(items []ItemInput) (decimal.Decimal, int) {
	total := decimal.Zero
	count := 0
	for _, item := range items {
		total = total.Add(item.LineTotal())
		count += item.Quantity
	}
	return total, count
}
