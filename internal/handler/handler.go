package handler

import (
	"errors"
	"strconv"

	"jmspos/internal/logging"
	"jmspos/internal/model"
	"jmspos/internal/saleerr"
	"jmspos/internal/service"
	"jmspos/internal/validation"
	"jmspos/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Services 处理器依赖的全部服务
type Services struct {
	Sale      *service.SaleService
	Stock     *service.StockEngine
	Product   *service.ProductService
	Customer  *service.CustomerService
	Analytics *service.AnalyticsService
}

// Handler 统一处理器
type Handler struct {
	svc Services
	log *logrus.Logger
}

func NewHandler(svc Services, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return id, true
}

// renderError 按错误类别渲染，基础设施错误只返回笼统信息，详情在日志和事务日志里
func (h *Handler) renderError(c *gin.Context, err error) {
	var (
		verrs    saleerr.ValidationErrors
		notFound *saleerr.NotFoundError
		payErr   *saleerr.PaymentError
		stockErr *saleerr.InsufficientStockError
		fatal    *saleerr.FatalError
	)

	switch {
	case errors.As(err, &verrs):
		response.Fail(c, response.CodeValidationFailed, "校验未通过", gin.H{
			"success": false,
			"errors":  verrs,
		})
	case errors.As(err, &payErr):
		response.Fail(c, response.CodePaymentMismatch, "收款明细不一致", gin.H{
			"success": false,
			"errors":  []saleerr.FieldError{payErr.AsFieldError()},
		})
	case errors.As(err, &stockErr):
		response.Fail(c, response.CodeInsufficientStock, "库存不足", gin.H{
			"success":    false,
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		})
	case saleerr.KindOf(err) == saleerr.KindConcurrency:
		response.BusinessError(c, response.CodeConcurrencyConflict, "库存已被其他订单占用，请重新提交")
	case errors.As(err, &notFound) && notFound.Entity != "product":
		response.NotFound(c, notFound.Error())
	case errors.As(err, &notFound):
		// 扣减阶段才发现商品不存在
		response.Fail(c, response.CodeInsufficientStock, notFound.Error(), gin.H{"success": false})
	case errors.As(err, &fatal):
		response.Fail(c, response.CodeSaleFailed, "销售失败，已回滚", gin.H{
			"success":        false,
			"transaction_id": fatal.TransactionID,
		})
	case saleerr.KindOf(err) == saleerr.KindTransient:
		response.BusinessError(c, response.CodeSystemBusy, "系统繁忙，请稍后重试")
	default:
		logging.LogError(h.log, "Handler", c.FullPath(), "请求处理失败", nil, err)
		response.ServerError(c, "服务器内部错误")
	}
}

// ============================================================
// 销售相关接口
// ============================================================

// CompleteSaleRequest 完成销售请求
//
// 字段规则由 SaleValidator 统一校验并一次性返回全部问题，这里只做 JSON 解析；
// items 逐行逐字段解析，某行数字写错不会让整个请求 400，而是作为该行的字段错误返回
type CompleteSaleRequest struct {
	TransactionID  string                 `json:"transaction_id" binding:"max=64"`
	SaleType       string                 `json:"sale_type"`
	CustomerID     *int64                 `json:"customer_id"`
	Items          []validation.ItemInput `json:"items"`
	PaymentDetails model.PaymentDetails   `json:"payment_details"`
	StaffID        *int64                 `json:"staff_id"`
	BatchSize      int                    `json:"batch_size" binding:"gte=0,lte=1000"`
	MaxRetries     int                    `json:"max_retries" binding:"gte=0,lte=10"`
}

// CompleteSale 完成销售
// POST /api/v1/sales
//
// 【关键点】同一个 transaction_id 重复提交返回原销售单（replayed=true），不会重复扣库存
func (h *Handler) CompleteSale(c *gin.Context) {
	var req CompleteSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	staffID := req.StaffID
	if staffID == nil {
		if header := c.GetHeader("X-Staff-ID"); header != "" {
			id, err := strconv.ParseInt(header, 10, 64)
			if err != nil {
				response.ParamError(c, "X-Staff-ID 参数错误")
				return
			}
			staffID = &id
		}
	}

	result, err := h.svc.Sale.CompleteSale(c.Request.Context(), &service.CompleteSaleRequest{
		TransactionID:  req.TransactionID,
		SaleType:       req.SaleType,
		CustomerID:     req.CustomerID,
		Items:          req.Items,
		PaymentDetails: req.PaymentDetails,
		StaffID:        staffID,
		BatchSize:      req.BatchSize,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	response.Success(c, result)
}

// GetSale 查询销售单（含明细和收款）
// GET /api/v1/sales/:id
func (h *Handler) GetSale(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	sale, err := h.svc.Sale.GetSale(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, sale)
}

// GetSaleByTransaction 按交易号查询
// GET /api/v1/sales/by-transaction/:transaction_id
func (h *Handler) GetSaleByTransaction(c *gin.Context) {
	sale, err := h.svc.Sale.GetSaleByTransactionID(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, sale)
}

// ListTransactionLogs 交易的全部事务日志
// GET /api/v1/transactions/:transaction_id/logs
func (h *Handler) ListTransactionLogs(c *gin.Context) {
	logs, err := h.svc.Sale.ListTransactionLogs(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{"list": logs})
}

// ============================================================
// 商品 / 库存相关接口
// ============================================================

// CreateProduct POST /api/v1/products
func (h *Handler) CreateProduct(c *gin.Context) {
	var req service.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	product, err := h.svc.Product.CreateProduct(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidProduct) {
			response.ParamError(c, err.Error())
			return
		}
		h.renderError(c, err)
		return
	}
	response.Success(c, product)
}

// GetProduct GET /api/v1/products/:id
func (h *Handler) GetProduct(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	product, err := h.svc.Product.GetProduct(c.Request.Context(), id)
	if err != nil {
		var nf *saleerr.NotFoundError
		if errors.As(err, &nf) {
			response.NotFound(c, nf.Error())
			return
		}
		h.renderError(c, err)
		return
	}
	response.Success(c, product)
}

type RestockRequest struct {
	Quantity    int    `json:"quantity" binding:"required,gt=0"`
	ReferenceNo string `json:"reference_no" binding:"max=64"`
}

// Restock 补货
// POST /api/v1/products/:id/restock
func (h *Handler) Restock(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req RestockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	movement, err := h.svc.Product.Restock(c.Request.Context(), id, req.Quantity, req.ReferenceNo)
	if err != nil {
		var nf *saleerr.NotFoundError
		if errors.As(err, &nf) {
			response.NotFound(c, nf.Error())
			return
		}
		h.renderError(c, err)
		return
	}
	response.Success(c, movement)
}

// ListMovements 库存流水
// GET /api/v1/products/:id/movements?page=1&page_size=20
func (h *Handler) ListMovements(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	movements, total, err := h.svc.Product.ListMovements(c.Request.Context(), id, page, pageSize)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      movements,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

type BulkDecrementRequest struct {
	Items     []service.StockItem `json:"items" binding:"required,min=1,dive"`
	BatchSize int                 `json:"batch_size" binding:"gte=0,lte=1000"`
}

// BulkDecrement 批量扣减（分批提交，不保证整体原子）
// POST /api/v1/stock/bulk-decrement
func (h *Handler) BulkDecrement(c *gin.Context) {
	var req BulkDecrementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.svc.Stock.BulkDecrement(c.Request.Context(), req.Items, req.BatchSize)
	if err != nil {
		// 已提交的批次照样返回，调用方据此处理剩余部分
		var ise *saleerr.InsufficientStockError
		code := response.CodeSaleFailed
		if errors.As(err, &ise) {
			code = response.CodeInsufficientStock
		}
		response.Fail(c, code, err.Error(), result)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 客户相关接口
// ============================================================

// CreateCustomer POST /api/v1/customers
func (h *Handler) CreateCustomer(c *gin.Context) {
	var req service.CreateCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	customer, err := h.svc.Customer.CreateCustomer(c.Request.Context(), &req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, customer)
}

// GetCustomer GET /api/v1/customers/:id
func (h *Handler) GetCustomer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	customer, err := h.svc.Customer.GetCustomer(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, customer)
}

// ============================================================
// 统计相关接口
// ============================================================

// ListRollups GET /api/v1/analytics/rollups?dimension=daily&period=2024-05&limit=100
func (h *Handler) ListRollups(c *gin.Context) {
	dimension := c.DefaultQuery("dimension", model.RollupDaily)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	rows, err := h.svc.Analytics.ListRollups(c.Request.Context(), dimension, c.Query("period"), limit)
	if errors.Is(err, service.ErrUnsupportedDimension) {
		response.ParamError(c, err.Error())
		return
	}
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.Success(c, gin.H{"list": rows})
}

// RebuildAnalytics 清空统计并从销售单重算
// POST /api/v1/analytics/rebuild
func (h *Handler) RebuildAnalytics(c *gin.Context) {
	n, err := h.svc.Analytics.Rebuild(c.Request.Context())
	if err != nil {
		logging.LogError(h.log, "Handler", "RebuildAnalytics", "重建统计失败", gin.H{"processed": n}, err)
		response.ServerError(c, "重建统计失败")
		return
	}
	response.Success(c, gin.H{"sales": n})
}
