package handler

import (
	"jmspos/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, cfg config.ServerConfig, log *logrus.Logger) *gin.Engine {
	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware(cfg))

	api := r.Group("/api/v1")
	{
		// 销售相关
		sales := api.Group("/sales")
		{
			sales.POST("", h.CompleteSale)
			sales.GET("/:id", h.GetSale)
			sales.GET("/by-transaction/:transaction_id", h.GetSaleByTransaction)
		}

		api.GET("/transactions/:transaction_id/logs", h.ListTransactionLogs)

		// 商品相关
		products := api.Group("/products")
		{
			products.POST("", h.CreateProduct)
			products.GET("/:id", h.GetProduct)
			products.POST("/:id/restock", h.Restock)
			products.GET("/:id/movements", h.ListMovements)
		}

		// 库存批量模式
		api.POST("/stock/bulk-decrement", h.BulkDecrement)

		// 客户相关
		customers := api.Group("/customers")
		{
			customers.POST("", h.CreateCustomer)
			customers.GET("/:id", h.GetCustomer)
		}

		// 统计相关
		analytics := api.Group("/analytics")
		{
			analytics.GET("/rollups", h.ListRollups)
			analytics.POST("/rebuild", h.RebuildAnalytics)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
