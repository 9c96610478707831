package server

import (
	"batcher-core/internal/handler"
	"batcher-core/pkg/monitor"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// NewHTTPRouter 初始化并返回一个 Gin Engine
func NewHTTPRouter(payment *handler.PaymentHandler, apiPassword string) *gin.Engine {
	// 0. 初始化监控指标
	monitor.Init()

	// 1. 创建 Engine (使用默认中间件: Logger, Recovery)
	r := gin.Default()

	// 2. 注册通用中间件
	r.Use(monitor.PrometheusMiddleware())

	// 3. 注册基础路由
	r.GET("/health", handler.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 4. 注册 API 路由组
	api := r.Group("/api/v1")
	api.Use(handler.APIPasswordMiddleware(apiPassword))
	{
		api.POST("/presend", payment.Presend)
		api.POST("/send", payment.Send)
		api.GET("/tx/:id", payment.Status)
		api.GET("/history", payment.History)
	}

	return r
}
