package main

import (
	"context"
	"fmt"

	"batcher-core/internal/chain/electrumd"
	"batcher-core/internal/event"
	"batcher-core/internal/handler"
	"batcher-core/internal/model"
	"batcher-core/internal/server"
	"batcher-core/internal/service"
	"batcher-core/internal/service/mq"

	"batcher-core/pkg/config"
	"batcher-core/pkg/database"
	"batcher-core/pkg/logger"
	"batcher-core/pkg/txsize"
	"batcher-core/pkg/utils/lock"

	"go.uber.org/zap"
)

// @title Payment Batcher API
// @version 1.0
// @description Bitcoin payment batching service API

// @host localhost:8080
// @BasePath /api/v1
func main() {
	// 0. 初始化 Config
	config.Init()

	// 1. 初始化 Logger
	logger.Init(config.Global.App.Env)
	defer logger.Sync()

	// 2. 构造 DSN 并连接数据库
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=Asia/Shanghai",
		config.Global.DB.Host,
		config.Global.DB.User,
		config.Global.DB.Password,
		config.Global.DB.Name,
		config.Global.DB.Port,
	)
	db, err := database.ConnectPostgres(dsn)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}

	// 3. 连接 Redis
	rdb, err := database.ConnectRedis(config.Global.Redis.Addr, config.Global.Redis.Password, config.Global.Redis.DB)
	if err != nil {
		logger.Fatal("Redis 连接失败", zap.Error(err))
	}

	// 4. 执行数据库迁移 (Auto Migrate)
	if config.Global.App.Env == "development" {
		logger.Info("开发环境: 尝试自动迁移 Schema (GORM AutoMigrate)...")
		if err := db.AutoMigrate(model.AllModels()...); err != nil {
			logger.Fatal("数据库自动迁移失败", zap.Error(err))
		}
		logger.Info("数据库自动迁移完成 (Dev Mode)")
	} else {
		logger.Info("生产环境: 跳过 AutoMigrate，请使用 migrate 工具管理 Schema")
	}

	// 5. 连接链上协作方 (Electrum 风格钱包守护进程)
	daemon := electrumd.NewClient(config.Global.Chain.DaemonURL, config.Global.Chain.RPCTimeout)
	if err := daemon.Start(context.Background()); err != nil {
		// 守护进程暂时不可达不阻塞启动: 费率/广播路径自带重试
		logger.Warn("钱包守护进程暂不可达，稍后自动重试", zap.Error(err))
	}

	// 6. 决策数据源
	feeOracle := service.NewFeeOracle(daemon, rdb, config.Global.Chain.ConfTarget, config.Global.Batching.FeeTimeout)

	var sizes service.SizeSource
	if config.Global.Chain.SizeEstimator == "static" {
		// 不访问钱包的确定性估算，守护进程降级时仍可决策
		estimator := txsize.NewEstimator(config.Global.Chain.NetworkParams(), 2)
		sizes = service.NewStaticSizeSource(estimator.EstimateVSize)
		logger.Info("使用静态交易大小估算")
	} else {
		sizes = service.NewWalletSizeSource(daemon)
		logger.Info("使用钱包侧交易大小估算")
	}

	// 7. 账本 + 广播日志 + 决策引擎 + 广播协调器
	ledger := service.NewSQLLedger(db)
	journal := service.NewSQLAttemptJournal(db)
	engine := service.NewBatchEngine(feeOracle, sizes, config.Global.Batching.ThresholdBps, config.Global.Batching.MaxBatchSize)
	coordinator := service.NewBroadcastCoordinator(ledger, journal, daemon, daemon)

	// 8. 启动对账: 上次进程退出时留下的 submitted 广播先对齐
	if err := coordinator.Recover(context.Background()); err != nil {
		logger.Error("启动对账失败，留待下次启动", zap.Error(err))
	}

	// 9. 核心支付服务 (Redis 分布式锁保证多实例串行)
	payments := service.NewPaymentService(ledger, engine, coordinator, lock.NewRedisLock(rdb))

	// 10. 初始化消息队列
	var producer mq.Producer
	var consumer mq.Consumer
	if config.Global.Redis.MQType == "kafka" {
		logger.Info("使用 Kafka 作为消息队列...")
		brokers := config.Global.Kafka.Brokers
		producer = mq.NewKafkaProducer(brokers, event.TopicPaymentBroadcast)
		consumer = mq.NewKafkaConsumer(brokers, "batcher_notifier_group")
	} else {
		logger.Info("使用 Redis Streams 作为消息队列...")
		producer = mq.NewRedisProducer(rdb)
		consumer = mq.NewRedisConsumer(rdb, "batcher_notifier", "notifier-0")
	}

	// 11. 启动消息中继服务 (outbox -> MQ)
	relay := service.NewRelayService(db, producer)
	go relay.Start(context.Background())

	// 12. 启动广播事件消费者
	notifier := service.NewNotifierService(consumer)
	go func() {
		if err := notifier.Start(context.Background()); err != nil {
			logger.Error("Notifier 启动失败", zap.Error(err))
		}
	}()

	// 13. max-wait 定时冲洗: 排队过久的请求强制广播
	cronSvc := service.NewCronService(payments, config.Global.Batching.MaxWait)
	cronSvc.Start()

	// 14. HTTP Router + 启动应用
	paymentHandler := handler.NewPaymentHandler(payments)
	r := server.NewHTTPRouter(paymentHandler, config.Global.API.Password)

	app := server.New(server.Config{HttpPort: config.Global.App.HttpPort}, r)
	app.OnShutdown(func() {
		cronSvc.Stop()
		producer.Close()
		consumer.Close()
		daemon.Stop()
	})

	// 运行 (阻塞)
	app.Run()

	// 15. 退出后资源清理
	logger.Info("正在关闭数据库连接...")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	rdb.Close()
	logger.Info("系统已退出")
}
