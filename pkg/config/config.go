package config

import (
	"log"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Batching BatchingConfig `mapstructure:"batching"`
	API      APIConfig      `mapstructure:"api"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MQType   string `mapstructure:"mq_type"` // "redis" or "kafka"
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// ChainConfig 链上协作方 (钱包守护进程 + 网络客户端) 配置
type ChainConfig struct {
	DaemonURL     string        `mapstructure:"daemon_url"`     // Electrum 风格钱包守护进程 JSON-RPC 地址
	Testnet       bool          `mapstructure:"testnet"`        // true 时使用 Testnet3 网络参数
	ConfTarget    int           `mapstructure:"conf_target"`    // 手续费估算的确认目标 (blocks)
	SizeEstimator string        `mapstructure:"size_estimator"` // "wallet" or "static"
	RPCTimeout    time.Duration `mapstructure:"rpc_timeout"`
}

// BatchingConfig 批量决策参数
type BatchingConfig struct {
	ThresholdBps int           `mapstructure:"threshold_bps"`  // fee/amount 阈值，基点 (500 = 5%)
	MaxBatchSize int           `mapstructure:"max_batch_size"` // 单笔交易最多合并的请求数
	MaxWait      time.Duration `mapstructure:"max_wait"`       // 最老 queued 请求的最长等待时间
	FeeTimeout   time.Duration `mapstructure:"fee_timeout"`    // 等待费率数据的上限
}

type APIConfig struct {
	Password string `mapstructure:"password"` // 原始服务的 api_password 校验 (通过环境变量 API_PASSWORD 传入)
}

// NetworkParams 根据配置返回比特币网络参数
func (c ChainConfig) NetworkParams() *chaincfg.Params {
	if c.Testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

var Global Config

func Init() {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yaml")   // REQUIRED if the config file does not have the extension in the name
	viper.AddConfigPath(".")      // optionally look for config in the working directory
	viper.AddConfigPath("./config")

	// 环境变量设置
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 设置默认值
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Warning: Config file not found, using defaults and environment variables")
		} else {
			log.Fatalf("Fatal error config file: %s \n", err)
		}
	}

	if err := viper.Unmarshal(&Global); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

func setDefaults() {
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.http_port", "8080")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.user", "batcher_user")
	viper.SetDefault("db.password", "batcher_password")
	viper.SetDefault("db.name", "batcher_db")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.mq_type", "redis")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})

	viper.SetDefault("chain.daemon_url", "http://localhost:7777")
	viper.SetDefault("chain.testnet", false)
	viper.SetDefault("chain.conf_target", 2)
	viper.SetDefault("chain.size_estimator", "wallet")
	viper.SetDefault("chain.rpc_timeout", 10*time.Second)

	viper.SetDefault("batching.threshold_bps", 500) // 5%
	viper.SetDefault("batching.max_batch_size", 20)
	viper.SetDefault("batching.max_wait", 30*time.Minute)
	viper.SetDefault("batching.fee_timeout", 15*time.Second)

	viper.SetDefault("api.password", "")
}
