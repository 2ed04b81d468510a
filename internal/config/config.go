package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Log       LogConfig       `mapstructure:"log"`
	Sale      SaleConfig      `mapstructure:"sale"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	AllowedOrigin string `mapstructure:"allowed_origin"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql | postgres
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled 未配置 host 时不连接 Redis，锁和重放缓存退化为空实现
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

type KafkaConfig struct {
	Brokers       []string         `mapstructure:"brokers"`
	ConsumerGroup string           `mapstructure:"consumer_group"`
	Topic         KafkaTopicConfig `mapstructure:"topic"`
}

// Enabled 没有 broker 时销售事件走进程内投递
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type KafkaTopicConfig struct {
	SaleCompleted string `mapstructure:"sale_completed"`
	Notification  string `mapstructure:"notification"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SaleConfig 销售完成引擎的参数，显式注入到编排器，不从全局读取
type SaleConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseRetryDelay    time.Duration `mapstructure:"base_retry_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	BatchSize         int           `mapstructure:"batch_size"`
	LowStockThreshold int           `mapstructure:"low_stock_threshold"`
	AmountTolerance   float64       `mapstructure:"amount_tolerance"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	ReplayCacheTTL    time.Duration `mapstructure:"replay_cache_ttl"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type AnalyticsConfig struct {
	TopN            int           `mapstructure:"top_n"`
	CatchUpInterval time.Duration `mapstructure:"catch_up_interval"`
	CatchUpWindow   time.Duration `mapstructure:"catch_up_window"`
	MaxMergeRetries int           `mapstructure:"max_merge_retries"`
}

type JobsConfig struct {
	OutboxInterval  time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize int           `mapstructure:"outbox_batch_size"`
	MaxRetryCount   int           `mapstructure:"max_retry_count"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
}

// Default 返回全部默认值，配置文件只需要覆盖差异部分
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, AllowedOrigin: "*"},
		Database: DatabaseConfig{
			Driver:       "mysql",
			Host:         "127.0.0.1",
			Port:         3306,
			User:         "root",
			Database:     "jmspos",
			SSLMode:      "disable",
			MaxOpenConns: 50,
			MaxIdleConns: 10,
			AutoMigrate:  true,
		},
		Redis: RedisConfig{Port: 6379},
		Kafka: KafkaConfig{
			ConsumerGroup: "jmspos-analytics",
			Topic: KafkaTopicConfig{
				SaleCompleted: "sale.completed",
				Notification:  "pos.notification",
			},
		},
		Log:  LogConfig{Level: "info"},
		Sale: DefaultSaleConfig(),
		Analytics: AnalyticsConfig{
			TopN:            10,
			CatchUpInterval: time.Minute,
			CatchUpWindow:   24 * time.Hour,
			MaxMergeRetries: 5,
		},
		Jobs: JobsConfig{
			OutboxInterval:  200 * time.Millisecond,
			OutboxBatchSize: 100,
			MaxRetryCount:   5,
			SweepInterval:   time.Minute,
			StaleAfter:      10 * time.Minute,
		},
	}
}

func DefaultSaleConfig() SaleConfig {
	return SaleConfig{
		MaxRetries:        3,
		BaseRetryDelay:    50 * time.Millisecond,
		MaxRetryDelay:     2 * time.Second,
		BatchSize:         100,
		LowStockThreshold: 5,
		AmountTolerance:   0.01,
		LockTTL:           30 * time.Second,
		ReplayCacheTTL:    24 * time.Hour,
		Timeout:           15 * time.Second,
	}
}

// LoadConfig 加载配置文件
//
// 顺序：.env -> 默认值 -> yaml -> 环境变量（SALE_MAX_RETRIES 覆盖 sale.max_retries）
func LoadConfig(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.Sale = cfg.Sale.normalized()
	return cfg, nil
}

func (c SaleConfig) normalized() SaleConfig {
	def := DefaultSaleConfig()
	if c.MaxRetries < 1 {
		c.MaxRetries = def.MaxRetries
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = def.BaseRetryDelay
	}
	if c.MaxRetryDelay < c.BaseRetryDelay {
		c.MaxRetryDelay = def.MaxRetryDelay
	}
	if c.BatchSize < 1 {
		c.BatchSize = def.BatchSize
	}
	if c.LowStockThreshold < 0 {
		c.LowStockThreshold = def.LowStockThreshold
	}
	if c.AmountTolerance <= 0 {
		c.AmountTolerance = def.AmountTolerance
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	return c
}
