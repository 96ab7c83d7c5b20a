package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // gin 模式：debug / release / test
	WorkerID int64  `mapstructure:"worker_id"` // 雪花算法机器ID，多实例部署时必须不同
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql / postgres / sqlite
	DSN          string `mapstructure:"dsn"`    // 非空时优先使用
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"` // silent / error / warn / info
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransferResult string `mapstructure:"transfer_result"`
	PayoutResult   string `mapstructure:"payout_result"`
}

type BusinessConfig struct {
	TransferStaleMinutes  int    `mapstructure:"transfer_stale_minutes"`  // DEBITED/PENDING 超过该时长由恢复任务处理
	MaxRetryCount         int    `mapstructure:"max_retry_count"`         // 消息最大投递次数
	PayoutIntervalMinutes int    `mapstructure:"payout_interval_minutes"` // 结算任务执行间隔
	PayoutTimezone        string `mapstructure:"payout_timezone"`         // 结算日按该时区计算
	FamValidityDays       int    `mapstructure:"fam_validity_days"`
	LockTTLSeconds        int    `mapstructure:"lock_ttl_seconds"`
	MessageTimezone       string `mapstructure:"message_timezone"` // 策略未配置时区时的默认值
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json / text
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.database", "coinledger")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.transfer_result", "transfer_result")
	v.SetDefault("kafka.topic.payout_result", "payout_result")

	v.SetDefault("business.transfer_stale_minutes", 5)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.payout_interval_minutes", 60)
	v.SetDefault("business.payout_timezone", "UTC")
	v.SetDefault("business.fam_validity_days", 30)
	v.SetDefault("business.lock_ttl_seconds", 30)
	v.SetDefault("business.message_timezone", "UTC")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig 加载配置文件
// 环境变量优先级高于文件，如 COINLEDGER_DATABASE_DSN 覆盖 database.dsn
// configPath 为空时只使用默认值和环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COINLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = config
	return config, nil
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("不支持的运行模式: %s", c.Server.Mode)
	}
	if c.Business.FamValidityDays <= 0 {
		return fmt.Errorf("fam_validity_days 必须大于 0")
	}
	if c.Business.PayoutIntervalMinutes <= 0 {
		return fmt.Errorf("payout_interval_minutes 必须大于 0")
	}
	return nil
}
