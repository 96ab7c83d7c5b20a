package database

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/model"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 按配置打开数据库连接
// mysql 为生产默认；postgres 走 pgx 驱动；sqlite 用于本地开发和测试
func Open(cfg *config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(log, cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// 内存库每个连接是独立的数据库，只能保留一个连接
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return db, nil
}

// InitDB 打开连接并迁移表结构
func InitDB(cfg *config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	db, err := Open(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Info("数据库连接成功", "driver", cfg.Driver)
	return db, nil
}

// Migrate 自动迁移表结构
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.Account{},
		&model.AccountTransaction{},
		&model.Transfer{},
		&model.PayoutGoal{},
		&model.PayoutRecord{},
		&model.MessagePricingPolicy{},
		&model.MessageDailyCounter{},
		&model.MessageCharge{},
		&model.Offering{},
		&model.MembershipGrant{},
		&model.OutboxMessage{},
	)
	if err != nil {
		return fmt.Errorf("自动迁移表结构失败: %w", err)
	}
	return nil
}

func dialectorFor(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "mysql":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
				cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		}
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
				cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database)
		}
		return postgres.Open(dsn), nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}
}

func newGormLogger(log *slog.Logger, level string) logger.Interface {
	var lvl logger.LogLevel
	switch strings.ToLower(level) {
	case "silent":
		lvl = logger.Silent
	case "error":
		lvl = logger.Error
	case "info":
		lvl = logger.Info
	default:
		lvl = logger.Warn
	}

	writer := slog.NewLogLogger(log.Handler(), slog.LevelInfo)
	return logger.New(writer, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  lvl,
		IgnoreRecordNotFoundError: true,
	})
}
