package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/infrastructure/database"
	"coinledger/internal/logging"
	"coinledger/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	db  *gorm.DB
	cfg *config.Config
	svc *Services
}

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", LogLevel: "silent"},
		Kafka: config.KafkaConfig{Topic: config.KafkaTopicConfig{
			TransferResult: "transfer_result",
			PayoutResult:   "payout_result",
		}},
		Business: config.BusinessConfig{
			TransferStaleMinutes:  5,
			MaxRetryCount:         3,
			PayoutIntervalMinutes: 60,
			PayoutTimezone:        "UTC",
			FamValidityDays:       30,
			LockTTLSeconds:        5,
			MessageTimezone:       "UTC",
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()
	db, err := database.InitDB(&cfg.Database, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return &testEnv{db: db, cfg: cfg, svc: NewServices(db, nil, cfg, logging.Discard())}
}

// openAccount 开户并通过账本入账初始余额
func (e *testEnv) openAccount(t *testing.T, userID int64, role string, vip bool, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.svc.Account.CreateAccount(ctx, &CreateAccountRequest{UserID: userID, Role: role, VIP: vip})
	require.NoError(t, err)
	if balance > 0 {
		_, err = e.svc.Ledger.Credit(ctx, userID, balance, model.TransactionTypePurchase, "初始余额")
		require.NoError(t, err)
	}
}

func (e *testEnv) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	b, err := e.svc.Ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

// requireReconciled 任意账户余额等于流水合计
func (e *testEnv) requireReconciled(t *testing.T, userIDs ...int64) {
	t.Helper()
	for _, id := range userIDs {
		res, err := e.svc.Audit.Reconcile(context.Background(), id)
		require.NoError(t, err)
		require.Truef(t, res.Consistent, "user %d balance %d ledger %d", id, res.Balance, res.LedgerSum)
	}
}

func (e *testEnv) transactions(t *testing.T, where string, args ...interface{}) []*model.AccountTransaction {
	t.Helper()
	var list []*model.AccountTransaction
	require.NoError(t, e.db.Where(where, args...).Order("id ASC").Find(&list).Error)
	return list
}

func reqID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
