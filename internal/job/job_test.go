package job

import (
	"context"
	"testing"

	"coinledger/internal/config"
	"coinledger/internal/infrastructure/database"
	"coinledger/internal/logging"
	"coinledger/internal/model"
	"coinledger/internal/service"
	"coinledger/pkg/idgen"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

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

func setupDB(t *testing.T) (*gorm.DB, *config.Config, *service.Services) {
	t.Helper()
	cfg := testConfig()
	db, err := database.InitDB(&cfg.Database, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db, cfg, service.NewServices(db, nil, cfg, logging.Discard())
}

func openAccount(t *testing.T, svc *service.Services, userID int64, role string, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Account.CreateAccount(ctx, &service.CreateAccountRequest{UserID: userID, Role: role})
	require.NoError(t, err)
	if balance > 0 {
		_, err = svc.Ledger.Credit(ctx, userID, balance, model.TransactionTypePurchase, "初始余额")
		require.NoError(t, err)
	}
}

// stuckTransfer 模拟进程在扣款提交后、入账前退出
func stuckTransfer(t *testing.T, db *gorm.DB, svc *service.Services, payer, payee, amount int64) *model.Transfer {
	t.Helper()
	transferNo := idgen.GenerateTransferNo()
	return stuckTransferWith(t, db, svc, &model.Transfer{
		TransferNo: transferNo,
		RequestID:  "stuck-" + transferNo,
		PayerID:    payer,
		PayeeID:    payee,
		Amount:     amount,
		Cause:      "tip",
	}, nil)
}

// stuckTransferWith 扣款段连同调用方挂载的写入一起提交，转账停在 DEBITED
func stuckTransferWith(t *testing.T, db *gorm.DB, svc *service.Services, transfer *model.Transfer, afterDebit func(tx *gorm.DB) error) *model.Transfer {
	t.Helper()
	ctx := context.Background()
	transfer.PayerType = model.TransactionTypeSpend
	transfer.PayeeType = model.TransactionTypePurchase
	transfer.Status = model.TransferStatusDebited
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(transfer).Error; err != nil {
			return err
		}
		_, err := svc.Ledger.DebitTx(ctx, tx, service.Entry{
			UserID:     transfer.PayerID,
			Amount:     transfer.Amount,
			Type:       model.TransactionTypeSpend,
			Cause:      transfer.Cause,
			TransferNo: transfer.TransferNo,
		})
		if err != nil || afterDebit == nil {
			return err
		}
		return afterDebit(tx)
	}))
	return transfer
}

func balanceOf(t *testing.T, svc *service.Services, userID int64) int64 {
	t.Helper()
	b, err := svc.Ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}
