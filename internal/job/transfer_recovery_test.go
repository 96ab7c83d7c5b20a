package job

import (
	"context"
	"fmt"
	"testing"
	"time"

	"coinledger/internal/logging"
	"coinledger/internal/model"
	"coinledger/internal/service"
	"coinledger/pkg/idgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRecoverDebitedTransfers(t *testing.T) {
	db, cfg, svc := setupDB(t)
	ctx := context.Background()
	openAccount(t, svc, 1, model.RoleUser, 100)
	openAccount(t, svc, 2, model.RoleCreator, 0)

	resumable := stuckTransfer(t, db, svc, 1, 2, 30)
	orphaned := stuckTransfer(t, db, svc, 1, 404, 20)
	assert.Equal(t, int64(50), balanceOf(t, svc, 1))

	job := NewTransferRecoveryJob(db, cfg, svc.Transfer, logging.Discard())

	// 未超时的转账不处理
	assert.Zero(t, job.RecoverOnce(ctx, time.Now()))

	later := time.Now().Add(10 * time.Minute)
	assert.Equal(t, 2, job.RecoverOnce(ctx, later))

	var got model.Transfer
	require.NoError(t, db.Where("transfer_no = ?", resumable.TransferNo).First(&got).Error)
	assert.Equal(t, model.TransferStatusCompleted, got.Status)
	assert.Equal(t, int64(30), balanceOf(t, svc, 2))

	require.NoError(t, db.Where("transfer_no = ?", orphaned.TransferNo).First(&got).Error)
	assert.Equal(t, model.TransferStatusCompensated, got.Status)
	assert.NotEmpty(t, got.FailReason)
	assert.Equal(t, int64(70), balanceOf(t, svc, 1))

	var refunds int64
	require.NoError(t, db.Model(&model.AccountTransaction{}).
		Where("transfer_no = ? AND type = ?", orphaned.TransferNo, model.TransactionTypeRefund).
		Count(&refunds).Error)
	assert.Equal(t, int64(1), refunds)

	// 已处理完毕，再跑一轮没有事情可做
	assert.Zero(t, job.RecoverOnce(ctx, later))

	for _, id := range []int64{1, 2} {
		res, err := svc.Audit.Reconcile(ctx, id)
		require.NoError(t, err)
		assert.True(t, res.Consistent)
	}
}

func TestRecoverClosesPendingTransfers(t *testing.T) {
	db, cfg, svc := setupDB(t)
	ctx := context.Background()
	openAccount(t, svc, 1, model.RoleUser, 100)

	pending := &model.Transfer{
		TransferNo: idgen.GenerateTransferNo(),
		RequestID:  "pending-1",
		PayerID:    1,
		PayeeID:    2,
		Amount:     10,
		PayerType:  model.TransactionTypeSpend,
		PayeeType:  model.TransactionTypePurchase,
		Cause:      "tip",
		Status:     model.TransferStatusPending,
	}
	require.NoError(t, db.Create(pending).Error)

	job := NewTransferRecoveryJob(db, cfg, svc.Transfer, logging.Discard())
	assert.Equal(t, 1, job.RecoverOnce(ctx, time.Now().Add(10*time.Minute)))

	var got model.Transfer
	require.NoError(t, db.Where("transfer_no = ?", pending.TransferNo).First(&got).Error)
	assert.Equal(t, model.TransferStatusFailed, got.Status)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, int64(100), balanceOf(t, svc, 1))
}

func TestRecoverCompensatedJoinRevokesGrant(t *testing.T) {
	db, cfg, svc := setupDB(t)
	ctx := context.Background()
	now := time.Now()
	openAccount(t, svc, 1, model.RoleUser, 100)
	openAccount(t, svc, 2, model.RoleCreator, 0)

	offering, err := svc.Membership.CreateOffering(ctx, &service.OfferingRequest{
		Kind: model.OfferingKindFam, OwnerID: 2, Title: "fans", EntryFee: 30,
	})
	require.NoError(t, err)

	// 入场费已扣、资格已写入，收款方在入账前不可用
	transferNo := idgen.GenerateTransferNo()
	expires := now.AddDate(0, 0, 30)
	stuckTransferWith(t, db, svc, &model.Transfer{
		TransferNo: transferNo,
		RequestID:  "join:j1",
		PayerID:    1,
		PayeeID:    404,
		Amount:     30,
		Cause:      fmt.Sprintf("offering:%d:join", offering.ID),
	}, func(tx *gorm.DB) error {
		return tx.Create(&model.MembershipGrant{
			UserID:     1,
			OfferingID: offering.ID,
			Status:     model.GrantStatusActive,
			PaidAmount: 30,
			TransferNo: transferNo,
			JoinedAt:   now,
			ExpiresAt:  &expires,
		}).Error
	})

	isFam, err := svc.Membership.IsFamMember(ctx, 1, 2, now)
	require.NoError(t, err)
	assert.True(t, isFam)

	job := NewTransferRecoveryJob(db, cfg, svc.Transfer, logging.Discard())
	assert.Equal(t, 1, job.RecoverOnce(ctx, now.Add(10*time.Minute)))

	var got model.Transfer
	require.NoError(t, db.Where("transfer_no = ?", transferNo).First(&got).Error)
	assert.Equal(t, model.TransferStatusCompensated, got.Status)
	assert.Equal(t, int64(100), balanceOf(t, svc, 1))

	var grant model.MembershipGrant
	require.NoError(t, db.Where("user_id = ? AND offering_id = ?", 1, offering.ID).First(&grant).Error)
	assert.Equal(t, model.GrantStatusWithdrawn, grant.Status)

	isFam, err = svc.Membership.IsFamMember(ctx, 1, 2, now)
	require.NoError(t, err)
	assert.False(t, isFam)
}

func TestRecoverCompensatedMessageReleasesCount(t *testing.T) {
	db, cfg, svc := setupDB(t)
	ctx := context.Background()
	now := time.Now()
	openAccount(t, svc, 1, model.RoleUser, 100)

	transferNo := idgen.GenerateTransferNo()
	day := now.UTC().Format(model.PayoutDateLayout)
	stuckTransferWith(t, db, svc, &model.Transfer{
		TransferNo: transferNo,
		RequestID:  "message:m1",
		PayerID:    1,
		PayeeID:    404,
		Amount:     10,
		Cause:      "message:msg-1",
	}, func(tx *gorm.DB) error {
		if err := tx.Create(&model.MessageCharge{
			RequestID: "m1", SenderID: 1, CreatorID: 404, Day: day,
			Amount: 10, Reason: "standard", TransferNo: transferNo,
		}).Error; err != nil {
			return err
		}
		return tx.Create(&model.MessageDailyCounter{SenderID: 1, CreatorID: 404, Day: day, MessageCount: 1}).Error
	})

	job := NewTransferRecoveryJob(db, cfg, svc.Transfer, logging.Discard())
	assert.Equal(t, 1, job.RecoverOnce(ctx, now.Add(10*time.Minute)))
	assert.Equal(t, int64(100), balanceOf(t, svc, 1))

	var charges int64
	require.NoError(t, db.Model(&model.MessageCharge{}).Where("request_id = ?", "m1").Count(&charges).Error)
	assert.Zero(t, charges)

	var counter model.MessageDailyCounter
	require.NoError(t, db.Where("sender_id = ? AND creator_id = ?", 1, 404).First(&counter).Error)
	assert.Equal(t, 0, counter.MessageCount)
}
