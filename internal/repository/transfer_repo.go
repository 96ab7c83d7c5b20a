package repository

import (
	"context"
	"errors"
	"time"

	"coinledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTransferNotFound      = errors.New("转账单不存在")
	ErrTransferStatusInvalid = errors.New("转账单状态不合法")
)

type TransferRepository struct {
	db *gorm.DB
}

func NewTransferRepository(db *gorm.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) Create(ctx context.Context, tx *gorm.DB, transfer *model.Transfer) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(transfer).Error
}

func (r *TransferRepository) GetByTransferNo(ctx context.Context, tx *gorm.DB, transferNo string) (*model.Transfer, error) {
	if tx == nil {
		tx = r.db
	}
	var transfer model.Transfer
	err := tx.WithContext(ctx).Where("transfer_no = ?", transferNo).First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &transfer, nil
}

// GetByRequestID 不存在时返回 nil, nil
func (r *TransferRepository) GetByRequestID(ctx context.Context, requestID string) (*model.Transfer, error) {
	var transfer model.Transfer
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &transfer, nil
}

// UpdateStatus 按状态机条件更新，状态已被其他流程推进时返回 ErrTransferStatusInvalid
func (r *TransferRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, transferNo string, fromStatus, toStatus, reason string) error {
	if !model.CanTransferTransitionTo(fromStatus, toStatus) {
		return ErrTransferStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	if reason != "" {
		updates["fail_reason"] = truncate(reason, 256)
	}
	switch toStatus {
	case model.TransferStatusCompleted, model.TransferStatusCompensated, model.TransferStatusFailed:
		now := time.Now()
		updates["finished_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.Transfer{}).
		Where("transfer_no = ? AND status = ?", transferNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTransferStatusInvalid
	}

	return nil
}

// GetStale 查询停留在某状态超过一定时间的转账单
func (r *TransferRepository) GetStale(ctx context.Context, status string, before time.Time, limit int) ([]*model.Transfer, error) {
	var transfers []*model.Transfer
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("id ASC").
		Limit(limit).
		Find(&transfers).Error
	return transfers, err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
