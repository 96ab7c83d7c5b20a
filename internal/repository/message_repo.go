package repository

import (
	"context"
	"errors"

	"coinledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrChargeExists = errors.New("私信结算记录已存在")

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// GetPolicy 创作者未配置策略时返回 nil, nil
func (r *MessageRepository) GetPolicy(ctx context.Context, creatorID int64) (*model.MessagePricingPolicy, error) {
	var policy model.MessagePricingPolicy
	err := r.db.WithContext(ctx).Where("creator_id = ?", creatorID).First(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &policy, nil
}

// UpsertPolicy 按 creator_id 新建或覆盖策略
func (r *MessageRepository) UpsertPolicy(ctx context.Context, policy *model.MessagePricingPolicy) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "creator_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"cost_per_message", "free_daily_quota", "vip_exempt",
				"fam_discount_percent", "enabled", "timezone", "updated_at",
			}),
		}).
		Create(policy).Error
}

// GetDailyCount 发送者当天已发送给该创作者的私信数
func (r *MessageRepository) GetDailyCount(ctx context.Context, tx *gorm.DB, senderID, creatorID int64, day string) (int, error) {
	if tx == nil {
		tx = r.db
	}
	var counter model.MessageDailyCounter
	err := tx.WithContext(ctx).
		Where("sender_id = ? AND creator_id = ? AND day = ?", senderID, creatorID, day).
		First(&counter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return counter.MessageCount, nil
}

// IncrementDailyCount 计数加一，当天第一条消息时插入
func (r *MessageRepository) IncrementDailyCount(ctx context.Context, tx *gorm.DB, senderID, creatorID int64, day string) error {
	if tx == nil {
		tx = r.db
	}
	counter := &model.MessageDailyCounter{
		SenderID:     senderID,
		CreatorID:    creatorID,
		Day:          day,
		MessageCount: 1,
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "sender_id"}, {Name: "creator_id"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"message_count": gorm.Expr("message_count + 1"),
			}),
		}).
		Create(counter).Error
}

// DecrementDailyCount 撤销一次计数，不会减到负数
func (r *MessageRepository) DecrementDailyCount(ctx context.Context, tx *gorm.DB, senderID, creatorID int64, day string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.MessageDailyCounter{}).
		Where("sender_id = ? AND creator_id = ? AND day = ? AND message_count > 0", senderID, creatorID, day).
		UpdateColumn("message_count", gorm.Expr("message_count - 1")).Error
}

// CreateCharge request_id 冲突时返回 ErrChargeExists
func (r *MessageRepository) CreateCharge(ctx context.Context, tx *gorm.DB, charge *model.MessageCharge) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoNothing: true,
		}).
		Create(charge)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChargeExists
	}
	return nil
}

// GetCharge 不存在时返回 nil, nil
func (r *MessageRepository) GetCharge(ctx context.Context, requestID string) (*model.MessageCharge, error) {
	var charge model.MessageCharge
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&charge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &charge, nil
}

// DeleteChargeByTransferNo 付费消息被退款时删除结算记录，返回被删除的记录
func (r *MessageRepository) DeleteChargeByTransferNo(ctx context.Context, tx *gorm.DB, transferNo string) (*model.MessageCharge, error) {
	var charge model.MessageCharge
	err := tx.WithContext(ctx).Where("transfer_no = ?", transferNo).First(&charge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := tx.WithContext(ctx).Delete(&charge).Error; err != nil {
		return nil, err
	}
	return &charge, nil
}
