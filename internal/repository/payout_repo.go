package repository

import (
	"context"
	"errors"

	"coinledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrGoalNotFound      = errors.New("提现目标不存在")
	ErrGoalExists        = errors.New("提现目标已存在")
	ErrPayoutDateStamped = errors.New("当日已结算")
	ErrGoalDisabled      = errors.New("提现目标未启用")
)

type PayoutRepository struct {
	db *gorm.DB
}

func NewPayoutRepository(db *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

func (r *PayoutRepository) CreateGoal(ctx context.Context, goal *model.PayoutGoal) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.PayoutGoal{}).
		Where("creator_id = ?", goal.CreatorID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrGoalExists
	}
	return r.db.WithContext(ctx).Create(goal).Error
}

func (r *PayoutRepository) GetGoalByID(ctx context.Context, id int64) (*model.PayoutGoal, error) {
	var goal model.PayoutGoal
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&goal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGoalNotFound
		}
		return nil, err
	}
	return &goal, nil
}

func (r *PayoutRepository) GetGoalByCreatorID(ctx context.Context, creatorID int64) (*model.PayoutGoal, error) {
	var goal model.PayoutGoal
	err := r.db.WithContext(ctx).Where("creator_id = ?", creatorID).First(&goal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGoalNotFound
		}
		return nil, err
	}
	return &goal, nil
}

// UpdateGoal 只更新传入的字段，last_payout_date 不允许通过这里修改
func (r *PayoutRepository) UpdateGoal(ctx context.Context, id int64, fields map[string]interface{}) error {
	delete(fields, "last_payout_date")
	if len(fields) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).
		Model(&model.PayoutGoal{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetGoalByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *PayoutRepository) DeleteGoal(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.PayoutGoal{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrGoalNotFound
	}
	return nil
}

// ListGoals 按 id 分批读取，afterID 为上一批最后一个 id
func (r *PayoutRepository) ListGoals(ctx context.Context, afterID int64, limit int) ([]*model.PayoutGoal, error) {
	var goals []*model.PayoutGoal
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&goals).Error
	return goals, err
}

// StampPayoutDate 条件写入结算日期
//
// 未写入时重新读取目标区分原因：已删除 ErrGoalNotFound，已停用 ErrGoalDisabled，
// 同一天第二次写入 ErrPayoutDateStamped。
func (r *PayoutRepository) StampPayoutDate(ctx context.Context, tx *gorm.DB, goalID int64, payoutDate string) error {
	result := tx.WithContext(ctx).
		Model(&model.PayoutGoal{}).
		Where("id = ? AND enabled = ? AND last_payout_date <> ?", goalID, true, payoutDate).
		Update("last_payout_date", payoutDate)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var goal model.PayoutGoal
	err := tx.WithContext(ctx).Where("id = ?", goalID).First(&goal).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrGoalNotFound
	case err != nil:
		return err
	case !goal.Enabled:
		return ErrGoalDisabled
	default:
		return ErrPayoutDateStamped
	}
}

func (r *PayoutRepository) CreateRecord(ctx context.Context, tx *gorm.DB, record *model.PayoutRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(record).Error
}

func (r *PayoutRepository) ListRecordsByCreator(ctx context.Context, creatorID int64, page, pageSize int) ([]*model.PayoutRecord, int64, error) {
	var records []*model.PayoutRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PayoutRecord{}).
		Where("creator_id = ?", creatorID).
		Session(&gorm.Session{})

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}
