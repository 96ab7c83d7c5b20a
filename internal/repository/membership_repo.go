package repository

import (
	"context"
	"errors"
	"time"

	"coinledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrOfferingNotFound    = errors.New("项目不存在")
	ErrGrantNotFound       = errors.New("成员资格不存在")
	ErrGrantStatusConflict = errors.New("成员资格状态已变更")
)

type MembershipRepository struct {
	db *gorm.DB
}

func NewMembershipRepository(db *gorm.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

func (r *MembershipRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *MembershipRepository) CreateOffering(ctx context.Context, offering *model.Offering) error {
	return r.db.WithContext(ctx).Create(offering).Error
}

func (r *MembershipRepository) GetOffering(ctx context.Context, tx *gorm.DB, id int64) (*model.Offering, error) {
	var offering model.Offering
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&offering).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOfferingNotFound
		}
		return nil, err
	}
	return &offering, nil
}

// GetOfferingForUpdate 锁定项目行，串行化同一项目的加入操作
func (r *MembershipRepository) GetOfferingForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Offering, error) {
	var offering model.Offering
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&offering).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOfferingNotFound
		}
		return nil, err
	}
	return &offering, nil
}

func (r *MembershipRepository) UpdateOfferingStatus(ctx context.Context, id int64, status string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Offering{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetOffering(ctx, nil, id); err != nil {
			return err
		}
	}
	return nil
}

// GetGrant 不存在时返回 nil, nil
func (r *MembershipRepository) GetGrant(ctx context.Context, tx *gorm.DB, userID, offeringID int64) (*model.MembershipGrant, error) {
	var grant model.MembershipGrant
	err := r.conn(tx).WithContext(ctx).
		Where("user_id = ? AND offering_id = ?", userID, offeringID).
		First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &grant, nil
}

// UpsertGrant 以 (user_id, offering_id) 为键写入，重新加入时覆盖原有行
func (r *MembershipRepository) UpsertGrant(ctx context.Context, tx *gorm.DB, grant *model.MembershipGrant) error {
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "offering_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "paid_amount", "transfer_no", "joined_at", "expires_at", "updated_at",
			}),
		}).
		Create(grant).Error
}

// UpdateGrantStatus 条件更新状态，并发下只有一个调用能成功
func (r *MembershipRepository) UpdateGrantStatus(ctx context.Context, tx *gorm.DB, grantID int64, fromStatus, toStatus string) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.MembershipGrant{}).
		Where("id = ? AND status = ?", grantID, fromStatus).
		Update("status", toStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrGrantStatusConflict
	}
	return nil
}

// CountActive 当前有效成员数，过期的粉丝团资格不占名额
func (r *MembershipRepository) CountActive(ctx context.Context, tx *gorm.DB, offeringID int64, now time.Time) (int64, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.MembershipGrant{}).
		Where("offering_id = ? AND status = ?", offeringID, model.GrantStatusActive).
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		Count(&count).Error
	return count, err
}

func (r *MembershipRepository) ListGrants(ctx context.Context, offeringID int64, status string) ([]*model.MembershipGrant, error) {
	var grants []*model.MembershipGrant
	query := r.db.WithContext(ctx).Where("offering_id = ?", offeringID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	err := query.Order("id ASC").Find(&grants).Error
	return grants, err
}

// HasActiveFamGrant 用户是否持有该创作者有效的粉丝团资格
func (r *MembershipRepository) HasActiveFamGrant(ctx context.Context, userID, creatorID int64, now time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.MembershipGrant{}).
		Joins("JOIN offering ON offering.id = membership_grant.offering_id").
		Where("membership_grant.user_id = ? AND membership_grant.status = ?", userID, model.GrantStatusActive).
		Where("offering.owner_id = ? AND offering.kind = ?", creatorID, model.OfferingKindFam).
		Where("(membership_grant.expires_at IS NULL OR membership_grant.expires_at > ?)", now).
		Count(&count).Error
	return count > 0, err
}
