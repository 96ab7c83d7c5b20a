package repository

import (
	"context"
	"errors"

	"coinledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("账户不存在")
	ErrAccountExists    = errors.New("账户已存在")
	ErrBalanceNotEnough = errors.New("余额不足")
	ErrOptimisticLock   = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Create 开户，user_id 冲突时返回 ErrAccountExists
func (r *AccountRepository) Create(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	result := r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountExists
	}
	return nil
}

func (r *AccountRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*model.Account, error) {
	var account model.Account
	err := r.conn(tx).WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByUserIDForUpdate 加行锁读取，只能在事务内调用
func (r *AccountRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.Account, error) {
	var account model.Account
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Deduct 条件扣减：余额充足且版本号未变才会更新
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, userID int64, amount int64, version int) error {
	db := r.conn(tx)
	result := db.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND balance >= ? AND version = ?", userID, amount, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		// 在同一连接上判断失败原因，事务内不能再占用其他连接
		account, err := r.GetByUserID(ctx, db, userID)
		if err != nil {
			return err
		}
		if account.Balance < amount {
			return ErrBalanceNotEnough
		}
		return ErrOptimisticLock
	}

	return nil
}

// Increase 条件增加，版本号不匹配返回 ErrOptimisticLock
func (r *AccountRepository) Increase(ctx context.Context, tx *gorm.DB, userID int64, amount int64, version int) error {
	db := r.conn(tx)
	result := db.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND version = ?", userID, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByUserID(ctx, db, userID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	return nil
}

func (r *AccountRepository) UpdateVIP(ctx context.Context, userID int64, vip bool) error {
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Update("vip", vip)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// 值未变化时 MySQL 也返回 0 行，需要再确认账户是否存在
		if _, err := r.GetByUserID(ctx, nil, userID); err != nil {
			return err
		}
	}
	return nil
}
