package repository

import (
	"context"
	"time"

	"coinledger/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.AccountTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// ListByTransferNo 一笔转账的所有流水，按写入顺序
func (r *TransactionRepository) ListByTransferNo(ctx context.Context, tx *gorm.DB, transferNo string) ([]*model.AccountTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var transactions []*model.AccountTransaction
	err := tx.WithContext(ctx).
		Where("transfer_no = ?", transferNo).
		Order("id ASC").
		Find(&transactions).Error
	return transactions, err
}

// TransactionFilter 审计导出条件，零值字段不参与过滤
type TransactionFilter struct {
	UserID   *int64
	Type     string
	Cause    string
	Start    time.Time
	End      time.Time
	Page     int
	PageSize int
}

func (r *TransactionRepository) List(ctx context.Context, filter TransactionFilter) ([]*model.AccountTransaction, int64, error) {
	var transactions []*model.AccountTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.AccountTransaction{})
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Cause != "" {
		query = query.Where("cause = ?", filter.Cause)
	}
	if !filter.Start.IsZero() {
		query = query.Where("created_at >= ?", filter.Start)
	}
	if !filter.End.IsZero() {
		query = query.Where("created_at < ?", filter.End)
	}
	query = query.Session(&gorm.Session{})

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// SumByUserID 账户全部流水金额之和，用于对账
func (r *TransactionRepository) SumByUserID(ctx context.Context, userID int64) (sum int64, count int64, err error) {
	var row struct {
		Total int64
		Cnt   int64
	}
	err = r.db.WithContext(ctx).
		Model(&model.AccountTransaction{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS cnt").
		Where("user_id = ?", userID).
		Scan(&row).Error
	return row.Total, row.Cnt, err
}
