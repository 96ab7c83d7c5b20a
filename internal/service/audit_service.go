package service

import (
	"context"
	"time"

	"coinledger/internal/model"
	"coinledger/internal/repository"

	"gorm.io/gorm"
)

// AuditService 流水导出与对账
type AuditService struct {
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
}

func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

type TransactionQuery struct {
	UserID   *int64
	Type     string
	Cause    string
	Start    time.Time
	End      time.Time
	Page     int
	PageSize int
}

func (s *AuditService) ListTransactions(ctx context.Context, q TransactionQuery) ([]*model.AccountTransaction, int64, error) {
	if q.Type != "" && !model.ValidTransactionType(q.Type) {
		return nil, 0, ErrInvalidArgument
	}
	page, pageSize := normalizePage(q.Page, q.PageSize)
	list, total, err := s.transactionRepo.List(ctx, repository.TransactionFilter{
		UserID:   q.UserID,
		Type:     q.Type,
		Cause:    q.Cause,
		Start:    q.Start,
		End:      q.End,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return nil, 0, mapRepoErr(err)
	}
	return list, total, nil
}

type ReconcileResult struct {
	UserID           int64 `json:"user_id"`
	Balance          int64 `json:"balance"`
	LedgerSum        int64 `json:"ledger_sum"`
	TransactionCount int64 `json:"transaction_count"`
	Consistent       bool  `json:"consistent"`
}

// Reconcile 核对账户余额与流水合计
func (s *AuditService) Reconcile(ctx context.Context, userID int64) (*ReconcileResult, error) {
	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	sum, count, err := s.transactionRepo.SumByUserID(ctx, userID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return &ReconcileResult{
		UserID:           userID,
		Balance:          account.Balance,
		LedgerSum:        sum,
		TransactionCount: count,
		Consistent:       account.Balance == sum,
	}, nil
}
