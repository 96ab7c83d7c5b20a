package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/pkg/idgen"

	"gorm.io/gorm"
)

const maxOptimisticRetries = 3

// LedgerService 账本：唯一允许修改账户余额的组件
//
// 每次余额变动与对应流水在同一个数据库事务内提交，
// 因此任意账户始终满足 balance == SUM(amount)。
type LedgerService struct {
	db              *gorm.DB
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	log             *slog.Logger
}

func NewLedgerService(db *gorm.DB, log *slog.Logger) *LedgerService {
	return &LedgerService{
		db:              db,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		log:             log,
	}
}

// Entry 一条记账请求
type Entry struct {
	UserID      int64
	Amount      int64 // 始终为正数，方向由 Credit/Debit 决定
	Type        string
	Cause       string
	Description string
	TransferNo  string
}

func (e Entry) validate() error {
	if e.Amount <= 0 {
		return ErrInvalidAmount
	}
	if e.UserID == model.SystemAccountID {
		return fmt.Errorf("%w: 资金池不记账", ErrInvalidArgument)
	}
	if !model.ValidTransactionType(e.Type) {
		return fmt.Errorf("%w: 未知流水类型 %s", ErrInvalidArgument, e.Type)
	}
	return nil
}

func (s *LedgerService) Balance(ctx context.Context, userID int64) (int64, error) {
	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		return 0, mapRepoErr(err)
	}
	return account.Balance, nil
}

// Credit 入账，独立事务
func (s *LedgerService) Credit(ctx context.Context, userID, amount int64, kind, description string) (*model.AccountTransaction, error) {
	entry := Entry{UserID: userID, Amount: amount, Type: kind, Cause: description, Description: description}
	var trans *model.AccountTransaction
	err := s.withRetry(ctx, func(tx *gorm.DB) error {
		var err error
		trans, err = s.CreditTx(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return trans, nil
}

// Debit 出账，余额不足返回 ErrInsufficientFunds，不会部分扣减
func (s *LedgerService) Debit(ctx context.Context, userID, amount int64, kind, description string) (*model.AccountTransaction, error) {
	entry := Entry{UserID: userID, Amount: amount, Type: kind, Cause: description, Description: description}
	var trans *model.AccountTransaction
	err := s.withRetry(ctx, func(tx *gorm.DB) error {
		var err error
		trans, err = s.DebitTx(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return trans, nil
}

// CreditTx 在调用方事务内入账
func (s *LedgerService) CreditTx(ctx context.Context, tx *gorm.DB, entry Entry) (*model.AccountTransaction, error) {
	if err := entry.validate(); err != nil {
		return nil, err
	}

	account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, entry.UserID)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	if err := s.accountRepo.Increase(ctx, tx, entry.UserID, entry.Amount, account.Version); err != nil {
		return nil, mapRepoErr(err)
	}

	return s.record(ctx, tx, entry, entry.Amount, account.Balance)
}

// DebitTx 在调用方事务内出账
func (s *LedgerService) DebitTx(ctx context.Context, tx *gorm.DB, entry Entry) (*model.AccountTransaction, error) {
	if err := entry.validate(); err != nil {
		return nil, err
	}

	account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, entry.UserID)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	if account.Balance < entry.Amount {
		return nil, ErrInsufficientFunds
	}

	if err := s.accountRepo.Deduct(ctx, tx, entry.UserID, entry.Amount, account.Version); err != nil {
		return nil, mapRepoErr(err)
	}

	return s.record(ctx, tx, entry, -entry.Amount, account.Balance)
}

func (s *LedgerService) record(ctx context.Context, tx *gorm.DB, entry Entry, signed, before int64) (*model.AccountTransaction, error) {
	trans := &model.AccountTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        entry.UserID,
		TransferNo:    entry.TransferNo,
		Amount:        signed,
		Type:          entry.Type,
		Cause:         entry.Cause,
		BalanceBefore: before,
		BalanceAfter:  before + signed,
		Remark:        entry.Description,
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, mapRepoErr(fmt.Errorf("记录流水失败: %w", err))
	}
	return trans, nil
}

// withRetry 开启独立事务执行 fn，乐观锁冲突时整体重试
func (s *LedgerService) withRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return runTxWithRetry(ctx, s.db, s.log, fn)
}

func runTxWithRetry(ctx context.Context, db *gorm.DB, log *slog.Logger, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= maxOptimisticRetries; attempt++ {
		err = db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, ErrConcurrentUpdate) {
			break
		}
		log.Warn("乐观锁冲突，重试事务", "attempt", attempt)
	}
	if err != nil && !isBusinessErr(err) {
		return mapRepoErr(err)
	}
	return err
}
