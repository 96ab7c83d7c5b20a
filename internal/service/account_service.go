package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"coinledger/internal/model"
	"coinledger/internal/repository"

	"gorm.io/gorm"
)

type AccountService struct {
	db          *gorm.DB
	accountRepo *repository.AccountRepository
	transfer    *TransferService
	log         *slog.Logger
}

func NewAccountService(db *gorm.DB, transfer *TransferService, log *slog.Logger) *AccountService {
	return &AccountService{
		db:          db,
		accountRepo: repository.NewAccountRepository(db),
		transfer:    transfer,
		log:         log,
	}
}

type CreateAccountRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Role   string `json:"role"`
	VIP    bool   `json:"vip"`
}

// CreateAccount 开户，初始余额为 0
func (s *AccountService) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*model.Account, error) {
	if req.UserID == model.SystemAccountID {
		return nil, fmt.Errorf("%w: user_id 0 保留给平台资金池", ErrInvalidArgument)
	}
	role := req.Role
	if role == "" {
		role = model.RoleUser
	}
	if !model.ValidRole(role) {
		return nil, fmt.Errorf("%w: 未知角色 %s", ErrInvalidArgument, role)
	}

	account := &model.Account{
		UserID: req.UserID,
		Role:   role,
		VIP:    req.VIP,
	}
	if err := s.accountRepo.Create(ctx, nil, account); err != nil {
		return nil, mapRepoErr(err)
	}
	s.log.Info("账户已创建", "user_id", req.UserID, "role", role, "vip", req.VIP)
	return s.GetAccount(ctx, req.UserID)
}

func (s *AccountService) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return account, nil
}

// SetVIP 只有管理员可以修改 VIP 标记
func (s *AccountService) SetVIP(ctx context.Context, operatorID, userID int64, vip bool) (*model.Account, error) {
	if err := s.requireAdmin(ctx, operatorID); err != nil {
		return nil, err
	}
	if err := s.accountRepo.UpdateVIP(ctx, userID, vip); err != nil {
		return nil, mapRepoErr(err)
	}
	return s.GetAccount(ctx, userID)
}

type GrantRequest struct {
	RequestID  string `json:"request_id" binding:"required"`
	OperatorID int64  `json:"operator_id" binding:"required"`
	UserID     int64  `json:"user_id" binding:"required"`
	Amount     int64  `json:"amount" binding:"required,gt=0"`
	Reason     string `json:"reason"`
}

// Grant 管理员从平台资金池发放硬币，返回发放后的余额
func (s *AccountService) Grant(ctx context.Context, req *GrantRequest) (int64, *TransferResult, error) {
	if err := s.requireAdmin(ctx, req.OperatorID); err != nil {
		return 0, nil, err
	}

	description := req.Reason
	if description == "" {
		description = "管理员发放"
	}
	result, err := s.transfer.Transfer(ctx, &TransferRequest{
		RequestID:   "grant:" + req.RequestID,
		PayerID:     model.SystemAccountID,
		PayeeID:     req.UserID,
		Amount:      req.Amount,
		Cause:       fmt.Sprintf("grant:%d", req.OperatorID),
		Description: description,
		PayeeType:   model.TransactionTypeGrant,
	})
	if err != nil {
		return 0, result, err
	}

	account, err := s.GetAccount(ctx, req.UserID)
	if err != nil {
		return 0, result, err
	}
	s.log.Info("硬币发放", "operator_id", req.OperatorID, "user_id", req.UserID,
		"amount", req.Amount, "balance", account.Balance)
	return account.Balance, result, nil
}

type RechargeRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	UserID    int64  `json:"user_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Channel   string `json:"channel"`
}

// Recharge 购买硬币：外部支付渠道确认到账后调用，硬币由平台资金池入账
func (s *AccountService) Recharge(ctx context.Context, req *RechargeRequest) (int64, *TransferResult, error) {
	channel := req.Channel
	if channel == "" {
		channel = "default"
	}
	result, err := s.transfer.Transfer(ctx, &TransferRequest{
		RequestID:   "recharge:" + req.RequestID,
		PayerID:     model.SystemAccountID,
		PayeeID:     req.UserID,
		Amount:      req.Amount,
		Cause:       "recharge:" + channel,
		Description: "购买硬币",
		PayeeType:   model.TransactionTypePurchase,
	})
	if err != nil {
		return 0, result, err
	}

	account, err := s.GetAccount(ctx, req.UserID)
	if err != nil {
		return 0, result, err
	}
	return account.Balance, result, nil
}

func (s *AccountService) requireAdmin(ctx context.Context, operatorID int64) error {
	operator, err := s.accountRepo.GetByUserID(ctx, nil, operatorID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return ErrPermissionDenied
		}
		return mapRepoErr(err)
	}
	if operator.Role != model.RoleAdmin {
		return ErrPermissionDenied
	}
	return nil
}
