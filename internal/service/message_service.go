package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/repository"

	"gorm.io/gorm"
)

// MessageService 付费私信：定价策略、报价与结算
type MessageService struct {
	db          *gorm.DB
	cfg         *config.Config
	messageRepo *repository.MessageRepository
	accountRepo *repository.AccountRepository
	transfer    *TransferService
	membership  *MembershipService
	log         *slog.Logger
}

const messageRequestPrefix = "message:"

// MaxCostPerMessage 单条私信价格上限，折扣计算不会溢出
const MaxCostPerMessage int64 = 1_000_000_000

func NewMessageService(db *gorm.DB, cfg *config.Config, transfer *TransferService, membership *MembershipService, log *slog.Logger) *MessageService {
	s := &MessageService{
		db:          db,
		cfg:         cfg,
		messageRepo: repository.NewMessageRepository(db),
		accountRepo: repository.NewAccountRepository(db),
		transfer:    transfer,
		membership:  membership,
		log:         log,
	}
	transfer.RegisterCompensator(messageRequestPrefix, s.revokeCharge)
	return s
}

type PolicyRequest struct {
	CreatorID          int64  `json:"creator_id" binding:"required"`
	CostPerMessage     int64  `json:"cost_per_message" binding:"gte=0,lte=1000000000"`
	FreeDailyQuota     int    `json:"free_daily_quota" binding:"gte=0"`
	VIPExempt          bool   `json:"vip_exempt"`
	FamDiscountPercent int    `json:"fam_discount_percent" binding:"gte=0,lte=100"`
	Enabled            bool   `json:"enabled"`
	Timezone           string `json:"timezone"`
}

// GetPolicy 未配置时返回未启用的默认策略
func (s *MessageService) GetPolicy(ctx context.Context, creatorID int64) (*model.MessagePricingPolicy, error) {
	policy, err := s.messageRepo.GetPolicy(ctx, creatorID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if policy == nil {
		return &model.MessagePricingPolicy{CreatorID: creatorID, Timezone: s.cfg.Business.MessageTimezone}, nil
	}
	return policy, nil
}

func (s *MessageService) SetPolicy(ctx context.Context, req *PolicyRequest) (*model.MessagePricingPolicy, error) {
	if req.CostPerMessage < 0 || req.FreeDailyQuota < 0 {
		return nil, ErrInvalidAmount
	}
	if req.CostPerMessage > MaxCostPerMessage {
		return nil, fmt.Errorf("%w: cost_per_message 不能超过 %d", ErrInvalidAmount, MaxCostPerMessage)
	}
	if req.FamDiscountPercent < 0 || req.FamDiscountPercent > 100 {
		return nil, fmt.Errorf("%w: fam_discount_percent 必须在 0-100 之间", ErrInvalidArgument)
	}
	tz := req.Timezone
	if tz == "" {
		tz = s.cfg.Business.MessageTimezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("%w: 未知时区 %s", ErrInvalidArgument, tz)
	}

	account, err := s.accountRepo.GetByUserID(ctx, nil, req.CreatorID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if account.Role != model.RoleCreator {
		return nil, fmt.Errorf("%w: 只有创作者可以设置私信价格", ErrPermissionDenied)
	}

	policy := &model.MessagePricingPolicy{
		CreatorID:          req.CreatorID,
		CostPerMessage:     req.CostPerMessage,
		FreeDailyQuota:     req.FreeDailyQuota,
		VIPExempt:          req.VIPExempt,
		FamDiscountPercent: req.FamDiscountPercent,
		Enabled:            req.Enabled,
		Timezone:           tz,
	}
	if err := s.messageRepo.UpsertPolicy(ctx, policy); err != nil {
		return nil, mapRepoErr(err)
	}
	return s.GetPolicy(ctx, req.CreatorID)
}

// Quote 计算 sender 此刻给 creator 发一条私信的价格，不产生任何写入
func (s *MessageService) Quote(ctx context.Context, senderID, creatorID int64, now time.Time) (*Quote, error) {
	q, _, _, err := s.quote(ctx, senderID, creatorID, now)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *MessageService) quote(ctx context.Context, senderID, creatorID int64, now time.Time) (Quote, *model.MessagePricingPolicy, string, error) {
	sender, err := s.accountRepo.GetByUserID(ctx, nil, senderID)
	if err != nil {
		return Quote{}, nil, "", mapRepoErr(err)
	}

	policy, err := s.GetPolicy(ctx, creatorID)
	if err != nil {
		return Quote{}, nil, "", err
	}

	day := s.localDay(policy, now)
	sentToday, err := s.messageRepo.GetDailyCount(ctx, nil, senderID, creatorID, day)
	if err != nil {
		return Quote{}, nil, "", mapRepoErr(err)
	}

	isFam, err := s.membership.IsFamMember(ctx, senderID, creatorID, now)
	if err != nil {
		return Quote{}, nil, "", err
	}

	return ResolvePrice(policy, sender.VIP, isFam, sentToday), policy, day, nil
}

// localDay 免费额度按创作者时区的自然日重置
func (s *MessageService) localDay(policy *model.MessagePricingPolicy, now time.Time) string {
	loc := loadLocation(policy.Timezone, s.cfg.Business.MessageTimezone)
	return now.In(loc).Format(model.PayoutDateLayout)
}

type ChargeRequest struct {
	RequestID  string `json:"request_id" binding:"required"`
	SenderID   int64  `json:"sender_id" binding:"required"`
	CreatorID  int64  `json:"creator_id" binding:"required"`
	MessageRef string `json:"message_ref" binding:"required"`
}

type ChargeResult struct {
	Delivered  bool   `json:"delivered"`
	Quote      Quote  `json:"quote"`
	TransferNo string `json:"transfer_no,omitempty"`
	Balance    int64  `json:"balance"`
}

// Charge 私信结算
//
// 免费消息只累加当日计数；付费消息从发送者转给创作者，计数与扣款同事务提交。
// 每次结算按 request_id 留一条记录，重试直接返回第一次的结果，不会重复占用免费额度。
// 余额不足时返回 Delivered=false 与 ErrInsufficientFunds，余额和计数都不变。
func (s *MessageService) Charge(ctx context.Context, req *ChargeRequest, now time.Time) (*ChargeResult, error) {
	if req.SenderID == req.CreatorID {
		return nil, fmt.Errorf("%w: 不能给自己发私信", ErrInvalidArgument)
	}

	existing, err := s.messageRepo.GetCharge(ctx, req.RequestID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if existing != nil {
		return s.replay(ctx, req, existing)
	}

	q, _, day, err := s.quote(ctx, req.SenderID, req.CreatorID, now)
	if err != nil {
		return nil, err
	}

	result := &ChargeResult{Quote: q}
	charge := &model.MessageCharge{
		RequestID:  req.RequestID,
		SenderID:   req.SenderID,
		CreatorID:  req.CreatorID,
		MessageRef: req.MessageRef,
		Day:        day,
		Amount:     q.Amount,
		Reason:     q.Reason,
	}

	if !q.RequiresPayment {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.messageRepo.CreateCharge(ctx, tx, charge); err != nil {
				return err
			}
			return s.messageRepo.IncrementDailyCount(ctx, tx, req.SenderID, req.CreatorID, day)
		})
		if errors.Is(err, repository.ErrChargeExists) {
			// 并发重试，另一个请求已经结算
			existing, err = s.messageRepo.GetCharge(ctx, req.RequestID)
			if err != nil {
				return nil, mapRepoErr(err)
			}
			if existing == nil {
				return nil, fmt.Errorf("%w: 结算记录 %s 不可见", ErrStoreUnavailable, req.RequestID)
			}
			return s.replay(ctx, req, existing)
		}
		if err != nil {
			return nil, mapRepoErr(err)
		}
		result.Delivered = true
	} else {
		transferResult, err := s.transfer.Transfer(ctx, &TransferRequest{
			RequestID:   messageRequestPrefix + req.RequestID,
			PayerID:     req.SenderID,
			PayeeID:     req.CreatorID,
			Amount:      q.Amount,
			Cause:       "message:" + req.MessageRef,
			Description: fmt.Sprintf("私信付费(%s)", q.Reason),
			PayerType:   model.TransactionTypeSpend,
			PayeeType:   model.TransactionTypePurchase,
			AfterDebit: func(ctx context.Context, tx *gorm.DB, transfer *model.Transfer) error {
				// 乐观锁冲突重试时事务会重跑
				charge.ID = 0
				charge.TransferNo = transfer.TransferNo
				if err := s.messageRepo.CreateCharge(ctx, tx, charge); err != nil {
					return mapRepoErr(err)
				}
				return mapRepoErr(s.messageRepo.IncrementDailyCount(ctx, tx, req.SenderID, req.CreatorID, day))
			},
		})
		if transferResult != nil {
			result.TransferNo = transferResult.TransferNo
			result.Delivered = transferResult.Status == model.TransferStatusCompleted
			if err == nil && transferResult.Duplicate {
				err = transferResult.settled()
			}
		}
		if err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				s.log.Info("私信余额不足，未送达", "sender_id", req.SenderID, "creator_id", req.CreatorID, "amount", q.Amount)
			}
			result.Balance, _ = s.balance(ctx, req.SenderID)
			return result, err
		}
	}

	result.Balance, err = s.balance(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// replay 重试按第一次结算的结果返回，付费消息以转账状态为准
func (s *MessageService) replay(ctx context.Context, req *ChargeRequest, charge *model.MessageCharge) (*ChargeResult, error) {
	if charge.SenderID != req.SenderID || charge.CreatorID != req.CreatorID {
		return nil, fmt.Errorf("%w: request_id 已用于其他私信", ErrDuplicateRequest)
	}

	result := &ChargeResult{
		Quote: Quote{
			RequiresPayment: charge.TransferNo != "",
			Amount:          charge.Amount,
			Reason:          charge.Reason,
		},
		TransferNo: charge.TransferNo,
		Delivered:  charge.TransferNo == "",
	}
	if charge.TransferNo != "" {
		transfer, err := s.transfer.GetByTransferNo(ctx, charge.TransferNo)
		if err != nil {
			return nil, err
		}
		result.Delivered = transfer.Status == model.TransferStatusCompleted
		if err := transfer.settled(); err != nil {
			result.Balance, _ = s.balance(ctx, req.SenderID)
			return result, err
		}
	}

	balance, err := s.balance(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	result.Balance = balance
	return result, nil
}

// revokeCharge 付费私信被退款时删除结算记录并退回当日计数
func (s *MessageService) revokeCharge(ctx context.Context, tx *gorm.DB, transfer *model.Transfer) error {
	charge, err := s.messageRepo.DeleteChargeByTransferNo(ctx, tx, transfer.TransferNo)
	if err != nil {
		return mapRepoErr(err)
	}
	if charge == nil {
		return nil
	}
	return mapRepoErr(s.messageRepo.DecrementDailyCount(ctx, tx, charge.SenderID, charge.CreatorID, charge.Day))
}

func (s *MessageService) balance(ctx context.Context, userID int64) (int64, error) {
	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		return 0, mapRepoErr(err)
	}
	return account.Balance, nil
}

func loadLocation(name, fallback string) *time.Location {
	for _, tz := range []string{name, fallback} {
		if tz == "" {
			continue
		}
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}
