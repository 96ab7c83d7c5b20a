package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/repository"

	"gorm.io/gorm"
)

// MembershipService 粉丝团与比赛的入场、退出、淘汰
type MembershipService struct {
	db             *gorm.DB
	cfg            *config.Config
	membershipRepo *repository.MembershipRepository
	accountRepo    *repository.AccountRepository
	transfer       *TransferService
	log            *slog.Logger
}

const (
	joinRequestPrefix     = "join:"
	withdrawRequestPrefix = "withdraw:"
)

func NewMembershipService(db *gorm.DB, cfg *config.Config, transfer *TransferService, log *slog.Logger) *MembershipService {
	s := &MembershipService{
		db:             db,
		cfg:            cfg,
		membershipRepo: repository.NewMembershipRepository(db),
		accountRepo:    repository.NewAccountRepository(db),
		transfer:       transfer,
		log:            log,
	}
	transfer.RegisterCompensator(joinRequestPrefix, s.revokeJoin)
	transfer.RegisterCompensator(withdrawRequestPrefix, s.restoreGrant)
	return s
}

func joinCause(offeringID int64) string {
	return fmt.Sprintf("offering:%d:join", offeringID)
}

func refundCause(offeringID int64) string {
	return fmt.Sprintf("offering:%d:refund", offeringID)
}

// offeringIDFromCause 解析 offering:<id>:<action>，格式或动作不符时 ok 为 false
func offeringIDFromCause(cause, action string) (int64, bool) {
	parts := strings.Split(cause, ":")
	if len(parts) != 3 || parts[0] != "offering" || parts[2] != action {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

type OfferingRequest struct {
	Kind       string `json:"kind" binding:"required,oneof=fam tournament"`
	OwnerID    int64  `json:"owner_id" binding:"required"`
	Title      string `json:"title" binding:"required"`
	EntryFee   int64  `json:"entry_fee" binding:"gte=0"`
	Capacity   int    `json:"capacity" binding:"gte=0"`
	Refundable bool   `json:"refundable"`
}

func (s *MembershipService) CreateOffering(ctx context.Context, req *OfferingRequest) (*model.Offering, error) {
	if req.Kind != model.OfferingKindFam && req.Kind != model.OfferingKindTournament {
		return nil, fmt.Errorf("%w: 未知项目类型 %s", ErrInvalidArgument, req.Kind)
	}
	if req.EntryFee < 0 {
		return nil, ErrInvalidAmount
	}
	if req.Capacity < 0 {
		return nil, fmt.Errorf("%w: capacity 不能为负", ErrInvalidArgument)
	}
	if _, err := s.accountRepo.GetByUserID(ctx, nil, req.OwnerID); err != nil {
		return nil, mapRepoErr(err)
	}

	offering := &model.Offering{
		Kind:       req.Kind,
		OwnerID:    req.OwnerID,
		Title:      req.Title,
		EntryFee:   req.EntryFee,
		Capacity:   req.Capacity,
		Refundable: req.Refundable,
		Status:     model.OfferingStatusOpen,
	}
	if err := s.membershipRepo.CreateOffering(ctx, offering); err != nil {
		return nil, mapRepoErr(err)
	}
	s.log.Info("项目已创建", "offering_id", offering.ID, "kind", offering.Kind, "owner_id", offering.OwnerID)
	return offering, nil
}

func (s *MembershipService) GetOffering(ctx context.Context, id int64) (*model.Offering, error) {
	offering, err := s.membershipRepo.GetOffering(ctx, nil, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return offering, nil
}

// CloseOffering 关闭后不再接受加入，已有成员不受影响
func (s *MembershipService) CloseOffering(ctx context.Context, id int64) error {
	return mapRepoErr(s.membershipRepo.UpdateOfferingStatus(ctx, id, model.OfferingStatusClosed))
}

type JoinRequest struct {
	RequestID  string `json:"request_id" binding:"required"`
	UserID     int64  `json:"user_id" binding:"required"`
	OfferingID int64  `json:"offering_id" binding:"required"`
}

// Join 支付入场费并获得成员资格
//
// 资格写入与扣款在同一事务内；项目行加锁后再数名额，并发加入不会超员。
func (s *MembershipService) Join(ctx context.Context, req *JoinRequest, now time.Time) (*model.MembershipGrant, error) {
	offering, err := s.membershipRepo.GetOffering(ctx, nil, req.OfferingID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if offering.OwnerID == req.UserID {
		return nil, fmt.Errorf("%w: 不能加入自己的项目", ErrInvalidArgument)
	}

	// 重试先按 request_id 找已有转账，已经成功的请求直接返回资格
	if offering.EntryFee > 0 {
		existing, err := s.transfer.findExisting(ctx, joinRequestPrefix+req.RequestID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.PayerID != req.UserID || existing.Cause != joinCause(offering.ID) {
				return nil, fmt.Errorf("%w: request_id 已用于其他请求", ErrDuplicateRequest)
			}
			if err := existing.settled(); err != nil {
				return nil, err
			}
			return s.currentGrant(ctx, req.UserID, offering.ID)
		}
	}

	if err := s.checkJoinable(ctx, nil, offering, req.UserID, now); err != nil {
		return nil, err
	}

	grantFn := func(ctx context.Context, tx *gorm.DB, transfer *model.Transfer) error {
		locked, err := s.membershipRepo.GetOfferingForUpdate(ctx, tx, offering.ID)
		if err != nil {
			return mapRepoErr(err)
		}
		if err := s.checkJoinable(ctx, tx, locked, req.UserID, now); err != nil {
			return err
		}

		grant := &model.MembershipGrant{
			UserID:     req.UserID,
			OfferingID: locked.ID,
			Status:     model.GrantStatusActive,
			PaidAmount: locked.EntryFee,
			JoinedAt:   now,
			ExpiresAt:  s.expiresAt(locked, now),
		}
		if transfer != nil {
			grant.TransferNo = transfer.TransferNo
		}
		return mapRepoErr(s.membershipRepo.UpsertGrant(ctx, tx, grant))
	}

	if offering.EntryFee == 0 {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return grantFn(ctx, tx, nil)
		})
		if err != nil && !isBusinessErr(err) {
			err = mapRepoErr(err)
		}
	} else {
		var result *TransferResult
		result, err = s.transfer.Transfer(ctx, &TransferRequest{
			RequestID:   joinRequestPrefix + req.RequestID,
			PayerID:     req.UserID,
			PayeeID:     offering.OwnerID,
			Amount:      offering.EntryFee,
			Cause:       joinCause(offering.ID),
			Description: fmt.Sprintf("加入%s: %s", offering.Kind, offering.Title),
			PayerType:   model.TransactionTypeSpend,
			PayeeType:   model.TransactionTypePurchase,
			AfterDebit:  grantFn,
		})
		if err == nil && result.Duplicate {
			err = result.settled()
		}
	}
	if err != nil {
		return nil, err
	}

	grant, err := s.currentGrant(ctx, req.UserID, offering.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info("加入项目", "offering_id", offering.ID, "user_id", req.UserID, "paid", grant.PaidAmount)
	return grant, nil
}

func (s *MembershipService) currentGrant(ctx context.Context, userID, offeringID int64) (*model.MembershipGrant, error) {
	grant, err := s.membershipRepo.GetGrant(ctx, nil, userID, offeringID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if grant == nil {
		return nil, ErrGrantNotFound
	}
	return grant, nil
}

// revokeJoin 入场费退回后资格随之失效，只撤销由这笔转账写入的资格
func (s *MembershipService) revokeJoin(ctx context.Context, tx *gorm.DB, transfer *model.Transfer) error {
	offeringID, ok := offeringIDFromCause(transfer.Cause, "join")
	if !ok {
		return nil
	}
	grant, err := s.membershipRepo.GetGrant(ctx, tx, transfer.PayerID, offeringID)
	if err != nil {
		return mapRepoErr(err)
	}
	if grant == nil || grant.TransferNo != transfer.TransferNo {
		return nil
	}
	err = s.membershipRepo.UpdateGrantStatus(ctx, tx, grant.ID, model.GrantStatusActive, model.GrantStatusWithdrawn)
	if errors.Is(err, repository.ErrGrantStatusConflict) {
		return nil
	}
	if err != nil {
		return mapRepoErr(err)
	}
	s.log.Info("入场费已退回，撤销资格", "offering_id", offeringID, "user_id", transfer.PayerID, "transfer_no", transfer.TransferNo)
	return nil
}

// restoreGrant 退款未能到账，恢复成员资格
func (s *MembershipService) restoreGrant(ctx context.Context, tx *gorm.DB, transfer *model.Transfer) error {
	offeringID, ok := offeringIDFromCause(transfer.Cause, "refund")
	if !ok || transfer.PayerType != model.TransactionTypeRefund {
		return nil
	}
	grant, err := s.membershipRepo.GetGrant(ctx, tx, transfer.PayeeID, offeringID)
	if err != nil {
		return mapRepoErr(err)
	}
	if grant == nil {
		return nil
	}
	err = s.membershipRepo.UpdateGrantStatus(ctx, tx, grant.ID, model.GrantStatusWithdrawn, model.GrantStatusActive)
	if errors.Is(err, repository.ErrGrantStatusConflict) {
		return nil
	}
	return mapRepoErr(err)
}

func (s *MembershipService) checkJoinable(ctx context.Context, tx *gorm.DB, offering *model.Offering, userID int64, now time.Time) error {
	if offering.Status != model.OfferingStatusOpen {
		return ErrOfferingClosed
	}

	existing, err := s.membershipRepo.GetGrant(ctx, tx, userID, offering.ID)
	if err != nil {
		return mapRepoErr(err)
	}
	if existing != nil && existing.ActiveAt(now) {
		return ErrAlreadyMember
	}

	if offering.Capacity > 0 {
		count, err := s.membershipRepo.CountActive(ctx, tx, offering.ID, now)
		if err != nil {
			return mapRepoErr(err)
		}
		if count >= int64(offering.Capacity) {
			return ErrCapacityExceeded
		}
	}
	return nil
}

func (s *MembershipService) expiresAt(offering *model.Offering, now time.Time) *time.Time {
	if offering.Kind != model.OfferingKindFam {
		return nil
	}
	t := now.AddDate(0, 0, s.cfg.Business.FamValidityDays)
	return &t
}

type WithdrawRequest struct {
	RequestID  string `json:"request_id" binding:"required"`
	UserID     int64  `json:"user_id" binding:"required"`
	OfferingID int64  `json:"offering_id" binding:"required"`
}

type WithdrawResult struct {
	Grant      *model.MembershipGrant `json:"grant"`
	Refunded   int64                  `json:"refunded"`
	TransferNo string                 `json:"transfer_no,omitempty"`
}

// Withdraw 退出项目
//
// 可退款项目把入场费从项目方原路退回，状态变更与退款在同一事务内；
// 项目方余额不足时退出失败，成员资格保持有效。
func (s *MembershipService) Withdraw(ctx context.Context, req *WithdrawRequest, now time.Time) (*WithdrawResult, error) {
	offering, err := s.membershipRepo.GetOffering(ctx, nil, req.OfferingID)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	existing, err := s.transfer.findExisting(ctx, withdrawRequestPrefix+req.RequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.PayeeID != req.UserID || existing.Cause != refundCause(offering.ID) {
			return nil, fmt.Errorf("%w: request_id 已用于其他请求", ErrDuplicateRequest)
		}
		if err := existing.settled(); err != nil {
			return nil, err
		}
		grant, err := s.currentGrant(ctx, req.UserID, offering.ID)
		if err != nil {
			return nil, err
		}
		return &WithdrawResult{Grant: grant, Refunded: existing.Amount, TransferNo: existing.TransferNo}, nil
	}

	grant, err := s.membershipRepo.GetGrant(ctx, nil, req.UserID, req.OfferingID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if grant == nil || !grant.ActiveAt(now) {
		return nil, ErrGrantNotFound
	}

	markWithdrawn := func(ctx context.Context, tx *gorm.DB) error {
		err := s.membershipRepo.UpdateGrantStatus(ctx, tx, grant.ID, model.GrantStatusActive, model.GrantStatusWithdrawn)
		if errors.Is(err, repository.ErrGrantStatusConflict) {
			return ErrGrantNotFound
		}
		return mapRepoErr(err)
	}

	result := &WithdrawResult{}
	if offering.Refundable && grant.PaidAmount > 0 {
		transferResult, err := s.transfer.Transfer(ctx, &TransferRequest{
			RequestID:   withdrawRequestPrefix + req.RequestID,
			PayerID:     offering.OwnerID,
			PayeeID:     req.UserID,
			Amount:      grant.PaidAmount,
			Cause:       refundCause(offering.ID),
			Description: fmt.Sprintf("退出%s退款: %s", offering.Kind, offering.Title),
			PayerType:   model.TransactionTypeRefund,
			PayeeType:   model.TransactionTypeRefund,
			AfterDebit: func(ctx context.Context, tx *gorm.DB, _ *model.Transfer) error {
				return markWithdrawn(ctx, tx)
			},
		})
		if err != nil {
			return nil, err
		}
		if transferResult.Duplicate {
			if err := transferResult.settled(); err != nil {
				return nil, err
			}
		}
		result.Refunded = grant.PaidAmount
		result.TransferNo = transferResult.TransferNo
	} else {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return markWithdrawn(ctx, tx)
		})
		if err != nil {
			return nil, err
		}
	}

	result.Grant, err = s.membershipRepo.GetGrant(ctx, nil, req.UserID, req.OfferingID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	s.log.Info("退出项目", "offering_id", offering.ID, "user_id", req.UserID, "refunded", result.Refunded)
	return result, nil
}

// Eliminate 比赛淘汰，不退款
func (s *MembershipService) Eliminate(ctx context.Context, userID, offeringID int64) (*model.MembershipGrant, error) {
	offering, err := s.membershipRepo.GetOffering(ctx, nil, offeringID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if offering.Kind != model.OfferingKindTournament {
		return nil, fmt.Errorf("%w: 只有比赛可以淘汰成员", ErrInvalidArgument)
	}

	grant, err := s.membershipRepo.GetGrant(ctx, nil, userID, offeringID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if grant == nil {
		return nil, ErrGrantNotFound
	}
	err = s.membershipRepo.UpdateGrantStatus(ctx, nil, grant.ID, model.GrantStatusActive, model.GrantStatusEliminated)
	if errors.Is(err, repository.ErrGrantStatusConflict) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, mapRepoErr(err)
	}
	grant.Status = model.GrantStatusEliminated
	s.log.Info("比赛淘汰", "offering_id", offeringID, "user_id", userID)
	return grant, nil
}

// IsFamMember 是否持有创作者有效的粉丝团资格，资格到期后静默失效
func (s *MembershipService) IsFamMember(ctx context.Context, userID, creatorID int64, now time.Time) (bool, error) {
	ok, err := s.membershipRepo.HasActiveFamGrant(ctx, userID, creatorID, now)
	if err != nil {
		return false, mapRepoErr(err)
	}
	return ok, nil
}

func (s *MembershipService) ListMembers(ctx context.Context, offeringID int64, status string) ([]*model.MembershipGrant, error) {
	if _, err := s.membershipRepo.GetOffering(ctx, nil, offeringID); err != nil {
		return nil, mapRepoErr(err)
	}
	grants, err := s.membershipRepo.ListGrants(ctx, offeringID, status)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return grants, nil
}
