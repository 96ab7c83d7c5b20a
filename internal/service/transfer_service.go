package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/infrastructure/lock"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// TransferService 转账协调器
//
// 一次转账拆成两段本地事务：
//  1. 扣款段：付款方扣款 + 扣款流水 + 状态 DEBITED (+ 调用方挂载的写操作)
//  2. 入账段：收款方入账 + 入账流水 + 状态 COMPLETED + 结果消息
//
// 入账段失败时立即发起补偿：付款方退回 + refund 流水 + 状态 COMPENSATED。
// 进程在两段之间退出时转账单停留在 DEBITED，由 TransferRecoveryJob 继续入账，
// 入账仍失败再补偿，硬币不会停留在 "已扣未入" 的中间状态。
type TransferService struct {
	db           *gorm.DB
	redisClient  redis.Cmdable
	cfg          *config.Config
	ledger       *LedgerService
	transferRepo *repository.TransferRepository
	outboxRepo   *repository.OutboxRepository
	log          *slog.Logger

	// request_id 前缀 -> 补偿时撤销扣款段写入的逻辑，服务构造时登记
	compensators map[string]AfterDebitFunc
}

// NewTransferService redisClient 为 nil 时不加分布式锁，只依赖数据库条件更新
func NewTransferService(db *gorm.DB, redisClient redis.Cmdable, cfg *config.Config, ledger *LedgerService, log *slog.Logger) *TransferService {
	return &TransferService{
		db:           db,
		redisClient:  redisClient,
		cfg:          cfg,
		ledger:       ledger,
		transferRepo: repository.NewTransferRepository(db),
		outboxRepo:   repository.NewOutboxRepository(db),
		log:          log,
		compensators: make(map[string]AfterDebitFunc),
	}
}

// RegisterCompensator 登记某类转账的撤销逻辑
//
// 请求未带 OnCompensate 时按 request_id 前缀查找；恢复任务补偿中断的转账时同样使用，
// 进程重启后扣款段挂载的写入也能被撤销。
func (s *TransferService) RegisterCompensator(prefix string, hook AfterDebitFunc) {
	s.compensators[prefix] = hook
}

func (s *TransferService) compensatorFor(requestID string) AfterDebitFunc {
	for prefix, hook := range s.compensators {
		if strings.HasPrefix(requestID, prefix) {
			return hook
		}
	}
	return nil
}

// AfterDebitFunc 在扣款段事务内执行，返回错误会回滚扣款
type AfterDebitFunc func(ctx context.Context, tx *gorm.DB, transfer *model.Transfer) error

type TransferRequest struct {
	RequestID   string
	PayerID     int64
	PayeeID     int64
	Amount      int64
	Cause       string
	Description string
	PayerType   string // 默认 spend
	PayeeType   string // 默认 purchase
	AfterDebit  AfterDebitFunc
	// OnCompensate 在补偿事务内执行，用于撤销 AfterDebit 的写入；为空时使用登记的撤销逻辑
	OnCompensate AfterDebitFunc
}

type TransferResult struct {
	TransferNo string `json:"transfer_no"`
	RequestID  string `json:"request_id"`
	PayerID    int64  `json:"payer_id"`
	PayeeID    int64  `json:"payee_id"`
	Amount     int64  `json:"amount"`
	Cause      string `json:"cause"`
	Status     string `json:"status"`
	FailReason string `json:"fail_reason,omitempty"`
	Duplicate  bool   `json:"duplicate"`
}

func newTransferResult(t *model.Transfer) *TransferResult {
	return &TransferResult{
		TransferNo: t.TransferNo,
		RequestID:  t.RequestID,
		PayerID:    t.PayerID,
		PayeeID:    t.PayeeID,
		Amount:     t.Amount,
		Cause:      t.Cause,
		Status:     t.Status,
		FailReason: t.FailReason,
	}
}

func (r *TransferRequest) normalize() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: request_id 不能为空", ErrInvalidArgument)
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if r.PayerID == r.PayeeID {
		return fmt.Errorf("%w: 付款方与收款方相同", ErrInvalidArgument)
	}
	if r.Cause == "" {
		return fmt.Errorf("%w: cause 不能为空", ErrInvalidArgument)
	}
	if r.PayerType == "" {
		r.PayerType = model.TransactionTypeSpend
	}
	if r.PayeeType == "" {
		r.PayeeType = model.TransactionTypePurchase
	}
	if !model.ValidTransactionType(r.PayerType) || !model.ValidTransactionType(r.PayeeType) {
		return fmt.Errorf("%w: 未知流水类型", ErrInvalidArgument)
	}
	return nil
}

// Transfer 执行转账，相同 RequestID 只执行一次，重复请求返回已有结果
//
// 扣款失败：不产生任何流水，返回业务错误，转账单 FAILED。
// 入账失败：自动补偿，返回 ErrTransferCompensated 与原因。
func (s *TransferService) Transfer(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	if existing, err := s.findExisting(ctx, req.RequestID); err != nil || existing != nil {
		return existing, err
	}

	if s.redisClient != nil && req.PayerID != model.SystemAccountID {
		ttl := time.Duration(s.cfg.Business.LockTTLSeconds) * time.Second
		accountLock := lock.NewAccountLock(s.redisClient, req.PayerID, req.RequestID, ttl)
		if err := accountLock.Lock(ctx, 50*time.Millisecond, 40); err != nil {
			return nil, fmt.Errorf("%w: 获取账户锁失败: %v", ErrStoreUnavailable, err)
		}
		defer func() {
			if err := accountLock.Unlock(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
				s.log.Warn("释放账户锁失败", "key", accountLock.Key(), "error", err)
			}
		}()

		// 加锁后再次检查幂等
		if existing, err := s.findExisting(ctx, req.RequestID); err != nil || existing != nil {
			return existing, err
		}
	}

	transfer := &model.Transfer{
		TransferNo: idgen.GenerateTransferNo(),
		RequestID:  req.RequestID,
		PayerID:    req.PayerID,
		PayeeID:    req.PayeeID,
		Amount:     req.Amount,
		PayerType:  req.PayerType,
		PayeeType:  req.PayeeType,
		Cause:      req.Cause,
		Status:     model.TransferStatusPending,
	}
	if err := s.transferRepo.Create(ctx, nil, transfer); err != nil {
		// request_id 唯一索引冲突说明并发请求已经创建
		if existing, findErr := s.findExisting(ctx, req.RequestID); findErr == nil && existing != nil {
			return existing, nil
		}
		return nil, mapRepoErr(fmt.Errorf("创建转账单失败: %w", err))
	}

	if err := s.debitLeg(ctx, transfer, req); err != nil {
		if markErr := s.transferRepo.UpdateStatus(ctx, nil, transfer.TransferNo,
			model.TransferStatusPending, model.TransferStatusFailed, err.Error()); markErr != nil {
			s.log.Error("标记转账失败状态失败", "transfer_no", transfer.TransferNo, "error", markErr)
		} else {
			transfer.Status = model.TransferStatusFailed
			transfer.FailReason = err.Error()
		}
		s.log.Info("转账扣款失败", "transfer_no", transfer.TransferNo, "payer_id", req.PayerID,
			"amount", req.Amount, "cause", req.Cause, "error", err)
		return newTransferResult(transfer), err
	}
	transfer.Status = model.TransferStatusDebited

	if err := s.creditLeg(ctx, transfer, req.Description); err != nil {
		s.log.Warn("转账入账失败，开始补偿", "transfer_no", transfer.TransferNo, "payee_id", req.PayeeID, "error", err)
		hook := req.OnCompensate
		if hook == nil {
			hook = s.compensatorFor(req.RequestID)
		}
		if compErr := s.Compensate(ctx, transfer, err.Error(), hook); compErr != nil {
			s.log.Error("转账补偿失败，等待恢复任务处理", "transfer_no", transfer.TransferNo, "error", compErr)
			return newTransferResult(transfer), fmt.Errorf("%w: 补偿未完成: %v", ErrStoreUnavailable, compErr)
		}
		return newTransferResult(transfer), fmt.Errorf("%w: %w", ErrTransferCompensated, err)
	}

	s.log.Info("转账完成", "transfer_no", transfer.TransferNo, "payer_id", req.PayerID,
		"payee_id", req.PayeeID, "amount", req.Amount, "cause", req.Cause)
	return newTransferResult(transfer), nil
}

func (s *TransferService) findExisting(ctx context.Context, requestID string) (*TransferResult, error) {
	existing, err := s.transferRepo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, mapRepoErr(fmt.Errorf("查询转账单失败: %w", err))
	}
	if existing == nil {
		return nil, nil
	}
	result := newTransferResult(existing)
	result.Duplicate = true
	return result, nil
}

func (s *TransferService) debitLeg(ctx context.Context, transfer *model.Transfer, req *TransferRequest) error {
	return runTxWithRetry(ctx, s.db, s.log, func(tx *gorm.DB) error {
		if transfer.PayerID != model.SystemAccountID {
			_, err := s.ledger.DebitTx(ctx, tx, Entry{
				UserID:      transfer.PayerID,
				Amount:      transfer.Amount,
				Type:        transfer.PayerType,
				Cause:       transfer.Cause,
				Description: req.Description,
				TransferNo:  transfer.TransferNo,
			})
			if err != nil {
				return err
			}
		}

		if err := s.transferRepo.UpdateStatus(ctx, tx, transfer.TransferNo,
			model.TransferStatusPending, model.TransferStatusDebited, ""); err != nil {
			return mapRepoErr(err)
		}

		if req.AfterDebit != nil {
			if err := req.AfterDebit(ctx, tx, transfer); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *TransferService) creditLeg(ctx context.Context, transfer *model.Transfer, description string) error {
	err := runTxWithRetry(ctx, s.db, s.log, func(tx *gorm.DB) error {
		if transfer.PayeeID != model.SystemAccountID {
			_, err := s.ledger.CreditTx(ctx, tx, Entry{
				UserID:      transfer.PayeeID,
				Amount:      transfer.Amount,
				Type:        transfer.PayeeType,
				Cause:       transfer.Cause,
				Description: description,
				TransferNo:  transfer.TransferNo,
			})
			if err != nil {
				return err
			}
		}

		if err := s.transferRepo.UpdateStatus(ctx, tx, transfer.TransferNo,
			model.TransferStatusDebited, model.TransferStatusCompleted, ""); err != nil {
			return mapRepoErr(err)
		}
		return s.publishResult(ctx, tx, transfer, model.TransferStatusCompleted, "")
	})
	if err != nil {
		return err
	}
	transfer.Status = model.TransferStatusCompleted
	return nil
}

// Resume 继续执行 DEBITED 转账的入账段
func (s *TransferService) Resume(ctx context.Context, transfer *model.Transfer) error {
	if err := s.creditLeg(ctx, transfer, "恢复入账"); err != nil {
		return err
	}
	s.log.Info("转账已恢复入账", "transfer_no", transfer.TransferNo, "payee_id", transfer.PayeeID, "amount", transfer.Amount)
	return nil
}

// Compensate 退回已扣款转账的付款方，只处理 DEBITED 状态
func (s *TransferService) Compensate(ctx context.Context, transfer *model.Transfer, reason string, hook AfterDebitFunc) error {
	err := runTxWithRetry(ctx, s.db, s.log, func(tx *gorm.DB) error {
		if transfer.PayerID != model.SystemAccountID {
			_, err := s.ledger.CreditTx(ctx, tx, Entry{
				UserID:      transfer.PayerID,
				Amount:      transfer.Amount,
				Type:        model.TransactionTypeRefund,
				Cause:       transfer.Cause,
				Description: "转账补偿: " + reason,
				TransferNo:  transfer.TransferNo,
			})
			if err != nil {
				return err
			}
		}

		if err := s.transferRepo.UpdateStatus(ctx, tx, transfer.TransferNo,
			model.TransferStatusDebited, model.TransferStatusCompensated, reason); err != nil {
			return mapRepoErr(err)
		}
		if hook != nil {
			if err := hook(ctx, tx, transfer); err != nil {
				return err
			}
		}
		return s.publishResult(ctx, tx, transfer, model.TransferStatusCompensated, reason)
	})
	if err != nil {
		return err
	}
	transfer.Status = model.TransferStatusCompensated
	transfer.FailReason = reason
	s.log.Info("转账已补偿", "transfer_no", transfer.TransferNo, "payer_id", transfer.PayerID, "amount", transfer.Amount)
	return nil
}

// CompensateStale 恢复任务使用，按 request_id 找回登记的撤销逻辑后补偿
func (s *TransferService) CompensateStale(ctx context.Context, transfer *model.Transfer, reason string) error {
	return s.Compensate(ctx, transfer, reason, s.compensatorFor(transfer.RequestID))
}

// MarkFailed 未扣款的 PENDING 转账直接关闭
func (s *TransferService) MarkFailed(ctx context.Context, transfer *model.Transfer, reason string) error {
	err := s.transferRepo.UpdateStatus(ctx, nil, transfer.TransferNo,
		model.TransferStatusPending, model.TransferStatusFailed, reason)
	return mapRepoErr(err)
}

func (s *TransferService) publishResult(ctx context.Context, tx *gorm.DB, transfer *model.Transfer, status, reason string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"transfer_no": transfer.TransferNo,
		"request_id":  transfer.RequestID,
		"payer_id":    transfer.PayerID,
		"payee_id":    transfer.PayeeID,
		"amount":      transfer.Amount,
		"cause":       transfer.Cause,
		"status":      status,
		"reason":      reason,
		"finished_at": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	msg := &model.OutboxMessage{
		MessageKey: transfer.TransferNo,
		Topic:      s.cfg.Kafka.Topic.TransferResult,
		Payload:    payload,
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return mapRepoErr(fmt.Errorf("写入消息失败: %w", err))
	}
	return nil
}

// GetByRequestID 超时后调用方先按 request_id 查询结果再决定是否重试
func (s *TransferService) GetByRequestID(ctx context.Context, requestID string) (*TransferResult, error) {
	transfer, err := s.transferRepo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if transfer == nil {
		return nil, ErrTransferNotFound
	}
	return newTransferResult(transfer), nil
}

// GetByTransferNo 按转账单号查询
func (s *TransferService) GetByTransferNo(ctx context.Context, transferNo string) (*TransferResult, error) {
	transfer, err := s.transferRepo.GetByTransferNo(ctx, nil, transferNo)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return newTransferResult(transfer), nil
}

// settled 重复请求只有已完成的转账算成功，其余状态原样报告给调用方
func (r *TransferResult) settled() error {
	if r.Status == model.TransferStatusCompleted {
		return nil
	}
	if r.FailReason != "" {
		return fmt.Errorf("%w: 转账状态 %s: %s", ErrDuplicateRequest, r.Status, r.FailReason)
	}
	return fmt.Errorf("%w: 转账状态 %s", ErrDuplicateRequest, r.Status)
}

// ListStale 恢复任务使用
func (s *TransferService) ListStale(ctx context.Context, status string, before time.Time, limit int) ([]*model.Transfer, error) {
	transfers, err := s.transferRepo.GetStale(ctx, status, before, limit)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return transfers, nil
}
