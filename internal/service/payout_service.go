package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const payoutBatchSize = 100

// PayoutService 创作者达标提现
//
// 结算日期、结算记录与扣款在同一事务内提交；结算日期是条件更新，
// 同一目标同一天最多结算一次，重复执行是空操作。
type PayoutService struct {
	db          *gorm.DB
	cfg         *config.Config
	payoutRepo  *repository.PayoutRepository
	accountRepo *repository.AccountRepository
	outboxRepo  *repository.OutboxRepository
	transfer    *TransferService
	loc         *time.Location
	log         *slog.Logger
}

func NewPayoutService(db *gorm.DB, cfg *config.Config, transfer *TransferService, log *slog.Logger) *PayoutService {
	return &PayoutService{
		db:          db,
		cfg:         cfg,
		payoutRepo:  repository.NewPayoutRepository(db),
		accountRepo: repository.NewAccountRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		transfer:    transfer,
		loc:         loadLocation(cfg.Business.PayoutTimezone, "UTC"),
		log:         log,
	}
}

// RunDate 结算日，按配置时区取自然日
func (s *PayoutService) RunDate(now time.Time) string {
	return now.In(s.loc).Format(model.PayoutDateLayout)
}

type GoalRequest struct {
	CreatorID    int64           `json:"creator_id" binding:"required"`
	CoinGoal     int64           `json:"coin_goal" binding:"required,gt=0"`
	PayoutAmount decimal.Decimal `json:"payout_amount"`
	Currency     string          `json:"currency"`
	Enabled      *bool           `json:"enabled"`
}

// GoalUpdate 只有这三个字段允许修改
type GoalUpdate struct {
	Enabled      *bool            `json:"enabled"`
	CoinGoal     *int64           `json:"coin_goal"`
	PayoutAmount *decimal.Decimal `json:"payout_amount"`
}

func (s *PayoutService) CreateGoal(ctx context.Context, req *GoalRequest) (*model.PayoutGoal, error) {
	if req.CoinGoal <= 0 || !req.PayoutAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	account, err := s.accountRepo.GetByUserID(ctx, nil, req.CreatorID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if account.Role != model.RoleCreator {
		return nil, fmt.Errorf("%w: 只有创作者可以设置提现目标", ErrPermissionDenied)
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	goal := &model.PayoutGoal{
		CreatorID:    req.CreatorID,
		CoinGoal:     req.CoinGoal,
		PayoutAmount: req.PayoutAmount.Round(2),
		Currency:     currency,
		Enabled:      enabled,
	}
	if err := s.payoutRepo.CreateGoal(ctx, goal); err != nil {
		return nil, mapRepoErr(err)
	}
	// gorm 对零值 bool 使用列默认值，关闭状态需要显式写回
	if !enabled {
		if err := s.payoutRepo.UpdateGoal(ctx, goal.ID, map[string]interface{}{"enabled": false}); err != nil {
			return nil, mapRepoErr(err)
		}
	}
	return s.GetGoal(ctx, req.CreatorID)
}

func (s *PayoutService) GetGoal(ctx context.Context, creatorID int64) (*model.PayoutGoal, error) {
	goal, err := s.payoutRepo.GetGoalByCreatorID(ctx, creatorID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return goal, nil
}

func (s *PayoutService) UpdateGoal(ctx context.Context, creatorID int64, update *GoalUpdate) (*model.PayoutGoal, error) {
	goal, err := s.GetGoal(ctx, creatorID)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if update.Enabled != nil {
		fields["enabled"] = *update.Enabled
	}
	if update.CoinGoal != nil {
		if *update.CoinGoal <= 0 {
			return nil, ErrInvalidAmount
		}
		fields["coin_goal"] = *update.CoinGoal
	}
	if update.PayoutAmount != nil {
		if !update.PayoutAmount.IsPositive() {
			return nil, ErrInvalidAmount
		}
		fields["payout_amount"] = update.PayoutAmount.Round(2)
	}

	if err := s.payoutRepo.UpdateGoal(ctx, goal.ID, fields); err != nil {
		return nil, mapRepoErr(err)
	}
	return s.GetGoal(ctx, creatorID)
}

func (s *PayoutService) DeleteGoal(ctx context.Context, creatorID int64) error {
	goal, err := s.GetGoal(ctx, creatorID)
	if err != nil {
		return err
	}
	return mapRepoErr(s.payoutRepo.DeleteGoal(ctx, goal.ID))
}

const (
	PayoutStatusPaid    = "paid"
	PayoutStatusSkipped = "skipped"
	PayoutStatusFailed  = "failed"
)

// GoalOutcome 单个目标的处理结果
type GoalOutcome struct {
	GoalID    int64  `json:"goal_id"`
	CreatorID int64  `json:"creator_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	PayoutNo  string `json:"payout_no,omitempty"`
	Coins     int64  `json:"coins,omitempty"`
	err       error
}

// Err 跳过或失败的原因
func (o *GoalOutcome) Err() error {
	return o.err
}

type RunReport struct {
	RunDate string         `json:"run_date"`
	Paid    []*GoalOutcome `json:"paid"`
	Skipped []*GoalOutcome `json:"skipped"`
	Failed  []*GoalOutcome `json:"failed"`
}

// RunPayouts 处理全部提现目标；单个目标失败不影响其他目标
func (s *PayoutService) RunPayouts(ctx context.Context, now time.Time) (*RunReport, error) {
	runDate := s.RunDate(now)
	report := &RunReport{RunDate: runDate, Paid: []*GoalOutcome{}, Skipped: []*GoalOutcome{}, Failed: []*GoalOutcome{}}

	var afterID int64
	for {
		goals, err := s.payoutRepo.ListGoals(ctx, afterID, payoutBatchSize)
		if err != nil {
			return report, mapRepoErr(fmt.Errorf("查询提现目标失败: %w", err))
		}
		if len(goals) == 0 {
			break
		}

		for _, goal := range goals {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			outcome := s.processGoal(ctx, goal, runDate)
			switch outcome.Status {
			case PayoutStatusPaid:
				report.Paid = append(report.Paid, outcome)
			case PayoutStatusSkipped:
				report.Skipped = append(report.Skipped, outcome)
			default:
				report.Failed = append(report.Failed, outcome)
			}
		}
		afterID = goals[len(goals)-1].ID
	}

	s.log.Info("提现结算完成", "run_date", runDate,
		"paid", len(report.Paid), "skipped", len(report.Skipped), "failed", len(report.Failed))
	return report, nil
}

// RunGoal 立即处理单个目标，已关闭的目标返回 ErrPolicyDisabled
func (s *PayoutService) RunGoal(ctx context.Context, creatorID int64, now time.Time) (*GoalOutcome, error) {
	goal, err := s.GetGoal(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	if !goal.Enabled {
		return nil, ErrPolicyDisabled
	}
	outcome := s.processGoal(ctx, goal, s.RunDate(now))
	if outcome.Status == PayoutStatusFailed {
		return outcome, outcome.err
	}
	return outcome, nil
}

func (s *PayoutService) processGoal(ctx context.Context, goal *model.PayoutGoal, runDate string) *GoalOutcome {
	outcome := &GoalOutcome{GoalID: goal.ID, CreatorID: goal.CreatorID}
	skip := func(err error) *GoalOutcome {
		outcome.Status = PayoutStatusSkipped
		outcome.Reason = err.Error()
		outcome.err = err
		s.log.Info("提现跳过", "goal_id", goal.ID, "creator_id", goal.CreatorID, "reason", err.Error())
		return outcome
	}
	fail := func(err error) *GoalOutcome {
		outcome.Status = PayoutStatusFailed
		outcome.Reason = err.Error()
		outcome.err = err
		s.log.Error("提现失败", "goal_id", goal.ID, "creator_id", goal.CreatorID, "error", err)
		return outcome
	}

	if !goal.Enabled {
		return skip(ErrPolicyDisabled)
	}
	if goal.LastPayoutDate == runDate {
		return skip(ErrAlreadyPaidToday)
	}

	account, err := s.accountRepo.GetByUserID(ctx, nil, goal.CreatorID)
	if err != nil {
		return fail(mapRepoErr(err))
	}
	if account.Balance < goal.CoinGoal {
		return skip(ErrInsufficientFunds)
	}

	payoutNo := idgen.GeneratePayoutNo()
	cause := fmt.Sprintf("payout:%d:%s", goal.ID, runDate)

	result, err := s.transfer.Transfer(ctx, &TransferRequest{
		RequestID:   cause,
		PayerID:     goal.CreatorID,
		PayeeID:     model.SystemAccountID,
		Amount:      goal.CoinGoal,
		Cause:       cause,
		Description: fmt.Sprintf("达标提现 %s %s", goal.PayoutAmount.StringFixed(2), goal.Currency),
		PayerType:   model.TransactionTypePayout,
		AfterDebit: func(ctx context.Context, tx *gorm.DB, transfer *model.Transfer) error {
			if err := s.payoutRepo.StampPayoutDate(ctx, tx, goal.ID, runDate); err != nil {
				return mapRepoErr(err)
			}
			record := &model.PayoutRecord{
				PayoutNo:   payoutNo,
				GoalID:     goal.ID,
				PayoutDate: runDate,
				CreatorID:  goal.CreatorID,
				Coins:      goal.CoinGoal,
				Amount:     goal.PayoutAmount,
				Currency:   goal.Currency,
				TransferNo: transfer.TransferNo,
			}
			if err := s.payoutRepo.CreateRecord(ctx, tx, record); err != nil {
				return mapRepoErr(fmt.Errorf("写入结算记录失败: %w", err))
			}
			return s.publishPayout(ctx, tx, record)
		},
	})
	switch {
	case errors.Is(err, ErrAlreadyPaidToday), errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrPolicyDisabled), errors.Is(err, ErrGoalNotFound):
		return skip(err)
	case err != nil:
		return fail(err)
	case result.Duplicate:
		if result.Status == model.TransferStatusCompleted {
			return skip(ErrAlreadyPaidToday)
		}
		return fail(fmt.Errorf("%w: 今日结算转账状态 %s", ErrDuplicateRequest, result.Status))
	}

	outcome.Status = PayoutStatusPaid
	outcome.PayoutNo = payoutNo
	outcome.Coins = goal.CoinGoal
	s.log.Info("提现成功", "goal_id", goal.ID, "creator_id", goal.CreatorID,
		"coins", goal.CoinGoal, "amount", goal.PayoutAmount.StringFixed(2), "currency", goal.Currency)
	return outcome
}

func (s *PayoutService) publishPayout(ctx context.Context, tx *gorm.DB, record *model.PayoutRecord) error {
	payload, err := json.Marshal(map[string]interface{}{
		"payout_no":   record.PayoutNo,
		"creator_id":  record.CreatorID,
		"coins":       record.Coins,
		"amount":      record.Amount.StringFixed(2),
		"currency":    record.Currency,
		"payout_date": record.PayoutDate,
		"transfer_no": record.TransferNo,
	})
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}
	msg := &model.OutboxMessage{
		MessageKey: record.PayoutNo,
		Topic:      s.cfg.Kafka.Topic.PayoutResult,
		Payload:    payload,
		Status:     model.OutboxStatusPending,
	}
	return mapRepoErr(s.outboxRepo.Create(ctx, tx, msg))
}

func (s *PayoutService) ListRecords(ctx context.Context, creatorID int64, page, pageSize int) ([]*model.PayoutRecord, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	records, total, err := s.payoutRepo.ListRecordsByCreator(ctx, creatorID, page, pageSize)
	if err != nil {
		return nil, 0, mapRepoErr(err)
	}
	return records, total, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return page, pageSize
}
