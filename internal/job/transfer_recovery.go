package job

import (
	"context"
	"log/slog"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/internal/service"

	"gorm.io/gorm"
)

// TransferRecoveryJob 处理中断在中间状态的转账
//
// DEBITED：已扣款未入账，先重跑入账，入账出现业务错误时退款给付款方，
// 同时执行该类转账登记的撤销逻辑。
// PENDING：扣款事务未提交，直接标记 FAILED。
type TransferRecoveryJob struct {
	transfer        *service.TransferService
	transactionRepo *repository.TransactionRepository
	cfg             *config.Config
	log             *slog.Logger
	stopCh          chan struct{}
	interval        time.Duration
	batchSize       int
}

func NewTransferRecoveryJob(db *gorm.DB, cfg *config.Config, transfer *service.TransferService, log *slog.Logger) *TransferRecoveryJob {
	return &TransferRecoveryJob{
		transfer:        transfer,
		transactionRepo: repository.NewTransactionRepository(db),
		cfg:             cfg,
		log:             log.With("job", "transfer_recovery"),
		stopCh:          make(chan struct{}),
		interval:        30 * time.Second,
		batchSize:       50,
	}
}

func (j *TransferRecoveryJob) Start(ctx context.Context) {
	j.log.Info("转账恢复任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.RecoverOnce(ctx, time.Now())
		}
	}
}

func (j *TransferRecoveryJob) Stop() {
	close(j.stopCh)
}

// RecoverOnce 处理一批超时转账，返回处理成功的数量
func (j *TransferRecoveryJob) RecoverOnce(ctx context.Context, now time.Time) int {
	before := now.Add(-time.Duration(j.cfg.Business.TransferStaleMinutes) * time.Minute)
	recovered := 0

	debited, err := j.transfer.ListStale(ctx, model.TransferStatusDebited, before, j.batchSize)
	if err != nil {
		j.log.Error("查询已扣款转账失败", "error", err)
	}
	for _, t := range debited {
		if j.recoverDebited(ctx, t) {
			recovered++
		}
	}

	pending, err := j.transfer.ListStale(ctx, model.TransferStatusPending, before, j.batchSize)
	if err != nil {
		j.log.Error("查询待处理转账失败", "error", err)
	}
	for _, t := range pending {
		if j.closePending(ctx, t) {
			recovered++
		}
	}

	if len(debited)+len(pending) > 0 {
		j.log.Info("本轮恢复完成", "debited", len(debited), "pending", len(pending), "recovered", recovered)
	}
	return recovered
}

func (j *TransferRecoveryJob) recoverDebited(ctx context.Context, t *model.Transfer) bool {
	err := j.transfer.Resume(ctx, t)
	if err == nil {
		return true
	}
	if service.IsRetryable(err) {
		j.log.Warn("恢复入账失败", "transfer_no", t.TransferNo, "error", err)
		return false
	}

	j.log.Warn("入账无法完成，退款给付款方", "transfer_no", t.TransferNo, "payer_id", t.PayerID, "reason", err)
	if err := j.transfer.CompensateStale(ctx, t, err.Error()); err != nil {
		j.log.Error("补偿失败", "transfer_no", t.TransferNo, "error", err)
		return false
	}
	return true
}

func (j *TransferRecoveryJob) closePending(ctx context.Context, t *model.Transfer) bool {
	trans, err := j.transactionRepo.ListByTransferNo(ctx, nil, t.TransferNo)
	if err != nil {
		j.log.Error("查询流水失败", "transfer_no", t.TransferNo, "error", err)
		return false
	}
	if len(trans) > 0 {
		j.log.Error("PENDING 转账存在流水，需要人工核对", "transfer_no", t.TransferNo, "count", len(trans))
		return false
	}

	if err := j.transfer.MarkFailed(ctx, t, "扣款超时未完成"); err != nil {
		j.log.Error("关闭转账失败", "transfer_no", t.TransferNo, "error", err)
		return false
	}
	j.log.Info("超时转账已关闭", "transfer_no", t.TransferNo, "payer_id", t.PayerID, "amount", t.Amount)
	return true
}
