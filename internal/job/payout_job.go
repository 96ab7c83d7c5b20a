package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/infrastructure/lock"
	"coinledger/internal/service"

	"github.com/go-redis/redis/v8"
)

// PayoutJob 周期性执行提现结算
//
// 多实例部署时用 Redis 锁保证同一结算日同一时刻只有一个实例在跑；
// 即使锁失效，结算日期的条件更新也能挡住重复结算。
type PayoutJob struct {
	payout      *service.PayoutService
	redisClient redis.Cmdable
	cfg         *config.Config
	log         *slog.Logger
	owner       string
	stopCh      chan struct{}
	interval    time.Duration
}

func NewPayoutJob(payout *service.PayoutService, rdb redis.Cmdable, cfg *config.Config, log *slog.Logger) *PayoutJob {
	host, _ := os.Hostname()
	return &PayoutJob{
		payout:      payout,
		redisClient: rdb,
		cfg:         cfg,
		log:         log.With("job", "payout"),
		owner:       fmt.Sprintf("%s-%d", host, os.Getpid()),
		stopCh:      make(chan struct{}),
		interval:    time.Duration(cfg.Business.PayoutIntervalMinutes) * time.Minute,
	}
}

func (j *PayoutJob) Start(ctx context.Context) {
	j.log.Info("提现结算任务启动", "interval", j.interval.String())

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
			if _, err := j.RunOnce(ctx, time.Now()); err != nil && !errors.Is(err, ErrRunInProgress) {
				j.log.Error("提现结算失败", "error", err)
			}
		}
	}
}

func (j *PayoutJob) Stop() {
	close(j.stopCh)
}

var ErrRunInProgress = errors.New("其他实例正在结算")

// RunOnce 执行一轮结算
func (j *PayoutJob) RunOnce(ctx context.Context, now time.Time) (*service.RunReport, error) {
	if j.redisClient != nil {
		ttl := j.interval
		if ttl <= 0 {
			ttl = time.Minute
		}
		runLock := lock.NewPayoutRunLock(j.redisClient, j.payout.RunDate(now), j.owner, ttl)
		ok, err := runLock.TryLock(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取结算锁失败: %w", err)
		}
		if !ok {
			j.log.Info("跳过本轮结算", "key", runLock.Key(), "reason", ErrRunInProgress.Error())
			return nil, ErrRunInProgress
		}
		defer func() {
			if err := runLock.Unlock(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
				j.log.Warn("释放结算锁失败", "key", runLock.Key(), "error", err)
			}
		}()
	}

	report, err := j.payout.RunPayouts(ctx, now)
	if err != nil {
		return report, err
	}
	for _, outcome := range report.Failed {
		j.log.Error("目标结算失败", "goal_id", outcome.GoalID, "creator_id", outcome.CreatorID, "reason", outcome.Reason)
	}
	return report, nil
}
