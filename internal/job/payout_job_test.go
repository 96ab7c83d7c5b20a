package job

import (
	"context"
	"testing"
	"time"

	"coinledger/internal/logging"
	"coinledger/internal/model"
	"coinledger/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayoutJobRunsUnderLock(t *testing.T) {
	_, cfg, svc := setupDB(t)
	ctx := context.Background()
	openAccount(t, svc, 7, model.RoleCreator, 1500)
	_, err := svc.Payout.CreateGoal(ctx, &service.GoalRequest{
		CreatorID: 7, CoinGoal: 1000, PayoutAmount: decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	job := NewPayoutJob(svc.Payout, rdb, cfg, logging.Discard())
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	// 其他实例持有锁
	require.NoError(t, mr.Set("coin:lock:payout:2026-03-14", "other-host"))
	_, err = job.RunOnce(ctx, now)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, int64(1500), balanceOf(t, svc, 7))

	mr.Del("coin:lock:payout:2026-03-14")
	report, err := job.RunOnce(ctx, now)
	require.NoError(t, err)
	require.Len(t, report.Paid, 1)
	assert.Equal(t, int64(500), balanceOf(t, svc, 7))
	assert.False(t, mr.Exists("coin:lock:payout:2026-03-14"))
}

func TestPayoutJobWithoutRedis(t *testing.T) {
	_, cfg, svc := setupDB(t)
	ctx := context.Background()
	openAccount(t, svc, 7, model.RoleCreator, 100)
	_, err := svc.Payout.CreateGoal(ctx, &service.GoalRequest{
		CreatorID: 7, CoinGoal: 1000, PayoutAmount: decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	job := NewPayoutJob(svc.Payout, nil, cfg, logging.Discard())
	report, err := job.RunOnce(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, report.Paid)
	require.Len(t, report.Skipped, 1)
	assert.ErrorIs(t, report.Skipped[0].Err(), service.ErrInsufficientFunds)
}
