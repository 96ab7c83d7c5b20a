package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"coinledger/internal/logging"
	"coinledger/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createGoal(t *testing.T, env *testEnv, creatorID, coinGoal int64, amount string) *model.PayoutGoal {
	t.Helper()
	goal, err := env.svc.Payout.CreateGoal(context.Background(), &GoalRequest{
		CreatorID:    creatorID,
		CoinGoal:     coinGoal,
		PayoutAmount: decimal.RequireFromString(amount),
		Currency:     "USD",
	})
	require.NoError(t, err)
	return goal
}

func TestRunPayoutsPaysOncePerDay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	env.openAccount(t, 7, model.RoleCreator, false, 1200)
	goal := createGoal(t, env, 7, 1000, "100.00")

	report, err := env.svc.Payout.RunPayouts(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", report.RunDate)
	require.Len(t, report.Paid, 1)
	assert.Equal(t, int64(1000), report.Paid[0].Coins)
	assert.Equal(t, int64(200), env.balance(t, 7))

	records, total, err := env.svc.Payout.ListRecords(ctx, 7, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, report.Paid[0].PayoutNo, records[0].PayoutNo)
	assert.Equal(t, "2026-03-14", records[0].PayoutDate)
	assert.True(t, decimal.NewFromInt(100).Equal(records[0].Amount))

	stored, err := env.svc.Payout.GetGoal(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", stored.LastPayoutDate)

	var outbox []*model.OutboxMessage
	require.NoError(t, env.db.Where("topic = ?", "payout_result").Find(&outbox).Error)
	require.Len(t, outbox, 1)
	assert.Equal(t, records[0].PayoutNo, outbox[0].MessageKey)
	assert.Contains(t, string(outbox[0].Payload), `"amount":"100.00"`)

	txns := env.transactions(t, "user_id = ? AND type = ?", 7, model.TransactionTypePayout)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(-1000), txns[0].Amount)
	assert.Equal(t, fmt.Sprintf("payout:%d:2026-03-14", goal.ID), txns[0].Cause)

	// 同一天再次执行是空操作
	_, err = env.svc.Ledger.Credit(ctx, 7, 1000, model.TransactionTypePurchase, "topup")
	require.NoError(t, err)
	report, err = env.svc.Payout.RunPayouts(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, report.Paid)
	require.Len(t, report.Skipped, 1)
	assert.ErrorIs(t, report.Skipped[0].Err(), ErrAlreadyPaidToday)
	assert.Equal(t, int64(1200), env.balance(t, 7))

	// 第二天可以再次结算
	report, err = env.svc.Payout.RunPayouts(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, report.Paid, 1)
	assert.Equal(t, int64(200), env.balance(t, 7))

	env.requireReconciled(t, 7)
}

func TestRunPayoutsSkipsAndIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	env.openAccount(t, 1, model.RoleCreator, false, 500)
	env.openAccount(t, 2, model.RoleCreator, false, 5000)
	env.openAccount(t, 3, model.RoleCreator, false, 5000)
	createGoal(t, env, 1, 1000, "10")
	disabled := false
	_, err := env.svc.Payout.CreateGoal(ctx, &GoalRequest{
		CreatorID: 2, CoinGoal: 1000, PayoutAmount: decimal.NewFromInt(10), Enabled: &disabled,
	})
	require.NoError(t, err)
	createGoal(t, env, 3, 1000, "10")

	// 账户不存在的目标单独失败
	orphan := &model.PayoutGoal{CreatorID: 99, CoinGoal: 10, PayoutAmount: decimal.NewFromInt(1), Currency: "USD", Enabled: true}
	require.NoError(t, env.db.Create(orphan).Error)

	report, err := env.svc.Payout.RunPayouts(ctx, now)
	require.NoError(t, err)
	require.Len(t, report.Paid, 1)
	assert.Equal(t, int64(3), report.Paid[0].CreatorID)
	require.Len(t, report.Skipped, 2)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, int64(99), report.Failed[0].CreatorID)
	assert.ErrorIs(t, report.Failed[0].Err(), ErrAccountNotFound)

	skipped := map[int64]error{}
	for _, o := range report.Skipped {
		skipped[o.CreatorID] = o.Err()
	}
	assert.ErrorIs(t, skipped[1], ErrInsufficientFunds)
	assert.ErrorIs(t, skipped[2], ErrPolicyDisabled)

	assert.Equal(t, int64(500), env.balance(t, 1))
	assert.Equal(t, int64(5000), env.balance(t, 2))
	assert.Equal(t, int64(4000), env.balance(t, 3))
}

func TestRunGoal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	env.openAccount(t, 5, model.RoleCreator, false, 300)
	createGoal(t, env, 5, 100, "5")

	outcome, err := env.svc.Payout.RunGoal(ctx, 5, now)
	require.NoError(t, err)
	assert.Equal(t, PayoutStatusPaid, outcome.Status)

	outcome, err = env.svc.Payout.RunGoal(ctx, 5, now)
	require.NoError(t, err)
	assert.Equal(t, PayoutStatusSkipped, outcome.Status)
	assert.ErrorIs(t, outcome.Err(), ErrAlreadyPaidToday)

	off := false
	_, err = env.svc.Payout.UpdateGoal(ctx, 5, &GoalUpdate{Enabled: &off})
	require.NoError(t, err)
	_, err = env.svc.Payout.RunGoal(ctx, 5, now.Add(24*time.Hour))
	assert.ErrorIs(t, err, ErrPolicyDisabled)
	assert.Equal(t, int64(200), env.balance(t, 5))

	_, err = env.svc.Payout.RunGoal(ctx, 404, now)
	assert.ErrorIs(t, err, ErrGoalNotFound)
}

func TestPayoutGoalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openAccount(t, 1, model.RoleUser, false, 0)
	env.openAccount(t, 2, model.RoleCreator, false, 0)

	_, err := env.svc.Payout.CreateGoal(ctx, &GoalRequest{CreatorID: 1, CoinGoal: 10, PayoutAmount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = env.svc.Payout.CreateGoal(ctx, &GoalRequest{CreatorID: 2, CoinGoal: 10, PayoutAmount: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	goal := createGoal(t, env, 2, 10, "1.235")
	assert.True(t, goal.Enabled)
	assert.Equal(t, "USD", goal.Currency)
	assert.Empty(t, goal.LastPayoutDate)

	_, err = env.svc.Payout.CreateGoal(ctx, &GoalRequest{CreatorID: 2, CoinGoal: 20, PayoutAmount: decimal.NewFromInt(2)})
	assert.ErrorIs(t, err, ErrGoalExists)

	newGoal := int64(50)
	amount := decimal.RequireFromString("7.5")
	updated, err := env.svc.Payout.UpdateGoal(ctx, 2, &GoalUpdate{CoinGoal: &newGoal, PayoutAmount: &amount})
	require.NoError(t, err)
	assert.Equal(t, int64(50), updated.CoinGoal)
	assert.Equal(t, "7.50", updated.PayoutAmount.StringFixed(2))

	bad := int64(0)
	_, err = env.svc.Payout.UpdateGoal(ctx, 2, &GoalUpdate{CoinGoal: &bad})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	require.NoError(t, env.svc.Payout.DeleteGoal(ctx, 2))
	_, err = env.svc.Payout.GetGoal(ctx, 2)
	assert.ErrorIs(t, err, ErrGoalNotFound)
}

func TestPayoutRunDateUsesConfiguredZone(t *testing.T) {
	env := newTestEnv(t)
	cfg := testConfig()
	cfg.Business.PayoutTimezone = "Asia/Tokyo"
	svc := NewPayoutService(env.db, cfg, env.svc.Transfer, logging.Discard())

	late := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-15", svc.RunDate(late))
	assert.Equal(t, "2026-03-14", env.svc.Payout.RunDate(late))
}

func TestPayoutSkipsGoalDisabledDuringRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openAccount(t, 7, model.RoleCreator, false, 1500)
	createGoal(t, env, 7, 1000, "100.00")

	// 批量读出目标之后、扣款之前目标被停用
	snapshot, err := env.svc.Payout.GetGoal(ctx, 7)
	require.NoError(t, err)
	off := false
	_, err = env.svc.Payout.UpdateGoal(ctx, 7, &GoalUpdate{Enabled: &off})
	require.NoError(t, err)

	outcome := env.svc.Payout.processGoal(ctx, snapshot, "2026-03-14")
	assert.Equal(t, PayoutStatusSkipped, outcome.Status)
	assert.ErrorIs(t, outcome.Err(), ErrPolicyDisabled)
	assert.NotErrorIs(t, outcome.Err(), ErrAlreadyPaidToday)
	assert.Equal(t, int64(1500), env.balance(t, 7))

	stored, err := env.svc.Payout.GetGoal(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, stored.LastPayoutDate)
	env.requireReconciled(t, 7)
}
