package service

import (
	"context"
	"sync"
	"testing"

	"coinledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerCreditDebit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openAccount(t, 1, model.RoleUser, false, 0)

	trans, err := env.svc.Ledger.Credit(ctx, 1, 100, model.TransactionTypeGrant, "welcome")
	require.NoError(t, err)
	assert.Equal(t, int64(100), trans.Amount)
	assert.Equal(t, int64(0), trans.BalanceBefore)
	assert.Equal(t, int64(100), trans.BalanceAfter)

	trans, err = env.svc.Ledger.Debit(ctx, 1, 30, model.TransactionTypeSpend, "sticker")
	require.NoError(t, err)
	assert.Equal(t, int64(-30), trans.Amount)
	assert.Equal(t, int64(70), trans.BalanceAfter)

	assert.Equal(t, int64(70), env.balance(t, 1))
	env.requireReconciled(t, 1)
}

func TestLedgerDebitInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openAccount(t, 1, model.RoleUser, false, 40)

	_, err := env.svc.Ledger.Debit(ctx, 1, 50, model.TransactionTypeSpend, "too much")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, int64(40), env.balance(t, 1))
	assert.Len(t, env.transactions(t, "user_id = ?", 1), 1)
}

func TestLedgerRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openAccount(t, 1, model.RoleUser, false, 10)

	_, err := env.svc.Ledger.Credit(ctx, 1, 0, model.TransactionTypeGrant, "zero")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.svc.Ledger.Debit(ctx, 1, -5, model.TransactionTypeSpend, "negative")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.svc.Ledger.Credit(ctx, 1, 5, "gift", "unknown kind")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = env.svc.Ledger.Credit(ctx, 99, 5, model.TransactionTypeGrant, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = env.svc.Ledger.Balance(ctx, 99)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestLedgerConcurrentDebitsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openAccount(t, 1, model.RoleUser, false, 100)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Ledger.Debit(ctx, 1, 30, model.TransactionTypeSpend, "race")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, ErrInsufficientFunds):
				insufficient++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, workers-3, insufficient)
	assert.Equal(t, int64(10), env.balance(t, 1))
	env.requireReconciled(t, 1)
}
