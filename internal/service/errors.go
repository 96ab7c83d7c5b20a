package service

import (
	"errors"
	"fmt"

	"coinledger/internal/repository"
)

// 业务错误直接返回给调用方，不重试；ErrStoreUnavailable 表示存储故障，调用方可重试
var (
	ErrInsufficientFunds = errors.New("余额不足")
	ErrAccountNotFound   = errors.New("账户不存在")
	ErrAccountExists     = errors.New("账户已存在")
	ErrPolicyDisabled    = errors.New("配置未启用")
	ErrCapacityExceeded  = errors.New("名额已满")
	ErrAlreadyPaidToday  = errors.New("今日已结算")
	ErrStoreUnavailable  = errors.New("存储不可用")
	ErrInvalidAmount     = errors.New("金额不合法")
	ErrInvalidArgument   = errors.New("参数不合法")
	ErrOfferingNotFound  = errors.New("项目不存在")
	ErrOfferingClosed    = errors.New("项目已关闭")
	ErrAlreadyMember     = errors.New("已是有效成员")
	ErrGrantNotFound     = errors.New("没有有效的成员资格")
	ErrGoalNotFound      = errors.New("提现目标不存在")
	ErrGoalExists        = errors.New("提现目标已存在")
	ErrDuplicateRequest  = errors.New("重复请求")
	ErrTransferNotFound  = errors.New("转账单不存在")
	ErrPermissionDenied  = errors.New("无操作权限")
	ErrConcurrentUpdate  = errors.New("并发更新冲突，请重试")
	ErrTransferState     = errors.New("转账状态已变更")

	// ErrTransferCompensated 入账失败且已退回付款方，与具体原因一起返回
	ErrTransferCompensated = errors.New("转账失败，已退回付款方")
)

// mapRepoErr 把存储层错误映射为业务错误，未知错误统一包装为 ErrStoreUnavailable
func mapRepoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isBusinessErr(err):
		return err
	case errors.Is(err, repository.ErrBalanceNotEnough):
		return ErrInsufficientFunds
	case errors.Is(err, repository.ErrAccountNotFound):
		return ErrAccountNotFound
	case errors.Is(err, repository.ErrAccountExists):
		return ErrAccountExists
	case errors.Is(err, repository.ErrOptimisticLock):
		return ErrConcurrentUpdate
	case errors.Is(err, repository.ErrOfferingNotFound):
		return ErrOfferingNotFound
	case errors.Is(err, repository.ErrGrantNotFound), errors.Is(err, repository.ErrGrantStatusConflict):
		return ErrGrantNotFound
	case errors.Is(err, repository.ErrGoalNotFound):
		return ErrGoalNotFound
	case errors.Is(err, repository.ErrGoalExists):
		return ErrGoalExists
	case errors.Is(err, repository.ErrTransferNotFound):
		return ErrTransferNotFound
	case errors.Is(err, repository.ErrTransferStatusInvalid):
		return ErrTransferState
	case errors.Is(err, repository.ErrPayoutDateStamped):
		return ErrAlreadyPaidToday
	case errors.Is(err, repository.ErrGoalDisabled):
		return ErrPolicyDisabled
	case errors.Is(err, repository.ErrChargeExists):
		return ErrDuplicateRequest
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

var businessErrs = []error{
	ErrInsufficientFunds, ErrAccountNotFound, ErrAccountExists, ErrPolicyDisabled,
	ErrCapacityExceeded, ErrAlreadyPaidToday, ErrStoreUnavailable, ErrInvalidAmount,
	ErrInvalidArgument, ErrOfferingNotFound, ErrOfferingClosed, ErrAlreadyMember,
	ErrGrantNotFound, ErrGoalNotFound, ErrGoalExists, ErrDuplicateRequest,
	ErrTransferNotFound, ErrPermissionDenied, ErrConcurrentUpdate, ErrTransferState,
	ErrTransferCompensated,
}

func isBusinessErr(err error) bool {
	for _, target := range businessErrs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable 存储故障或并发冲突，稍后重试可能成功
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConcurrentUpdate)
}
