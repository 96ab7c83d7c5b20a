package handler

import (
	"errors"

	"coinledger/internal/service"
	"coinledger/pkg/response"
)

// errorCodes 顺序有意义：补偿错误同时包裹入账失败原因，需要先匹配
var errorCodes = []struct {
	err  error
	code int
}{
	{service.ErrTransferCompensated, response.CodeTransferCompensated},
	{service.ErrInvalidAmount, response.CodeParamError},
	{service.ErrInvalidArgument, response.CodeParamError},
	{service.ErrPermissionDenied, response.CodeForbidden},
	{service.ErrStoreUnavailable, response.CodeUnavailable},
	{service.ErrInsufficientFunds, response.CodeInsufficientFunds},
	{service.ErrAccountNotFound, response.CodeAccountNotFound},
	{service.ErrAccountExists, response.CodeAccountExists},
	{service.ErrPolicyDisabled, response.CodePolicyDisabled},
	{service.ErrCapacityExceeded, response.CodeCapacityExceeded},
	{service.ErrAlreadyPaidToday, response.CodeAlreadyPaidToday},
	{service.ErrOfferingNotFound, response.CodeOfferingNotFound},
	{service.ErrOfferingClosed, response.CodeOfferingClosed},
	{service.ErrAlreadyMember, response.CodeAlreadyMember},
	{service.ErrGrantNotFound, response.CodeGrantNotFound},
	{service.ErrGoalNotFound, response.CodeGoalNotFound},
	{service.ErrGoalExists, response.CodeGoalExists},
	{service.ErrDuplicateRequest, response.CodeDuplicateRequest},
	{service.ErrTransferNotFound, response.CodeTransferNotFound},
	{service.ErrTransferState, response.CodeTransferStateError},
	{service.ErrConcurrentUpdate, response.CodeConcurrentUpdate},
}

func errorCode(err error) int {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return response.CodeServerError
}
