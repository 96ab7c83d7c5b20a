package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeUnavailable   = 503
	CodeBusinessError = 1000
)

const (
	CodeTransferNotFound    = 1001
	CodeTransferStateError  = 1002
	CodeInsufficientFunds   = 1003
	CodeDuplicateRequest    = 1004
	CodeAccountNotFound     = 1005
	CodeTransferCompensated = 1006
	CodeAccountExists       = 1007
	CodePolicyDisabled      = 1008
	CodeCapacityExceeded    = 1009
	CodeAlreadyPaidToday    = 1010
	CodeOfferingNotFound    = 1011
	CodeOfferingClosed      = 1012
	CodeAlreadyMember       = 1013
	CodeGrantNotFound       = 1014
	CodeGoalNotFound        = 1015
	CodeGoalExists          = 1016
	CodeConcurrentUpdate    = 1017
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithData 失败但仍需返回部分结果，如私信未送达时的报价与余额
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
