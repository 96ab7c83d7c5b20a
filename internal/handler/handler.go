package handler

import (
	"log/slog"
	"strconv"
	"time"

	"coinledger/internal/model"
	"coinledger/internal/service"
	"coinledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	svc *service.Services
	log *slog.Logger
	now func() time.Time
}

func NewHandler(svc *service.Services, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log, now: time.Now}
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := errorCode(err)
	if code == response.CodeServerError || code == response.CodeUnavailable {
		h.log.Error("请求处理失败", "path", c.FullPath(), "error", err)
	}
	response.Error(c, code, err.Error())
}

func queryInt64(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return v, true
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return false
	}
	return true
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询用户余额
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}

	account, err := h.svc.Account.GetAccount(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": account.UserID,
		"balance": account.Balance,
		"role":    account.Role,
		"vip":     account.VIP,
	})
}

// CreateAccount 开户
// POST /api/v1/account/create
func (h *Handler) CreateAccount(c *gin.Context) {
	var req service.CreateAccountRequest
	if !bindJSON(c, &req) {
		return
	}

	account, err := h.svc.Account.CreateAccount(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, account)
}

// Grant 管理员发放硬币
// POST /api/v1/account/grant
func (h *Handler) Grant(c *gin.Context) {
	var req service.GrantRequest
	if !bindJSON(c, &req) {
		return
	}

	balance, result, err := h.svc.Account.Grant(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"balance":  balance,
		"transfer": result,
	})
}

// Recharge 购买硬币，由支付渠道回调确认后调用
// POST /api/v1/account/recharge
func (h *Handler) Recharge(c *gin.Context) {
	var req service.RechargeRequest
	if !bindJSON(c, &req) {
		return
	}

	balance, result, err := h.svc.Account.Recharge(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"balance":  balance,
		"transfer": result,
	})
}

type SetVIPRequest struct {
	OperatorID int64 `json:"operator_id" binding:"required"`
	UserID     int64 `json:"user_id" binding:"required"`
	VIP        bool  `json:"vip"`
}

// SetVIP 修改 VIP 标记
// POST /api/v1/account/vip
func (h *Handler) SetVIP(c *gin.Context) {
	var req SetVIPRequest
	if !bindJSON(c, &req) {
		return
	}

	account, err := h.svc.Account.SetVIP(c.Request.Context(), req.OperatorID, req.UserID, req.VIP)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, account)
}

// ============================================================
// 转账相关接口
// ============================================================

// TransferRequest 转账请求
type TransferRequest struct {
	RequestID   string `json:"request_id" binding:"required"` // 幂等ID，客户端生成
	PayerID     int64  `json:"payer_id" binding:"required"`
	PayeeID     int64  `json:"payee_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Cause       string `json:"cause" binding:"required"`
	Description string `json:"description"`
}

// ExecuteTransfer 用户间转账
// POST /api/v1/transfer/execute
//
// 相同 request_id 只执行一次，重复请求返回首次的结果。
func (h *Handler) ExecuteTransfer(c *gin.Context) {
	var req TransferRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.svc.Transfer.Transfer(c.Request.Context(), &service.TransferRequest{
		RequestID:   req.RequestID,
		PayerID:     req.PayerID,
		PayeeID:     req.PayeeID,
		Amount:      req.Amount,
		Cause:       req.Cause,
		Description: req.Description,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// GetTransfer 按幂等ID或转账单号查询转账状态
// GET /api/v1/transfer/detail?request_id=xxx
// GET /api/v1/transfer/detail?transfer_no=xxx
func (h *Handler) GetTransfer(c *gin.Context) {
	var (
		result *service.TransferResult
		err    error
	)
	switch {
	case c.Query("transfer_no") != "":
		result, err = h.svc.Transfer.GetByTransferNo(c.Request.Context(), c.Query("transfer_no"))
	case c.Query("request_id") != "":
		result, err = h.svc.Transfer.GetByRequestID(c.Request.Context(), c.Query("request_id"))
	default:
		response.ParamError(c, "request_id 或 transfer_no 参数不能为空")
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 私信相关接口
// ============================================================

// GetMessagePolicy GET /api/v1/message/policy?creator_id=xxx
func (h *Handler) GetMessagePolicy(c *gin.Context) {
	creatorID, ok := queryInt64(c, "creator_id")
	if !ok {
		return
	}

	policy, err := h.svc.Message.GetPolicy(c.Request.Context(), creatorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, policy)
}

// SetMessagePolicy PUT /api/v1/message/policy
func (h *Handler) SetMessagePolicy(c *gin.Context) {
	var req service.PolicyRequest
	if !bindJSON(c, &req) {
		return
	}

	policy, err := h.svc.Message.SetPolicy(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, policy)
}

// QuoteMessage 发送前报价，不产生任何写入
// GET /api/v1/message/quote?sender_id=xxx&creator_id=xxx
func (h *Handler) QuoteMessage(c *gin.Context) {
	senderID, ok := queryInt64(c, "sender_id")
	if !ok {
		return
	}
	creatorID, ok := queryInt64(c, "creator_id")
	if !ok {
		return
	}

	quote, err := h.svc.Message.Quote(c.Request.Context(), senderID, creatorID, h.now())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, quote)
}

// ChargeMessage 私信结算
// POST /api/v1/message/charge
//
// 未送达时返回错误码，同时返回报价和当前余额。
func (h *Handler) ChargeMessage(c *gin.Context) {
	var req service.ChargeRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.svc.Message.Charge(c.Request.Context(), &req, h.now())
	if err != nil {
		if result != nil && !result.Delivered {
			response.ErrorWithData(c, errorCode(err), err.Error(), result)
			return
		}
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 粉丝团与比赛
// ============================================================

// CreateOffering POST /api/v1/offering/create
func (h *Handler) CreateOffering(c *gin.Context) {
	var req service.OfferingRequest
	if !bindJSON(c, &req) {
		return
	}

	offering, err := h.svc.Membership.CreateOffering(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, offering)
}

// GetOffering GET /api/v1/offering/detail?offering_id=xxx
func (h *Handler) GetOffering(c *gin.Context) {
	offeringID, ok := queryInt64(c, "offering_id")
	if !ok {
		return
	}

	offering, err := h.svc.Membership.GetOffering(c.Request.Context(), offeringID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, offering)
}

// CloseOffering POST /api/v1/offering/close
func (h *Handler) CloseOffering(c *gin.Context) {
	var req struct {
		OfferingID int64 `json:"offering_id" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	if err := h.svc.Membership.CloseOffering(c.Request.Context(), req.OfferingID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"offering_id": req.OfferingID, "status": model.OfferingStatusClosed})
}

// JoinOffering POST /api/v1/membership/join
func (h *Handler) JoinOffering(c *gin.Context) {
	var req service.JoinRequest
	if !bindJSON(c, &req) {
		return
	}

	grant, err := h.svc.Membership.Join(c.Request.Context(), &req, h.now())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, grant)
}

// WithdrawOffering POST /api/v1/membership/withdraw
func (h *Handler) WithdrawOffering(c *gin.Context) {
	var req service.WithdrawRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.svc.Membership.Withdraw(c.Request.Context(), &req, h.now())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// EliminateMember POST /api/v1/membership/eliminate
func (h *Handler) EliminateMember(c *gin.Context) {
	var req struct {
		UserID     int64 `json:"user_id" binding:"required"`
		OfferingID int64 `json:"offering_id" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	grant, err := h.svc.Membership.Eliminate(c.Request.Context(), req.UserID, req.OfferingID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, grant)
}

// ListMembers GET /api/v1/membership/list?offering_id=xxx&status=active
func (h *Handler) ListMembers(c *gin.Context) {
	offeringID, ok := queryInt64(c, "offering_id")
	if !ok {
		return
	}

	grants, err := h.svc.Membership.ListMembers(c.Request.Context(), offeringID, c.Query("status"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":  grants,
		"total": len(grants),
	})
}

// ============================================================
// 创作者提现
// ============================================================

// CreatePayoutGoal POST /api/v1/payout/goal
func (h *Handler) CreatePayoutGoal(c *gin.Context) {
	var req service.GoalRequest
	if !bindJSON(c, &req) {
		return
	}

	goal, err := h.svc.Payout.CreateGoal(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, goal)
}

// GetPayoutGoal GET /api/v1/payout/goal?creator_id=xxx
func (h *Handler) GetPayoutGoal(c *gin.Context) {
	creatorID, ok := queryInt64(c, "creator_id")
	if !ok {
		return
	}

	goal, err := h.svc.Payout.GetGoal(c.Request.Context(), creatorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, goal)
}

// UpdatePayoutGoalRequest 只允许修改 enabled、coin_goal、payout_amount
type UpdatePayoutGoalRequest struct {
	CreatorID    int64            `json:"creator_id" binding:"required"`
	Enabled      *bool            `json:"enabled"`
	CoinGoal     *int64           `json:"coin_goal"`
	PayoutAmount *decimal.Decimal `json:"payout_amount"`
}

// UpdatePayoutGoal PUT /api/v1/payout/goal
func (h *Handler) UpdatePayoutGoal(c *gin.Context) {
	var req UpdatePayoutGoalRequest
	if !bindJSON(c, &req) {
		return
	}

	goal, err := h.svc.Payout.UpdateGoal(c.Request.Context(), req.CreatorID, &service.GoalUpdate{
		Enabled:      req.Enabled,
		CoinGoal:     req.CoinGoal,
		PayoutAmount: req.PayoutAmount,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, goal)
}

// DeletePayoutGoal DELETE /api/v1/payout/goal?creator_id=xxx
func (h *Handler) DeletePayoutGoal(c *gin.Context) {
	creatorID, ok := queryInt64(c, "creator_id")
	if !ok {
		return
	}

	if err := h.svc.Payout.DeleteGoal(c.Request.Context(), creatorID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"creator_id": creatorID})
}

// RunPayouts 立即结算
// POST /api/v1/payout/run
//
// 带 creator_id 时只处理该创作者的目标，否则处理全部目标。
func (h *Handler) RunPayouts(c *gin.Context) {
	var req struct {
		CreatorID int64 `json:"creator_id"`
	}
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	if req.CreatorID != 0 {
		outcome, err := h.svc.Payout.RunGoal(c.Request.Context(), req.CreatorID, h.now())
		if err != nil {
			h.fail(c, err)
			return
		}
		response.Success(c, outcome)
		return
	}

	report, err := h.svc.Payout.RunPayouts(c.Request.Context(), h.now())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, report)
}

// ListPayoutRecords GET /api/v1/payout/records?creator_id=xxx&page=1&page_size=20
func (h *Handler) ListPayoutRecords(c *gin.Context) {
	creatorID, ok := queryInt64(c, "creator_id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	records, total, err := h.svc.Payout.ListRecords(c.Request.Context(), creatorID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 审计
// ============================================================

// parseTimeParam 支持 RFC3339 和 2006-01-02 两种格式
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(model.PayoutDateLayout, v)
}

// ListTransactions 流水导出
// GET /api/v1/audit/transactions?user_id=&type=&cause=&start=&end=&page=&page_size=
func (h *Handler) ListTransactions(c *gin.Context) {
	var q service.TransactionQuery
	if v := c.Query("user_id"); v != "" {
		userID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.ParamError(c, "user_id 参数错误")
			return
		}
		q.UserID = &userID
	}
	var err error
	if q.Start, err = parseTimeParam(c.Query("start")); err != nil {
		response.ParamError(c, "start 参数错误")
		return
	}
	if q.End, err = parseTimeParam(c.Query("end")); err != nil {
		response.ParamError(c, "end 参数错误")
		return
	}
	q.Type = c.Query("type")
	q.Cause = c.Query("cause")
	q.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	q.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	list, total, err := h.svc.Audit.ListTransactions(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      q.Page,
		"page_size": q.PageSize,
	})
}

// Reconcile GET /api/v1/audit/reconcile?user_id=xxx
func (h *Handler) Reconcile(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}

	result, err := h.svc.Audit.Reconcile(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !result.Consistent {
		h.log.Error("账户余额与流水不一致", "user_id", userID, "balance", result.Balance, "ledger_sum", result.LedgerSum)
	}
	response.Success(c, result)
}
