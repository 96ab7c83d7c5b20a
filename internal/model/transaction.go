package model

import (
	"time"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	TransactionTypeGrant    = "grant"    // 管理员发放
	TransactionTypePurchase = "purchase" // 充值购买 / 收款
	TransactionTypeSpend    = "spend"    // 消费（私信、粉丝团、比赛报名）
	TransactionTypePayout   = "payout"   // 达标提现结算
	TransactionTypeRefund   = "refund"   // 退款 / 补偿
)

func ValidTransactionType(t string) bool {
	switch t {
	case TransactionTypeGrant, TransactionTypePurchase, TransactionTypeSpend,
		TransactionTypePayout, TransactionTypeRefund:
		return true
	}
	return false
}

// ============================================================================
// 账户流水实体
// ============================================================================

// AccountTransaction 账户流水表
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除
// 2. 同一笔转账的两条流水共享 Cause，便于对账
// 3. 对任意账户：balance == SUM(amount)
type AccountTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	UserID        int64     `gorm:"index;not null" json:"user_id"`
	TransferNo    string    `gorm:"type:varchar(64);index" json:"transfer_no"`           // 关联转账单号，单边操作为空
	Amount        int64     `gorm:"not null" json:"amount"`                              // 正数入账，负数出账
	Type          string    `gorm:"type:varchar(20);index;not null" json:"type"`
	Cause         string    `gorm:"type:varchar(128);index;not null" json:"cause"`       // 关联原因，如 message:123
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AccountTransaction) TableName() string {
	return "account_transaction"
}
