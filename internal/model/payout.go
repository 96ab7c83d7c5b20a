package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayoutDateLayout 结算日期格式，按调度时区取自然日
const PayoutDateLayout = "2006-01-02"

// PayoutGoal 创作者提现目标
// 余额达到 CoinGoal 时，调度任务扣除 CoinGoal 个硬币并生成一笔 PayoutAmount 的法币结算
type PayoutGoal struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatorID      int64           `gorm:"uniqueIndex;not null" json:"creator_id"`
	CoinGoal       int64           `gorm:"not null" json:"coin_goal"`
	PayoutAmount   decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"payout_amount"`
	Currency       string          `gorm:"type:varchar(8);not null;default:USD" json:"currency"`
	Enabled        bool            `gorm:"not null;default:true" json:"enabled"`
	LastPayoutDate string          `gorm:"type:varchar(10);not null;default:''" json:"last_payout_date"` // 只由调度任务写入，空串表示从未结算
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PayoutGoal) TableName() string {
	return "payout_goal"
}

// PayoutRecord 法币结算记录
// (goal_id, payout_date) 唯一，保证同一目标每天最多结算一次
type PayoutRecord struct {
	ID         int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PayoutNo   string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"payout_no"`
	GoalID     int64           `gorm:"uniqueIndex:uk_goal_date;not null" json:"goal_id"`
	PayoutDate string          `gorm:"type:varchar(10);uniqueIndex:uk_goal_date;not null" json:"payout_date"`
	CreatorID  int64           `gorm:"index;not null" json:"creator_id"`
	Coins      int64           `gorm:"not null" json:"coins"`
	Amount     decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"amount"`
	Currency   string          `gorm:"type:varchar(8);not null" json:"currency"`
	TransferNo string          `gorm:"type:varchar(64);not null" json:"transfer_no"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (PayoutRecord) TableName() string {
	return "payout_record"
}
