package model

import (
	"time"
)

const (
	RoleUser    = "user"
	RoleCreator = "creator"
	RoleAdmin   = "admin"
)

// SystemAccountID 平台资金池
// 充值/发放从资金池流出，提现结算流入资金池，资金池本身不建账户、不记余额
const SystemAccountID int64 = 0

// Account 用户硬币账户表
// 余额只能通过 LedgerService 修改，其他组件只读
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`                  // 用户ID，业务方传入
	Balance   int64     `gorm:"not null;default:0" json:"balance"`                    // 可用余额（硬币数），不允许为负
	Role      string    `gorm:"type:varchar(16);not null;default:user" json:"role"`   // user / creator / admin
	VIP       bool      `gorm:"column:vip;not null;default:false" json:"vip"`         // 私信付费豁免资格
	Version   int       `gorm:"not null;default:0" json:"version"`                    // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleCreator, RoleAdmin:
		return true
	}
	return false
}
