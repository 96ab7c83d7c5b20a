package model

import (
	"time"
)

const (
	OfferingKindFam        = "fam"
	OfferingKindTournament = "tournament"
)

const (
	OfferingStatusOpen   = "open"
	OfferingStatusClosed = "closed"
)

const (
	GrantStatusActive     = "active"
	GrantStatusWithdrawn  = "withdrawn"
	GrantStatusEliminated = "eliminated"
)

// Offering 付费入场项目：创作者粉丝团或比赛
type Offering struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind       string    `gorm:"type:varchar(16);index;not null" json:"kind"`
	OwnerID    int64     `gorm:"index;not null" json:"owner_id"` // 入场费收款方
	Title      string    `gorm:"type:varchar(128);not null" json:"title"`
	EntryFee   int64     `gorm:"not null;default:0" json:"entry_fee"`
	Capacity   int       `gorm:"not null;default:0" json:"capacity"` // 0 表示不限
	Refundable bool      `gorm:"not null;default:false" json:"refundable"`
	Status     string    `gorm:"type:varchar(16);not null;default:open" json:"status"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Offering) TableName() string {
	return "offering"
}

// MembershipGrant 成员资格
// (user_id, offering_id) 唯一，重新加入复用同一行
type MembershipGrant struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64      `gorm:"uniqueIndex:uk_user_offering;not null" json:"user_id"`
	OfferingID int64      `gorm:"uniqueIndex:uk_user_offering;index;not null" json:"offering_id"`
	Status     string     `gorm:"type:varchar(16);index;not null" json:"status"`
	PaidAmount int64      `gorm:"not null;default:0" json:"paid_amount"`
	TransferNo string     `gorm:"type:varchar(64)" json:"transfer_no"`
	JoinedAt   time.Time  `gorm:"not null" json:"joined_at"`
	ExpiresAt  *time.Time `json:"expires_at"` // 比赛资格为空，不过期
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (MembershipGrant) TableName() string {
	return "membership_grant"
}

// ActiveAt 资格在 now 时刻是否有效
func (g *MembershipGrant) ActiveAt(now time.Time) bool {
	if g.Status != GrantStatusActive {
		return false
	}
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}
