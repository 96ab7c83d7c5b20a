package model

import (
	"time"
)

// MessagePricingPolicy 创作者私信定价策略
type MessagePricingPolicy struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatorID          int64     `gorm:"uniqueIndex;not null" json:"creator_id"`
	CostPerMessage     int64     `gorm:"not null;default:0" json:"cost_per_message"`
	FreeDailyQuota     int       `gorm:"not null;default:0" json:"free_daily_quota"`
	VIPExempt          bool      `gorm:"column:vip_exempt;not null;default:false" json:"vip_exempt"`
	FamDiscountPercent int       `gorm:"not null;default:0" json:"fam_discount_percent"` // 0-100
	Enabled            bool      `gorm:"not null;default:false" json:"enabled"`
	Timezone           string    `gorm:"type:varchar(64);not null;default:UTC" json:"timezone"` // 免费额度按该时区自然日重置
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (MessagePricingPolicy) TableName() string {
	return "message_pricing_policy"
}

// MessageDailyCounter 发送者对某创作者的当日私信计数
type MessageDailyCounter struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID     int64     `gorm:"uniqueIndex:uk_sender_creator_day;not null" json:"sender_id"`
	CreatorID    int64     `gorm:"uniqueIndex:uk_sender_creator_day;not null" json:"creator_id"`
	Day          string    `gorm:"type:varchar(10);uniqueIndex:uk_sender_creator_day;not null" json:"day"`
	MessageCount int       `gorm:"not null;default:0" json:"message_count"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (MessageDailyCounter) TableName() string {
	return "message_daily_counter"
}

// MessageCharge 一次私信结算，request_id 唯一，重试按原结果返回
type MessageCharge struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestID  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`
	SenderID   int64     `gorm:"index;not null" json:"sender_id"`
	CreatorID  int64     `gorm:"not null" json:"creator_id"`
	MessageRef string    `gorm:"type:varchar(128)" json:"message_ref"`
	Day        string    `gorm:"type:varchar(10);not null" json:"day"`
	Amount     int64     `gorm:"not null;default:0" json:"amount"`
	Reason     string    `gorm:"type:varchar(32)" json:"reason"`
	TransferNo string    `gorm:"type:varchar(64);index" json:"transfer_no,omitempty"` // 免费消息为空
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (MessageCharge) TableName() string {
	return "message_charge"
}
