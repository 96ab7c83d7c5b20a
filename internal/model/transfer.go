package model

import (
	"time"
)

// 转账状态机：
//
//	PENDING -> DEBITED -> COMPLETED
//	PENDING -> FAILED               （扣款失败，无任何流水）
//	DEBITED -> COMPENSATED          （入账失败，已退回付款方）
const (
	TransferStatusPending     = "PENDING"
	TransferStatusDebited     = "DEBITED"
	TransferStatusCompleted   = "COMPLETED"
	TransferStatusFailed      = "FAILED"
	TransferStatusCompensated = "COMPENSATED"
)

var ValidTransferTransitions = map[string][]string{
	TransferStatusPending: {TransferStatusDebited, TransferStatusFailed},
	TransferStatusDebited: {TransferStatusCompleted, TransferStatusCompensated},
}

func CanTransferTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidTransferTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Transfer 转账单
// 一次转账 = 付款方扣款 + 收款方入账，RequestID 保证幂等
type Transfer struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TransferNo string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"transfer_no"`
	RequestID  string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"request_id"`
	PayerID    int64      `gorm:"index;not null" json:"payer_id"`
	PayeeID    int64      `gorm:"index;not null" json:"payee_id"`
	Amount     int64      `gorm:"not null" json:"amount"`
	PayerType  string     `gorm:"type:varchar(20);not null" json:"payer_type"`
	PayeeType  string     `gorm:"type:varchar(20);not null" json:"payee_type"`
	Cause      string     `gorm:"type:varchar(128);not null" json:"cause"`
	Status     string     `gorm:"type:varchar(20);index;not null" json:"status"`
	FailReason string     `gorm:"type:varchar(256)" json:"fail_reason"`
	FinishedAt *time.Time `json:"finished_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transfer) TableName() string {
	return "transfer"
}
