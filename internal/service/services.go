package service

import (
	"log/slog"

	"coinledger/internal/config"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Services 所有业务服务，HTTP 层和后台任务共用同一组实例
type Services struct {
	Ledger     *LedgerService
	Transfer   *TransferService
	Account    *AccountService
	Membership *MembershipService
	Message    *MessageService
	Payout     *PayoutService
	Audit      *AuditService
}

// NewServices rdb 为 nil 时转账不加分布式锁
func NewServices(db *gorm.DB, rdb redis.Cmdable, cfg *config.Config, log *slog.Logger) *Services {
	ledger := NewLedgerService(db, log.With("component", "ledger"))
	transfer := NewTransferService(db, rdb, cfg, ledger, log.With("component", "transfer"))
	membership := NewMembershipService(db, cfg, transfer, log.With("component", "membership"))
	return &Services{
		Ledger:     ledger,
		Transfer:   transfer,
		Account:    NewAccountService(db, transfer, log.With("component", "account")),
		Membership: membership,
		Message:    NewMessageService(db, cfg, transfer, membership, log.With("component", "message")),
		Payout:     NewPayoutService(db, cfg, transfer, log.With("component", "payout")),
		Audit:      NewAuditService(db),
	}
}
