package job

import (
	"context"
	"log/slog"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/infrastructure/mq"
	"coinledger/internal/model"
	"coinledger/internal/repository"

	"gorm.io/gorm"
)

// OutboxSender 把本地消息表中的事件投递到 Kafka
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	cfg        *config.Config
	log        *slog.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config, publisher mq.Publisher, log *slog.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		cfg:        cfg,
		log:        log.With("job", "outbox_sender"),
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending 投递一批待发送消息，返回发送成功的数量
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error("查询消息失败", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}

	// 有投递失败时报告积压，便于判断 Kafka 是否长时间不可用
	if sent < len(messages) {
		pending, failed, err := s.Backlog(ctx)
		if err != nil {
			s.log.Error("统计消息积压失败", "error", err)
		} else {
			s.log.Warn("消息投递积压", "pending", pending, "failed", failed)
		}
	}
	return sent
}

// Backlog 待发送与已放弃投递的消息数
func (s *OutboxSender) Backlog(ctx context.Context) (pending, failed int64, err error) {
	pending, err = s.outboxRepo.CountByStatus(ctx, model.OutboxStatusPending)
	if err != nil {
		return 0, 0, err
	}
	failed, err = s.outboxRepo.CountByStatus(ctx, model.OutboxStatusFailed)
	if err != nil {
		return 0, 0, err
	}
	return pending, failed, nil
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			s.log.Error("更新消息状态失败", "id", msg.ID, "error", updateErr)
			return false
		}
		s.log.Debug("消息发送成功", "id", msg.ID, "topic", msg.Topic, "key", msg.MessageKey)
		return true
	}

	s.log.Warn("消息发送失败", "id", msg.ID, "topic", msg.Topic, "retry_count", msg.RetryCount, "error", err)

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.log.Error("增加重试次数失败", "id", msg.ID, "error", err)
	}

	if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			s.log.Error("标记消息失败状态失败", "id", msg.ID, "error", err)
		} else {
			s.log.Error("消息超过最大重试次数，标记为失败", "id", msg.ID, "key", msg.MessageKey)
		}
	}
	return false
}
