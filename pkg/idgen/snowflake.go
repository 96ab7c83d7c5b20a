package idgen

import (
	"fmt"
	"sync"
	"time"
)

// 雪花 ID，64 位：
//
//	0 | 41 位毫秒时间戳 | 10 位机器ID | 12 位序列号
//
// 流水号、转账单号、结算单号都由 "前缀 + 时间 + 完整 ID" 组成，
// 保留完整 ID 才能保证多实例同一秒内不重复。
const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultMu        sync.Mutex
	defaultGenerator *Snowflake
)

func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("workerID 必须在 0-%d 之间", maxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

// Init 设置默认生成器的机器ID，进程启动时调用一次
func Init(workerID int64) error {
	g, err := NewSnowflake(workerID)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultGenerator = g
	defaultMu.Unlock()
	return nil
}

func NextID() int64 {
	defaultMu.Lock()
	if defaultGenerator == nil {
		defaultGenerator = &Snowflake{workerID: 1}
	}
	g := defaultGenerator
	defaultMu.Unlock()
	return g.Generate()
}

func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.timestamp {
		// 时钟回拨时沿用上一个时间戳，靠序列号保证递增
		now = s.timestamp
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

func generateNo(prefix string) string {
	id := NextID()
	return fmt.Sprintf("%s%s%d", prefix, time.Now().Format("20060102150405"), id)
}

// GenerateTransactionNo 流水号，如 TXN20240115143052123456789012345
func GenerateTransactionNo() string {
	return generateNo("TXN")
}

func GenerateTransferNo() string {
	return generateNo("TRF")
}

func GeneratePayoutNo() string {
	return generateNo("PYO")
}
