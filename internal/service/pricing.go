package service

import (
	"coinledger/internal/model"
)

const (
	PriceReasonPolicyDisabled = "policy_disabled"
	PriceReasonVIPExempt      = "vip_exempt"
	PriceReasonFreeQuota      = "free_quota"
	PriceReasonFamDiscount    = "fam_discount"
	PriceReasonStandard       = "standard"
)

// Quote 私信报价
type Quote struct {
	RequiresPayment bool   `json:"requires_payment"`
	Amount          int64  `json:"amount"`
	Reason          string `json:"reason"`
	FreeRemaining   int    `json:"free_remaining"`
}

// ResolvePrice 计算一条私信的价格，按固定优先级判断：
//
//  1. 策略未启用（或不存在）免费
//  2. 策略豁免 VIP 且发送者是 VIP，免费
//  3. 当日已发送数小于免费额度，免费
//  4. 粉丝团成员按折扣价，向上取整
//  5. 其余按原价
//
// 折扣价或原价为 0 时视为免费。
func ResolvePrice(policy *model.MessagePricingPolicy, senderIsVIP, senderIsFam bool, sentToday int) Quote {
	if policy == nil || !policy.Enabled {
		return Quote{Reason: PriceReasonPolicyDisabled}
	}

	if policy.VIPExempt && senderIsVIP {
		return Quote{Reason: PriceReasonVIPExempt}
	}

	if sentToday < policy.FreeDailyQuota {
		return Quote{
			Reason:        PriceReasonFreeQuota,
			FreeRemaining: policy.FreeDailyQuota - sentToday - 1,
		}
	}

	cost := policy.CostPerMessage
	if cost < 0 {
		cost = 0
	}

	reason := PriceReasonStandard
	if senderIsFam && policy.FamDiscountPercent > 0 {
		cost = discounted(cost, policy.FamDiscountPercent)
		reason = PriceReasonFamDiscount
	}

	return Quote{
		RequiresPayment: cost > 0,
		Amount:          cost,
		Reason:          reason,
	}
}

// discounted 返回 ceil(cost * (100 - pct) / 100)，pct 截断到 [0, 100]
func discounted(cost int64, pct int) int64 {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return (cost*int64(100-pct) + 99) / 100
}
