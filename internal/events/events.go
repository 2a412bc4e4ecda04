package events

import (
	"context"
	"time"
)

// Type 标识事件类型。
type Type string

const (
	TypeAPRUpdate Type = "strategy.apr_update"
	TypeRebalance Type = "user.rebalance"
	TypeCycle     Type = "cycle.completed"
)

// Event 描述一次交易结果或周期完成事件。
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	CycleID    string            `json:"cycle_id"`
	StrategyID uint64            `json:"strategy_id"`
	User       string            `json:"user,omitempty"`
	Status     string            `json:"status,omitempty"`
	TxHash     string            `json:"tx_hash,omitempty"`
	OldAPR     int64             `json:"old_apr_bps"`
	NewAPR     int64             `json:"new_apr_bps"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Publisher 将事件投递给下游订阅者。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish 实现 Publisher。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (NopPublisher) Close() error { return nil }
