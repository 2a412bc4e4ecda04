package history

import "context"

// Kind 区分历史记录的类型。
type Kind string

const (
	KindAPRUpdate Kind = "apr_update"
	KindRebalance Kind = "rebalance"
)

// Record 表示一次周期内的一个动作：APR 写入或再平衡决策。
type Record struct {
	ID         int64  `json:"id,omitempty"`
	CycleID    string `json:"cycle_id"`
	Kind       Kind   `json:"kind"`
	StrategyID uint64 `json:"strategy_id"`
	User       string `json:"user,omitempty"`
	Asset      string `json:"asset,omitempty"`
	OldAPR     int64  `json:"old_apr_bps"`
	NewAPR     int64  `json:"new_apr_bps"`
	// Source 为 APR 的预测来源，再平衡记录为空。
	Source string `json:"source,omitempty"`
	// Status 为交易状态（confirmed、reverted、submission_failed），
	// 未发送交易的再平衡决策为 skipped。
	Status string `json:"status"`
	TxHash string `json:"tx_hash,omitempty"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
	// CreatedAt 为 Unix 毫秒时间戳。
	CreatedAt int64 `json:"created_at"`
}

// Repository 抽象周期历史的持久化接口。
type Repository interface {
	Save(ctx context.Context, record Record) error
	ListLatest(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
