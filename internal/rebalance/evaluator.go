package rebalance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	xerrors "YieldHarvester-Agent/internal/errors"
	"YieldHarvester-Agent/internal/state"
	"YieldHarvester-Agent/internal/web3"
	"YieldHarvester-Agent/internal/web3/ethereum"
	"YieldHarvester-Agent/pkg/logger"
)

// Action 概括一次评估的结论。
type Action string

const (
	ActionMove    Action = "move"
	ActionHold    Action = "hold"
	ActionUnknown Action = "unknown"
)

// PositionReader 查询用户在某资产上的当前策略。
type PositionReader interface {
	FetchUserStrategy(ctx context.Context, user, asset common.Address) (uint64, error)
}

// Submitter 发送再平衡交易。
type Submitter interface {
	Submit(ctx context.Context, req web3.TxRequest) web3.Outcome
}

// Decision 记录一次评估的输入与结论。
type Decision struct {
	User       common.Address
	Asset      common.Address
	Action     Action
	CurrentID  uint64
	CurrentAPR int64
	TargetID   uint64
	TargetAPR  int64
	Reason     string
	// Outcome 仅在 Action 为 move 且已提交交易时非空。
	Outcome *web3.Outcome
}

// Moved 表示再平衡交易已确认。
func (d Decision) Moved() bool {
	return d.Outcome != nil && d.Outcome.Confirmed()
}

type positionKey struct {
	user  common.Address
	asset common.Address
}

// Evaluator 比较用户当前策略与同资产下最优的活跃策略。
type Evaluator struct {
	reader         PositionReader
	snapshots      state.Store
	submitter      Submitter
	hints          map[positionKey]uint64
	minImprovement int64
	log            *slog.Logger
}

// Option 定义可选配置。
type Option func(*Evaluator)

// WithMinImprovement 设置触发迁移所需的最小 APR 提升（基点）。
func WithMinImprovement(bps int64) Option {
	return func(e *Evaluator) {
		if bps >= 0 {
			e.minImprovement = bps
		}
	}
}

// WithPositionHint 在链上查询失败时提供用户当前策略。
func WithPositionHint(user, asset common.Address, strategyID uint64) Option {
	return func(e *Evaluator) {
		e.hints[positionKey{user: user, asset: asset}] = strategyID
	}
}

// NewEvaluator 创建评估器。submitter 为空时只给出建议，不发送交易。
func NewEvaluator(reader PositionReader, snapshots state.Store, submitter Submitter, opts ...Option) *Evaluator {
	e := &Evaluator{
		reader:    reader,
		snapshots: snapshots,
		submitter: submitter,
		hints:     make(map[positionKey]uint64),
		log:       logger.Named("rebalance"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Evaluate 评估单个用户仓位，必要时提交 autoRebalance。
// 只有上下文被取消时才返回错误，交易失败记录在 Decision.Outcome 中。
func (e *Evaluator) Evaluate(ctx context.Context, user, asset common.Address) (Decision, error) {
	decision := Decision{User: user, Asset: asset, Action: ActionUnknown}
	if err := ctx.Err(); err != nil {
		return decision, err
	}

	currentID, ok := e.currentStrategy(ctx, user, asset)
	if !ok {
		decision.Reason = "无法确定用户当前策略"
		return decision, ctx.Err()
	}
	decision.CurrentID = currentID

	current, ok := e.snapshots.Get(ctx, currentID)
	if !ok {
		decision.Reason = fmt.Sprintf("策略 %d 没有快照", currentID)
		return decision, nil
	}
	decision.CurrentAPR = current.APR

	best, ok := BestActive(e.snapshots.All(ctx), asset)
	if !ok {
		decision.Action = ActionHold
		decision.Reason = "该资产没有活跃策略"
		return decision, nil
	}
	decision.TargetID = best.ID
	decision.TargetAPR = best.APR

	if !ShouldMove(current, best, e.minImprovement) {
		decision.Action = ActionHold
		decision.Reason = "当前策略已是最优"
		return decision, nil
	}

	decision.Action = ActionMove
	decision.Reason = fmt.Sprintf("策略 %d 的 APR %s%% 高于当前 %s%%",
		best.ID, web3.FormatAPR(best.APR), web3.FormatAPR(current.APR))
	if e.submitter == nil {
		return decision, nil
	}
	if err := ctx.Err(); err != nil {
		return decision, err
	}

	outcome := e.submitter.Submit(ctx, ethereum.AutoRebalance(user, asset))
	decision.Outcome = &outcome
	return decision, nil
}

func (e *Evaluator) currentStrategy(ctx context.Context, user, asset common.Address) (uint64, bool) {
	if e.reader != nil {
		id, err := e.reader.FetchUserStrategy(ctx, user, asset)
		if err == nil {
			return id, true
		}
		e.log.Warn("读取用户策略失败",
			slog.String("user", user.Hex()),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
	}
	id, ok := e.hints[positionKey{user: user, asset: asset}]
	return id, ok
}

// BestActive 返回指定资产下 APR 最高的活跃策略，APR 相同时取 ID 较小者。
func BestActive(strategies []web3.Strategy, asset common.Address) (web3.Strategy, bool) {
	var (
		best  web3.Strategy
		found bool
	)
	for _, s := range strategies {
		if !s.Active || s.Asset != asset {
			continue
		}
		if !found || s.APR > best.APR || (s.APR == best.APR && s.ID < best.ID) {
			best = s
			found = true
		}
	}
	return best, found
}

// ShouldMove 判断是否值得从 current 迁移到 best。
func ShouldMove(current, best web3.Strategy, minImprovement int64) bool {
	return best.ID != current.ID && best.APR > current.APR+minImprovement
}
