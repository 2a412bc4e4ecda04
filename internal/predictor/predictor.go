package predictor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"YieldHarvester-Agent/internal/web3"
)

// Source 标记一次预测值的来源。
type Source string

const (
	SourceOracle   Source = "oracle"
	SourceFallback Source = "fallback"
	SourceCustom   Source = "custom"
)

// Predictor 根据策略名称与当前 APR（基点）给出下一期的 APR 估计。
// 实现不得向外返回错误，结果必须位于 [0, 2000]。
type Predictor interface {
	Predict(ctx context.Context, name string, currentAPR int64) int64
}

// Estimate 是带来源信息的预测结果。
type Estimate struct {
	APR    int64
	Source Source
	// Reason 记录降级原因，仅在 Source 为 fallback 且存在预言机时填写。
	Reason string
}

// Estimator 由能够说明预测来源的实现提供。
type Estimator interface {
	Estimate(ctx context.Context, name string, currentAPR int64) Estimate
}

// Run 调用预测器并补全来源信息，结果始终经过截断。
func Run(ctx context.Context, p Predictor, name string, currentAPR int64) Estimate {
	if e, ok := p.(Estimator); ok {
		est := e.Estimate(ctx, name, currentAPR)
		est.APR = Clamp(est.APR)
		return est
	}
	return Estimate{APR: Clamp(p.Predict(ctx, name, currentAPR)), Source: SourceCustom}
}

// Clamp 将 APR 限制在 [0, web3.MaxAPR]。
func Clamp(apr int64) int64 {
	if apr < 0 {
		return 0
	}
	if apr > web3.MaxAPR {
		return web3.MaxAPR
	}
	return apr
}

// DefaultMaxStep 是随机游走单次允许的最大变动（基点）。
const DefaultMaxStep int64 = 50

// Rand 是随机游走所需的最小随机源，*rand.Rand 满足该接口。
type Rand interface {
	Int63n(n int64) int64
}

// RandomWalk 在当前 APR 上叠加 [-50, 50] 的均匀扰动。
type RandomWalk struct {
	mu      sync.Mutex
	rng     Rand
	maxStep int64
}

// NewRandomWalk 创建随机游走预测器。rng 为空时使用以当前时间为种子的随机源。
func NewRandomWalk(rng Rand) *RandomWalk {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RandomWalk{rng: rng, maxStep: DefaultMaxStep}
}

// Predict 实现 Predictor。
func (w *RandomWalk) Predict(_ context.Context, _ string, currentAPR int64) int64 {
	w.mu.Lock()
	delta := w.rng.Int63n(2*w.maxStep+1) - w.maxStep
	w.mu.Unlock()
	return Clamp(currentAPR + delta)
}

// Estimate 实现 Estimator。
func (w *RandomWalk) Estimate(ctx context.Context, name string, currentAPR int64) Estimate {
	return Estimate{APR: w.Predict(ctx, name, currentAPR), Source: SourceFallback}
}
