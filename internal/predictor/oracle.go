package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	xerrors "YieldHarvester-Agent/internal/errors"
	"YieldHarvester-Agent/internal/llm"
	"YieldHarvester-Agent/internal/web3"
	"YieldHarvester-Agent/pkg/logger"
)

const (
	defaultOracleTimeout     = 20 * time.Second
	defaultRequestsPerMinute = 30
)

const systemPrompt = "You are a DeFi yield analyst. " +
	"Answer with a single base-10 integer: the predicted APR in basis points for the next period. " +
	"Do not add words, units or punctuation."

// Oracle 通过大模型预测 APR，任何失败都会降级为随机游走结果。
type Oracle struct {
	client   llm.Client
	fallback Predictor
	limiter  *rate.Limiter
	timeout  time.Duration
	log      *slog.Logger
}

// OracleOption 定义可选配置。
type OracleOption func(*Oracle)

// WithOracleTimeout 设置单次调用（含限流等待）的超时时间。
func WithOracleTimeout(timeout time.Duration) OracleOption {
	return func(o *Oracle) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithRequestsPerMinute 设置每分钟允许的调用次数。
func WithRequestsPerMinute(n int) OracleOption {
	return func(o *Oracle) {
		if n > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(float64(n)/60.0), 1)
		}
	}
}

// WithLimiter 直接注入限流器，便于测试。
func WithLimiter(limiter *rate.Limiter) OracleOption {
	return func(o *Oracle) {
		if limiter != nil {
			o.limiter = limiter
		}
	}
}

// NewOracle 创建预言机预测器。client 为空时所有预测都走降级路径。
func NewOracle(client llm.Client, fallback Predictor, opts ...OracleOption) *Oracle {
	if fallback == nil {
		fallback = NewRandomWalk(nil)
	}
	o := &Oracle{
		client:   client,
		fallback: fallback,
		limiter:  rate.NewLimiter(rate.Limit(float64(defaultRequestsPerMinute)/60.0), 1),
		timeout:  defaultOracleTimeout,
		log:      logger.Named("predictor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Predict 实现 Predictor。
func (o *Oracle) Predict(ctx context.Context, name string, currentAPR int64) int64 {
	return o.Estimate(ctx, name, currentAPR).APR
}

// Estimate 实现 Estimator。
func (o *Oracle) Estimate(ctx context.Context, name string, currentAPR int64) Estimate {
	apr, err := o.ask(ctx, name, currentAPR)
	if err == nil {
		o.log.Debug("oracle prediction",
			slog.String("strategy", name),
			slog.Int64("current_apr_bps", currentAPR),
			slog.Int64("predicted_apr_bps", apr))
		return Estimate{APR: apr, Source: SourceOracle}
	}

	fallback := Clamp(o.fallback.Predict(ctx, name, currentAPR))
	level := slog.LevelWarn
	if o.client == nil {
		level = slog.LevelDebug
	}
	o.log.Log(ctx, level, "oracle unavailable, using random walk",
		slog.String("strategy", name),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
		slog.Int64("fallback_apr_bps", fallback))
	return Estimate{APR: fallback, Source: SourceFallback, Reason: err.Error()}
}

func (o *Oracle) ask(ctx context.Context, name string, currentAPR int64) (int64, error) {
	if o.client == nil {
		return 0, xerrors.New(xerrors.CodePrediction, "未配置预测服务")
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := o.limiter.Wait(callCtx); err != nil {
		return 0, xerrors.Wrap(xerrors.CodePrediction, err, "预测请求被限流")
	}

	resp, err := o.client.Generate(callCtx, llm.Request{
		System:    systemPrompt,
		Prompt:    buildPrompt(name, currentAPR),
		MaxTokens: 16,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, xerrors.Wrap(xerrors.CodePrediction, err, "预测请求超时")
		}
		return 0, xerrors.Wrap(xerrors.CodePrediction, err, "预测请求失败")
	}
	if resp == nil {
		return 0, xerrors.New(xerrors.CodePrediction, "预测服务返回空响应")
	}

	apr, err := ParseAPR(resp.Text)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodePrediction, err, "预测结果无法解析",
			xerrors.WithMetadata("reply", truncate(resp.Text)))
	}
	return Clamp(apr), nil
}

// ParseAPR 只接受去除首尾空白后的单个十进制整数。
func ParseAPR(text string) (int64, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, errors.New("empty reply")
	}
	apr, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("reply %q is not an integer", truncate(trimmed))
	}
	return apr, nil
}

func buildPrompt(name string, currentAPR int64) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("Strategy: %s\n", strings.TrimSpace(name)))
	builder.WriteString(fmt.Sprintf("Current APR: %d basis points (%s%%)\n", currentAPR, web3.FormatAPR(currentAPR)))
	builder.WriteString(fmt.Sprintf("Allowed range: 0 to %d basis points.\n", web3.MaxAPR))
	builder.WriteString("Predict the APR for the next period in basis points.")
	return builder.String()
}

func truncate(text string) string {
	if len([]rune(text)) > 40 {
		return string([]rune(text)[:40]) + "..."
	}
	return text
}
