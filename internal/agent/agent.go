package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "YieldHarvester-Agent/internal/errors"
	"YieldHarvester-Agent/internal/events"
	"YieldHarvester-Agent/internal/observability/alerting"
	"YieldHarvester-Agent/internal/observability/metrics"
	"YieldHarvester-Agent/internal/predictor"
	"YieldHarvester-Agent/internal/rebalance"
	"YieldHarvester-Agent/internal/state"
	"YieldHarvester-Agent/internal/storage/history"
	"YieldHarvester-Agent/internal/web3"
	"YieldHarvester-Agent/internal/web3/ethereum"
	"YieldHarvester-Agent/pkg/logger"
)

// StrategyReader 读取链上策略记录。
type StrategyReader interface {
	FetchStrategy(ctx context.Context, id uint64) (web3.Strategy, error)
}

// Submitter 提交合约交易。
type Submitter interface {
	Submit(ctx context.Context, req web3.TxRequest) web3.Outcome
}

// Evaluator 评估用户仓位是否需要再平衡。
type Evaluator interface {
	Evaluate(ctx context.Context, user, asset common.Address) (rebalance.Decision, error)
}

// Position 是一个需要评估的用户仓位。
type Position struct {
	User  common.Address
	Asset common.Address
}

// StrategyResult 汇总单个策略在一个周期内的处理结果。
type StrategyResult struct {
	ID        uint64
	Name      string
	Stale     bool
	Skipped   bool
	OldAPR    int64
	Predicted int64
	Source    predictor.Source
	Outcome   *web3.Outcome
}

// Updated 表示本周期成功写入了新的 APR。
func (r StrategyResult) Updated() bool {
	return r.Outcome != nil && r.Outcome.Confirmed()
}

// CycleReport 描述一次完整周期。
type CycleReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Strategies []StrategyResult
	Rebalances []rebalance.Decision
}

// Agent 执行「读取 → 预测 → 条件写链 → 再平衡评估」的单个周期。
type Agent struct {
	reader    StrategyReader
	predictor predictor.Predictor
	submitter Submitter
	store     state.Store
	evaluator Evaluator
	history   history.Repository
	publisher events.Publisher
	alerts    alerting.Dispatcher
	seeds     []web3.Strategy
	positions []Position
	log       *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithStrategies 设置需要维护的策略及其初始快照。链上读取从未成功时使用种子值。
func WithStrategies(seeds ...web3.Strategy) Option {
	return func(a *Agent) {
		a.seeds = append(a.seeds, seeds...)
	}
}

// WithPositions 设置需要评估再平衡的用户仓位。
func WithPositions(positions ...Position) Option {
	return func(a *Agent) {
		a.positions = append(a.positions, positions...)
	}
}

// WithEvaluator 配置再平衡评估器。
func WithEvaluator(evaluator Evaluator) Option {
	return func(a *Agent) {
		a.evaluator = evaluator
	}
}

// WithHistory 配置周期历史仓库。
func WithHistory(repo history.Repository) Option {
	return func(a *Agent) {
		a.history = repo
	}
}

// WithPublisher 配置交易结果事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(a *Agent) {
		if publisher != nil {
			a.publisher = publisher
		}
	}
}

// WithAlerts 配置告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(a *Agent) {
		a.alerts = dispatcher
	}
}

// New 创建一个 Agent。store 为空时使用进程内缓存。
func New(reader StrategyReader, pred predictor.Predictor, submitter Submitter, store state.Store, opts ...Option) *Agent {
	if pred == nil {
		pred = predictor.NewRandomWalk(nil)
	}
	if store == nil {
		store = state.NewMemoryStore()
	}
	ag := &Agent{
		reader:    reader,
		predictor: pred,
		submitter: submitter,
		store:     store,
		publisher: events.NopPublisher{},
		log:       logger.Named("agent"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if len(ag.positions) == 0 {
		ag.log.Warn("no positions tracked, rebalance evaluation disabled; list users in the strategy catalog to enable it")
	}
	return ag
}

// Store 返回快照缓存，供状态 API 读取。
func (a *Agent) Store() state.Store {
	return a.store
}

// RunCycle 执行一个周期。单个策略或用户的失败只会被记录，
// 只有上下文取消才会返回错误。
func (a *Agent) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{ID: a.newID(), StartedAt: a.now()}
	log := a.log.With(slog.String("cycle_id", report.ID))
	log.Info("cycle started", slog.Int("strategies", len(a.seeds)), slog.Int("positions", len(a.positions)))

	for _, seed := range a.seeds {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = a.now()
			return report, err
		}
		report.Strategies = append(report.Strategies, a.processStrategy(ctx, log, report.ID, seed))
	}

	if a.evaluator != nil {
		for _, pos := range a.positions {
			if err := ctx.Err(); err != nil {
				report.FinishedAt = a.now()
				return report, err
			}
			decision, err := a.evaluator.Evaluate(ctx, pos.User, pos.Asset)
			if err != nil {
				report.FinishedAt = a.now()
				return report, err
			}
			a.recordDecision(ctx, log, report.ID, decision)
			report.Rebalances = append(report.Rebalances, decision)
		}
	}

	report.FinishedAt = a.now()
	log.Info("cycle finished", slog.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

func (a *Agent) processStrategy(ctx context.Context, log *slog.Logger, cycleID string, seed web3.Strategy) StrategyResult {
	current, stale := a.loadStrategy(ctx, log, seed)
	result := StrategyResult{ID: current.ID, Name: current.Name, Stale: stale, OldAPR: current.APR}
	entry := log.With(slog.Uint64("strategy_id", current.ID), slog.String("strategy", current.Name))

	if !current.Active {
		result.Skipped = true
		entry.Debug("strategy inactive, skipped")
		return result
	}

	estimate := predictor.Run(ctx, a.predictor, current.Name, current.APR)
	metrics.IncPrediction(string(estimate.Source))
	result.Predicted = estimate.APR
	result.Source = estimate.Source

	if estimate.APR == current.APR {
		entry.Info("apr unchanged", "apr", web3.FormatAPR(current.APR)+"%", "source", estimate.Source)
		return result
	}
	if a.submitter == nil {
		entry.Warn("no submitter configured, apr update skipped", "predicted_apr_bps", estimate.APR)
		return result
	}

	outcome := a.submitter.Submit(ctx, ethereum.UpdateStrategyAPR(current.ID, estimate.APR))
	result.Outcome = &outcome
	metrics.IncTransaction(outcome.Method, outcome.Status.String())

	if outcome.Confirmed() {
		updated := current.Clone()
		updated.APR = estimate.APR
		if err := a.store.Put(ctx, updated); err != nil {
			entry.Warn("snapshot update failed", "code", string(xerrors.CodeOf(err)), "error", err)
		}
		metrics.SetStrategyAPR(current.ID, estimate.APR)
		entry.Info("apr updated",
			"old_apr", web3.FormatAPR(current.APR)+"%",
			"new_apr", web3.FormatAPR(estimate.APR)+"%",
			"source", estimate.Source,
			"tx_hash", outcome.TxHash.Hex())
	} else {
		entry.Warn("apr update failed",
			"status", outcome.Status.String(),
			"predicted_apr_bps", estimate.APR,
			"error", outcome.Err)
		a.alert(ctx, cycleID, current.ID, outcome)
	}

	a.saveHistory(ctx, history.Record{
		CycleID:    cycleID,
		Kind:       history.KindAPRUpdate,
		StrategyID: current.ID,
		Asset:      current.Asset.Hex(),
		OldAPR:     current.APR,
		NewAPR:     estimate.APR,
		Source:     string(estimate.Source),
		Status:     outcome.Status.String(),
		TxHash:     txHash(outcome),
		Detail:     estimate.Reason,
		Error:      errString(outcome.Err),
	})
	a.publish(ctx, events.Event{
		Type:       events.TypeAPRUpdate,
		CycleID:    cycleID,
		StrategyID: current.ID,
		Status:     outcome.Status.String(),
		TxHash:     txHash(outcome),
		OldAPR:     current.APR,
		NewAPR:     estimate.APR,
		Error:      errString(outcome.Err),
		Metadata:   map[string]string{"source": string(estimate.Source)},
	})
	return result
}

// loadStrategy 读取链上记录，失败时依次退回缓存快照与种子值。
func (a *Agent) loadStrategy(ctx context.Context, log *slog.Logger, seed web3.Strategy) (web3.Strategy, bool) {
	var readErr error
	if a.reader != nil {
		fetched, err := a.reader.FetchStrategy(ctx, seed.ID)
		if err == nil {
			fetched.Name = seed.Name
			if err := a.store.Put(ctx, fetched); err != nil {
				log.Warn("snapshot update failed", "strategy_id", seed.ID, "code", string(xerrors.CodeOf(err)), "error", err)
			}
			metrics.SetStrategyAPR(fetched.ID, fetched.APR)
			return fetched, false
		}
		readErr = err
		metrics.IncChainReadFailure()
	}

	if cached, ok := a.store.Get(ctx, seed.ID); ok {
		if readErr != nil {
			log.Warn("chain read failed, using cached strategy",
				"strategy_id", seed.ID,
				"cached_apr_bps", cached.APR,
				"code", string(xerrors.CodeOf(readErr)),
				"error", readErr)
		}
		if cached.Name == "" {
			cached.Name = seed.Name
		}
		return cached, true
	}

	fallback := seed.Clone()
	if readErr != nil {
		log.Warn("chain read failed, using seed strategy",
			"strategy_id", seed.ID,
			"seed_apr_bps", seed.APR,
			"code", string(xerrors.CodeOf(readErr)),
			"error", readErr)
	}
	if err := a.store.Put(ctx, fallback); err != nil {
		log.Warn("snapshot update failed", "strategy_id", seed.ID, "code", string(xerrors.CodeOf(err)), "error", err)
	}
	return fallback, true
}

func (a *Agent) recordDecision(ctx context.Context, log *slog.Logger, cycleID string, decision rebalance.Decision) {
	metrics.IncRebalanceDecision(string(decision.Action))
	attrs := []any{
		"user", decision.User.Hex(),
		"asset", decision.Asset.Hex(),
		"action", string(decision.Action),
		"current_strategy", decision.CurrentID,
		"target_strategy", decision.TargetID,
		"reason", decision.Reason,
	}
	logger.Audit().Info("rebalance decision", append(attrs, "cycle_id", cycleID)...)

	status := "skipped"
	var errText, hash string
	if decision.Outcome != nil {
		outcome := *decision.Outcome
		status = outcome.Status.String()
		errText = errString(outcome.Err)
		hash = txHash(outcome)
		metrics.IncTransaction(outcome.Method, status)
		if !outcome.Confirmed() {
			log.Warn("rebalance transaction failed", append(attrs, "status", status, "error", outcome.Err)...)
			a.alert(ctx, cycleID, decision.TargetID, outcome)
		}
		a.publish(ctx, events.Event{
			Type:       events.TypeRebalance,
			CycleID:    cycleID,
			StrategyID: decision.TargetID,
			User:       decision.User.Hex(),
			Status:     status,
			TxHash:     hash,
			OldAPR:     decision.CurrentAPR,
			NewAPR:     decision.TargetAPR,
			Error:      errText,
		})
	} else if decision.Action == rebalance.ActionUnknown {
		log.Warn("rebalance skipped", attrs...)
	}

	a.saveHistory(ctx, history.Record{
		CycleID:    cycleID,
		Kind:       history.KindRebalance,
		StrategyID: decision.TargetID,
		User:       decision.User.Hex(),
		Asset:      decision.Asset.Hex(),
		OldAPR:     decision.CurrentAPR,
		NewAPR:     decision.TargetAPR,
		Status:     status,
		TxHash:     hash,
		Detail:     string(decision.Action) + ": " + decision.Reason,
		Error:      errText,
	})
}

func (a *Agent) saveHistory(ctx context.Context, record history.Record) {
	if a.history == nil {
		return
	}
	record.CreatedAt = a.now().UnixMilli()
	if err := a.history.Save(ctx, record); err != nil {
		a.log.Warn("history save failed", "cycle_id", record.CycleID, "code", string(xerrors.CodeOf(err)), "error", err)
	}
}

func (a *Agent) publish(ctx context.Context, event events.Event) {
	event.ID = a.newID()
	event.OccurredAt = a.now()
	if err := a.publisher.Publish(ctx, event); err != nil {
		a.log.Warn("event publish failed", "event_type", string(event.Type), "error", err)
	}
}

func (a *Agent) alert(ctx context.Context, cycleID string, strategyID uint64, outcome web3.Outcome) {
	if a.alerts == nil || outcome.Err == nil || !xerrors.ShouldAlert(outcome.Err) {
		return
	}
	event := alerting.FromError(outcome.Err, cycleID, strategyID)
	event.TxHash = txHash(outcome)
	if err := a.alerts.Notify(ctx, event); err != nil {
		a.log.Warn("alert delivery failed", "cycle_id", cycleID, "error", err)
	}
}

func txHash(outcome web3.Outcome) string {
	if outcome.TxHash == (common.Hash{}) {
		return ""
	}
	return outcome.TxHash.Hex()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
