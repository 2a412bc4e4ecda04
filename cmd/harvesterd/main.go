package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"YieldHarvester-Agent/internal/agent"
	"YieldHarvester-Agent/internal/api"
	"YieldHarvester-Agent/internal/config"
	xerrors "YieldHarvester-Agent/internal/errors"
	"YieldHarvester-Agent/internal/events"
	"YieldHarvester-Agent/internal/llm"
	"YieldHarvester-Agent/internal/llm/anthropic"
	"YieldHarvester-Agent/internal/llm/openai"
	"YieldHarvester-Agent/internal/llm/pythonbridge"
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

// main 是收益代理守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("harvesterd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	mainLog := logger.Named("harvesterd")

	catalog, err := config.LoadCatalog(cfg.Agent.Catalog)
	if err != nil {
		return err
	}
	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}
	mainLog.Info("starting agent",
		slog.Any("account", creds),
		slog.String("contract", cfg.ContractAddress().Hex()),
		slog.Int("strategies", len(catalog.Strategies)),
		slog.Int("positions", len(catalog.Users)))

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	chain, err := ethereum.Dial(ctx, cfg.Web3.RPCURL)
	if err != nil {
		return err
	}
	defer chain.Close()

	reader := ethereum.NewReader(chain.Backend(), cfg.ContractAddress(),
		ethereum.WithCallTimeout(cfg.ChainTimeout()))
	submitter := ethereum.NewSubmitter(chain.Backend(), cfg.ContractAddress(), creds.PrivateKey,
		ethereum.WithSubmitTimeout(cfg.ChainTimeout()),
		ethereum.WithReceiptTimeout(cfg.ReceiptTimeout()),
		ethereum.WithDefaultGasLimit(cfg.Web3.GasLimit))

	oracleClient, err := createOracleClient(cfg)
	if err != nil {
		return err
	}
	pred := predictor.NewOracle(oracleClient, predictor.NewRandomWalk(nil),
		predictor.WithOracleTimeout(cfg.OracleTimeout()),
		predictor.WithRequestsPerMinute(cfg.Oracle.RequestsPerMinute))

	store, closeStore, err := createSnapshotStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	repo, err := createHistoryRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	publisher, err := createPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerts.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.Alerts.SlackWebhookURL})
	}
	alerts := alerting.NewFanout(notifiers...)
	if oracleClient == nil {
		if err := alerts.Notify(ctx, alerting.Event{
			Code:     xerrors.CodePrediction,
			Severity: xerrors.SeverityInfo,
			Message:  "未配置预测服务，APR 仅由随机游走生成",
		}); err != nil {
			mainLog.Warn("alert delivery failed", slog.Any("error", err))
		}
	}

	evalOpts := []rebalance.Option{rebalance.WithMinImprovement(cfg.Agent.MinImprovementBps)}
	positions := make([]agent.Position, 0, len(catalog.Users))
	for _, user := range catalog.Users {
		pos := agent.Position{User: common.HexToAddress(user.Address), Asset: common.HexToAddress(user.Asset)}
		positions = append(positions, pos)
		if user.StrategyID != nil {
			evalOpts = append(evalOpts, rebalance.WithPositionHint(pos.User, pos.Asset, *user.StrategyID))
		}
	}
	evaluator := rebalance.NewEvaluator(reader, store, submitter, evalOpts...)

	ag := agent.New(reader, pred, submitter, store,
		agent.WithStrategies(seedStrategies(catalog)...),
		agent.WithPositions(positions...),
		agent.WithEvaluator(evaluator),
		agent.WithHistory(repo),
		agent.WithPublisher(publisher),
		agent.WithAlerts(alerts))

	scheduler, err := agent.NewScheduler(ag,
		agent.WithInterval(cfg.CycleInterval()),
		agent.WithCron(cfg.Agent.Schedule))
	if err != nil {
		return err
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				mainLog.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
	}
	if cfg.Server.Address != "" {
		server := api.NewServer(cfg.Server.Address, store,
			api.WithHistory(repo),
			api.WithStatus(scheduler),
			api.WithChain(chain),
			api.WithToken(cfg.Server.APIToken))
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				mainLog.Error("api server stopped", slog.Any("error", err))
			}
		}()
	}

	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	mainLog.Info("agent stopped")
	return nil
}

func seedStrategies(catalog config.Catalog) []web3.Strategy {
	seeds := make([]web3.Strategy, 0, len(catalog.Strategies))
	for _, entry := range catalog.Strategies {
		seeds = append(seeds, web3.Strategy{
			ID:       entry.ID,
			Name:     entry.Name,
			Asset:    common.HexToAddress(entry.Asset),
			Protocol: web3.ProtocolUnknown,
			APR:      entry.SeedAPR,
			Active:   true,
		})
	}
	return seeds
}

// createOracleClient 在未配置预测服务时返回 nil，此时预测器只使用随机游走。
func createOracleClient(cfg *config.Config) (llm.Client, error) {
	if !cfg.OracleEnabled() {
		return nil, nil
	}
	switch cfg.Oracle.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.Oracle.APIKey,
			BaseURL: cfg.Oracle.BaseURL,
			Model:   cfg.Oracle.Model,
			Timeout: cfg.OracleTimeout(),
		})
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:  cfg.Oracle.APIKey,
			BaseURL: cfg.Oracle.BaseURL,
			Model:   cfg.Oracle.Model,
			Timeout: cfg.OracleTimeout(),
		})
	case "python_bridge":
		return pythonbridge.NewClient(cfg.Oracle.Python.PythonExecutable, cfg.Oracle.Python.ScriptPath, cfg.Oracle.Python.WorkingDir)
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的预测服务 provider: %s", cfg.Oracle.Provider))
	}
}

func createSnapshotStore(ctx context.Context, cfg *config.Config) (state.Store, func(), error) {
	if cfg.Storage.Snapshots.Driver != "redis" {
		return state.NewMemoryStore(), func() {}, nil
	}
	store, err := state.NewRedisStore(ctx, state.RedisStoreConfig{
		Address:  cfg.Storage.Snapshots.Redis.Address,
		Password: cfg.Storage.Snapshots.Redis.Password,
		DB:       cfg.Storage.Snapshots.Redis.DB,
		Key:      cfg.Storage.Snapshots.Redis.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	restored, err := store.Load(ctx)
	if err != nil {
		logger.L().Warn("snapshot restore failed", slog.Any("error", err))
	} else {
		logger.L().Info("snapshots restored", slog.Int("count", restored))
	}
	return store, func() { _ = store.Close() }, nil
}

func createHistoryRepository(ctx context.Context, cfg *config.Config) (history.Repository, error) {
	switch cfg.Storage.History.Driver {
	case "", "memory":
		return history.NewFileRepository(cfg.Runtime.DataDir)
	case history.DialectMySQL, history.DialectSQLite:
		repo, err := history.OpenSQL(ctx, history.SQLConfig{
			Driver: cfg.Storage.History.Driver,
			DSN:    cfg.Storage.History.DSN,
		})
		if err != nil {
			return nil, err
		}
		cutoff := time.Now().AddDate(0, 0, -cfg.Storage.History.RetentionDays)
		if removed, err := repo.Prune(ctx, cutoff); err != nil {
			logger.L().Warn("history prune failed", slog.Any("error", err))
		} else if removed > 0 {
			logger.L().Info("history pruned", slog.Int64("removed", removed))
		}
		return repo, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的历史存储驱动: %s", cfg.Storage.History.Driver))
	}
}

func createPublisher(cfg *config.Config) (events.Publisher, error) {
	if cfg.Events.Driver != "rabbitmq" {
		return events.NopPublisher{}, nil
	}
	return events.NewRabbitMQPublisher(events.RabbitMQConfig{
		URL:        cfg.Events.RabbitMQ.URL,
		Exchange:   cfg.Events.RabbitMQ.Exchange,
		RoutingKey: cfg.Events.RabbitMQ.RoutingKey,
	})
}
