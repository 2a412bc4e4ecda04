package config

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	xerrors "YieldHarvester-Agent/internal/errors"
)

// DefaultPath 是未设置 HARVESTER_CONFIG 时尝试读取的配置文件。
const DefaultPath = "configs/harvester.json"

// Config 描述了收益代理在启动阶段需要加载的全部配置，Load 之后视为只读。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Web3    Web3Config    `json:"web3"`
	Oracle  OracleConfig  `json:"oracle"`
	Agent   AgentConfig   `json:"agent"`
	Storage StorageConfig `json:"storage"`
	Events  EventsConfig  `json:"events"`
	Alerts  AlertsConfig  `json:"alerts"`
	Log     LogConfig     `json:"log"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制状态 API 与指标端点的监听地址。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
	// APIToken 非空时 /api/v1 下的接口需要携带 Bearer Token。
	APIToken string `json:"api_token"`
}

// Web3Config 包含访问节点、合约与签名所需的信息。
type Web3Config struct {
	RPCURL                string `json:"rpc_url"`
	ContractAddress       string `json:"contract_address"`
	PrivateKey            string `json:"private_key"`
	ChainTimeoutSeconds   int    `json:"chain_timeout_seconds"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
	GasLimit              uint64 `json:"gas_limit"`
}

// OracleConfig 用于配置 APR 预测所使用的大模型服务。
type OracleConfig struct {
	Provider          string             `json:"provider"`
	APIKey            string             `json:"api_key"`
	BaseURL           string             `json:"base_url"`
	Model             string             `json:"model"`
	TimeoutSeconds    int                `json:"timeout_seconds"`
	RequestsPerMinute int                `json:"requests_per_minute"`
	Python            PythonBridgeConfig `json:"python_bridge"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成预测时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// AgentConfig 控制调度周期与再平衡阈值。
type AgentConfig struct {
	CycleIntervalSeconds int    `json:"cycle_interval_seconds"`
	Schedule             string `json:"schedule"`
	MinImprovementBps    int64  `json:"min_improvement_bps"`
	Catalog              string `json:"catalog"`
}

// StorageConfig 统一描述历史记录与快照缓存的后端。
type StorageConfig struct {
	History   HistoryConfig  `json:"history"`
	Snapshots SnapshotConfig `json:"snapshots"`
}

// HistoryConfig 选择周期历史的存储驱动：memory、mysql 或 sqlite。
type HistoryConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	// RetentionDays 只对 SQL 驱动生效，启动时清理更早的记录。
	RetentionDays int `json:"retention_days"`
}

// SnapshotConfig 选择策略快照的存储驱动：memory 或 redis。
type SnapshotConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// EventsConfig 控制交易结果事件的投递方式：none 或 rabbitmq。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述事件交换机。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// AlertsConfig 配置告警渠道，未配置 Slack 时仅写日志。
type AlertsConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level   string         `json:"level"`
	Format  string         `json:"format"`
	Outputs []string       `json:"outputs"`
	Audit   AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志文件。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// ResolvePath 返回应读取的配置文件路径。显式设置 HARVESTER_CONFIG 时文件必须存在，
// 否则仅在默认文件存在时读取，返回空字符串表示只使用环境变量。
func ResolvePath() string {
	if v := strings.TrimSpace(os.Getenv("HARVESTER_CONFIG")); v != "" {
		return v
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Load 依次读取 .env、JSON 配置文件与环境变量，补全默认值并校验。
// path 为空时跳过配置文件。
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
		}
		baseDir = filepath.Dir(path)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides 使用环境变量覆盖文件中的值。
func (c *Config) applyEnvOverrides() error {
	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&c.Web3.RPCURL, "RPC_URL")
	setString(&c.Web3.ContractAddress, "DIAMOND_ADDRESS")
	setString(&c.Web3.PrivateKey, "PRIVATE_KEY")
	setString(&c.Oracle.APIKey, "ORACLE_API_KEY", "GEMINI_API_KEY")
	setString(&c.Oracle.Provider, "ORACLE_PROVIDER")
	setString(&c.Oracle.BaseURL, "ORACLE_BASE_URL")
	setString(&c.Oracle.Model, "ORACLE_MODEL")
	setString(&c.Alerts.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	setString(&c.Server.APIToken, "HARVESTER_API_TOKEN")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	if v := strings.TrimSpace(os.Getenv("CYCLE_INTERVAL")); v != "" {
		seconds, err := parseIntervalSeconds(v)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "CYCLE_INTERVAL 无效",
				xerrors.WithMetadata("value", v))
		}
		c.Agent.CycleIntervalSeconds = seconds
	}
	return nil
}

// parseIntervalSeconds 同时接受 Go duration（"90s"、"2m"）与纯秒数。
func parseIntervalSeconds(v string) (int, error) {
	if d, err := time.ParseDuration(v); err == nil {
		if d < time.Second {
			return 0, fmt.Errorf("interval %s shorter than one second", d)
		}
		return int(d / time.Second), nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse interval %q: %w", v, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %d", n)
	}
	return n, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Web3.RPCURL == "" {
		c.Web3.RPCURL = "http://127.0.0.1:8545"
	}
	if c.Web3.ChainTimeoutSeconds <= 0 {
		c.Web3.ChainTimeoutSeconds = 15
	}
	if c.Web3.ReceiptTimeoutSeconds <= 0 {
		c.Web3.ReceiptTimeoutSeconds = 60
	}
	if c.Web3.GasLimit == 0 {
		c.Web3.GasLimit = 200000
	}

	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "openai"
	}
	c.Oracle.Provider = strings.ToLower(c.Oracle.Provider)
	if c.Oracle.TimeoutSeconds <= 0 {
		c.Oracle.TimeoutSeconds = 20
	}
	if c.Oracle.RequestsPerMinute <= 0 {
		c.Oracle.RequestsPerMinute = 30
	}
	if c.Oracle.Python.PythonExecutable == "" {
		c.Oracle.Python.PythonExecutable = "python3"
	}
	c.Oracle.Python.WorkingDir = resolve(baseDir, c.Oracle.Python.WorkingDir, baseDir)
	if c.Oracle.Python.ScriptPath != "" {
		c.Oracle.Python.ScriptPath = resolve(baseDir, c.Oracle.Python.ScriptPath, "")
	}

	if c.Agent.CycleIntervalSeconds <= 0 {
		c.Agent.CycleIntervalSeconds = 60
	}
	if c.Agent.Catalog != "" {
		c.Agent.Catalog = resolve(baseDir, c.Agent.Catalog, "")
	}

	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}
	c.Storage.History.Driver = strings.ToLower(c.Storage.History.Driver)
	if c.Storage.History.RetentionDays <= 0 {
		c.Storage.History.RetentionDays = 30
	}
	if c.Storage.Snapshots.Driver == "" {
		c.Storage.Snapshots.Driver = "memory"
	}
	c.Storage.Snapshots.Driver = strings.ToLower(c.Storage.Snapshots.Driver)
	if c.Storage.Snapshots.Redis.Prefix == "" {
		c.Storage.Snapshots.Redis.Prefix = "harvester:strategy"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	c.Events.Driver = strings.ToLower(c.Events.Driver)
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "harvester.events"
	}
	if c.Events.RabbitMQ.RoutingKey == "" {
		c.Events.RabbitMQ.RoutingKey = "tx.outcome"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 校验启动所必需的字段，失败时返回 CONFIGURATION_INVALID。
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Web3.RPCURL) == "" {
		problems = append(problems, "web3.rpc_url 不能为空")
	}
	if !common.IsHexAddress(c.Web3.ContractAddress) {
		problems = append(problems, "web3.contract_address 缺失或格式错误")
	} else if common.HexToAddress(c.Web3.ContractAddress) == (common.Address{}) {
		problems = append(problems, "web3.contract_address 不能为零地址")
	}
	if _, err := parsePrivateKey(c.Web3.PrivateKey); err != nil {
		problems = append(problems, "web3.private_key 无效")
	}

	switch c.Oracle.Provider {
	case "openai", "anthropic":
	case "python_bridge":
		if c.Oracle.Python.ScriptPath == "" {
			problems = append(problems, "oracle.python_bridge.script_path 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("不支持的 oracle.provider: %s", c.Oracle.Provider))
	}

	if c.Agent.Schedule != "" {
		if _, err := cron.ParseStandard(c.Agent.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("agent.schedule 无法解析: %v", err))
		}
	}
	if c.Agent.MinImprovementBps < 0 {
		problems = append(problems, "agent.min_improvement_bps 不能为负数")
	}

	switch c.Storage.History.Driver {
	case "memory":
	case "mysql", "sqlite":
		if c.Storage.History.DSN == "" {
			problems = append(problems, "storage.history.dsn 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("不支持的 storage.history.driver: %s", c.Storage.History.Driver))
	}
	switch c.Storage.Snapshots.Driver {
	case "memory":
	case "redis":
		if c.Storage.Snapshots.Redis.Address == "" {
			problems = append(problems, "storage.snapshots.redis.address 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("不支持的 storage.snapshots.driver: %s", c.Storage.Snapshots.Driver))
	}
	switch c.Events.Driver {
	case "none":
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			problems = append(problems, "events.rabbitmq.url 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("不支持的 events.driver: %s", c.Events.Driver))
	}

	if len(problems) == 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeConfiguration, strings.Join(problems, "; "))
}

// ChainTimeout 返回单次链上读取的超时时间。
func (c *Config) ChainTimeout() time.Duration {
	return time.Duration(c.Web3.ChainTimeoutSeconds) * time.Second
}

// ReceiptTimeout 返回等待交易回执的最长时间。
func (c *Config) ReceiptTimeout() time.Duration {
	return time.Duration(c.Web3.ReceiptTimeoutSeconds) * time.Second
}

// OracleTimeout 返回单次预测调用的超时时间。
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutSeconds) * time.Second
}

// CycleInterval 返回两次周期之间的休眠时间。
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Agent.CycleIntervalSeconds) * time.Second
}

// OracleEnabled 表示是否配置了预测服务。未配置时代理只使用随机游走。
func (c *Config) OracleEnabled() bool {
	if c.Oracle.Provider == "python_bridge" {
		return c.Oracle.Python.ScriptPath != ""
	}
	return c.Oracle.APIKey != ""
}

// Credentials 是签名账户。私钥只交给交易签名方使用，日志中永远被脱敏。
type Credentials struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// String 实现 fmt.Stringer，避免私钥被意外打印。
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Address: %s, PrivateKey: [REDACTED]}", c.Address.Hex())
}

// LogValue 实现 slog.LogValuer。
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("address", c.Address.Hex()),
		slog.String("private_key", "[REDACTED]"),
	)
}

// Credentials 解析配置中的私钥。
func (c *Config) Credentials() (Credentials, error) {
	key, err := parsePrivateKey(c.Web3.PrivateKey)
	if err != nil {
		return Credentials{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析私钥失败")
	}
	return Credentials{Address: crypto.PubkeyToAddress(key.PublicKey), PrivateKey: key}, nil
}

// ContractAddress 返回合约地址。
func (c *Config) ContractAddress() common.Address {
	return common.HexToAddress(c.Web3.ContractAddress)
}

func parsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, errors.New("private key is empty")
	}
	return crypto.HexToECDSA(raw)
}
