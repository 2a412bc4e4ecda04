package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "YieldHarvester-Agent/internal/errors"
)

// MainnetUSDC 是内置目录中三个策略共用的资产地址。
const MainnetUSDC = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

// MaxSeedAPR 与预测器的上限保持一致。
const MaxSeedAPR = 2000

// Catalog 对应 configs/strategies.yaml，列出代理需要维护的策略与跟踪的用户。
type Catalog struct {
	Strategies []StrategyEntry `yaml:"strategies"`
	Users      []UserEntry     `yaml:"users"`
}

// StrategyEntry 描述一个已知策略。SeedAPR 在链上读取从未成功时作为初始快照。
type StrategyEntry struct {
	ID      uint64 `yaml:"id"`
	Name    string `yaml:"name"`
	Asset   string `yaml:"asset"`
	SeedAPR int64  `yaml:"seed_apr_bps"`
}

// UserEntry 描述一个需要评估再平衡的用户仓位。
// StrategyID 是可选提示，在链上查询用户当前策略失败时使用。
type UserEntry struct {
	Address    string  `yaml:"address"`
	Asset      string  `yaml:"asset"`
	StrategyID *uint64 `yaml:"strategy_id"`
}

// DefaultCatalog 返回内置的三个 USDC 策略，不包含任何跟踪用户。
func DefaultCatalog() Catalog {
	return Catalog{
		Strategies: []StrategyEntry{
			{ID: 0, Name: "Aave V3 USDC", Asset: MainnetUSDC, SeedAPR: 500},
			{ID: 1, Name: "Compound V3 USDC", Asset: MainnetUSDC, SeedAPR: 480},
			{ID: 2, Name: "Yearn USDC", Asset: MainnetUSDC, SeedAPR: 520},
		},
	}
}

// LoadCatalog 解析策略目录 YAML。path 为空时返回内置目录。
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取策略目录失败")
	}

	var catalog Catalog
	if err := yaml.Unmarshal(content, &catalog); err != nil {
		return Catalog{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析策略目录失败")
	}
	if err := catalog.Validate(); err != nil {
		return Catalog{}, err
	}
	return catalog, nil
}

// Validate 检查策略 ID 唯一、地址合法以及种子 APR 位于 [0, 2000]。
func (c Catalog) Validate() error {
	if len(c.Strategies) == 0 {
		return xerrors.New(xerrors.CodeConfiguration, "策略目录为空")
	}
	seen := make(map[uint64]struct{}, len(c.Strategies))
	for _, s := range c.Strategies {
		if _, dup := seen[s.ID]; dup {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("策略 ID 重复: %d", s.ID))
		}
		seen[s.ID] = struct{}{}
		if !common.IsHexAddress(s.Asset) {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("策略 %d 的资产地址无效: %q", s.ID, s.Asset))
		}
		if s.SeedAPR < 0 || s.SeedAPR > MaxSeedAPR {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("策略 %d 的种子 APR 超出范围: %d", s.ID, s.SeedAPR))
		}
	}
	for _, u := range c.Users {
		if !common.IsHexAddress(u.Address) || !common.IsHexAddress(u.Asset) {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("跟踪用户配置无效: %s/%s", u.Address, u.Asset))
		}
		if u.StrategyID != nil {
			if _, ok := seen[*u.StrategyID]; !ok {
				return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("用户 %s 引用了未知策略 %d", u.Address, *u.StrategyID))
			}
		}
	}
	return nil
}
