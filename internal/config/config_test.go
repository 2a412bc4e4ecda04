package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "YieldHarvester-Agent/internal/errors"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func testKeyHex(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return hex.EncodeToString(crypto.FromECDSA(key))
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"RPC_URL", "DIAMOND_ADDRESS", "PRIVATE_KEY", "ORACLE_API_KEY", "GEMINI_API_KEY",
		"ORACLE_PROVIDER", "ORACLE_BASE_URL", "ORACLE_MODEL", "CYCLE_INTERVAL",
		"SLACK_WEBHOOK_URL", "LOG_LEVEL", "LOG_FORMAT", "HARVESTER_CONFIG",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnvAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DIAMOND_ADDRESS", testContract)
	t.Setenv("PRIVATE_KEY", "0x"+testKeyHex(t))
	t.Setenv("CYCLE_INTERVAL", "90s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Web3.RPCURL != "http://127.0.0.1:8545" {
		t.Fatalf("unexpected rpc url %s", cfg.Web3.RPCURL)
	}
	if cfg.CycleInterval().Seconds() != 90 {
		t.Fatalf("unexpected interval %s", cfg.CycleInterval())
	}
	if cfg.Web3.GasLimit != 200000 || cfg.ReceiptTimeout().Seconds() != 60 {
		t.Fatalf("unexpected chain defaults: %+v", cfg.Web3)
	}
	if cfg.OracleEnabled() {
		t.Fatal("oracle should be disabled without api key")
	}
	if cfg.Storage.History.Driver != "memory" || cfg.Events.Driver != "none" {
		t.Fatalf("unexpected drivers: %s %s", cfg.Storage.History.Driver, cfg.Events.Driver)
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "harvester.json")
	content := fmt.Sprintf(`{
		"web3": {"rpc_url": "http://node:8545", "contract_address": %q, "private_key": %q},
		"oracle": {"provider": "Anthropic", "api_key": "file-key"},
		"agent": {"catalog": "strategies.yaml", "min_improvement_bps": 25}
	}`, testContract, testKeyHex(t))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RPC_URL", "http://override:8545")
	t.Setenv("GEMINI_API_KEY", "env-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Web3.RPCURL != "http://override:8545" {
		t.Fatalf("env override not applied: %s", cfg.Web3.RPCURL)
	}
	if cfg.Oracle.APIKey != "env-key" || cfg.Oracle.Provider != "anthropic" {
		t.Fatalf("unexpected oracle config: %+v", cfg.Oracle)
	}
	if cfg.Agent.Catalog != filepath.Join(dir, "strategies.yaml") {
		t.Fatalf("catalog path not resolved: %s", cfg.Agent.Catalog)
	}
	if cfg.Agent.MinImprovementBps != 25 {
		t.Fatalf("unexpected min improvement %d", cfg.Agent.MinImprovementBps)
	}
}

func TestValidateRejectsMissingSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("PRIVATE_KEY", "not-hex")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
	msg := err.Error()
	if !strings.Contains(msg, "contract_address") || !strings.Contains(msg, "private_key") {
		t.Fatalf("expected both problems reported: %s", msg)
	}
	if strings.Contains(msg, "not-hex") {
		t.Fatalf("private key material leaked into error: %s", msg)
	}
}

func TestValidateRejectsZeroContractAndBadSchedule(t *testing.T) {
	clearEnv(t)
	t.Setenv("DIAMOND_ADDRESS", "0x0000000000000000000000000000000000000000")
	t.Setenv("PRIVATE_KEY", testKeyHex(t))

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "零地址") {
		t.Fatalf("expected zero address rejection, got %v", err)
	}

	t.Setenv("DIAMOND_ADDRESS", testContract)
	t.Setenv("CYCLE_INTERVAL", "soon")
	if _, err := Load(""); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected invalid interval rejection, got %v", err)
	}
}

func TestCredentialsAreRedacted(t *testing.T) {
	clearEnv(t)
	keyHex := testKeyHex(t)
	t.Setenv("DIAMOND_ADDRESS", testContract)
	t.Setenv("PRIVATE_KEY", keyHex)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	creds, err := cfg.Credentials()
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if creds.Address != crypto.PubkeyToAddress(creds.PrivateKey.PublicKey) {
		t.Fatal("address does not match key")
	}

	var sb strings.Builder
	log := slog.New(slog.NewTextHandler(&sb, nil))
	log.Info("loaded", slog.Any("credentials", creds))
	out := sb.String() + creds.String() + fmt.Sprint(creds)
	if strings.Contains(out, keyHex) {
		t.Fatalf("private key leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker: %s", out)
	}
}
