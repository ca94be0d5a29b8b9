package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "aegis.yaml", `
server:
  address: ":9090"
storage:
  driver: sqlite
  dsn: state/aegis.db
ledger:
  simulate_timeout: 20s
hitl:
  ttl: 2h
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.Storage.DSN != filepath.Join(dir, "state/aegis.db") {
		t.Fatalf("sqlite dsn not resolved against config dir: %q", cfg.Storage.DSN)
	}
	if cfg.Ledger.SimulateTimeout != 20*time.Second {
		t.Fatalf("simulate timeout = %s", cfg.Ledger.SimulateTimeout)
	}
	if cfg.Ledger.SubmitTimeout != 60*time.Second {
		t.Fatalf("submit timeout default = %s", cfg.Ledger.SubmitTimeout)
	}
	if cfg.HITL.TTL != 2*time.Hour || cfg.HITL.SweepSchedule != "@every 5m" {
		t.Fatalf("hitl = %+v", cfg.HITL)
	}
	if cfg.Ledger.RPCURL != "https://api.devnet.solana.com" || cfg.Ledger.JupiterURL != "https://quote-api.jup.ag/v6" {
		t.Fatalf("ledger defaults = %+v", cfg.Ledger)
	}
	if cfg.Oracle.PythTimeout != 5*time.Second || cfg.Oracle.CoinGeckoTimeout != 8*time.Second || cfg.Oracle.CacheTTL != 30*time.Second {
		t.Fatalf("oracle defaults = %+v", cfg.Oracle)
	}
	if cfg.Notify.Workers != 2 || cfg.Notify.WebhookTimeout != 5*time.Second {
		t.Fatalf("notify defaults = %+v", cfg.Notify)
	}
	if cfg.Server.RateLimit != 20 || cfg.Server.RateBurst != 40 {
		t.Fatalf("rate defaults = %v/%d", cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging level = %q", cfg.Logging.Level)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "aegis.json", `{"server": {"address": ":7070", "rate_limit": 5}, "notify": {"queue_driver": "redis"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":7070" || cfg.Server.RateLimit != 5 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Notify.QueueDriver != DriverRedis {
		t.Fatalf("queue driver = %q", cfg.Notify.QueueDriver)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Fatalf("storage driver default = %q", cfg.Storage.Driver)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "aegis.yaml", "server:\n  address: \":9090\"\nkeystore:\n  passphrase: from-file\n")
	t.Setenv("AEGIS_SERVER_ADDRESS", ":6060")
	t.Setenv("AEGIS_KEYSTORE_PASSPHRASE", "from-env")
	t.Setenv("AEGIS_HITL_TTL", "90m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":6060" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.Keystore.Passphrase != "from-env" {
		t.Fatalf("passphrase = %q", cfg.Keystore.Passphrase)
	}
	if cfg.HITL.TTL != 90*time.Minute {
		t.Fatalf("ttl = %s", cfg.HITL.TTL)
	}
}

func TestDotEnvInConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "aegis.yaml", "server:\n  address: \":9090\"\n")
	writeFile(t, dir, ".env", "AEGIS_REDIS_ADDRESS=redis.internal:6379\n")
	t.Setenv("AEGIS_REDIS_ADDRESS", "")
	os.Unsetenv("AEGIS_REDIS_ADDRESS")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Address != "redis.internal:6379" {
		t.Fatalf("redis address = %q", cfg.Redis.Address)
	}
}

func TestInvalidEnvValue(t *testing.T) {
	t.Setenv("AEGIS_SERVER_RATE_LIMIT", "fast")
	if _, err := Load(""); err == nil {
		t.Fatal("expected parse error for AEGIS_SERVER_RATE_LIMIT")
	}
}

func TestValidateRejectsUnknownDriversAndDurations(t *testing.T) {
	var cfg Config
	cfg.applyDefaults(".")
	cfg.Storage.Driver = "postgres"
	cfg.Notify.QueueDriver = "kafka"
	cfg.Ledger.SubmitTimeout = -time.Second

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"postgres", "kafka", "ledger.submit_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}

	var mysqlCfg Config
	mysqlCfg.Storage.Driver = DriverMySQL
	mysqlCfg.applyDefaults(".")
	if err := mysqlCfg.Validate(); err == nil {
		t.Fatal("mysql without dsn should fail")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
