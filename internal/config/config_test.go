package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Market: MarketConfig{Assets: []string{"BTC-USDT-SWAP", "ETH-USDT-SWAP"}},
		Grid: []GridConfig{{
			Asset:      "ETH-USDT-SWAP",
			MinPrice:   1500,
			MaxPrice:   5000,
			BaseAmount: 30,
		}},
		Hedge: []HedgeConfig{{
			Assets: []string{"BTC-USDT-SWAP", "ETH-USDT-SWAP"},
			Amount: 200,
		}},
	}
}

func TestReferenceAssetDefaultsToFirstAsset(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	if cfg.Market.ReferenceAsset != "BTC-USDT-SWAP" {
		t.Fatalf("expected reference asset BTC-USDT-SWAP, got %q", cfg.Market.ReferenceAsset)
	}
}

func TestGridDefaults(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	g := cfg.Grid[0]
	if g.GridWidth != 0.005 {
		t.Fatalf("expected grid width default 0.005, got %v", g.GridWidth)
	}
	if g.UpperDrawdown != 0.0075 || g.LowerDrawdown != 0.0075 {
		t.Fatalf("expected drawdown defaults, got %v/%v", g.UpperDrawdown, g.LowerDrawdown)
	}
	if g.SettlementType != "amount" {
		t.Fatalf("expected amount settlement, got %q", g.SettlementType)
	}
	if g.MaxGridCount != 8 {
		t.Fatalf("expected max grid count 8, got %d", g.MaxGridCount)
	}
}

func TestHedgeDefaults(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	h := cfg.Hedge[0]
	if h.OpenGate != 0.045 || h.CloseGate != 0.003 {
		t.Fatalf("unexpected gates %v/%v", h.OpenGate, h.CloseGate)
	}
	if h.ReturnRate <= 0 {
		t.Fatalf("expected return rate default, got %v", h.ReturnRate)
	}
}

func TestEngineAndStateDefaults(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	if cfg.Engine.TickInterval != 3*time.Second {
		t.Fatalf("expected tick interval 3s, got %v", cfg.Engine.TickInterval)
	}
	if cfg.State.Backend != "json" || cfg.State.Path != "records/local-variables.json" {
		t.Fatalf("unexpected state defaults %q %q", cfg.State.Backend, cfg.State.Path)
	}
	if cfg.State.FlushInterval != time.Second {
		t.Fatalf("expected flush interval 1s, got %v", cfg.State.FlushInterval)
	}
	if cfg.Gateway.ConfirmRetries != 3 {
		t.Fatalf("expected 3 confirm retries, got %d", cfg.Gateway.ConfirmRetries)
	}
}

func TestSQLiteBackendPathDefault(t *testing.T) {
	cfg := baseConfig()
	cfg.State.Backend = "sqlite"
	applyDefaults(cfg)
	if cfg.State.Path != "data/okx-grid-hedge.db" {
		t.Fatalf("unexpected sqlite path %q", cfg.State.Path)
	}
}

func TestMetricsDefaults(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	if !cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics enabled default")
	}
	if cfg.Metrics.Address != "127.0.0.1:9001" {
		t.Fatalf("expected metrics address default, got %q", cfg.Metrics.Address)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("expected metrics path default, got %q", cfg.Metrics.Path)
	}
}

func TestWSURLDerivedFromREST(t *testing.T) {
	cfg := &Config{REST: RESTConfig{BaseURL: "https://example.com"}}
	applyDefaults(cfg)
	if cfg.WS.URL != "wss://example.com/ws/v5/business" {
		t.Fatalf("expected derived ws url, got %q", cfg.WS.URL)
	}
}

func TestWSURLRespectsExplicitValue(t *testing.T) {
	cfg := &Config{
		REST: RESTConfig{BaseURL: "https://example.com"},
		WS:   WSConfig{URL: "wss://override.example/ws"},
	}
	applyDefaults(cfg)
	if cfg.WS.URL != "wss://override.example/ws" {
		t.Fatalf("expected explicit ws url, got %q", cfg.WS.URL)
	}
}

func TestValidateAcceptsBaseConfig(t *testing.T) {
	cfg := baseConfig()
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRequiresAssets(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing assets")
	}
}

func TestValidateRejectsInvertedGridRange(t *testing.T) {
	cfg := baseConfig()
	cfg.Grid[0].MinPrice = 5000
	cfg.Grid[0].MaxPrice = 1500
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for inverted grid range")
	}
}

func TestValidateRejectsBaseOutsideRange(t *testing.T) {
	cfg := baseConfig()
	cfg.Grid[0].GridBasePrice = 100
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for base price outside range")
	}
}

func TestValidateRejectsUnknownGridAsset(t *testing.T) {
	cfg := baseConfig()
	cfg.Grid[0].Asset = "SOL-USDT-SWAP"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for grid asset outside market.assets")
	}
}

func TestValidateRejectsHedgeWithSameAsset(t *testing.T) {
	cfg := baseConfig()
	cfg.Hedge[0].Assets = []string{"ETH-USDT-SWAP", "ETH-USDT-SWAP"}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for duplicate hedge legs")
	}
}

func TestValidateRejectsCloseGateAboveOpenGate(t *testing.T) {
	cfg := baseConfig()
	cfg.Hedge[0].OpenGate = 0.01
	cfg.Hedge[0].CloseGate = 0.02
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for close gate above open gate")
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := baseConfig()
	cfg.State.Backend = "redis"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unsupported backend")
	}
}

func TestValidateRejectsMetricsPathWithoutSlash(t *testing.T) {
	cfg := baseConfig()
	cfg.Metrics.Path = "metrics"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for metrics path without leading slash")
	}
}

func TestValidateRejectsTelegramEnabledWithoutConfig(t *testing.T) {
	t.Setenv("GH_TELEGRAM_TOKEN", "")
	t.Setenv("GH_TELEGRAM_CHAT_ID", "")
	cfg := baseConfig()
	cfg.Telegram.Enabled = true
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing telegram token/chat_id")
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("OKX_API_KEY", "k")
	t.Setenv("OKX_SECRET_KEY", "s")
	t.Setenv("OKX_PASSPHRASE", "p")
	t.Setenv("OKX_SIMULATED", "1")
	t.Setenv("GH_TELEGRAM_TOKEN", "env-token")
	t.Setenv("GH_TELEGRAM_CHAT_ID", "123")
	cfg := baseConfig()
	cfg.Telegram = TelegramConfig{Enabled: true, Token: "config-token", ChatID: "999"}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if cfg.REST.APIKey != "k" || cfg.REST.SecretKey != "s" || cfg.REST.Passphrase != "p" {
		t.Fatalf("expected credentials from env, got %+v", cfg.REST)
	}
	if !cfg.REST.Simulated {
		t.Fatalf("expected simulated trading from env")
	}
	if cfg.Telegram.Token != "env-token" || cfg.Telegram.ChatID != "123" {
		t.Fatalf("expected telegram env override, got %q/%q", cfg.Telegram.Token, cfg.Telegram.ChatID)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config with env overrides, got %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
market:
  assets: [BTC-USDT-SWAP, XRP-USDT-SWAP]
engine:
  tick_interval: 2s
grid:
  - asset: XRP-USDT-SWAP
    grid_width: 0.01
    min_price: 1.5
    max_price: 2.7
    base_amount: 30
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Engine.TickInterval != 2*time.Second {
		t.Fatalf("expected tick interval 2s, got %v", cfg.Engine.TickInterval)
	}
	if cfg.Grid[0].GridWidth != 0.01 {
		t.Fatalf("expected grid width 0.01, got %v", cfg.Grid[0].GridWidth)
	}
}
