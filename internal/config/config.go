package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Market    MarketConfig    `yaml:"market"`
	Engine    EngineConfig    `yaml:"engine"`
	Grid      []GridConfig    `yaml:"grid"`
	Hedge     []HedgeConfig   `yaml:"hedge"`
	Risk      RiskConfig      `yaml:"risk"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Account   AccountConfig   `yaml:"account"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type RESTConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	APIKey         string        `yaml:"-"`
	SecretKey      string        `yaml:"-"`
	Passphrase     string        `yaml:"-"`
	Simulated      bool          `yaml:"simulated"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxReconnects  int           `yaml:"max_reconnects"`
}

type StateConfig struct {
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type LedgerConfig struct {
	Dir string `yaml:"dir"`
}

type MarketConfig struct {
	ReferenceAsset string   `yaml:"reference_asset"`
	Assets         []string `yaml:"assets"`
	Bar            string   `yaml:"bar"`
	HistoryDays    int      `yaml:"history_days"`
	ResyncDays     int      `yaml:"resync_days"`
	PageLimit      int      `yaml:"page_limit"`
	CandleLimit    int      `yaml:"candle_limit"`
	FetchRetries   int      `yaml:"fetch_retries"`
	InstType       string   `yaml:"inst_type"`
}

type EngineConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	TradeEnabled bool          `yaml:"trade_enabled"`
}

type GridConfig struct {
	Asset          string  `yaml:"asset"`
	GridBasePrice  float64 `yaml:"grid_base_price"`
	GridWidth      float64 `yaml:"grid_width"`
	MinPrice       float64 `yaml:"min_price"`
	MaxPrice       float64 `yaml:"max_price"`
	UpperDrawdown  float64 `yaml:"upper_drawdown"`
	LowerDrawdown  float64 `yaml:"lower_drawdown"`
	BaseAmount     float64 `yaml:"base_amount"`
	BaseQuantity   float64 `yaml:"base_quantity"`
	SettlementType string  `yaml:"settlement_type"`
	MaxGridCount   int     `yaml:"max_grid_count"`
	SuppressLots   float64 `yaml:"suppress_lots"`
	SurvivalLots   float64 `yaml:"survival_lots"`
	Disabled       bool    `yaml:"disabled"`
}

type HedgeConfig struct {
	Assets     []string `yaml:"assets"`
	Amount     float64  `yaml:"amount"`
	OpenGate   float64  `yaml:"open_gate"`
	CloseGate  float64  `yaml:"close_gate"`
	ReturnRate float64  `yaml:"return_rate"`
	Disabled   bool     `yaml:"disabled"`
}

type RiskConfig struct {
	SuppressLots        float64 `yaml:"suppress_lots"`
	SurvivalLots        float64 `yaml:"survival_lots"`
	SuppressMarginRatio float64 `yaml:"suppress_margin_ratio"`
	SurvivalMarginRatio float64 `yaml:"survival_margin_ratio"`
	NoticeMarginRatio   float64 `yaml:"notice_margin_ratio"`
	SuppressMultiple    int     `yaml:"suppress_multiple"`
	MaxOpenGridCount    int     `yaml:"max_open_grid_count"`
}

type GatewayConfig struct {
	PlaceRetries   int           `yaml:"place_retries"`
	ConfirmRetries int           `yaml:"confirm_retries"`
	ConfirmDelay   time.Duration `yaml:"confirm_delay"`
	CancelTimeout  time.Duration `yaml:"cancel_timeout"`
}

type AccountConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://www.okx.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.RateLimitRPS == 0 {
		cfg.REST.RateLimitRPS = 10
	}
	if cfg.REST.RateLimitBurst == 0 {
		cfg.REST.RateLimitBurst = 5
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = deriveWSURL(cfg.REST.BaseURL)
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 5 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 20 * time.Second
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = "json"
	}
	if cfg.State.Path == "" {
		switch cfg.State.Backend {
		case "sqlite":
			cfg.State.Path = "data/okx-grid-hedge.db"
		case "badger":
			cfg.State.Path = "data/badger"
		default:
			cfg.State.Path = "records/local-variables.json"
		}
	}
	if cfg.State.FlushInterval == 0 {
		cfg.State.FlushInterval = time.Second
	}
	if cfg.Ledger.Dir == "" {
		cfg.Ledger.Dir = "records"
	}
	if cfg.Market.Bar == "" {
		cfg.Market.Bar = "5m"
	}
	if cfg.Market.HistoryDays == 0 {
		cfg.Market.HistoryDays = 32
	}
	if cfg.Market.ResyncDays == 0 {
		cfg.Market.ResyncDays = 12
	}
	if cfg.Market.PageLimit == 0 {
		cfg.Market.PageLimit = 300
	}
	if cfg.Market.CandleLimit == 0 {
		cfg.Market.CandleLimit = 3000
	}
	if cfg.Market.FetchRetries == 0 {
		cfg.Market.FetchRetries = 5
	}
	if cfg.Market.InstType == "" {
		cfg.Market.InstType = "SWAP"
	}
	if cfg.Market.ReferenceAsset == "" && len(cfg.Market.Assets) > 0 {
		cfg.Market.ReferenceAsset = cfg.Market.Assets[0]
	}
	if cfg.Engine.TickInterval == 0 {
		cfg.Engine.TickInterval = 3 * time.Second
	}
	for i := range cfg.Grid {
		g := &cfg.Grid[i]
		if g.GridWidth == 0 {
			g.GridWidth = 0.005
		}
		if g.UpperDrawdown == 0 {
			g.UpperDrawdown = 0.0075
		}
		if g.LowerDrawdown == 0 {
			g.LowerDrawdown = 0.0075
		}
		if g.SettlementType == "" {
			g.SettlementType = "amount"
		}
		if g.MaxGridCount == 0 {
			g.MaxGridCount = 8
		}
	}
	for i := range cfg.Hedge {
		h := &cfg.Hedge[i]
		if h.OpenGate == 0 {
			h.OpenGate = 0.045
		}
		if h.CloseGate == 0 {
			h.CloseGate = 0.003
		}
		if h.ReturnRate == 0 {
			h.ReturnRate = 0.1
		}
	}
	if cfg.Risk.SuppressLots == 0 {
		cfg.Risk.SuppressLots = 10
	}
	if cfg.Risk.SurvivalLots == 0 {
		cfg.Risk.SurvivalLots = 20
	}
	if cfg.Risk.SuppressMarginRatio == 0 {
		cfg.Risk.SuppressMarginRatio = 3000
	}
	if cfg.Risk.SurvivalMarginRatio == 0 {
		cfg.Risk.SurvivalMarginRatio = 1500
	}
	if cfg.Risk.NoticeMarginRatio == 0 {
		cfg.Risk.NoticeMarginRatio = 5000
	}
	if cfg.Risk.SuppressMultiple == 0 {
		cfg.Risk.SuppressMultiple = 2
	}
	if cfg.Risk.MaxOpenGridCount == 0 {
		cfg.Risk.MaxOpenGridCount = 8
	}
	if cfg.Gateway.PlaceRetries == 0 {
		cfg.Gateway.PlaceRetries = 3
	}
	if cfg.Gateway.ConfirmRetries == 0 {
		cfg.Gateway.ConfirmRetries = 3
	}
	if cfg.Gateway.ConfirmDelay == 0 {
		cfg.Gateway.ConfirmDelay = 500 * time.Millisecond
	}
	if cfg.Gateway.CancelTimeout == 0 {
		cfg.Gateway.CancelTimeout = 5 * time.Second
	}
	if cfg.Account.RefreshInterval == 0 {
		cfg.Account.RefreshInterval = 5 * time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := strings.TrimSpace(os.Getenv("OKX_API_KEY")); val != "" {
		cfg.REST.APIKey = val
	}
	if val := strings.TrimSpace(os.Getenv("OKX_SECRET_KEY")); val != "" {
		cfg.REST.SecretKey = val
	}
	if val := strings.TrimSpace(os.Getenv("OKX_PASSPHRASE")); val != "" {
		cfg.REST.Passphrase = val
	}
	if val := strings.TrimSpace(os.Getenv("OKX_SIMULATED")); val != "" {
		cfg.REST.Simulated = val == "1" || strings.EqualFold(val, "true")
	}
	if val := strings.TrimSpace(os.Getenv("GH_TELEGRAM_TOKEN")); val != "" {
		cfg.Telegram.Token = val
	}
	if val := strings.TrimSpace(os.Getenv("GH_TELEGRAM_CHAT_ID")); val != "" {
		cfg.Telegram.ChatID = val
	}
}

func validate(cfg *Config) error {
	if len(cfg.Market.Assets) == 0 {
		return errors.New("market.assets is required")
	}
	if !contains(cfg.Market.Assets, cfg.Market.ReferenceAsset) {
		return errors.New("market.reference_asset must be listed in market.assets")
	}
	switch cfg.State.Backend {
	case "json", "sqlite", "badger":
	default:
		return fmt.Errorf("state.backend %q is not supported", cfg.State.Backend)
	}
	if cfg.State.FlushInterval < 0 {
		return errors.New("state.flush_interval must be >= 0")
	}
	if cfg.WS.MaxReconnects < 0 {
		return errors.New("ws.max_reconnects must be >= 0")
	}
	if cfg.Market.FetchRetries < 0 || cfg.Market.FetchRetries > 5 {
		return errors.New("market.fetch_retries must be between 0 and 5")
	}
	for i, g := range cfg.Grid {
		if g.Asset == "" {
			return fmt.Errorf("grid[%d].asset is required", i)
		}
		if !contains(cfg.Market.Assets, g.Asset) {
			return fmt.Errorf("grid[%d].asset %s must be listed in market.assets", i, g.Asset)
		}
		if g.GridWidth <= 0 || g.GridWidth >= 1 {
			return fmt.Errorf("grid[%d].grid_width must be in (0,1)", i)
		}
		if g.MinPrice <= 0 {
			return fmt.Errorf("grid[%d].min_price must be > 0", i)
		}
		if g.MaxPrice <= g.MinPrice {
			return fmt.Errorf("grid[%d].max_price must be > min_price", i)
		}
		if g.GridBasePrice != 0 && (g.GridBasePrice < g.MinPrice || g.GridBasePrice > g.MaxPrice) {
			return fmt.Errorf("grid[%d].grid_base_price must be within [min_price, max_price]", i)
		}
		switch g.SettlementType {
		case "amount":
			if g.BaseAmount <= 0 {
				return fmt.Errorf("grid[%d].base_amount must be > 0", i)
			}
		case "lots":
			if g.BaseQuantity <= 0 {
				return fmt.Errorf("grid[%d].base_quantity must be > 0", i)
			}
		default:
			return fmt.Errorf("grid[%d].settlement_type %q is not supported", i, g.SettlementType)
		}
		if g.UpperDrawdown < 0 || g.LowerDrawdown < 0 {
			return fmt.Errorf("grid[%d] drawdowns must be >= 0", i)
		}
	}
	for i, h := range cfg.Hedge {
		if len(h.Assets) != 2 || h.Assets[0] == h.Assets[1] {
			return fmt.Errorf("hedge[%d].assets must name two distinct instruments", i)
		}
		for _, asset := range h.Assets {
			if !contains(cfg.Market.Assets, asset) {
				return fmt.Errorf("hedge[%d] asset %s must be listed in market.assets", i, asset)
			}
		}
		if h.Amount <= 0 {
			return fmt.Errorf("hedge[%d].amount must be > 0", i)
		}
		if h.CloseGate >= h.OpenGate {
			return fmt.Errorf("hedge[%d].close_gate must be < open_gate", i)
		}
		if h.ReturnRate < 0 || h.ReturnRate >= 1 {
			return fmt.Errorf("hedge[%d].return_rate must be in [0,1)", i)
		}
	}
	if cfg.Risk.SuppressLots >= cfg.Risk.SurvivalLots {
		return errors.New("risk.suppress_lots must be < risk.survival_lots")
	}
	if cfg.Risk.SurvivalMarginRatio >= cfg.Risk.SuppressMarginRatio {
		return errors.New("risk.survival_margin_ratio must be < risk.suppress_margin_ratio")
	}
	if cfg.Risk.SuppressMultiple < 1 {
		return errors.New("risk.suppress_multiple must be >= 1")
	}
	if cfg.Gateway.ConfirmRetries > 3 {
		return errors.New("gateway.confirm_retries must be <= 3")
	}
	if cfg.Gateway.PlaceRetries > 3 {
		return errors.New("gateway.place_retries must be <= 3")
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

func deriveWSURL(restURL string) string {
	switch {
	case strings.HasPrefix(restURL, "https://"):
		return "wss://" + strings.TrimPrefix(strings.TrimSuffix(restURL, "/"), "https://") + "/ws/v5/business"
	case strings.HasPrefix(restURL, "http://"):
		return "ws://" + strings.TrimPrefix(strings.TrimSuffix(restURL, "/"), "http://") + "/ws/v5/business"
	default:
		return "wss://ws.okx.com:8443/ws/v5/business"
	}
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
