package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Keeper kinds a market can enable.
const (
	KeeperLiquidation = "liquidation"
	KeeperDelayed     = "delayed"
	KeeperOffchain    = "offchain"
)

// Config is the full keeper configuration.
type Config struct {
	Network     NetworkConfig     `yaml:"network"`
	Signers     SignersConfig     `yaml:"signers"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Liquidation LiquidationConfig `yaml:"liquidation"`
	Orders      OrdersConfig      `yaml:"orders"`
	Pyth        PythConfig        `yaml:"pyth"`
	Markets     []MarketConfig    `yaml:"markets"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// NetworkConfig describes the chain endpoints and log pagination.
type NetworkConfig struct {
	RPCURL                string  `yaml:"rpc_url"`
	WSURL                 string  `yaml:"ws_url"` // optional; blocks are polled without it
	ChainID               int64   `yaml:"chain_id"`
	RequestsPerSecond     float64 `yaml:"requests_per_second"`
	PageSize              uint64  `yaml:"page_size"`
	FetchConcurrency      int     `yaml:"fetch_concurrency"`
	HighWaterMark         int     `yaml:"high_water_mark"`
	ReceiptTimeoutSeconds int     `yaml:"receipt_timeout_seconds"`
	PollIntervalSeconds   int     `yaml:"poll_interval_seconds"`
	ExchangeRates         string  `yaml:"exchange_rates"`
}

// SignersConfig holds the hex private keys. Prefer KEEPER_PRIVATE_KEYS in .env.
type SignersConfig struct {
	PrivateKeys []string `yaml:"private_keys"`
}

type SchedulerConfig struct {
	RunEveryXBlocks       uint64 `yaml:"run_every_x_blocks"`
	RestartBackoffSeconds int    `yaml:"restart_backoff_seconds"`
	StatusIntervalSeconds int    `yaml:"status_interval_seconds"`
}

type DispatchConfig struct {
	BatchSize int `yaml:"batch_size"`
	PacingMS  int `yaml:"pacing_ms"`
}

type LiquidationConfig struct {
	ProximityThreshold    float64 `yaml:"proximity_threshold"`
	MaxFarUpdatesPerCycle int     `yaml:"max_far_updates_per_cycle"`
	StaleCutoffSeconds    uint64  `yaml:"stale_cutoff_seconds"`
}

type OrdersConfig struct {
	MaxExecutionAttempts  int    `yaml:"max_execution_attempts"`
	MaxOrderAgeSeconds    uint64 `yaml:"max_order_age_seconds"`
	OffchainMinAgeSeconds uint64 `yaml:"offchain_min_age_seconds"`
}

// PythConfig points at the Hermes price service and the on-chain Pyth contract.
type PythConfig struct {
	HermesBase string `yaml:"hermes_base"`
	Contract   string `yaml:"contract"`
}

// MarketConfig is one perps market and the keepers running on it.
type MarketConfig struct {
	Name       string   `yaml:"name"`
	Address    string   `yaml:"address"`
	BaseAsset  string   `yaml:"base_asset"`
	FromBlock  uint64   `yaml:"from_block"`
	PythFeedID string   `yaml:"pyth_feed_id"`
	Keepers    []string `yaml:"keepers"`
}

type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the HTTP endpoint
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path and the .env file if present.
// Environment variables override the matching YAML keys.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Network.RPCURL == "" {
		errs = append(errs, errors.New("network.rpc_url is required"))
	}
	if len(c.Markets) == 0 {
		errs = append(errs, errors.New("at least one market is required"))
	}

	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		label := m.Name
		if label == "" {
			label = fmt.Sprintf("markets[%d]", i)
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate market", label))
		}
		seen[m.Name] = true

		if m.Address == "" {
			errs = append(errs, fmt.Errorf("%s: address is required", label))
		} else if err := checkAddress(m.Address); err != nil {
			errs = append(errs, fmt.Errorf("%s: address: %w", label, err))
		}
		if len(m.Keepers) == 0 {
			errs = append(errs, fmt.Errorf("%s: no keepers enabled", label))
		}
		for _, k := range m.Keepers {
			switch k {
			case KeeperLiquidation:
			case KeeperDelayed:
				if c.Network.ExchangeRates == "" {
					errs = append(errs, fmt.Errorf("%s: delayed keeper needs network.exchange_rates", label))
				} else if err := checkAddress(c.Network.ExchangeRates); err != nil {
					errs = append(errs, fmt.Errorf("%s: network.exchange_rates: %w", label, err))
				}
			case KeeperOffchain:
				if m.PythFeedID == "" {
					errs = append(errs, fmt.Errorf("%s: offchain keeper needs pyth_feed_id", label))
				}
				if c.Pyth.Contract == "" {
					errs = append(errs, fmt.Errorf("%s: offchain keeper needs pyth.contract", label))
				} else if err := checkAddress(c.Pyth.Contract); err != nil {
					errs = append(errs, fmt.Errorf("%s: pyth.contract: %w", label, err))
				}
			default:
				errs = append(errs, fmt.Errorf("%s: unknown keeper %q", label, k))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config.Validate: %w", err)
	}
	return nil
}

// checkAddress rejects malformed hex addresses and the zero address.
func checkAddress(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("invalid hex address %q", addr)
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return errors.New("zero address")
	}
	return nil
}

func (c *Config) RestartBackoff() time.Duration {
	return time.Duration(c.Scheduler.RestartBackoffSeconds) * time.Second
}

func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.Scheduler.StatusIntervalSeconds) * time.Second
}

func (c *Config) ReceiptTimeout() time.Duration {
	return time.Duration(c.Network.ReceiptTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Network.PollIntervalSeconds) * time.Second
}

func (c *Config) DispatchPacing() time.Duration {
	return time.Duration(c.Dispatch.PacingMS) * time.Millisecond
}

// applyEnvOverrides replaces values with environment variables when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("KEEPER_RPC_URL"); v != "" {
		cfg.Network.RPCURL = v
	}
	if v := os.Getenv("KEEPER_WS_URL"); v != "" {
		cfg.Network.WSURL = v
	}
	if v := os.Getenv("KEEPER_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("KEEPER_PRIVATE_KEYS"); v != "" {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		cfg.Signers.PrivateKeys = keys
	}
}

// setDefaults fills in values left empty. Zero values that the application
// packages already default (page size, batch size, thresholds) are left alone.
func setDefaults(cfg *Config) {
	if cfg.Network.ReceiptTimeoutSeconds <= 0 {
		cfg.Network.ReceiptTimeoutSeconds = 120
	}
	if cfg.Network.PollIntervalSeconds <= 0 {
		cfg.Network.PollIntervalSeconds = 3
	}
	if cfg.Scheduler.RunEveryXBlocks == 0 {
		cfg.Scheduler.RunEveryXBlocks = 1
	}
	if cfg.Scheduler.RestartBackoffSeconds <= 0 {
		cfg.Scheduler.RestartBackoffSeconds = 60
	}
	if cfg.Scheduler.StatusIntervalSeconds <= 0 {
		cfg.Scheduler.StatusIntervalSeconds = 60
	}
	if cfg.Dispatch.PacingMS <= 0 {
		cfg.Dispatch.PacingMS = 500
	}
	if cfg.Pyth.HermesBase == "" {
		cfg.Pyth.HermesBase = "https://hermes.pyth.network"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "perpkeeper.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
