package backfill

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marianogappa/candle-backfill/backfill/common"
	"github.com/marianogappa/candle-backfill/backfill/fetcher"
	"github.com/marianogappa/candle-backfill/backfill/store"
)

// TimeframeTarget declares how deep one timeframe's history should reach.
type TimeframeTarget struct {
	Name       string `yaml:"name"`
	TargetDays int    `yaml:"target_days"`
}

// Config is the immutable configuration for one Engine. Adapters receive only what they need
// via their capability descriptors; everything else stays here.
type Config struct {
	// Symbols is the ordered list of symbols processed each cycle.
	Symbols []string `yaml:"symbols"`

	// Timeframes are the per-timeframe coverage targets, processed in declared order.
	Timeframes []TimeframeTarget `yaml:"timeframes"`

	// FetchPolicy is passed to the rate-limited fetcher.
	FetchPolicy fetcher.Policy `yaml:"fetch_policy"`

	// CycleBudget is the soft wall-clock cap for one cycle; zero means unbounded.
	CycleBudget time.Duration `yaml:"cycle_budget"`

	// MaxCallsPerCycle is the hard cap on provider invocations per cycle; protects free-tier
	// quotas. Zero means unbounded.
	MaxCallsPerCycle int `yaml:"max_calls_per_cycle"`

	// CryptoCompareAPIKey is the credential for the primary provider. Mandatory unless
	// CRYPTOCOMPARE is listed in DisabledProviders.
	CryptoCompareAPIKey string `yaml:"cryptocompare_api_key"`

	// DisabledProviders removes providers from the registry by uppercase name.
	DisabledProviders []string `yaml:"disabled_providers"`

	// Postgres configures the durable store. An empty DSN selects the in-memory store.
	Postgres store.Config `yaml:"postgres"`

	// Debug enables per-request adapter logging.
	Debug bool `yaml:"debug"`
}

// UnmarshalYAML decodes the cycle budget from its time.ParseDuration form, e.g. "5m".
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	aux := struct {
		Symbols             []string          `yaml:"symbols"`
		Timeframes          []TimeframeTarget `yaml:"timeframes"`
		FetchPolicy         fetcher.Policy    `yaml:"fetch_policy"`
		CycleBudget         string            `yaml:"cycle_budget"`
		MaxCallsPerCycle    int               `yaml:"max_calls_per_cycle"`
		CryptoCompareAPIKey string            `yaml:"cryptocompare_api_key"`
		DisabledProviders   []string          `yaml:"disabled_providers"`
		Postgres            store.Config      `yaml:"postgres"`
		Debug               bool              `yaml:"debug"`
	}{}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*c = Config{
		Symbols:             aux.Symbols,
		Timeframes:          aux.Timeframes,
		FetchPolicy:         aux.FetchPolicy,
		MaxCallsPerCycle:    aux.MaxCallsPerCycle,
		CryptoCompareAPIKey: aux.CryptoCompareAPIKey,
		DisabledProviders:   aux.DisabledProviders,
		Postgres:            aux.Postgres,
		Debug:               aux.Debug,
	}
	if aux.CycleBudget != "" {
		d, err := time.ParseDuration(aux.CycleBudget)
		if err != nil {
			return fmt.Errorf("invalid cycle_budget %q: %w", aux.CycleBudget, err)
		}
		c.CycleBudget = d
	}
	return nil
}

// LoadConfig reads and validates a yaml configuration file.
func LoadConfig(path string) (Config, error) {
	byts, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Config{}
	if err := yaml.Unmarshal(byts, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fatal configuration errors: an invalid configuration must abort before
// any work happens.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: empty symbol list")
	}
	for _, symbol := range c.Symbols {
		if symbol == "" || symbol != strings.ToUpper(symbol) {
			return fmt.Errorf("config: malformed symbol %q (must be non-empty uppercase)", symbol)
		}
	}
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("config: empty timeframe list")
	}
	for _, target := range c.Timeframes {
		if _, err := common.ParseTimeframe(target.Name); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if target.TargetDays <= 0 {
			return fmt.Errorf("config: timeframe %v has non-positive target_days", target.Name)
		}
	}
	if c.CryptoCompareAPIKey == "" && !c.providerDisabled(common.CRYPTOCOMPARE) {
		return fmt.Errorf("config: missing cryptocompare_api_key (or disable the CRYPTOCOMPARE provider)")
	}
	return nil
}

func (c Config) providerDisabled(name string) bool {
	for _, disabled := range c.DisabledProviders {
		if strings.EqualFold(disabled, name) {
			return true
		}
	}
	return false
}
