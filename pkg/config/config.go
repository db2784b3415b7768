// Package config loads and validates the mailsleuth engine configuration.
// All empirically tuned values - acceptance thresholds, confirmation windows,
// cooldowns, template priors, rate limits - live here rather than as
// hardcoded constants, so deployments can retune without a rebuild.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshalling from strings like "12h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root engine configuration.
type Config struct {
	// Workers is the size of the contact worker pool.
	Workers int `yaml:"workers" validate:"gte=1,lte=64"`

	// Database contains persistence configuration.
	Database DatabaseConfig `yaml:"database"`

	// Discovery contains verification cascade tuning.
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Delivery contains delivery tracker tuning.
	Delivery DeliveryConfig `yaml:"delivery"`

	// Ledger contains retry/TTL ledger tuning.
	Ledger LedgerConfig `yaml:"ledger"`

	// Limits contains per-concern rate limits for outbound network calls.
	Limits RateLimitConfig `yaml:"limits"`

	// Templates contains the default naming-template enumeration tiers.
	Templates TemplateConfig `yaml:"templates"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file path (":memory:" for tests).
	Path string `yaml:"path" validate:"required"`
}

// DiscoveryConfig tunes the verification cascade.
type DiscoveryConfig struct {
	// AcceptThreshold is the confidence at which the cascade stops.
	// Definitive existence results always qualify regardless of threshold.
	AcceptThreshold float64 `yaml:"accept_threshold" validate:"gt=0,lte=1"`

	// DefaultConfidence is the confidence assigned by the statistical
	// fallback layer.
	DefaultConfidence float64 `yaml:"default_confidence" validate:"gt=0,lt=1"`

	// CatchAllConfidence caps reachability-layer confidence once a domain
	// is detected as catch-all. Must sit below AcceptThreshold.
	CatchAllConfidence float64 `yaml:"catchall_confidence" validate:"gte=0,lt=1"`

	// ProviderCacheWindow is how long an MX provider classification stays
	// valid before a fresh lookup is required.
	ProviderCacheWindow Duration `yaml:"provider_cache_window"`

	// FetchTimeout bounds each website-mining page fetch.
	FetchTimeout Duration `yaml:"fetch_timeout"`

	// ProbeTimeout bounds each provider existence probe.
	ProbeTimeout Duration `yaml:"probe_timeout"`

	// WebsitePages are the site-relative paths mined for published addresses.
	WebsitePages []string `yaml:"website_pages" validate:"min=1"`

	// GuessTLDs are the TLDs tried when guessing a company domain.
	GuessTLDs []string `yaml:"guess_tlds" validate:"min=1"`

	// APIBudgets caps calls per external contact-data provider per month.
	APIBudgets map[string]int `yaml:"api_budgets"`
}

// DeliveryConfig tunes the delivery tracker state machine.
type DeliveryConfig struct {
	// ConfirmationWindow is how long after a send the tracker waits for a
	// bounce before optimistically marking the attempt delivered.
	ConfirmationWindow Duration `yaml:"confirmation_window"`

	// MaxRetries bounds candidate retries per contact after bounces.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`
}

// LedgerConfig tunes the retry/TTL ledger.
type LedgerConfig struct {
	// CooldownTTL is how long an unresolved company is memoized before
	// discovery may be retried.
	CooldownTTL Duration `yaml:"cooldown_ttl"`
}

// RateLimitConfig holds per-concern outbound rates in operations per second.
// External services each impose their own throttle; these defaults stay well
// under the observed limits.
type RateLimitConfig struct {
	DNSPerSecond   float64 `yaml:"dns_per_second" validate:"gt=0"`
	FetchPerSecond float64 `yaml:"fetch_per_second" validate:"gt=0"`
	ProbePerSecond float64 `yaml:"probe_per_second" validate:"gt=0"`
	APIPerSecond   float64 `yaml:"api_per_second" validate:"gt=0"`
}

// TemplateConfig holds the default naming-template enumeration, split into
// priority tiers. Tier order and the order within each tier are fixed and
// deterministic: cascade layers try candidates in this order and the pattern
// store records which template succeeded.
type TemplateConfig struct {
	TierA []string `yaml:"tier_a" validate:"min=1"`
	TierB []string `yaml:"tier_b"`
	TierC []string `yaml:"tier_c"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Workers: 8,
		Database: DatabaseConfig{
			Path: "mailsleuth.db",
		},
		Discovery: DiscoveryConfig{
			AcceptThreshold:     0.8,
			DefaultConfidence:   0.5,
			CatchAllConfidence:  0.1,
			ProviderCacheWindow: Duration(21 * 24 * time.Hour),
			FetchTimeout:        Duration(8 * time.Second),
			ProbeTimeout:        Duration(10 * time.Second),
			WebsitePages: []string{
				"/about", "/team", "/about-us", "/contact",
				"/leadership", "/people", "/",
			},
			GuessTLDs: []string{".com", ".io", ".co", ".us", ".org", ".ai", ".dev"},
			APIBudgets: map[string]int{
				"apollo": 120,
				"hunter": 25,
				"snov":   50,
			},
		},
		Delivery: DeliveryConfig{
			ConfirmationWindow: Duration(12 * time.Hour),
			MaxRetries:         3,
		},
		Ledger: LedgerConfig{
			CooldownTTL: Duration(72 * time.Hour),
		},
		Limits: RateLimitConfig{
			DNSPerSecond:   5,
			FetchPerSecond: 1,
			ProbePerSecond: 0.5,
			APIPerSecond:   2,
		},
		Templates: TemplateConfig{
			TierA: []string{"{first}.{last}", "{f}{last}", "{first}{last}"},
			TierB: []string{
				"{first}_{last}", "{first}", "{f}.{last}", "{first}{l}",
				"{last}.{first}", "{last}{f}", "{first}.{l}", "{last}.{f}",
				"{first}-{last}", "{last}",
			},
			TierC: []string{
				"{last}_{first}", "{last}-{first}", "{last}{first}",
				"{f}_{last}", "{f}-{last}",
			},
		},
	}
}

// Load reads a YAML configuration file, overlaying it on the defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks structural constraints and cross-field invariants.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Discovery.CatchAllConfidence >= c.Discovery.AcceptThreshold {
		return fmt.Errorf("catchall_confidence (%.2f) must be below accept_threshold (%.2f)",
			c.Discovery.CatchAllConfidence, c.Discovery.AcceptThreshold)
	}

	if c.Delivery.ConfirmationWindow <= 0 {
		return fmt.Errorf("confirmation_window must be positive")
	}
	if c.Ledger.CooldownTTL <= 0 {
		return fmt.Errorf("cooldown_ttl must be positive")
	}
	if c.Discovery.ProviderCacheWindow <= 0 {
		return fmt.Errorf("provider_cache_window must be positive")
	}

	return nil
}
