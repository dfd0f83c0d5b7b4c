package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// ListenAddr is the host:port bind address.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig points the core at its durable key/value + append-log
// store and the key vault for deposit-address private keys.
type StorageConfig struct {
	StorageURL string `json:"storage_url" yaml:"storage_url" env:"STORAGE_URL"`
	VaultURL   string `json:"vault_url" yaml:"vault_url" env:"VAULT_URL"`
	Driver     string `json:"driver" yaml:"driver" env:"STORAGE_DRIVER"`
	// MasterKey seeds the vault's at-rest encryption key.
	MasterKey string `json:"-" yaml:"-" env:"VAULT_MASTER_KEY"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// CurrencyConfig is one enabled currency's endpoint and mixing policy.
type CurrencyConfig struct {
	Endpoint              string  `json:"endpoint" yaml:"endpoint"`
	Credentials           string  `json:"credentials" yaml:"credentials"`
	Kind                  string  `json:"kind" yaml:"kind"` // utxo | account | account_shielded | high_throughput
	ConfirmationsRequired uint32  `json:"confirmations_required" yaml:"confirmations_required"`
	MinAmount             int64   `json:"min_amount" yaml:"min_amount"`
	MaxAmount             int64   `json:"max_amount" yaml:"max_amount"`
	Denominations         []int64 `json:"denominations" yaml:"denominations"`
	FeePolicy             string  `json:"fee_policy" yaml:"fee_policy"`
}

// MixingConfig tunes the pool and scheduler.
type MixingConfig struct {
	KMin          int `json:"k_min" yaml:"k_min" env:"MIXING_K_MIN"`
	MinDelayS     int `json:"min_delay_s" yaml:"min_delay_s" env:"MIXING_MIN_DELAY_S"`
	MaxDelayS     int `json:"max_delay_s" yaml:"max_delay_s" env:"MIXING_MAX_DELAY_S"`
	InterHopMeanS int `json:"inter_hop_mean_s" yaml:"inter_hop_mean_s" env:"MIXING_INTER_HOP_MEAN_S"`
	JitterMaxS    int `json:"jitter_max_s" yaml:"jitter_max_s" env:"MIXING_JITTER_MAX_S"`
	RetryBudget   int `json:"retry_budget" yaml:"retry_budget" env:"MIXING_RETRY_BUDGET"`
	LeaseTTLS     int `json:"lease_ttl_s" yaml:"lease_ttl_s" env:"MIXING_LEASE_TTL_S"`
	FeeBPS        int `json:"fee_bps" yaml:"fee_bps" env:"MIXING_FEE_BPS"`
}

// ResourceConfig tunes the resource governor.
type ResourceConfig struct {
	HeapWarning      float64 `json:"heap_warning" yaml:"heap_warning" env:"RESOURCE_HEAP_WARNING"`
	HeapCritical     float64 `json:"heap_critical" yaml:"heap_critical" env:"RESOURCE_HEAP_CRITICAL"`
	MonitorIntervalS int     `json:"monitor_interval_s" yaml:"monitor_interval_s" env:"RESOURCE_MONITOR_INTERVAL_S"`
}

// AlertsConfig tunes the alert manager.
type AlertsConfig struct {
	Channels           []string `json:"channels" yaml:"channels" env:"ALERT_CHANNELS"`
	EscalationTimeouts []int    `json:"escalation_timeouts" yaml:"escalation_timeouts"`
	MaxPerHour         int      `json:"max_per_hour" yaml:"max_per_hour" env:"ALERT_MAX_PER_HOUR"`
	CooldownMinutes    int      `json:"cooldown_minutes" yaml:"cooldown_minutes" env:"ALERT_COOLDOWN_MINUTES"`
	MaintenanceMode    bool     `json:"maintenance_mode" yaml:"maintenance_mode" env:"ALERT_MAINTENANCE_MODE"`
}

// TransportConfig selects primary/fallback outbound transports per the
// failover policy.
type TransportConfig struct {
	Primary   string `json:"primary" yaml:"primary" env:"TRANSPORT_PRIMARY"`
	Fallback  string `json:"fallback" yaml:"fallback" env:"TRANSPORT_FALLBACK"`
	TimeoutMS int    `json:"timeout_ms" yaml:"timeout_ms" env:"TRANSPORT_TIMEOUT_MS"`
	Retries   int    `json:"retries" yaml:"retries" env:"TRANSPORT_RETRIES"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" yaml:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" yaml:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" yaml:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig              `json:"server" yaml:"server"`
	Storage    StorageConfig             `json:"storage" yaml:"storage"`
	Logging    LoggingConfig             `json:"logging" yaml:"logging"`
	Currencies map[string]CurrencyConfig `json:"currencies" yaml:"currencies"`
	Mixing     MixingConfig              `json:"mixing" yaml:"mixing"`
	Resource   ResourceConfig            `json:"resource" yaml:"resource"`
	Alerts     AlertsConfig              `json:"alerts" yaml:"alerts"`
	Transport  TransportConfig           `json:"transport" yaml:"transport"`
	Tracing    TracingConfig             `json:"tracing" yaml:"tracing"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: "postgres",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "mixcore",
		},
		Currencies: map[string]CurrencyConfig{},
		Mixing: MixingConfig{
			KMin:          3,
			MinDelayS:     600,
			MaxDelayS:     21600,
			InterHopMeanS: 1200,
			JitterMaxS:    300,
			RetryBudget:   3,
			LeaseTTLS:     300,
			FeeBPS:        50,
		},
		Resource: ResourceConfig{
			HeapWarning:      0.8,
			HeapCritical:     0.9,
			MonitorIntervalS: 30,
		},
		Alerts: AlertsConfig{
			MaxPerHour:      30,
			CooldownMinutes: 15,
		},
		Transport: TransportConfig{
			Primary:   "direct",
			TimeoutMS: 30000,
			Retries:   3,
		},
		Tracing: TracingConfig{},
	}
}

// LeaseTTL is the pool reservation lease as a Duration.
func (m MixingConfig) LeaseTTL() time.Duration { return time.Duration(m.LeaseTTLS) * time.Second }

// MinDelay is the smallest base release delay.
func (m MixingConfig) MinDelay() time.Duration { return time.Duration(m.MinDelayS) * time.Second }

// MaxDelay is the largest base release delay.
func (m MixingConfig) MaxDelay() time.Duration { return time.Duration(m.MaxDelayS) * time.Second }

// InterHopMean is the mean of the inter-hop delay distribution.
func (m MixingConfig) InterHopMean() time.Duration {
	return time.Duration(m.InterHopMeanS) * time.Second
}

// JitterMax is the per-hop jitter ceiling.
func (m MixingConfig) JitterMax() time.Duration { return time.Duration(m.JitterMaxS) * time.Second }

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig reads a JSON configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// Validate rejects configurations the core cannot start with.
func (c *Config) Validate() error {
	if len(c.Currencies) == 0 {
		return fmt.Errorf("config: at least one currency must be enabled")
	}
	for name, cur := range c.Currencies {
		if cur.Endpoint == "" {
			return fmt.Errorf("config: currency %s has no endpoint", name)
		}
		if len(cur.Denominations) == 0 {
			return fmt.Errorf("config: currency %s has no denomination ladder", name)
		}
	}
	if c.Mixing.KMin < 1 {
		return fmt.Errorf("config: mixing.k_min must be at least 1")
	}
	if c.Mixing.MinDelayS > c.Mixing.MaxDelayS {
		return fmt.Errorf("config: mixing.min_delay_s exceeds max_delay_s")
	}
	return nil
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}
