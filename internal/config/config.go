package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete wiredove configuration
type Config struct {
	Identity    Identity    `yaml:"identity"`
	Storage     Storage     `yaml:"storage"`
	Logging     Logging     `yaml:"logging"`
	Concurrency Concurrency `yaml:"concurrency"`
	Queue       Queue       `yaml:"queue"`
	FeedRows    FeedRows    `yaml:"feed_rows"`
	Moderation  Moderation  `yaml:"moderation"`
	Sync        Sync        `yaml:"sync"`
	Feed        Feed        `yaml:"feed"`
	Transport   Transport   `yaml:"transport"`
	Metrics     Metrics     `yaml:"metrics"`
}

// Identity contains the local identity
type Identity struct {
	Pubkey string `yaml:"pubkey"` // 44-char public key, optional
}

// Storage contains persistent key-value storage settings
type Storage struct {
	Driver     string `yaml:"driver"` // memory|sqlite|redis
	SQLitePath string `yaml:"sqlite_path"`
	RedisURL   string `yaml:"redis_url"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Concurrency contains the device and network hints used to size worker lanes
type Concurrency struct {
	Cores         int    `yaml:"cores"` // 0 = runtime CPU count
	SaveData      bool   `yaml:"save_data"`
	EffectiveType string `yaml:"effective_type"` // slow-2g|2g|3g|4g
}

// Queue contains network queue settings
type Queue struct {
	TickMs          int `yaml:"tick_ms"`
	MaxItemsPerTick int `yaml:"max_items_per_tick"`
}

// TickInterval returns the drain tick as a duration
func (q Queue) TickInterval() time.Duration {
	return time.Duration(q.TickMs) * time.Millisecond
}

// FeedRows contains feed row cache settings
type FeedRows struct {
	Capacity     int        `yaml:"capacity"`
	FlushDelayMs int        `yaml:"flush_delay_ms"`
	Remote       RemoteRows `yaml:"remote"`
}

// FlushDelay returns the persistence debounce delay
func (f FeedRows) FlushDelay() time.Duration {
	return time.Duration(f.FlushDelayMs) * time.Millisecond
}

// RemoteRows configures the optional HTTP row source
type RemoteRows struct {
	Enabled   bool   `yaml:"enabled"`
	BaseURL   string `yaml:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
	RetryMax  int    `yaml:"retry_max"`
	Limit     int    `yaml:"limit"`
}

// Timeout returns the request timeout
func (r RemoteRows) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Moderation contains moderation filter settings
type Moderation struct {
	CacheTTLMs int `yaml:"cache_ttl_ms"`
}

// CacheTTL returns the read-through cache lifetime
func (m Moderation) CacheTTL() time.Duration {
	return time.Duration(m.CacheTTLMs) * time.Millisecond
}

// Sync contains peer sync scheduler settings
type Sync struct {
	Enabled             bool  `yaml:"enabled"`
	TickSeconds         int   `yaml:"tick_seconds"`
	RefreshSeconds      int   `yaml:"refresh_seconds"`
	BootstrapPerRefresh int   `yaml:"bootstrap_per_refresh"`
	Tiers               Tiers `yaml:"tiers"`
}

// TickInterval returns the scheduler tick
func (s Sync) TickInterval() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// RefreshInterval returns how long the peer list stays fresh
func (s Sync) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshSeconds) * time.Second
}

// Tiers holds per-tier scheduling policy
type Tiers struct {
	Hot  Tier `yaml:"hot"`
	Warm Tier `yaml:"warm"`
	Cold Tier `yaml:"cold"`
}

// Tier defines thresholds and request pacing for one activity tier.
// InterestSeconds and SeenSeconds are ignored for the cold tier.
type Tier struct {
	InterestSeconds    int `yaml:"interest_seconds"`
	SeenSeconds        int `yaml:"seen_seconds"`
	Batch              int `yaml:"batch"`
	MinIntervalSeconds int `yaml:"min_interval_seconds"`
}

// Interest returns the interest recency threshold
func (t Tier) Interest() time.Duration { return time.Duration(t.InterestSeconds) * time.Second }

// Seen returns the last-seen recency threshold
func (t Tier) Seen() time.Duration { return time.Duration(t.SeenSeconds) * time.Second }

// MinInterval returns the minimum re-request interval
func (t Tier) MinInterval() time.Duration {
	return time.Duration(t.MinIntervalSeconds) * time.Second
}

// Feed contains feed orchestration settings
type Feed struct {
	SeedCount          int    `yaml:"seed_count"`
	BackfillDepth      int    `yaml:"backfill_depth"`
	Lanes              Lanes  `yaml:"lanes"`
	DirectoryURL       string `yaml:"directory_url"`
	DirectoryTimeoutMs int    `yaml:"directory_timeout_ms"`
}

// DirectoryTimeout returns the alias directory request timeout
func (f Feed) DirectoryTimeout() time.Duration {
	return time.Duration(f.DirectoryTimeoutMs) * time.Millisecond
}

// Lanes bounds a fan-out
type Lanes struct {
	Base int `yaml:"base"`
	Min  int `yaml:"min"`
	Max  int `yaml:"max"`
}

// Transport contains socket and swarm settings
type Transport struct {
	SocketURL string `yaml:"socket_url"`
	Swarm     Swarm  `yaml:"swarm"`
}

// Swarm configures the gossip swarm
type Swarm struct {
	Enabled   bool     `yaml:"enabled"`
	Listen    string   `yaml:"listen"`
	Topic     string   `yaml:"topic"`
	Bootstrap []string `yaml:"bootstrap"`
}

// Metrics configures the metrics/diagnostics listener
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// applyDefaults fills in missing configuration fields with sensible defaults
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	if cfg.Concurrency.EffectiveType == "" {
		cfg.Concurrency.EffectiveType = defaults.Concurrency.EffectiveType
	}

	if cfg.Queue.TickMs == 0 {
		cfg.Queue.TickMs = defaults.Queue.TickMs
	}
	if cfg.Queue.MaxItemsPerTick == 0 {
		cfg.Queue.MaxItemsPerTick = defaults.Queue.MaxItemsPerTick
	}

	if cfg.FeedRows.Capacity == 0 {
		cfg.FeedRows.Capacity = defaults.FeedRows.Capacity
	}
	if cfg.FeedRows.FlushDelayMs == 0 {
		cfg.FeedRows.FlushDelayMs = defaults.FeedRows.FlushDelayMs
	}
	if cfg.FeedRows.Remote.TimeoutMs == 0 {
		cfg.FeedRows.Remote.TimeoutMs = defaults.FeedRows.Remote.TimeoutMs
	}
	if cfg.FeedRows.Remote.Limit == 0 {
		cfg.FeedRows.Remote.Limit = defaults.FeedRows.Remote.Limit
	}

	if cfg.Moderation.CacheTTLMs == 0 {
		cfg.Moderation.CacheTTLMs = defaults.Moderation.CacheTTLMs
	}

	if cfg.Sync.TickSeconds == 0 {
		cfg.Sync.TickSeconds = defaults.Sync.TickSeconds
	}
	if cfg.Sync.RefreshSeconds == 0 {
		cfg.Sync.RefreshSeconds = defaults.Sync.RefreshSeconds
	}
	if cfg.Sync.BootstrapPerRefresh == 0 {
		cfg.Sync.BootstrapPerRefresh = defaults.Sync.BootstrapPerRefresh
	}
	applyTierDefaults(&cfg.Sync.Tiers.Hot, defaults.Sync.Tiers.Hot)
	applyTierDefaults(&cfg.Sync.Tiers.Warm, defaults.Sync.Tiers.Warm)
	applyTierDefaults(&cfg.Sync.Tiers.Cold, defaults.Sync.Tiers.Cold)

	if cfg.Feed.SeedCount == 0 {
		cfg.Feed.SeedCount = defaults.Feed.SeedCount
	}
	if cfg.Feed.BackfillDepth == 0 {
		cfg.Feed.BackfillDepth = defaults.Feed.BackfillDepth
	}
	if cfg.Feed.Lanes == (Lanes{}) {
		cfg.Feed.Lanes = defaults.Feed.Lanes
	}
	if cfg.Feed.DirectoryTimeoutMs == 0 {
		cfg.Feed.DirectoryTimeoutMs = defaults.Feed.DirectoryTimeoutMs
	}

	if cfg.Transport.Swarm.Listen == "" {
		cfg.Transport.Swarm.Listen = defaults.Transport.Swarm.Listen
	}
	if cfg.Transport.Swarm.Topic == "" {
		cfg.Transport.Swarm.Topic = defaults.Transport.Swarm.Topic
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = defaults.Metrics.Listen
	}
}

func applyTierDefaults(t *Tier, d Tier) {
	if t.InterestSeconds == 0 {
		t.InterestSeconds = d.InterestSeconds
	}
	if t.SeenSeconds == 0 {
		t.SeenSeconds = d.SeenSeconds
	}
	if t.Batch == 0 {
		t.Batch = d.Batch
	}
	if t.MinIntervalSeconds == 0 {
		t.MinIntervalSeconds = d.MinIntervalSeconds
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applying defaults, env overrides and validation
func Parse(data []byte) (*Config, error) {
	// Sync.Enabled defaults to true, so decode on top of it.
	cfg := Config{Sync: Sync{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) error {
	if redisURL := os.Getenv("WIREDOVE_REDIS_URL"); redisURL != "" {
		cfg.Storage.RedisURL = redisURL
	}
	if pubkey := os.Getenv("WIREDOVE_PUBKEY"); pubkey != "" {
		cfg.Identity.Pubkey = pubkey
	}
	if level := os.Getenv("WIREDOVE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}

	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Storage: Storage{
			Driver:     "sqlite",
			SQLitePath: "./data/wiredove.db",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Concurrency: Concurrency{
			Cores:         0,
			SaveData:      false,
			EffectiveType: "4g",
		},
		Queue: Queue{
			TickMs:          50,
			MaxItemsPerTick: 1,
		},
		FeedRows: FeedRows{
			Capacity:     3000,
			FlushDelayMs: 250,
			Remote: RemoteRows{
				Enabled:   false,
				TimeoutMs: 4000,
				RetryMax:  1,
				Limit:     200,
			},
		},
		Moderation: Moderation{
			CacheTTLMs: 2000,
		},
		Sync: Sync{
			Enabled:             true,
			TickSeconds:         20,
			RefreshSeconds:      300,
			BootstrapPerRefresh: 40,
			Tiers: Tiers{
				Hot: Tier{
					InterestSeconds:    15 * 60,
					SeenSeconds:        24 * 60 * 60,
					Batch:              6,
					MinIntervalSeconds: 2 * 60,
				},
				Warm: Tier{
					InterestSeconds:    24 * 60 * 60,
					SeenSeconds:        30 * 24 * 60 * 60,
					Batch:              4,
					MinIntervalSeconds: 15 * 60,
				},
				Cold: Tier{
					Batch:              2,
					MinIntervalSeconds: 2 * 60 * 60,
				},
			},
		},
		Feed: Feed{
			SeedCount:          3,
			BackfillDepth:      50,
			Lanes:              Lanes{Base: 4, Min: 1, Max: 8},
			DirectoryTimeoutMs: 4000,
		},
		Transport: Transport{
			Swarm: Swarm{
				Enabled: false,
				Listen:  "/ip4/0.0.0.0/tcp/0",
				Topic:   "wiredove",
			},
		},
		Metrics: Metrics{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}

// validLogLevels defines allowed log levels
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validStorageDrivers defines allowed storage drivers
var validStorageDrivers = map[string]bool{
	"memory": true,
	"sqlite": true,
	"redis":  true,
}

// validEffectiveTypes defines the recognised network classes
var validEffectiveTypes = map[string]bool{
	"slow-2g": true,
	"2g":      true,
	"3g":      true,
	"4g":      true,
}

// Validate checks if a configuration is valid
func Validate(cfg *Config) error {
	if cfg.Identity.Pubkey != "" && len(cfg.Identity.Pubkey) != 44 {
		return fmt.Errorf("identity.pubkey must be 44 characters")
	}

	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be one of: memory, sqlite, redis)", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "redis" && cfg.Storage.RedisURL == "" {
		return fmt.Errorf("storage.redis_url is required when storage.driver is redis")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}

	if !validEffectiveTypes[cfg.Concurrency.EffectiveType] {
		return fmt.Errorf("invalid concurrency.effective_type: %s", cfg.Concurrency.EffectiveType)
	}
	if cfg.Concurrency.Cores < 0 {
		return fmt.Errorf("concurrency.cores must not be negative")
	}

	if cfg.Queue.TickMs < 1 {
		return fmt.Errorf("queue.tick_ms must be positive")
	}
	if cfg.Queue.MaxItemsPerTick < 1 {
		return fmt.Errorf("queue.max_items_per_tick must be positive")
	}

	if cfg.FeedRows.Capacity < 1 || cfg.FeedRows.Capacity > 100000 {
		return fmt.Errorf("feed_rows.capacity must be between 1 and 100000")
	}
	if cfg.FeedRows.Remote.Enabled && cfg.FeedRows.Remote.BaseURL == "" {
		return fmt.Errorf("feed_rows.remote.base_url is required when feed_rows.remote.enabled is true")
	}
	if cfg.FeedRows.Remote.RetryMax < 0 {
		return fmt.Errorf("feed_rows.remote.retry_max must not be negative")
	}

	if cfg.Feed.Lanes.Min < 1 || cfg.Feed.Lanes.Max < cfg.Feed.Lanes.Min {
		return fmt.Errorf("feed.lanes must satisfy 1 <= min <= max")
	}
	if cfg.Feed.BackfillDepth < 1 {
		return fmt.Errorf("feed.backfill_depth must be positive")
	}

	if err := validateTier("hot", cfg.Sync.Tiers.Hot); err != nil {
		return err
	}
	if err := validateTier("warm", cfg.Sync.Tiers.Warm); err != nil {
		return err
	}
	if err := validateTier("cold", cfg.Sync.Tiers.Cold); err != nil {
		return err
	}
	if cfg.Sync.Tiers.Hot.InterestSeconds > cfg.Sync.Tiers.Warm.InterestSeconds ||
		cfg.Sync.Tiers.Hot.SeenSeconds > cfg.Sync.Tiers.Warm.SeenSeconds {
		return fmt.Errorf("sync.tiers.hot thresholds must not exceed sync.tiers.warm")
	}

	if cfg.Transport.SocketURL != "" &&
		!strings.HasPrefix(cfg.Transport.SocketURL, "ws://") && !strings.HasPrefix(cfg.Transport.SocketURL, "wss://") {
		return fmt.Errorf("transport.socket_url must start with ws:// or wss://: %s", cfg.Transport.SocketURL)
	}

	return nil
}

func validateTier(name string, t Tier) error {
	if t.Batch < 0 {
		return fmt.Errorf("sync.tiers.%s.batch must not be negative", name)
	}
	if t.MinIntervalSeconds < 0 {
		return fmt.Errorf("sync.tiers.%s.min_interval_seconds must not be negative", name)
	}
	return nil
}
