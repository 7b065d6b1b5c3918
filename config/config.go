package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Binance endpoints used when the config does not override them.
const (
	ProdRESTURL      = "https://api.binance.com"
	ProdStreamURL    = "wss://stream.binance.com:9443/ws"
	TestnetRESTURL   = "https://testnet.binance.vision"
	TestnetStreamURL = "wss://stream.testnet.binance.vision/ws"
)

type Config struct {
	Binance     BinanceConfig     `yaml:"binance"`
	Listener    ListenerConfig    `yaml:"listener"`
	Store       StoreConfig       `yaml:"store"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Broadcaster BroadcasterConfig `yaml:"broadcaster"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Web         WebConfig         `yaml:"web"`
	Storage     StorageConfig     `yaml:"storage"`
	Journal     JournalConfig     `yaml:"journal"`
	Session     SessionConfig     `yaml:"session"`
	Relay       RelayConfig       `yaml:"relay"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Log         LogConfig         `yaml:"log"`
}

type BinanceConfig struct {
	Testnet   bool   `yaml:"testnet"`
	RESTURL   string `yaml:"rest_url"`
	StreamURL string `yaml:"stream_url"`
	// APIKey and APISecret come from BINANCE_API_KEY / BINANCE_API_SECRET only.
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

type ListenerConfig struct {
	QueueSize                int           `yaml:"queue_size"`
	BackoffFloor             time.Duration `yaml:"backoff_floor"`
	BackoffCeiling           time.Duration `yaml:"backoff_ceiling"`
	KeepaliveCheckInterval   time.Duration `yaml:"keepalive_check_interval"`
	KeepaliveRefreshInterval time.Duration `yaml:"keepalive_refresh_interval"`
	SessionTTL               time.Duration `yaml:"session_ttl"`
	HandshakeTimeout         time.Duration `yaml:"handshake_timeout"`
}

type StoreConfig struct {
	HistoryCapacity       int `yaml:"history_capacity"`
	NotificationQueueSize int `yaml:"notification_queue_size"`
	PersistQueueSize      int `yaml:"persist_queue_size"`
}

type WatchdogConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	// Symbol narrows the open-orders fetch; empty means all symbols.
	Symbol string `yaml:"symbol"`
}

type BroadcasterConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
}

type ChannelsConfig struct {
	MaxConnections       int           `yaml:"max_connections"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	SnapshotHistoryLimit int           `yaml:"snapshot_history_limit"`
	ResnapshotInterval   time.Duration `yaml:"resnapshot_interval"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	DeliveryWorkers      int           `yaml:"delivery_workers"`
}

type WebConfig struct {
	Addr           string   `yaml:"addr"`
	AutoTLSDomains []string `yaml:"autotls_domains"`
	CertCacheDir   string   `yaml:"cert_cache_dir"`
	// AdminToken comes from ADMIN_TOKEN only. Empty disables the admin endpoints.
	AdminToken string `yaml:"-"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	BoltPath    string `yaml:"bolt_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	ReplayOnStart bool   `yaml:"replay_on_start"`
}

type SessionConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Account       string `yaml:"account"`
}

type RelayConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	Topic        string   `yaml:"topic"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used for every key the yaml file omits.
func Default() Config {
	return Config{
		Binance: BinanceConfig{Testnet: true},
		Listener: ListenerConfig{
			QueueSize:                1024,
			BackoffFloor:             time.Second,
			BackoffCeiling:           60 * time.Second,
			KeepaliveCheckInterval:   30 * time.Second,
			KeepaliveRefreshInterval: 30 * time.Minute,
			SessionTTL:               55 * time.Minute,
			HandshakeTimeout:         10 * time.Second,
		},
		Store: StoreConfig{
			HistoryCapacity:       200,
			NotificationQueueSize: 4096,
			PersistQueueSize:      1024,
		},
		Watchdog: WatchdogConfig{
			PollInterval:   2 * time.Second,
			StaleThreshold: 10 * time.Second,
		},
		Broadcaster: BroadcasterConfig{
			DebounceWindow: 50 * time.Millisecond,
			MaxBatchSize:   500,
		},
		Channels: ChannelsConfig{
			MaxConnections:       100,
			HeartbeatInterval:    15 * time.Second,
			SnapshotHistoryLimit: 50,
			ResnapshotInterval:   time.Second,
			WriteTimeout:         5 * time.Second,
			DeliveryWorkers:      16,
		},
		Web: WebConfig{
			Addr:         ":8000",
			CertCacheDir: "cert-cache",
		},
		Storage: StorageConfig{
			Driver:   "bolt",
			BoltPath: "./data/orders_history.db",
		},
		Journal: JournalConfig{
			Dir: "./wal/events",
		},
		Session: SessionConfig{Account: "default"},
		Relay:   RelayConfig{Topic: "ordermirror.orders_history"},
		Telemetry: TelemetryConfig{
			ServiceName: "ordermirror",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Get reads the --config flag and loads the configuration.
func Get() (Config, error) {
	config := flag.String("config", "", "path to yaml config")
	flag.Parse()
	return Load(*config)
}

// Load reads path (optional) on top of the defaults and applies environment secrets.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.resolveEndpoints()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Binance.APIKey = os.Getenv("BINANCE_API_KEY")
	c.Binance.APISecret = os.Getenv("BINANCE_API_SECRET")
	c.Web.AdminToken = os.Getenv("ADMIN_TOKEN")

	switch strings.ToLower(strings.TrimSpace(os.Getenv("BINANCE_ENV"))) {
	case "prod", "production", "mainnet":
		c.Binance.Testnet = false
	case "testnet":
		c.Binance.Testnet = true
	}
}

func (c *Config) resolveEndpoints() {
	if c.Binance.RESTURL == "" {
		c.Binance.RESTURL = ProdRESTURL
		if c.Binance.Testnet {
			c.Binance.RESTURL = TestnetRESTURL
		}
	}
	if c.Binance.StreamURL == "" {
		c.Binance.StreamURL = ProdStreamURL
		if c.Binance.Testnet {
			c.Binance.StreamURL = TestnetStreamURL
		}
	}
}

// Validate reports the first incorrect parameter.
func (c Config) Validate() error {
	positiveInts := []struct {
		name  string
		value int
	}{
		{"listener.queue_size", c.Listener.QueueSize},
		{"store.history_capacity", c.Store.HistoryCapacity},
		{"store.notification_queue_size", c.Store.NotificationQueueSize},
		{"store.persist_queue_size", c.Store.PersistQueueSize},
		{"broadcaster.max_batch_size", c.Broadcaster.MaxBatchSize},
		{"channels.max_connections", c.Channels.MaxConnections},
		{"channels.snapshot_history_limit", c.Channels.SnapshotHistoryLimit},
		{"channels.delivery_workers", c.Channels.DeliveryWorkers},
	}
	for _, p := range positiveInts {
		if p.value <= 0 {
			return fmt.Errorf("incorrect '%s' param in yaml config (must be a positive integer), got %d", p.name, p.value)
		}
	}

	positiveDurations := []struct {
		name  string
		value time.Duration
	}{
		{"listener.backoff_floor", c.Listener.BackoffFloor},
		{"listener.backoff_ceiling", c.Listener.BackoffCeiling},
		{"listener.keepalive_check_interval", c.Listener.KeepaliveCheckInterval},
		{"listener.keepalive_refresh_interval", c.Listener.KeepaliveRefreshInterval},
		{"listener.session_ttl", c.Listener.SessionTTL},
		{"listener.handshake_timeout", c.Listener.HandshakeTimeout},
		{"watchdog.poll_interval", c.Watchdog.PollInterval},
		{"watchdog.stale_threshold", c.Watchdog.StaleThreshold},
		{"broadcaster.debounce_window", c.Broadcaster.DebounceWindow},
		{"channels.heartbeat_interval", c.Channels.HeartbeatInterval},
		{"channels.resnapshot_interval", c.Channels.ResnapshotInterval},
		{"channels.write_timeout", c.Channels.WriteTimeout},
	}
	for _, p := range positiveDurations {
		if p.value <= 0 {
			return fmt.Errorf("incorrect '%s' param in yaml config (must be a positive duration), got %s", p.name, p.value)
		}
	}

	if c.Listener.BackoffCeiling < c.Listener.BackoffFloor {
		return fmt.Errorf("incorrect 'listener.backoff_ceiling' param in yaml config (must not be below backoff_floor)")
	}

	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.BoltPath == "" {
			return fmt.Errorf("incorrect 'storage.bolt_path' param in yaml config (required for bolt driver)")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("incorrect 'storage.postgres_dsn' param in yaml config (required for postgres driver)")
		}
	case "none":
	default:
		return fmt.Errorf("incorrect 'storage.driver' param in yaml config: %s (bolt, postgres or none)", c.Storage.Driver)
	}

	if c.Journal.Enabled && c.Journal.Dir == "" {
		return fmt.Errorf("incorrect 'journal.dir' param in yaml config (required when journal is enabled)")
	}
	if len(c.Relay.KafkaBrokers) > 0 && c.Relay.Topic == "" {
		return fmt.Errorf("incorrect 'relay.topic' param in yaml config (required with kafka_brokers)")
	}

	return nil
}
