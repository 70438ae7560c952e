package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Vision    VisionConfig   `mapstructure:"vision"`
	Identity  IdentityConfig `mapstructure:"identity"`
	Materials map[string]int `mapstructure:"materials"`
	MQTT      MQTTConfig     `mapstructure:"mqtt"`
	Storage   StorageConfig  `mapstructure:"storage"`
	Ledger    LedgerConfig   `mapstructure:"ledger"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the observer HTTP API configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EventBuffer     int           `mapstructure:"event_buffer"` // per SSE client
}

// VisionConfig holds camera, classifier and confirmation settings
type VisionConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	SnapshotURL        string        `mapstructure:"snapshot_url"`
	ClassifierURL      string        `mapstructure:"classifier_url"`
	ClassifierTimeout  time.Duration `mapstructure:"classifier_timeout"`
	Interval           time.Duration `mapstructure:"interval"`
	ConfirmThreshold   time.Duration `mapstructure:"confirm_threshold"`
	MinConfidence      float64       `mapstructure:"min_confidence"`
	FrameRate          float64       `mapstructure:"frame_rate"` // camera_frame notifications per second
	JPEGQuality        int           `mapstructure:"jpeg_quality"`
	MaxCaptureFailures int           `mapstructure:"max_capture_failures"`
}

// IdentityConfig holds token reader settings
type IdentityConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DevicePath   string        `mapstructure:"device_path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
	TokenHold    time.Duration `mapstructure:"token_hold"` // how long a scanned token counts as present
}

// MQTTConfig holds telemetry feed and material announcement settings
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TLSInsecure    bool          `mapstructure:"tls_insecure"`
	MaterialTopic  string        `mapstructure:"material_topic"`
	LevelTopic     string        `mapstructure:"level_topic"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// StorageConfig holds local SQLite persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LedgerConfig selects where accounts, token index and balances live
type LedgerConfig struct {
	Backend string     `mapstructure:"backend"` // sqlite | rtdb
	RTDB    RTDBConfig `mapstructure:"rtdb"`
}

// RTDBConfig holds Firebase Realtime Database REST settings
type RTDBConfig struct {
	URL            string        `mapstructure:"url"`
	AuthToken      string        `mapstructure:"auth_token"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// RECYCLEKIOSK_MQTT_BROKER overrides mqtt.broker
	v.SetEnvPrefix("RECYCLEKIOSK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Not a viper default: defaults would merge into a configured table instead of
	// being replaced by it.
	if len(cfg.Materials) == 0 {
		cfg.Materials = DefaultMaterials()
	}

	return &cfg, nil
}

// DefaultMaterials returns the classifier labels accepted when none are configured.
func DefaultMaterials() map[string]int {
	return map[string]int{
		"plastico": 20,
		"aluminio": 30,
	}
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.event_buffer", 32)

	v.SetDefault("vision.enabled", true)
	v.SetDefault("vision.snapshot_url", "http://127.0.0.1:8081/snapshot.jpg")
	v.SetDefault("vision.classifier_url", "http://127.0.0.1:8500/v1/detect")
	v.SetDefault("vision.classifier_timeout", "2s")
	v.SetDefault("vision.interval", "100ms")
	v.SetDefault("vision.confirm_threshold", "5s")
	v.SetDefault("vision.min_confidence", 0.5)
	v.SetDefault("vision.frame_rate", 10.0)
	v.SetDefault("vision.jpeg_quality", 80)
	v.SetDefault("vision.max_capture_failures", 10)

	v.SetDefault("identity.enabled", true)
	v.SetDefault("identity.device_path", "/dev/ttyUSB0")
	v.SetDefault("identity.poll_interval", "500ms")
	v.SetDefault("identity.error_backoff", "1s")
	v.SetDefault("identity.token_hold", "1500ms")

	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "recyclekiosk")
	v.SetDefault("mqtt.tls_insecure", false)
	v.SetDefault("mqtt.material_topic", "material/detectado")
	v.SetDefault("mqtt.level_topic", "reciclaje/esp32-01/nivel")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_timeout", "5s")

	v.SetDefault("storage.db_path", "./data/recyclekiosk.db")

	v.SetDefault("ledger.backend", "sqlite")
	v.SetDefault("ledger.rtdb.timeout", "5s")
	v.SetDefault("ledger.rtdb.max_retries", 3)
	v.SetDefault("ledger.rtdb.retry_delay_base", "500ms")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.EventBuffer < 1 {
		return fmt.Errorf("server.event_buffer must be at least 1")
	}

	if c.Vision.Enabled {
		if c.Vision.SnapshotURL == "" {
			return fmt.Errorf("vision.snapshot_url is required when vision is enabled")
		}
		if c.Vision.ClassifierURL == "" {
			return fmt.Errorf("vision.classifier_url is required when vision is enabled")
		}
	}
	if c.Vision.Interval < 10*time.Millisecond {
		return fmt.Errorf("vision.interval must be at least 10ms")
	}
	if c.Vision.ConfirmThreshold <= 0 {
		return fmt.Errorf("vision.confirm_threshold must be positive")
	}
	if c.Vision.MinConfidence < 0.0 || c.Vision.MinConfidence > 1.0 {
		return fmt.Errorf("vision.min_confidence must be between 0.0 and 1.0")
	}
	if c.Vision.FrameRate <= 0 || c.Vision.FrameRate > 30 {
		return fmt.Errorf("vision.frame_rate must be between 0 and 30")
	}
	if c.Vision.JPEGQuality < 1 || c.Vision.JPEGQuality > 100 {
		return fmt.Errorf("vision.jpeg_quality must be between 1 and 100")
	}
	if c.Vision.MaxCaptureFailures < 1 {
		return fmt.Errorf("vision.max_capture_failures must be at least 1")
	}

	if c.Identity.Enabled && c.Identity.DevicePath == "" {
		return fmt.Errorf("identity.device_path is required when identity is enabled")
	}
	if c.Identity.PollInterval < 50*time.Millisecond {
		return fmt.Errorf("identity.poll_interval must be at least 50ms")
	}
	if c.Identity.ErrorBackoff < c.Identity.PollInterval {
		return fmt.Errorf("identity.error_backoff must not be shorter than identity.poll_interval")
	}
	if c.Identity.TokenHold <= 0 {
		return fmt.Errorf("identity.token_hold must be positive")
	}

	if len(c.Materials) == 0 {
		return fmt.Errorf("materials must contain at least one material")
	}
	for label, points := range c.Materials {
		if points <= 0 {
			return fmt.Errorf("materials.%s must award a positive number of points", label)
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required when mqtt is enabled")
		}
		if c.MQTT.MaterialTopic == "" || c.MQTT.LevelTopic == "" {
			return fmt.Errorf("mqtt.material_topic and mqtt.level_topic are required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	switch c.Ledger.Backend {
	case "sqlite":
	case "rtdb":
		if c.Ledger.RTDB.URL == "" {
			return fmt.Errorf("ledger.rtdb.url is required when ledger.backend is rtdb")
		}
		if c.Ledger.RTDB.MaxRetries < 1 {
			return fmt.Errorf("ledger.rtdb.max_retries must be at least 1")
		}
	default:
		return fmt.Errorf("ledger.backend must be one of: sqlite, rtdb")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
