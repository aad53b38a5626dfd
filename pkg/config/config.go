// Package config provides YAML-based configuration loading for actorwire.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config is the root transport configuration.
type Config struct {
    // SystemName is the logical actor system name carried in addresses.
    SystemName string `mapstructure:"system-name"`

    // Canonical is the address this node advertises to peers.
    Canonical CanonicalConfig `mapstructure:"canonical"`

    // HandshakeTimeout bounds how long an outbound lane waits for the peer
    // uid before failing the stream. Must be positive.
    HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`

    // InjectHandshakeInterval is the resend period for handshake requests
    // until a response is observed.
    InjectHandshakeInterval time.Duration `mapstructure:"inject-handshake-interval"`

    // GiveUpSendAfter bounds how long an outbound lane retries a
    // backpressured publication before dropping the envelope.
    GiveUpSendAfter time.Duration `mapstructure:"give-up-send-after"`

    // LargeMessageDestinations lists path patterns routed onto the large
    // lane, e.g. "/user/blobs/*".
    LargeMessageDestinations []string `mapstructure:"large-message-destinations"`

    // SysMsgBufferSize bounds the unacknowledged system-message window.
    SysMsgBufferSize int `mapstructure:"sys-msg-buffer-size"`

    // SystemMessageResendInterval is the retransmit period for
    // unacknowledged system messages.
    SystemMessageResendInterval time.Duration `mapstructure:"system-message-resend-interval"`

    // SendQueueSize bounds each outbound lane queue.
    SendQueueSize int `mapstructure:"send-queue-size"`

    // OrdinarySendRateBytes shapes the ordinary lane to this byte rate per
    // second; 0 disables shaping.
    OrdinarySendRateBytes int64 `mapstructure:"ordinary-send-rate-bytes"`

    Restart     RestartConfig     `mapstructure:"restart"`
    Driver      DriverConfig      `mapstructure:"driver"`
    Compression CompressionConfig `mapstructure:"compression"`
    Log         LogConfig         `mapstructure:"log"`
}

// CanonicalConfig is the advertised endpoint.
type CanonicalConfig struct {
    Hostname string `mapstructure:"hostname"`
    // Port 0 selects an ephemeral port at bind time.
    Port int `mapstructure:"port"`
}

// RestartConfig is the sliding-window restart budget applied to each inbound
// pipeline and each outbound lane.
type RestartConfig struct {
    MaxRestarts int           `mapstructure:"max-restarts"`
    Timeout     time.Duration `mapstructure:"timeout"`
}

// DriverConfig controls the media driver.
type DriverConfig struct {
    // Embedded selects the in-process driver; false expects an external one
    // at Dir.
    Embedded bool   `mapstructure:"embedded"`
    Dir      string `mapstructure:"dir"`
    // IdleCPULevel 1..10 selects the driver threading profile.
    IdleCPULevel int `mapstructure:"idle-cpu-level"`
    // ErrorPollInterval/ErrorPollInitial schedule the media error-log poller.
    ErrorPollInterval time.Duration `mapstructure:"error-poll-interval"`
    ErrorPollInitial  time.Duration `mapstructure:"error-poll-initial"`
    // ConductorTimeout is surfaced as configuration because the inherited
    // constant was ambiguous between seconds and milliseconds.
    ConductorTimeout time.Duration `mapstructure:"conductor-timeout"`
    // LargeOverQUIC moves the large lane onto the QUIC stream driver.
    LargeOverQUIC bool `mapstructure:"large-over-quic"`
}

// CompressionConfig toggles ref/manifest compression.
type CompressionConfig struct {
    Enabled bool `mapstructure:"enabled"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        SystemName: "default",
        Canonical:  CanonicalConfig{Hostname: "127.0.0.1", Port: 0},

        HandshakeTimeout:            20 * time.Second,
        InjectHandshakeInterval:     time.Second,
        GiveUpSendAfter:             60 * time.Second,
        SysMsgBufferSize:            20000,
        SystemMessageResendInterval: time.Second,
        SendQueueSize:               3072,

        Restart: RestartConfig{MaxRestarts: 5, Timeout: 5 * time.Second},
        Driver: DriverConfig{
            Embedded:          true,
            IdleCPULevel:      5,
            ErrorPollInterval: 5 * time.Second,
            ErrorPollInitial:  3 * time.Second,
            ConductorTimeout:  20 * time.Second,
        },
        Compression: CompressionConfig{Enabled: true},
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/actorwire.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
    }
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides.
// Environment variables use the prefix ACTORWIRE and `.`/`-` are replaced
// with `_`. Example: ACTORWIRE_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("ACTORWIRE")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("system-name", cfg.SystemName)
    v.SetDefault("canonical.hostname", cfg.Canonical.Hostname)
    v.SetDefault("canonical.port", cfg.Canonical.Port)
    v.SetDefault("handshake-timeout", cfg.HandshakeTimeout)
    v.SetDefault("inject-handshake-interval", cfg.InjectHandshakeInterval)
    v.SetDefault("give-up-send-after", cfg.GiveUpSendAfter)
    v.SetDefault("large-message-destinations", cfg.LargeMessageDestinations)
    v.SetDefault("sys-msg-buffer-size", cfg.SysMsgBufferSize)
    v.SetDefault("system-message-resend-interval", cfg.SystemMessageResendInterval)
    v.SetDefault("send-queue-size", cfg.SendQueueSize)
    v.SetDefault("ordinary-send-rate-bytes", cfg.OrdinarySendRateBytes)
    v.SetDefault("restart.max-restarts", cfg.Restart.MaxRestarts)
    v.SetDefault("restart.timeout", cfg.Restart.Timeout)
    v.SetDefault("driver.embedded", cfg.Driver.Embedded)
    v.SetDefault("driver.dir", cfg.Driver.Dir)
    v.SetDefault("driver.idle-cpu-level", cfg.Driver.IdleCPULevel)
    v.SetDefault("driver.error-poll-interval", cfg.Driver.ErrorPollInterval)
    v.SetDefault("driver.error-poll-initial", cfg.Driver.ErrorPollInitial)
    v.SetDefault("driver.conductor-timeout", cfg.Driver.ConductorTimeout)
    v.SetDefault("driver.large-over-quic", cfg.Driver.LargeOverQUIC)
    v.SetDefault("compression.enabled", cfg.Compression.Enabled)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

    // Choose config file
    if path == "" {
        if envPath := os.Getenv("ACTORWIRE_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("actorwire")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".actorwire"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.Validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if strings.TrimSpace(c.SystemName) == "" {
        c.SystemName = "default"
    }
    if c.Canonical.Hostname == "" {
        c.Canonical.Hostname = "127.0.0.1"
    }
    if c.HandshakeTimeout <= 0 {
        return fmt.Errorf("handshake-timeout must be positive, got %v", c.HandshakeTimeout)
    }
    if c.SysMsgBufferSize <= 0 {
        return fmt.Errorf("sys-msg-buffer-size must be positive, got %d", c.SysMsgBufferSize)
    }
    if c.Driver.IdleCPULevel < 1 || c.Driver.IdleCPULevel > 10 {
        return fmt.Errorf("driver.idle-cpu-level must be in 1..10, got %d", c.Driver.IdleCPULevel)
    }
    if c.InjectHandshakeInterval <= 0 {
        c.InjectHandshakeInterval = time.Second
    }
    if c.SystemMessageResendInterval <= 0 {
        c.SystemMessageResendInterval = time.Second
    }
    if c.GiveUpSendAfter <= 0 {
        c.GiveUpSendAfter = 60 * time.Second
    }
    if c.SendQueueSize <= 0 {
        c.SendQueueSize = 3072
    }
    if c.Restart.MaxRestarts <= 0 {
        c.Restart.MaxRestarts = 5
    }
    if c.Restart.Timeout <= 0 {
        c.Restart.Timeout = 5 * time.Second
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
