package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tinytelemetry/aiemu/internal/model"
)

const (
	defaultBindHost         = "127.0.0.1"
	defaultPort             = model.DefaultPort
	defaultTCPPort          = 4000
	defaultOTLPPort         = 4317
	defaultQueryTimeout     = 30 * time.Second
	defaultMaxBodyBytes     = model.DefaultMaxBodyBytes
	defaultMaxDecodedBytes  = model.DefaultMaxDecodedBytes
	defaultLogRetention     = 30 // days, 0 = disabled
	defaultLiveOutboxSize   = 256
	defaultLiveWriteTimeout = 10 * time.Second
	defaultLivePingInterval = 30 * time.Second
	defaultKafkaTopic       = "aiemu-telemetry"
	defaultKafkaMaxMessage  = 1 << 20
	defaultBackupInterval   = 6 * time.Hour
	defaultBackupKeepLast   = 24
	envPrefix               = "AIEMU"
	defaultConfigDirName    = "aiemu"
	defaultDBFileName       = "aiemu.duckdb"
	defaultBackupDirName    = "backups"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	DBPath          string        `mapstructure:"db-path" yaml:"db-path"`
	QueryTimeout    time.Duration `mapstructure:"query-timeout" yaml:"query-timeout"`
	MaxBodyBytes    int64         `mapstructure:"max-body-bytes" yaml:"max-body-bytes"`
	MaxDecodedBytes int64         `mapstructure:"max-decoded-bytes" yaml:"max-decoded-bytes"`
	LogLevel        string        `mapstructure:"log-level" yaml:"log-level"`
	LogFormat       string        `mapstructure:"log-format" yaml:"log-format"`
	LogRetention    int           `mapstructure:"log-retention" yaml:"log-retention"`

	LiveOutboxSize   int           `mapstructure:"live-outbox-size" yaml:"live-outbox-size"`
	LiveWriteTimeout time.Duration `mapstructure:"live-write-timeout" yaml:"live-write-timeout"`
	LivePingInterval time.Duration `mapstructure:"live-ping-interval" yaml:"live-ping-interval"`

	MetricsEnabled bool `mapstructure:"metrics-enabled" yaml:"metrics-enabled"`

	TCPEnabled bool   `mapstructure:"tcp-enabled" yaml:"tcp-enabled"`
	TCPPort    int    `mapstructure:"tcp-port" yaml:"tcp-port"`
	TCPAddr    string `mapstructure:"tcp-addr" yaml:"tcp-addr"`

	OTLPEnabled bool   `mapstructure:"otlp-enabled" yaml:"otlp-enabled"`
	OTLPPort    int    `mapstructure:"otlp-port" yaml:"otlp-port"`
	OTLPAddr    string `mapstructure:"otlp-addr" yaml:"otlp-addr"`

	KafkaEnabled         bool     `mapstructure:"kafka-enabled" yaml:"kafka-enabled"`
	KafkaBrokers         []string `mapstructure:"kafka-brokers" yaml:"kafka-brokers"`
	KafkaTopic           string   `mapstructure:"kafka-topic" yaml:"kafka-topic"`
	KafkaMaxMessageBytes int64    `mapstructure:"kafka-max-message-bytes" yaml:"kafka-max-message-bytes"`

	BackupEnabled        bool          `mapstructure:"backup-enabled" yaml:"backup-enabled"`
	BackupInterval       time.Duration `mapstructure:"backup-interval" yaml:"backup-interval"`
	BackupLocalDir       string        `mapstructure:"backup-local-dir" yaml:"backup-local-dir"`
	BackupKeepLast       int           `mapstructure:"backup-keep-last" yaml:"backup-keep-last"`
	BackupBucketURL      string        `mapstructure:"backup-bucket-url" yaml:"backup-bucket-url"`
	BackupS3Endpoint     string        `mapstructure:"backup-s3-endpoint" yaml:"backup-s3-endpoint"`
	BackupS3Region       string        `mapstructure:"backup-s3-region" yaml:"backup-s3-region"`
	BackupS3AccessKey    string        `mapstructure:"backup-s3-access-key" yaml:"backup-s3-access-key"`
	BackupS3SecretKey    string        `mapstructure:"backup-s3-secret-key" yaml:"backup-s3-secret-key"`
	BackupS3SessionToken string        `mapstructure:"backup-s3-session-token" yaml:"backup-s3-session-token"`
	BackupS3UseSSL       bool          `mapstructure:"backup-s3-use-ssl" yaml:"backup-s3-use-ssl"`

	ConfigPath string `mapstructure:"-" yaml:"-"` // not from config file
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	dataDir := filepath.Join(home, ".local", "share", defaultConfigDirName)

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("host", defaultBindHost)
	v.SetDefault("port", defaultPort)
	v.SetDefault("addr", "")
	v.SetDefault("db-path", filepath.Join(dataDir, defaultDBFileName))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("max-body-bytes", defaultMaxBodyBytes)
	v.SetDefault("max-decoded-bytes", defaultMaxDecodedBytes)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-format", defaultLogFormat)
	v.SetDefault("log-retention", defaultLogRetention)
	v.SetDefault("live-outbox-size", defaultLiveOutboxSize)
	v.SetDefault("live-write-timeout", defaultLiveWriteTimeout)
	v.SetDefault("live-ping-interval", defaultLivePingInterval)
	v.SetDefault("metrics-enabled", true)
	v.SetDefault("tcp-enabled", false)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("tcp-addr", "")
	v.SetDefault("otlp-enabled", false)
	v.SetDefault("otlp-port", defaultOTLPPort)
	v.SetDefault("otlp-addr", "")
	v.SetDefault("kafka-enabled", false)
	v.SetDefault("kafka-brokers", []string{})
	v.SetDefault("kafka-topic", defaultKafkaTopic)
	v.SetDefault("kafka-max-message-bytes", defaultKafkaMaxMessage)
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-local-dir", filepath.Join(dataDir, defaultBackupDirName))
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("backup-bucket-url", "")
	v.SetDefault("backup-s3-endpoint", "")
	v.SetDefault("backup-s3-region", "")
	v.SetDefault("backup-s3-access-key", "")
	v.SetDefault("backup-s3-secret-key", "")
	v.SetDefault("backup-s3-session-token", "")
	v.SetDefault("backup-s3-use-ssl", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", defaultConfigDirName, "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err == nil {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.BackupLocalDir = expandHome(home, cfg.BackupLocalDir)

	if cfg.Addr == "" {
		cfg.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.OTLPAddr == "" {
		cfg.OTLPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.OTLPPort))
	}

	return cfg, nil
}

func (cfg appConfig) validate() error {
	for _, p := range []struct {
		key  string
		port int
	}{
		{"port", cfg.Port},
		{"tcp-port", cfg.TCPPort},
		{"otlp-port", cfg.OTLPPort},
	} {
		if p.port <= 0 || p.port > 65535 {
			return fmt.Errorf("invalid %s: %d", p.key, p.port)
		}
	}
	if cfg.QueryTimeout <= 0 {
		return fmt.Errorf("invalid query-timeout: %s", cfg.QueryTimeout)
	}
	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid max-body-bytes: %d", cfg.MaxBodyBytes)
	}
	if cfg.MaxDecodedBytes <= 0 {
		return fmt.Errorf("invalid max-decoded-bytes: %d", cfg.MaxDecodedBytes)
	}
	if cfg.LogRetention < 0 {
		return fmt.Errorf("invalid log-retention: %d", cfg.LogRetention)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log-format: %q (want json or console)", cfg.LogFormat)
	}
	if cfg.LiveOutboxSize <= 0 {
		return fmt.Errorf("invalid live-outbox-size: %d", cfg.LiveOutboxSize)
	}
	if cfg.LiveWriteTimeout <= 0 {
		return fmt.Errorf("invalid live-write-timeout: %s", cfg.LiveWriteTimeout)
	}
	if cfg.LivePingInterval <= 0 {
		return fmt.Errorf("invalid live-ping-interval: %s", cfg.LivePingInterval)
	}
	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return errors.New("kafka-brokers is required when kafka-enabled is true")
		}
		if strings.TrimSpace(cfg.KafkaTopic) == "" {
			return errors.New("kafka-topic is required when kafka-enabled is true")
		}
		if cfg.KafkaMaxMessageBytes <= 0 {
			return fmt.Errorf("invalid kafka-max-message-bytes: %d", cfg.KafkaMaxMessageBytes)
		}
	}
	if cfg.BackupEnabled {
		if cfg.BackupInterval <= 0 {
			return fmt.Errorf("invalid backup-interval: %s", cfg.BackupInterval)
		}
		if cfg.BackupKeepLast <= 0 {
			return fmt.Errorf("invalid backup-keep-last: %d", cfg.BackupKeepLast)
		}
		if strings.TrimSpace(cfg.BackupLocalDir) == "" {
			return errors.New("backup-local-dir is required when backup-enabled is true")
		}
		if strings.TrimSpace(cfg.DBPath) == "" {
			return errors.New("backup-enabled requires a file-backed db-path")
		}
		if strings.TrimSpace(cfg.BackupBucketURL) != "" &&
			(strings.TrimSpace(cfg.BackupS3AccessKey) == "" || strings.TrimSpace(cfg.BackupS3SecretKey) == "") {
			return errors.New("backup-s3-access-key and backup-s3-secret-key are required when backup-bucket-url is set")
		}
	}
	return nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// redacted returns a copy safe to print.
func (cfg appConfig) redacted() appConfig {
	out := cfg
	if out.BackupS3SecretKey != "" {
		out.BackupS3SecretKey = "********"
	}
	if out.BackupS3SessionToken != "" {
		out.BackupS3SessionToken = "********"
	}
	return out
}
