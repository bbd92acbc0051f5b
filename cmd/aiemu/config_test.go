package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig_Defaults(t *testing.T) {
	resetAiemuEnv(t)

	cfg, err := loadConfig(writeTempConfig(t, "log-level: info"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, "127.0.0.1:5000", cfg.Addr)
	assert.Equal(t, int64(50<<20), cfg.MaxBodyBytes)
	assert.Equal(t, int64(256<<20), cfg.MaxDecodedBytes)
	assert.Equal(t, 30*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 30, cfg.LogRetention)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.MetricsEnabled)
	assert.False(t, cfg.TCPEnabled)
	assert.False(t, cfg.OTLPEnabled)
	assert.False(t, cfg.KafkaEnabled)
	assert.Equal(t, int64(1<<20), cfg.KafkaMaxMessageBytes)
	assert.False(t, cfg.BackupEnabled)
	assert.NotEmpty(t, cfg.ConfigPath)
	assert.True(t, filepath.IsAbs(cfg.DBPath), "db path %q", cfg.DBPath)
}

func TestLoadConfig_MissingFileTolerated(t *testing.T) {
	resetAiemuEnv(t)

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.ConfigPath)
	assert.Equal(t, "127.0.0.1:5000", cfg.Addr)
}

func TestLoadConfig_AddressResolution(t *testing.T) {
	resetAiemuEnv(t)

	tests := []struct {
		name         string
		configYAML   string
		wantAddr     string
		wantTCPAddr  string
		wantOTLPAddr string
	}{
		{
			name: "defaults to localhost host",
			configYAML: `
port: 5100
tcp-port: 4100
otlp-port: 4400
`,
			wantAddr:     "127.0.0.1:5100",
			wantTCPAddr:  "127.0.0.1:4100",
			wantOTLPAddr: "127.0.0.1:4400",
		},
		{
			name: "host applies to derived addresses",
			configYAML: `
host: 0.0.0.0
port: 5200
`,
			wantAddr:     "0.0.0.0:5200",
			wantTCPAddr:  "0.0.0.0:4000",
			wantOTLPAddr: "0.0.0.0:4317",
		},
		{
			name: "explicit addresses override host and ports",
			configYAML: `
host: 0.0.0.0
addr: 10.0.0.5:8888
tcp-addr: 10.0.0.5:9999
otlp-addr: 10.0.0.5:7777
`,
			wantAddr:     "10.0.0.5:8888",
			wantTCPAddr:  "10.0.0.5:9999",
			wantOTLPAddr: "10.0.0.5:7777",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeTempConfig(t, tt.configYAML))
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, cfg.Addr)
			assert.Equal(t, tt.wantTCPAddr, cfg.TCPAddr)
			assert.Equal(t, tt.wantOTLPAddr, cfg.OTLPAddr)
		})
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	resetAiemuEnv(t)
	t.Setenv("AIEMU_PORT", "6000")
	t.Setenv("AIEMU_LOG_FORMAT", "console")

	cfg, err := loadConfig(writeTempConfig(t, "port: 5100"))
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Port)
	assert.Equal(t, "127.0.0.1:6000", cfg.Addr)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoadConfig_ExpandsHome(t *testing.T) {
	resetAiemuEnv(t)

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := loadConfig(writeTempConfig(t, `
db-path: ~/data/aiemu.duckdb
backup-local-dir: ~/data/backups
`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data", "aiemu.duckdb"), cfg.DBPath)
	assert.Equal(t, filepath.Join(home, "data", "backups"), cfg.BackupLocalDir)
}

func TestLoadConfig_Validation(t *testing.T) {
	resetAiemuEnv(t)

	tests := []struct {
		name         string
		configYAML   string
		errSubstring string
	}{
		{name: "port out of range", configYAML: "port: 70000", errSubstring: "invalid port"},
		{name: "tcp port zero", configYAML: "tcp-port: 0", errSubstring: "invalid tcp-port"},
		{name: "negative retention", configYAML: "log-retention: -1", errSubstring: "invalid log-retention"},
		{name: "unknown log format", configYAML: "log-format: xml", errSubstring: "invalid log-format"},
		{name: "zero body limit", configYAML: "max-body-bytes: 0", errSubstring: "invalid max-body-bytes"},
		{name: "zero ping interval", configYAML: "live-ping-interval: 0s", errSubstring: "invalid live-ping-interval"},
		{name: "kafka without brokers", configYAML: "kafka-enabled: true", errSubstring: "kafka-brokers is required"},
		{
			name: "zero kafka message limit",
			configYAML: `
kafka-enabled: true
kafka-brokers: [localhost:9092]
kafka-max-message-bytes: 0
`,
			errSubstring: "invalid kafka-max-message-bytes",
		},
		{
			name: "invalid backup interval rejected",
			configYAML: `
backup-enabled: true
backup-interval: 0s
`,
			errSubstring: "invalid backup-interval",
		},
		{
			name: "invalid backup keep-last rejected",
			configYAML: `
backup-enabled: true
backup-keep-last: -1
`,
			errSubstring: "invalid backup-keep-last",
		},
		{
			name: "bucket url requires credentials",
			configYAML: `
backup-enabled: true
backup-bucket-url: s3://my-bucket/aiemu
`,
			errSubstring: "backup-s3-access-key and backup-s3-secret-key are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeTempConfig(t, tt.configYAML))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstring)
		})
	}
}

func TestLoadConfig_KafkaAndBackupSettings(t *testing.T) {
	resetAiemuEnv(t)

	cfg, err := loadConfig(writeTempConfig(t, `
kafka-enabled: true
kafka-brokers:
  - localhost:9092
  - localhost:9093
kafka-topic: telemetry
kafka-max-message-bytes: 4194304
backup-enabled: true
backup-interval: 1h
backup-local-dir: /tmp/aiemu-backups
backup-keep-last: 10
backup-bucket-url: s3://my-bucket/aiemu
backup-s3-endpoint: localhost:9000
backup-s3-access-key: key
backup-s3-secret-key: secret
backup-s3-use-ssl: false
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, cfg.KafkaBrokers)
	assert.Equal(t, "telemetry", cfg.KafkaTopic)
	assert.Equal(t, int64(4<<20), cfg.KafkaMaxMessageBytes)
	assert.True(t, cfg.BackupEnabled)
	assert.Equal(t, time.Hour, cfg.BackupInterval)
	assert.Equal(t, 10, cfg.BackupKeepLast)
	assert.Equal(t, "s3://my-bucket/aiemu", cfg.BackupBucketURL)
	assert.False(t, cfg.BackupS3UseSSL)
}

func TestWriteConfigYAML_RedactsSecrets(t *testing.T) {
	cfg := appConfig{
		Addr:              "127.0.0.1:5000",
		QueryTimeout:      30 * time.Second,
		BackupS3AccessKey: "key",
		BackupS3SecretKey: "secret",
	}

	var buf bytes.Buffer
	require.NoError(t, writeConfigYAML(&buf, cfg))
	assert.NotContains(t, buf.String(), ": secret")

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "127.0.0.1:5000", decoded["addr"])
	assert.Equal(t, "30s", decoded["query-timeout"])
	assert.Equal(t, "key", decoded["backup-s3-access-key"])
	assert.Equal(t, "********", decoded["backup-s3-secret-key"])
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644))
	return path
}

func resetAiemuEnv(t *testing.T) {
	t.Helper()

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix+"_") {
			continue
		}
		// t.Setenv restores the original value on cleanup.
		t.Setenv(key, value)
		require.NoError(t, os.Unsetenv(key))
	}
}
