package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.True(t, cfg.BLESupport)
	assert.True(t, cfg.BREDRSupport)
	assert.Equal(t, 7, cfg.GattcMaxConnections)
	assert.Equal(t, 16, cfg.GattsMaxAttributeNum)
	assert.Equal(t, 2, cfg.LEAdvertiserMaxNum)
	assert.Equal(t, 2, cfg.LEScannerMaxNum)
	assert.False(t, cfg.SnoopLog)
}

func TestConfig_NewLogger(t *testing.T) {
	levels := []logrus.Level{logrus.DebugLevel, logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}

	for _, lvl := range levels {
		t.Run(lvl.String(), func(t *testing.T) {
			cfg := &Config{LogLevel: lvl}
			logger := cfg.NewLogger()

			require.NotNil(t, logger)
			assert.Equal(t, lvl, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().GattcMaxConnections, cfg.GattcMaxConnections)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btframework.yaml")
	body := "gattc_max_connections: 3\nble_scan: false\nsnoop_log: true\nsnoop_log_path: /var/log/bt.snoop\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.GattcMaxConnections)
	assert.False(t, cfg.BLEScan)
	assert.True(t, cfg.SnoopLog)
	assert.Equal(t, "/var/log/bt.snoop", cfg.SnoopLogPath)
	// fields the file didn't mention keep their defaults
	assert.True(t, cfg.BLEAdv)
	assert.Equal(t, 2, cfg.LEAdvertiserMaxNum)
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
