// Package config holds the recognized configuration options table (the
// BLUETOOTH_* compile-time options) as a loadable Go struct, in place of
// the original's Kconfig-style #defines. Grounded on
// the Go CLI tooling's pkg/config.Config: same defaulting approach
// (mcuadros/go-defaults struct tags) and same logger construction,
// generalized from a handful of CLI flags into the framework's full
// options table.
package config

import (
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the recognized configuration options table.
type Config struct {
	BLESupport   bool `yaml:"ble_support" default:"true"`
	BREDRSupport bool `yaml:"bredr_support" default:"true"`
	BLEAdv       bool `yaml:"ble_adv" default:"true"`
	BLEScan      bool `yaml:"ble_scan" default:"true"`

	GattcMaxConnections  int `yaml:"gattc_max_connections" default:"7"`
	GattsMaxAttributeNum int `yaml:"gatts_max_attribute_num" default:"16"`
	LEAdvertiserMaxNum   int `yaml:"le_advertiser_max_num" default:"2"`
	LEScannerMaxNum      int `yaml:"le_scanner_max_num" default:"2"`
	PMMaxTimerNumber     int `yaml:"pm_max_timer_number" default:"16"`
	MaxRegisterNum       int `yaml:"max_register_num" default:"32"`

	SnoopLog     bool   `yaml:"snoop_log" default:"false"`
	SnoopLogPath string `yaml:"snoop_log_path" default:"/tmp/btsnoop.log"`

	// LogLevel isn't part of the options table; carried here since every
	// binary wiring the framework needs one logger built from one config.
	LogLevel logrus.Level `yaml:"-"`
}

// DefaultConfig returns the options table with every BLUETOOTH_* default
// applied (2 advertiser slots, 2 scanner slots, 16 attributes per
// table, ...).
func DefaultConfig() *Config {
	c := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(c)
	return c
}

// Load reads a Config from a YAML file at path, applying defaults to any
// field the file omits. A missing file is not an error: it returns
// DefaultConfig().
func Load(path string) (*Config, error) {
	c := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// NewLogger builds a logrus.Logger at the configured level, using the
// structured text format every framework component's *logrus.Entry is
// derived from.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
