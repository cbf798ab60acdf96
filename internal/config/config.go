// Package config loads relay settings from flags, environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/band-relay/internal/band"
	"github.com/lowaak/band-relay/internal/logging"
	"github.com/lowaak/band-relay/internal/relay"
)

const EnvPrefix = "BAND_RELAY"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Band      BandConfig      `mapstructure:"band"`
	HeartRate HeartRateConfig `mapstructure:"heart_rate"`
	Radio     RadioConfig     `mapstructure:"radio"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	CommandFormat string `mapstructure:"command_format"`
}

type BandConfig struct {
	Name             string        `mapstructure:"name"`
	ScanTimeout      time.Duration `mapstructure:"scan_timeout"`
	AuthRoundTimeout time.Duration `mapstructure:"auth_round_timeout"`
	TouchTimeout     time.Duration `mapstructure:"touch_timeout"`
}

type HeartRateConfig struct {
	Mode         string        `mapstructure:"mode"`
	RepeatWindow time.Duration `mapstructure:"repeat_window"`
	RearmDelay   time.Duration `mapstructure:"rearm_delay"`
}

// RadioConfig selects the BLE backend. The mock backend simulates bands
// in-process and can expose an HTTP control API.
type RadioConfig struct {
	Mock               bool          `mapstructure:"mock"`
	MockBands          int           `mapstructure:"mock_bands"`
	MockAutoMeasure    time.Duration `mapstructure:"mock_auto_measure"`
	MockControlAddress string        `mapstructure:"mock_control_address"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	Stderr     bool   `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

var defaults = map[string]any{
	"server.listen_address":      relay.DefaultListenAddress,
	"server.command_format":      string(relay.FormatText),
	"band.name":                  band.DefaultDeviceName,
	"band.scan_timeout":          band.DefaultScanTimeout,
	"band.auth_round_timeout":    band.DefaultAuthRoundTimeout,
	"band.touch_timeout":         band.DefaultTouchTimeout,
	"heart_rate.mode":            string(band.MeasurementContinuous),
	"heart_rate.repeat_window":   band.DefaultRepeatWindow,
	"heart_rate.rearm_delay":     band.DefaultRearmDelay,
	"radio.mock":                 false,
	"radio.mock_bands":           1,
	"radio.mock_auto_measure":    time.Second,
	"radio.mock_control_address": "",
	"log.file":                   "",
	"log.stderr":                 true,
	"log.max_size_mb":            10,
	"log.max_backups":            3,
	"log.max_age_days":           28,
	"log.compress":               false,
}

// flag name -> config key
var flagKeys = map[string]string{
	"listen":         "server.listen_address",
	"command-format": "server.command_format",
	"band-name":      "band.name",
	"scan-timeout":   "band.scan_timeout",
	"auth-timeout":   "band.auth_round_timeout",
	"touch-timeout":  "band.touch_timeout",
	"mode":           "heart_rate.mode",
	"repeat-window":  "heart_rate.repeat_window",
	"rearm-delay":    "heart_rate.rearm_delay",
	"mock":           "radio.mock",
	"mock-bands":     "radio.mock_bands",
	"mock-control":   "radio.mock_control_address",
	"log-file":       "log.file",
	"log-stderr":     "log.stderr",
}

// NewFlagSet defines the command line flags understood by Load.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("listen", relay.DefaultListenAddress, "TCP address the relay listens on")
	fs.String("command-format", string(relay.FormatText), "command framing: text or int32")
	fs.String("band-name", band.DefaultDeviceName, "advertised name of the band")
	fs.Duration("scan-timeout", band.DefaultScanTimeout, "how long to scan for a band")
	fs.Duration("auth-timeout", band.DefaultAuthRoundTimeout, "deadline for each authentication round")
	fs.Duration("touch-timeout", band.DefaultTouchTimeout, "deadline for a touch request")
	fs.String("mode", string(band.MeasurementContinuous), "measurement mode: continuous or single")
	fs.Duration("repeat-window", band.DefaultRepeatWindow, "gap after which an unchanged reading is a repeat")
	fs.Duration("rearm-delay", band.DefaultRearmDelay, "delay before re-arming continuous measurement")
	fs.Bool("mock", false, "use simulated bands instead of the BLE adapter")
	fs.Int("mock-bands", 1, "number of simulated bands")
	fs.String("mock-control", "", "address of the simulated band control API")
	fs.String("log-file", "", "rotated log file")
	fs.Bool("log-stderr", true, "log to stderr")
	return fs
}

// Load merges defaults, the config file named by --config, BAND_RELAY_*
// environment variables and explicitly set flags, in increasing priority.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if flag := fs.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if path, err := fs.GetString("config"); err == nil && path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddress == "" {
		errs = append(errs, errors.New("server.listen_address is empty"))
	}
	if !relay.CommandFormat(c.Server.CommandFormat).Valid() {
		errs = append(errs, fmt.Errorf("server.command_format %q is not text or int32", c.Server.CommandFormat))
	}
	if c.Band.Name == "" {
		errs = append(errs, errors.New("band.name is empty"))
	}
	for key, d := range map[string]time.Duration{
		"band.scan_timeout":        c.Band.ScanTimeout,
		"band.auth_round_timeout":  c.Band.AuthRoundTimeout,
		"band.touch_timeout":       c.Band.TouchTimeout,
		"heart_rate.repeat_window": c.HeartRate.RepeatWindow,
		"heart_rate.rearm_delay":   c.HeartRate.RearmDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	switch band.MeasurementMode(c.HeartRate.Mode) {
	case band.MeasurementContinuous, band.MeasurementSingle:
	default:
		errs = append(errs, fmt.Errorf("heart_rate.mode %q is not continuous or single", c.HeartRate.Mode))
	}
	if c.Radio.Mock && c.Radio.MockBands < 1 {
		errs = append(errs, fmt.Errorf("radio.mock_bands must be at least 1, got %d", c.Radio.MockBands))
	}
	if !c.Log.Stderr && c.Log.File == "" {
		errs = append(errs, errors.New("log output disabled: set log.file or log.stderr"))
	}
	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("log.max_size_mb must be positive, got %d", c.Log.MaxSizeMB))
	}
	return errors.Join(errs...)
}

func (c *Config) BandOptions() band.Options {
	return band.Options{
		DeviceName:       c.Band.Name,
		ScanTimeout:      c.Band.ScanTimeout,
		AuthRoundTimeout: c.Band.AuthRoundTimeout,
		TouchTimeout:     c.Band.TouchTimeout,
		Mode:             band.MeasurementMode(c.HeartRate.Mode),
		RepeatWindow:     c.HeartRate.RepeatWindow,
		RearmDelay:       c.HeartRate.RearmDelay,
	}
}

func (c *Config) RelayOptions() relay.Options {
	return relay.Options{
		ListenAddress: c.Server.ListenAddress,
		CommandFormat: relay.CommandFormat(c.Server.CommandFormat),
	}
}

func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
		Stderr:     c.Log.Stderr,
	}
}
