// Package config loads and validates the server configuration file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every recognized setting. Durations configured in
// milliseconds are exposed through helper methods.
type Config struct {
	LogLevel            string `mapstructure:"logLevel"`
	Port                int    `mapstructure:"port"`
	PaintDelay          int    `mapstructure:"paintDelay"`
	UseDB               bool   `mapstructure:"useDB"`
	Width               int    `mapstructure:"width"`
	Height              int    `mapstructure:"height"`
	ClearBoard          bool   `mapstructure:"clearBoard"`
	ValidationPaste     string `mapstructure:"validationPaste"`
	Key                 string `mapstructure:"key"`
	Cert                string `mapstructure:"cert"`
	MaxWebSocketPerIP   int    `mapstructure:"maxWebSocketPerIP"`
	BanDuration         int    `mapstructure:"banDuration"`
	TicksPerSecond      int    `mapstructure:"ticksPerSecond"`
	MaxPacketPerSecond  int    `mapstructure:"maxPacketPerSecond"`
	EnableTokenCounting bool   `mapstructure:"enableTokenCounting"`
	MaxAllowedUID       int    `mapstructure:"maxAllowedUID"`
	BanToken            string `mapstructure:"banToken"`
}

// recognizedKeys uses viper's lowercased key form.
var recognizedKeys = map[string]struct{}{
	"loglevel":            {},
	"port":                {},
	"paintdelay":          {},
	"usedb":               {},
	"width":               {},
	"height":              {},
	"clearboard":          {},
	"validationpaste":     {},
	"key":                 {},
	"cert":                {},
	"maxwebsocketperip":   {},
	"banduration":         {},
	"tickspersecond":      {},
	"maxpacketpersecond":  {},
	"enabletokencounting": {},
	"maxalloweduid":       {},
	"bantoken":            {},
}

var logLevels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "error": {}, "fatal": {},
}

// Load reads the JSON config at path, rejecting unknown keys and applying
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("logLevel", "info")
	v.SetDefault("port", 8080)
	v.SetDefault("paintDelay", 30000)
	v.SetDefault("useDB", false)
	v.SetDefault("width", 1000)
	v.SetDefault("height", 600)
	v.SetDefault("clearBoard", false)
	v.SetDefault("validationPaste", "IkaPaintBoard")
	v.SetDefault("maxWebSocketPerIP", 0)
	v.SetDefault("banDuration", 60000)
	v.SetDefault("ticksPerSecond", 128)
	v.SetDefault("maxPacketPerSecond", 128)
	v.SetDefault("enableTokenCounting", false)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	for key := range v.AllSettings() {
		if _, ok := recognizedKeys[key]; !ok {
			return nil, fmt.Errorf("unrecognized config key %q", key)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, ok := logLevels[c.LogLevel]; !ok {
		return fmt.Errorf("invalid logLevel %q", c.LogLevel)
	}
	if c.Width < 1 || c.Height < 1 {
		return fmt.Errorf("board dimensions must be at least 1x1, got %dx%d", c.Width, c.Height)
	}
	if c.PaintDelay < 0 {
		return fmt.Errorf("paintDelay must be non-negative, got %d", c.PaintDelay)
	}
	if c.TicksPerSecond < 1 {
		return fmt.Errorf("ticksPerSecond must be at least 1, got %d", c.TicksPerSecond)
	}
	if c.MaxPacketPerSecond < 1 {
		return fmt.Errorf("maxPacketPerSecond must be at least 1, got %d", c.MaxPacketPerSecond)
	}
	if c.MaxWebSocketPerIP < 0 {
		return fmt.Errorf("maxWebSocketPerIP must be non-negative, got %d", c.MaxWebSocketPerIP)
	}
	if (c.Key == "") != (c.Cert == "") {
		return fmt.Errorf("key and cert must be configured together")
	}
	return nil
}

// PaintDelayDuration returns the cooldown between successful paints.
func (c *Config) PaintDelayDuration() time.Duration {
	return time.Duration(c.PaintDelay) * time.Millisecond
}

// BanDurationDuration returns the connection-limit ban length.
func (c *Config) BanDurationDuration() time.Duration {
	return time.Duration(c.BanDuration) * time.Millisecond
}

// TLSEnabled reports whether a certificate pair is configured.
func (c *Config) TLSEnabled() bool {
	return c.Key != "" && c.Cert != ""
}
