// Package config handles loading, defaulting, and validation of the pourlink
// TOML configuration file. Every section maps to a typed struct so the rest
// of the codebase gets strong typing without manual key lookups.
package config

import (
	"errors"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// TokenEnv overrides appliance.token when set.
const TokenEnv = "POURLINK_TOKEN"

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Appliance ApplianceConfig `toml:"appliance" json:"appliance"`
	Reconnect ReconnectConfig `toml:"reconnect" json:"reconnect"`
	Stomp     StompConfig     `toml:"stomp"     json:"stomp"`
	Topics    TopicsConfig    `toml:"topics"    json:"topics"`
	Logging   LoggingConfig   `toml:"logging"   json:"logging"`
	Server    ServerConfig    `toml:"server"    json:"server"`
	Demo      DemoConfig      `toml:"demo"      json:"demo"`
}

type ApplianceConfig struct {
	BaseURL        string  `toml:"base_url"        json:"base_url"`
	WSPath         string  `toml:"ws_path"         json:"ws_path"`
	APIPath        string  `toml:"api_path"        json:"api_path"`
	Token          string  `toml:"token"           json:"-"`
	ProgressTopic  string  `toml:"progress_topic"  json:"progress_topic"`
	PumpTopic      string  `toml:"pump_topic"      json:"pump_topic"`
	PumpIDs        []int64 `toml:"pump_ids"        json:"pump_ids"`
	TimeoutSeconds int     `toml:"timeout_seconds" json:"timeout_seconds"`
}

type ReconnectConfig struct {
	BaseSeconds    int `toml:"base_seconds"    json:"base_seconds"`
	CeilingSeconds int `toml:"ceiling_seconds" json:"ceiling_seconds"`
}

type StompConfig struct {
	HeartbeatMillis int `toml:"heartbeat_ms" json:"heartbeat_ms"`
}

type TopicsConfig struct {
	// Strict makes contract violations (empty topic, unknown subscriber)
	// panic instead of being logged and ignored.
	Strict bool `toml:"strict" json:"strict"`
}

type LoggingConfig struct {
	Level string `toml:"level" json:"level"`
	JSON  bool   `toml:"json"  json:"json"`
}

type ServerConfig struct {
	Bind string `toml:"bind" json:"bind"`
}

type DemoConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	StepMillis int    `toml:"step_ms" json:"step_ms"`
	Bind       string `toml:"bind"    json:"bind"`
}

// Default returns a Config populated with sane defaults. Values here are
// used whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Appliance: ApplianceConfig{
			BaseURL:        "http://127.0.0.1:8080",
			WSPath:         "/websocket",
			APIPath:        "/api/cocktail/",
			ProgressTopic:  "/user/topic/cocktailprogress",
			PumpTopic:      "/user/topic/pump/runningstate/",
			TimeoutSeconds: 10,
		},
		Reconnect: ReconnectConfig{
			BaseSeconds:    5,
			CeilingSeconds: 20,
		},
		Stomp: StompConfig{
			HeartbeatMillis: 4000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Bind: "127.0.0.1:8090",
		},
		Demo: DemoConfig{
			Enabled:    false,
			StepMillis: 1000,
			Bind:       "127.0.0.1:8081",
		},
	}
}

// Load reads the TOML file at path, layers it on top of the defaults, applies
// environment overrides, and validates the result. An empty path skips the
// file and validates the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	}

	if tok := strings.TrimSpace(os.Getenv(TokenEnv)); tok != "" {
		cfg.Appliance.Token = tok
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ReconnectBase is the first reconnect delay.
func (c Config) ReconnectBase() time.Duration {
	return time.Duration(c.Reconnect.BaseSeconds) * time.Second
}

// ReconnectCeiling is the largest reconnect delay.
func (c Config) ReconnectCeiling() time.Duration {
	return time.Duration(c.Reconnect.CeilingSeconds) * time.Second
}

// Heartbeat is the STOMP heart-beat interval offered in both directions.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Stomp.HeartbeatMillis) * time.Millisecond
}

// RequestTimeout bounds every appliance HTTP call.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Appliance.TimeoutSeconds) * time.Second
}

// WebsocketURL derives the ws(s) endpoint from the appliance base URL.
func (c Config) WebsocketURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.Appliance.BaseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.New("appliance.base_url must be http or https")
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.Appliance.WSPath
	u.RawQuery = ""
	return u.String(), nil
}

func validate(cfg Config) error {
	if cfg.Appliance.BaseURL == "" {
		return errors.New("appliance.base_url must not be empty")
	}
	u, err := url.Parse(cfg.Appliance.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("appliance.base_url must be an absolute http(s) URL")
	}
	if !strings.HasPrefix(cfg.Appliance.WSPath, "/") {
		return errors.New("appliance.ws_path must start with /")
	}
	if !strings.HasPrefix(cfg.Appliance.APIPath, "/") {
		return errors.New("appliance.api_path must start with /")
	}
	if cfg.Appliance.ProgressTopic == "" {
		return errors.New("appliance.progress_topic must not be empty")
	}
	if cfg.Appliance.TimeoutSeconds < 1 {
		return errors.New("appliance.timeout_seconds must be >= 1")
	}
	if cfg.Reconnect.BaseSeconds < 1 {
		return errors.New("reconnect.base_seconds must be >= 1")
	}
	if cfg.Reconnect.CeilingSeconds < cfg.Reconnect.BaseSeconds {
		return errors.New("reconnect.ceiling_seconds must be >= reconnect.base_seconds")
	}
	if cfg.Stomp.HeartbeatMillis < 0 {
		return errors.New("stomp.heartbeat_ms must be >= 0")
	}
	if cfg.Demo.StepMillis < 1 {
		return errors.New("demo.step_ms must be >= 1")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
