package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joshp123/moenhome/internal/oauth"
)

const (
	SchemaVersion       = 1
	DefaultPath         = "/etc/moenhome/config.yaml"
	DefaultGRPCAddr     = "0.0.0.0:9000"
	DefaultHTTPAddr     = "0.0.0.0:8080"
	DefaultDashboardDir = "/var/lib/moenhome/dashboards"
	DefaultStateDir     = "/var/lib/moenhome/oauth"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultTopicPrefix  = "moenhome"
	DefaultMQTTQoS      = 1
)

var accountNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Config is the root of config.yaml.
type Config struct {
	SchemaVersion int          `yaml:"schema_version"`
	Core          *CoreConfig  `yaml:"core"`
	OAuth         *OAuthConfig `yaml:"oauth"`
	MQTT          *MQTTConfig  `yaml:"mqtt"`
	Moen          *MoenConfig  `yaml:"moen"`
}

type CoreConfig struct {
	GRPCAddr     string `yaml:"grpc_addr"`
	HTTPAddr     string `yaml:"http_addr"`
	DashboardDir string `yaml:"dashboard_dir"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
}

// OAuthConfig controls where token state is persisted. Blob is optional.
type OAuthConfig struct {
	StateDir string            `yaml:"state_dir"`
	Blob     *oauth.BlobConfig `yaml:"blob"`
}

type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	PasswordFile string `yaml:"password_file"`
	TopicPrefix  string `yaml:"topic_prefix"`
	QoS          *int   `yaml:"qos"`
}

type MoenConfig struct {
	Accounts []AccountConfig `yaml:"accounts"`
}

// AccountConfig is one Moen login. Empty fields fall back to the client defaults.
type AccountConfig struct {
	Name                   string `yaml:"name"`
	Username               string `yaml:"username"`
	PasswordFile           string `yaml:"password_file"`
	ClientID               string `yaml:"client_id"`
	OAuthBase              string `yaml:"oauth_base"`
	APIBase                string `yaml:"api_base"`
	InvokerBase            string `yaml:"invoker_base"`
	UserAgent              string `yaml:"user_agent"`
	Locale                 string `yaml:"locale"`
	Units                  string `yaml:"units"`
	PollIntervalSeconds    int    `yaml:"poll_interval_seconds"`
	DetailsIntervalSeconds int    `yaml:"details_interval_seconds"`
	RequestTimeoutSeconds  int    `yaml:"request_timeout_seconds"`
	MaxRequestsPerMinute   int    `yaml:"max_requests_per_minute"`
}

// Load parses the YAML config file, applies env overrides and defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if cfg.Core == nil {
		cfg.Core = &CoreConfig{}
	}
	if v := os.Getenv("MOENHOME_GRPC_ADDR"); v != "" {
		cfg.Core.GRPCAddr = v
	}
	if v := os.Getenv("MOENHOME_HTTP_ADDR"); v != "" {
		cfg.Core.HTTPAddr = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Core == nil {
		cfg.Core = &CoreConfig{}
	}
	if cfg.Core.GRPCAddr == "" {
		cfg.Core.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Core.HTTPAddr == "" {
		cfg.Core.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Core.DashboardDir == "" {
		cfg.Core.DashboardDir = DefaultDashboardDir
	}
	if cfg.Core.LogLevel == "" {
		cfg.Core.LogLevel = DefaultLogLevel
	}
	if cfg.Core.LogFormat == "" {
		cfg.Core.LogFormat = DefaultLogFormat
	}

	if cfg.OAuth == nil {
		cfg.OAuth = &OAuthConfig{}
	}
	if cfg.OAuth.StateDir == "" {
		cfg.OAuth.StateDir = DefaultStateDir
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = DefaultTopicPrefix
		}
		if cfg.MQTT.QoS == nil {
			qos := DefaultMQTTQoS
			cfg.MQTT.QoS = &qos
		}
	}
}

// Validate enforces required invariants beyond YAML typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}

	if cfg.Core == nil {
		return fmt.Errorf("core config is required")
	}
	if cfg.Core.GRPCAddr == "" {
		return fmt.Errorf("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		return fmt.Errorf("core.http_addr is required")
	}
	if cfg.Core.DashboardDir == "" {
		return fmt.Errorf("core.dashboard_dir is required")
	}
	switch cfg.Core.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("core.log_format must be text or json")
	}
	switch strings.ToLower(cfg.Core.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("core.log_level must be debug, info, warn or error")
	}

	if cfg.OAuth == nil || cfg.OAuth.StateDir == "" {
		return fmt.Errorf("oauth.state_dir is required")
	}
	if !filepath.IsAbs(cfg.OAuth.StateDir) {
		return fmt.Errorf("oauth.state_dir must be absolute")
	}
	if blob := cfg.OAuth.Blob; blob != nil {
		if blob.Endpoint == "" {
			return fmt.Errorf("oauth.blob.endpoint is required")
		}
		if blob.Bucket == "" {
			return fmt.Errorf("oauth.blob.bucket is required")
		}
		if blob.AccessKeyFile == "" {
			return fmt.Errorf("oauth.blob.access_key_file is required")
		}
		if blob.SecretKeyFile == "" {
			return fmt.Errorf("oauth.blob.secret_key_file is required")
		}
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if q := *cfg.MQTT.QoS; q < 0 || q > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if cfg.Moen == nil || len(cfg.Moen.Accounts) == 0 {
		return fmt.Errorf("moen.accounts requires at least one account")
	}
	seen := make(map[string]bool)
	for i, account := range cfg.Moen.Accounts {
		if !accountNamePattern.MatchString(account.Name) {
			return fmt.Errorf("moen.accounts[%d].name %q does not match %s", i, account.Name, accountNamePattern.String())
		}
		if seen[account.Name] {
			return fmt.Errorf("duplicate moen account %q", account.Name)
		}
		seen[account.Name] = true
		if account.Username == "" {
			return fmt.Errorf("moen.accounts[%d].username is required", i)
		}
		if account.PasswordFile == "" {
			return fmt.Errorf("moen.accounts[%d].password_file is required", i)
		}
		if account.Units != "" && account.Units != "imperial" && account.Units != "metric" {
			return fmt.Errorf("moen.accounts[%d].units must be imperial or metric", i)
		}
		if account.PollIntervalSeconds < 0 || account.DetailsIntervalSeconds < 0 ||
			account.RequestTimeoutSeconds < 0 || account.MaxRequestsPerMinute < 0 {
			return fmt.Errorf("moen.accounts[%d]: intervals and limits must not be negative", i)
		}
	}

	return nil
}

// EnabledPlugins maps enabled plugin IDs based on config presence.
func EnabledPlugins(cfg *Config) map[string]bool {
	enabled := make(map[string]bool)
	if cfg == nil {
		return enabled
	}
	if cfg.Moen != nil && len(cfg.Moen.Accounts) > 0 {
		enabled["moen"] = true
	}
	return enabled
}

// StatePath is the token state file of an account.
func StatePath(cfg *Config, account string) string {
	return filepath.Join(cfg.OAuth.StateDir, account+".json")
}

// Account looks up a configured Moen account by name.
func Account(cfg *Config, name string) (AccountConfig, error) {
	if cfg == nil || cfg.Moen == nil {
		return AccountConfig{}, fmt.Errorf("no moen accounts configured")
	}
	available := make([]string, 0, len(cfg.Moen.Accounts))
	for _, account := range cfg.Moen.Accounts {
		if account.Name == name {
			return account, nil
		}
		available = append(available, account.Name)
	}
	return AccountConfig{}, fmt.Errorf("unknown account %q (configured: %s)", name, strings.Join(available, ", "))
}

// ReadSecretFile returns the trimmed contents of a secret file.
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", path, err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}
