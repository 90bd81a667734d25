package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultAccountID      = "default"
	DefaultAPIBaseURL     = "https://api.dingtalk.com"
	DefaultScratchDirName = "dingbridge"
	DefaultMaxMediaBytes  = 20 << 20
	DefaultQueueSize      = 256
	DefaultWorkers        = 4
	DefaultReconnectDelay = "3s"
	DefaultHTTPTimeout    = "30s"
	DefaultRelayExchange  = "dingbridge"
	DefaultRelayInbound   = "dingtalk.inbound"
	DefaultRelayReplyKey  = "dingtalk.reply"
	DefaultRelayQueue     = "dingbridge.replies"
	DefaultRelayReplyTTL  = "30m"
)

type Config struct {
	Log      LogConfig      `toml:"log" yaml:"log"`
	Server   ServerConfig   `toml:"server" yaml:"server"`
	DingTalk DingTalkConfig `toml:"dingtalk" yaml:"dingtalk"`
	Relay    RelayConfig    `toml:"relay" yaml:"relay"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// AccountConfig is one entry of the dingtalk.accounts map.
type AccountConfig struct {
	Name         string `toml:"name" yaml:"name"`
	Enabled      *bool  `toml:"enabled" yaml:"enabled"`
	ClientID     string `toml:"client_id" yaml:"client_id"`
	ClientSecret string `toml:"client_secret" yaml:"client_secret"`
	RobotCode    string `toml:"robot_code" yaml:"robot_code"`
}

// IsEnabled treats an unset flag as enabled.
func (a AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// DingTalkConfig holds the channel section. The flat Name/Enabled/ClientID/
// ClientSecret/RobotCode fields are the legacy single-account layout and only
// ever populate the default account.
type DingTalkConfig struct {
	DefaultAccount string                   `toml:"default_account" yaml:"default_account"`
	Accounts       map[string]AccountConfig `toml:"accounts" yaml:"accounts"`

	Name         string `toml:"name" yaml:"name"`
	Enabled      *bool  `toml:"enabled" yaml:"enabled"`
	ClientID     string `toml:"client_id" yaml:"client_id"`
	ClientSecret string `toml:"client_secret" yaml:"client_secret"`
	RobotCode    string `toml:"robot_code" yaml:"robot_code"`

	APIBaseURL     string  `toml:"api_base_url" yaml:"api_base_url"`
	ScratchDir     string  `toml:"scratch_dir" yaml:"scratch_dir"`
	MaxMediaBytes  int64   `toml:"max_media_bytes" yaml:"max_media_bytes"`
	QueueSize      int     `toml:"queue_size" yaml:"queue_size"`
	Workers        int     `toml:"workers" yaml:"workers"`
	ReconnectDelay string  `toml:"reconnect_delay" yaml:"reconnect_delay"`
	HTTPTimeout    string  `toml:"http_timeout" yaml:"http_timeout"`
	SendQPS        float64 `toml:"send_qps" yaml:"send_qps"`
}

// HasLegacyCredentials reports whether any flat credential field is set.
func (c DingTalkConfig) HasLegacyCredentials() bool {
	return strings.TrimSpace(c.ClientID) != "" ||
		strings.TrimSpace(c.ClientSecret) != "" ||
		strings.TrimSpace(c.RobotCode) != ""
}

func (c DingTalkConfig) ReconnectInterval() time.Duration {
	return parseDuration(c.ReconnectDelay, DefaultReconnectDelay)
}

func (c DingTalkConfig) HTTPTimeoutDuration() time.Duration {
	return parseDuration(c.HTTPTimeout, DefaultHTTPTimeout)
}

// RelayConfig configures the AMQP hop to the reply pipeline. When disabled
// the bridge answers with the built-in echo handler.
type RelayConfig struct {
	Enabled         bool   `toml:"enabled" yaml:"enabled"`
	URL             string `toml:"url" yaml:"url"`
	Exchange        string `toml:"exchange" yaml:"exchange"`
	InboundKey      string `toml:"inbound_routing_key" yaml:"inbound_routing_key"`
	ReplyKey        string `toml:"reply_routing_key" yaml:"reply_routing_key"`
	ReplyQueue      string `toml:"reply_queue" yaml:"reply_queue"`
	ReplyTTL        string `toml:"reply_ttl" yaml:"reply_ttl"`
	PrefetchCount   int    `toml:"prefetch_count" yaml:"prefetch_count"`
	ConsumerWorkers int    `toml:"consumer_workers" yaml:"consumer_workers"`
}

func (c RelayConfig) ReplyTTLDuration() time.Duration {
	return parseDuration(c.ReplyTTL, DefaultRelayReplyTTL)
}

func parseDuration(raw, fallback string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		DingTalk: DingTalkConfig{
			APIBaseURL:     DefaultAPIBaseURL,
			ScratchDir:     filepath.Join(os.TempDir(), DefaultScratchDirName),
			MaxMediaBytes:  DefaultMaxMediaBytes,
			QueueSize:      DefaultQueueSize,
			Workers:        DefaultWorkers,
			ReconnectDelay: DefaultReconnectDelay,
			HTTPTimeout:    DefaultHTTPTimeout,
		},
		Relay: RelayConfig{
			Exchange:        DefaultRelayExchange,
			InboundKey:      DefaultRelayInbound,
			ReplyKey:        DefaultRelayReplyKey,
			ReplyQueue:      DefaultRelayQueue,
			ReplyTTL:        DefaultRelayReplyTTL,
			PrefetchCount:   16,
			ConsumerWorkers: 4,
		},
	}
}

// Load reads path on top of Defaults. A missing file is not an error.
// Files ending in .yaml or .yml are decoded as YAML, everything else as TOML.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode toml config: %w", err)
		}
	}

	return cfg, nil
}
