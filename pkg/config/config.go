package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

var (
	// ErrNotConfigured is returned when no Rocket.Chat server is configured.
	ErrNotConfigured = errors.New("rocket.chat url not configured")

	// ErrDhallNotAvailable is returned when dhall-to-json is not installed.
	ErrDhallNotAvailable = errors.New("dhall-to-json not available")
)

// FlexibleStringSlice is a []string that also accepts a single JSON string,
// so allowed_origins can be "https://a.example" or ["https://a.example"].
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*f = nil
			return nil
		}
		*f = strings.Split(s, ",")
		return nil
	}

	var ss []string
	if err := json.Unmarshal(data, &ss); err != nil {
		return err
	}
	*f = ss
	return nil
}

type Config struct {
	RocketChat RocketChatConfig `json:"rocketchat"`
	WebChat    WebChatConfig    `json:"webchat"`
	Notify     NotifyConfig     `json:"notify"`
	Guest      GuestConfig      `json:"guest"`
	Debug      bool             `env:"GUESTBRIDGE_DEBUG" json:"debug"`
}

type RocketChatConfig struct {
	URL                     string `env:"GUESTBRIDGE_ROCKETCHAT_URL"                       json:"url"`
	Department              string `env:"GUESTBRIDGE_ROCKETCHAT_DEPARTMENT"                json:"department,omitempty"`
	Host                    string `env:"GUESTBRIDGE_ROCKETCHAT_HOST"                      json:"host,omitempty"`
	DownloadURL             string `env:"GUESTBRIDGE_ROCKETCHAT_DOWNLOAD_URL"              json:"download_url,omitempty"`
	HandshakeTimeoutSeconds int    `env:"GUESTBRIDGE_ROCKETCHAT_HANDSHAKE_TIMEOUT_SECONDS" json:"handshake_timeout_seconds"`
}

// HandshakeTimeout returns the DDP handshake timeout as a duration.
func (c RocketChatConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// PublicHost is the host advertised to visitors, defaulting to the server URL.
func (c RocketChatConfig) PublicHost() string {
	if c.Host != "" {
		return c.Host
	}
	return c.URL
}

type WebChatConfig struct {
	Enabled        bool                `env:"GUESTBRIDGE_WEBCHAT_ENABLED"         json:"enabled"`
	Host           string              `env:"GUESTBRIDGE_WEBCHAT_HOST"            json:"host"`
	Port           int                 `env:"GUESTBRIDGE_WEBCHAT_PORT"            json:"port"`
	Path           string              `env:"GUESTBRIDGE_WEBCHAT_PATH"            json:"path"`
	AllowedOrigins FlexibleStringSlice `env:"GUESTBRIDGE_WEBCHAT_ALLOWED_ORIGINS" json:"allowed_origins,omitempty"`
}

// Addr is the listen address of the WebChat server.
func (c WebChatConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NotifyConfig struct {
	Enabled       bool   `env:"GUESTBRIDGE_NOTIFY_ENABLED"        json:"enabled"`
	AMQPURL       string `env:"GUESTBRIDGE_NOTIFY_AMQP_URL"       json:"amqp_url"`
	Exchange      string `env:"GUESTBRIDGE_NOTIFY_EXCHANGE"       json:"exchange"`
	RoutingPrefix string `env:"GUESTBRIDGE_NOTIFY_ROUTING_PREFIX" json:"routing_prefix"`
}

type GuestConfig struct {
	DefaultName  string `env:"GUESTBRIDGE_GUEST_DEFAULT_NAME"  json:"default_name"`
	DefaultEmail string `env:"GUESTBRIDGE_GUEST_DEFAULT_EMAIL" json:"default_email"`
}

func DefaultConfig() *Config {
	return &Config{
		RocketChat: RocketChatConfig{
			HandshakeTimeoutSeconds: 10,
		},
		WebChat: WebChatConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18800,
			Path:    "/ws",
		},
		Notify: NotifyConfig{
			Exchange:      "guestbridge.events",
			RoutingPrefix: "livechat",
		},
		Guest: GuestConfig{
			DefaultName:  "Guest",
			DefaultEmail: "guest@example.com",
		},
	}
}

// Validate reports configuration that cannot work at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RocketChat.URL) == "" {
		return ErrNotConfigured
	}
	u, err := url.Parse(c.RocketChat.URL)
	if err != nil {
		return fmt.Errorf("rocketchat.url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("rocketchat.url: unsupported scheme %q", u.Scheme)
	}
	if c.RocketChat.HandshakeTimeoutSeconds < 0 {
		return fmt.Errorf("rocketchat.handshake_timeout_seconds must not be negative")
	}
	if c.WebChat.Enabled {
		if c.WebChat.Port <= 0 || c.WebChat.Port > 65535 {
			return fmt.Errorf("webchat.port %d out of range", c.WebChat.Port)
		}
		if !strings.HasPrefix(c.WebChat.Path, "/") {
			return fmt.Errorf("webchat.path must start with '/'")
		}
	}
	if c.Notify.Enabled {
		if c.Notify.AMQPURL == "" {
			return fmt.Errorf("notify.amqp_url is required when notify is enabled")
		}
		if c.Notify.Exchange == "" {
			return fmt.Errorf("notify.exchange is required when notify is enabled")
		}
	}
	return nil
}

// LoadDhallConfig loads configuration from a .dhall file by invoking
// dhall-to-json and parsing the resulting JSON.
func LoadDhallConfig(path string) (*Config, error) {
	dhallBin, err := exec.LookPath("dhall-to-json")
	if errors.Is(err, exec.ErrNotFound) {
		return nil, ErrDhallNotAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("dhall-to-json lookup: %w", err)
	}

	cmd := exec.Command(dhallBin, "--file", path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("dhall-to-json failed for %s: %w\n%s", path, err, stderr.String())
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(out, cfg); err != nil {
		return nil, fmt.Errorf("error parsing dhall-to-json output: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads the JSON config at path (a missing file yields the
// defaults) and overlays GUESTBRIDGE_* environment variables. Paths ending in
// .dhall are rendered with dhall-to-json first.
func LoadConfig(path string) (*Config, error) {
	path = expandHome(path)
	if filepath.Ext(path) == ".dhall" {
		return LoadDhallConfig(path)
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path = expandHome(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
