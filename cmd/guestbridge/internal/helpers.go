package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/guestbridge/pkg/bus"
	"github.com/tinyland-inc/guestbridge/pkg/config"
	"github.com/tinyland-inc/guestbridge/pkg/ddp"
)

const Logo = "💬"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

func GetConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".guestbridge", "config.json")
}

func GetDhallConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".guestbridge", "config.dhall")
}

func LoadConfig() (*config.Config, error) {
	// Try Dhall config first (opt-in: only if .dhall file exists)
	dhallPath := GetDhallConfigPath()
	if _, err := os.Stat(dhallPath); err == nil {
		cfg, err := config.LoadDhallConfig(dhallPath)
		switch {
		case err == nil:
			return cfg, nil
		case !errors.Is(err, config.ErrDhallNotAvailable):
			return nil, fmt.Errorf("error loading dhall config: %w", err)
		}
		// dhall-to-json not installed, fall through to JSON
	}

	return config.LoadConfig(GetConfigPath())
}

// Connect dials the configured Rocket.Chat server's DDP endpoint.
func Connect(ctx context.Context, cfg *config.Config, b *bus.Bus) (*ddp.Client, error) {
	wsURL, err := ddp.WebSocketURL(cfg.RocketChat.URL)
	if err != nil {
		return nil, err
	}
	return ddp.Dial(ctx, ddp.Config{
		URL:              wsURL,
		HandshakeTimeout: cfg.RocketChat.HandshakeTimeout(),
	}, b)
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
