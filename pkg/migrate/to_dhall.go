package migrate

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/tinyland-inc/guestbridge/pkg/config"
)

// ToDhallOptions controls JSON-to-Dhall config migration.
type ToDhallOptions struct {
	ConfigPath string // JSON config path (default: ~/.guestbridge/config.json)
	OutputPath string // Dhall output path (default: same dir, .dhall extension)
	DryRun     bool
	Force      bool
}

// ToDhallResult summarizes the conversion.
type ToDhallResult struct {
	OutputPath string
	Output     string
	Warnings   []string
}

// RunToDhall converts a JSON config file to Dhall format.
func RunToDhall(opts ToDhallOptions) (*ToDhallResult, error) {
	configPath := opts.ConfigPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		configPath = filepath.Join(home, ".guestbridge", "config.json")
	}

	outputPath := opts.OutputPath
	if outputPath == "" {
		outputPath = strings.TrimSuffix(configPath, ".json") + ".dhall"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	result := &ToDhallResult{OutputPath: outputPath}
	result.Output = configToDhall(cfg, result)

	if opts.DryRun {
		return result, nil
	}

	if !opts.Force {
		if _, err := os.Stat(outputPath); err == nil {
			return nil, fmt.Errorf("output file already exists: %s (use --force to overwrite)", outputPath)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(outputPath, []byte(result.Output), 0o600); err != nil {
		return nil, err
	}

	return result, nil
}

// configToDhall renders a Config as a self-contained Dhall record.
func configToDhall(cfg *config.Config, result *ToDhallResult) string {
	var b strings.Builder

	b.WriteString("-- guestbridge configuration (generated from JSON)\n")
	b.WriteString("-- Render with dhall-to-json; guestbridge does this itself for .dhall paths.\n\n")
	b.WriteString("let emptyStrings = [] : List Text\n\n")
	b.WriteString("in  ")

	indent := "    "
	rc := cfg.RocketChat
	b.WriteString("{ rocketchat =\n")
	fmt.Fprintf(&b, "%s    { url = %s\n", indent, dhallText(rc.URL))
	fmt.Fprintf(&b, "%s    , department = %s\n", indent, dhallText(rc.Department))
	fmt.Fprintf(&b, "%s    , host = %s\n", indent, dhallText(rc.Host))
	fmt.Fprintf(&b, "%s    , download_url = %s\n", indent, dhallText(rc.DownloadURL))
	fmt.Fprintf(&b, "%s    , handshake_timeout_seconds = %s\n", indent, dhallNatural(rc.HandshakeTimeoutSeconds))
	fmt.Fprintf(&b, "%s    }\n", indent)

	wc := cfg.WebChat
	fmt.Fprintf(&b, "%s, webchat =\n", indent)
	fmt.Fprintf(&b, "%s    { enabled = %s\n", indent, dhallBool(wc.Enabled))
	fmt.Fprintf(&b, "%s    , host = %s\n", indent, dhallText(wc.Host))
	fmt.Fprintf(&b, "%s    , port = %s\n", indent, dhallNatural(wc.Port))
	fmt.Fprintf(&b, "%s    , path = %s\n", indent, dhallText(wc.Path))
	fmt.Fprintf(&b, "%s    , allowed_origins = %s\n", indent, dhallTextList(wc.AllowedOrigins))
	fmt.Fprintf(&b, "%s    }\n", indent)

	nc := cfg.Notify
	amqpURL := dhallText(nc.AMQPURL)
	if hasCredentials(nc.AMQPURL) {
		amqpURL = "env:GUESTBRIDGE_NOTIFY_AMQP_URL as Text"
		result.Warnings = append(result.Warnings,
			"notify.amqp_url: credentials redacted, set GUESTBRIDGE_NOTIFY_AMQP_URL when rendering")
	}
	fmt.Fprintf(&b, "%s, notify =\n", indent)
	fmt.Fprintf(&b, "%s    { enabled = %s\n", indent, dhallBool(nc.Enabled))
	fmt.Fprintf(&b, "%s    , amqp_url = %s\n", indent, amqpURL)
	fmt.Fprintf(&b, "%s    , exchange = %s\n", indent, dhallText(nc.Exchange))
	fmt.Fprintf(&b, "%s    , routing_prefix = %s\n", indent, dhallText(nc.RoutingPrefix))
	fmt.Fprintf(&b, "%s    }\n", indent)

	fmt.Fprintf(&b, "%s, guest = { default_name = %s, default_email = %s }\n", indent,
		dhallText(cfg.Guest.DefaultName), dhallText(cfg.Guest.DefaultEmail))
	fmt.Fprintf(&b, "%s, debug = %s\n", indent, dhallBool(cfg.Debug))
	b.WriteString(indent + "}\n")

	return b.String()
}

func hasCredentials(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.User == nil {
		return false
	}
	_, hasPassword := u.User.Password()
	return hasPassword
}

// Dhall literal helpers

func dhallText(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "${", "\\${")
	return "\"" + s + "\""
}

func dhallBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func dhallNatural(n int) string {
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("%d", n)
}

func dhallTextList(ss []string) string {
	if len(ss) == 0 {
		return "emptyStrings"
	}
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = dhallText(s)
	}
	return "[ " + strings.Join(parts, ", ") + " ]"
}
