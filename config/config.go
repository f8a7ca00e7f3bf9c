package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatsync"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "CHATSYNC_DATA_DIR"
	// DefaultAPIURL is the development backend address used when nothing is configured.
	DefaultAPIURL = "http://127.0.0.1:8080"
	// DefaultRequestTimeoutSeconds bounds REST calls.
	DefaultRequestTimeoutSeconds = 10
	// DefaultReconnectIntervalMillis spaces reconnect-on-demand attempts.
	DefaultReconnectIntervalMillis = 2000
	// DefaultDiscoveryTimeoutSeconds bounds an mDNS browse.
	DefaultDiscoveryTimeoutSeconds = 3
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	ClientID                string `json:"client_id" yaml:"client_id"`
	UserID                  string `json:"user_id" yaml:"user_id"`
	Token                   string `json:"token" yaml:"token"`
	APIURL                  string `json:"api_url" yaml:"api_url"`
	PushURL                 string `json:"push_url" yaml:"push_url"`
	LogLevel                string `json:"log_level" yaml:"log_level"`
	LogFormat               string `json:"log_format" yaml:"log_format"`
	RequestTimeoutSeconds   int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	ReconnectIntervalMillis int    `json:"reconnect_interval_ms" yaml:"reconnect_interval_ms"`
	DiscoveryTimeoutSeconds int    `json:"discovery_timeout_seconds" yaml:"discovery_timeout_seconds"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// ApplyOverlay merges comma-separated YAML files over cfg, later files winning.
func ApplyOverlay(cfg *ClientConfig, pathList string) error {
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read overlay %q: %w", p, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("parse overlay %q: %w", p, err)
		}
	}
	normalizeDefaults(cfg)
	return nil
}

// ApplyEnv overrides cfg from CHATSYNC_* variables.
func ApplyEnv(cfg *ClientConfig) {
	overrides := map[string]*string{
		"CHATSYNC_USER_ID":    &cfg.UserID,
		"CHATSYNC_TOKEN":      &cfg.Token,
		"CHATSYNC_API_URL":    &cfg.APIURL,
		"CHATSYNC_PUSH_URL":   &cfg.PushURL,
		"CHATSYNC_LOG_LEVEL":  &cfg.LogLevel,
		"CHATSYNC_LOG_FORMAT": &cfg.LogFormat,
	}
	for key, target := range overrides {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*target = value
		}
	}
}

// ResolvedPushURL returns PushURL, or the websocket endpoint derived from APIURL.
func (c *ClientConfig) ResolvedPushURL() (string, error) {
	if c.PushURL != "" {
		return c.PushURL, nil
	}
	return DerivePushURL(c.APIURL)
}

// DerivePushURL maps an http(s) API base to its ws(s) /ws endpoint.
func DerivePushURL(apiURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("api url %q has no host", apiURL)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	return parsed.String(), nil
}

func defaultConfig() *ClientConfig {
	cfg := &ClientConfig{}
	normalizeDefaults(cfg)
	return cfg
}

func normalizeDefaults(cfg *ClientConfig) bool {
	updated := false

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
		updated = true
	}
	if level := normalizeLogLevel(cfg.LogLevel); level != cfg.LogLevel {
		cfg.LogLevel = level
		updated = true
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		cfg.LogFormat = "console"
		updated = true
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
		updated = true
	}
	if cfg.ReconnectIntervalMillis <= 0 {
		cfg.ReconnectIntervalMillis = DefaultReconnectIntervalMillis
		updated = true
	}
	if cfg.DiscoveryTimeoutSeconds <= 0 {
		cfg.DiscoveryTimeoutSeconds = DefaultDiscoveryTimeoutSeconds
		updated = true
	}

	return updated
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return "info"
	}
}
