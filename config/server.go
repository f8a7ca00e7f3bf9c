package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the development backend.
type ServerConfig struct {
	HTTP struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"http"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Auth struct {
		Secret string `yaml:"secret"`
	} `yaml:"auth"`

	Push struct {
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
		OutboundQueue     int           `yaml:"outbound_queue"`
	} `yaml:"push"`

	Discovery struct {
		Enabled  bool   `yaml:"enabled"`
		Instance string `yaml:"instance"`
	} `yaml:"discovery"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	MachineID uint16 `yaml:"machine_id"`
}

// LoadServer reads comma-separated YAML files ("-c common.yml,dev.yml"), applies
// CHATSYNC_* overrides and fills defaults. An empty list yields the defaults.
func LoadServer(pathList string) (*ServerConfig, error) {
	var c ServerConfig
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read server config %q: %w", p, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse server config %q: %w", p, err)
		}
	}

	if v := os.Getenv("CHATSYNC_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("CHATSYNC_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CHATSYNC_SECRET"); v != "" {
		c.Auth.Secret = v
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if len(c.HTTP.CORSOrigins) == 0 {
		c.HTTP.CORSOrigins = []string{"*"}
	}
	if c.Database.Path == "" {
		c.Database.Path = "chatsync.db"
	}
	if c.Push.WriteTimeout == 0 {
		c.Push.WriteTimeout = 5 * time.Second
	}
	if c.Push.KeepAliveInterval == 0 {
		c.Push.KeepAliveInterval = 30 * time.Second
	}
	if c.Push.OutboundQueue <= 0 {
		c.Push.OutboundQueue = 256
	}
	if c.Discovery.Instance == "" {
		c.Discovery.Instance = "chatsync-dev"
	}
	c.Log.Level = normalizeLogLevel(c.Log.Level)
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.MachineID == 0 {
		c.MachineID = 1
	}
	if c.Auth.Secret == "" {
		return nil, errors.New("auth secret required (auth.secret or CHATSYNC_SECRET)")
	}
	return &c, nil
}

// LoadDotEnv loads .env style files into the process environment. Missing files are
// ignored; existing variables are not overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %q: %w", p, err)
		}
	}
	return nil
}
