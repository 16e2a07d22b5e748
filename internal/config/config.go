package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"roomchat/internal/models"
)

// LocalServer selects an embedded log store in place of a log server.
const LocalServer = "local"

var colorRegex = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

type Config struct {
	DataDir        string
	LogDB          string
	Addr           string
	Server         string
	BaseURL        string
	DefaultColor   string
	Markdown       bool
	RequestTimeout time.Duration
}

func Load() (*Config, error) {
	requestTimeout, err := time.ParseDuration(getEnv("ROOMCHAT_REQUEST_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("ROOMCHAT_REQUEST_TIMEOUT: %w", err)
	}

	markdown, err := strconv.ParseBool(getEnv("ROOMCHAT_MARKDOWN", "false"))
	if err != nil {
		return nil, fmt.Errorf("ROOMCHAT_MARKDOWN: %w", err)
	}

	cfg := &Config{
		DataDir:        getEnv("ROOMCHAT_DATA_DIR", defaultDataDir()),
		LogDB:          getEnv("ROOMCHAT_LOG_DB", "roomchat-log.db"),
		Addr:           getEnv("ROOMCHAT_ADDR", ":8090"),
		Server:         getEnv("ROOMCHAT_SERVER", "ws://localhost:8090/ws"),
		BaseURL:        getEnv("ROOMCHAT_BASE_URL", "http://localhost:8090"),
		DefaultColor:   getEnv("ROOMCHAT_DEFAULT_COLOR", models.DefaultColor),
		Markdown:       markdown,
		RequestTimeout: requestTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("ROOMCHAT_DATA_DIR is required")
	}

	if c.LogDB == "" {
		return fmt.Errorf("ROOMCHAT_LOG_DB is required")
	}

	if c.Server != LocalServer && !strings.HasPrefix(c.Server, "ws://") && !strings.HasPrefix(c.Server, "wss://") {
		return fmt.Errorf("ROOMCHAT_SERVER must be a ws:// or wss:// URL or %q", LocalServer)
	}

	if !colorRegex.MatchString(c.DefaultColor) {
		return fmt.Errorf("ROOMCHAT_DEFAULT_COLOR must look like #rrggbb")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("ROOMCHAT_REQUEST_TIMEOUT must be greater than 0")
	}

	return nil
}

// PrefsPath is the bbolt file holding identity and room directory.
func (c *Config) PrefsPath() string {
	return filepath.Join(c.DataDir, "prefs.db")
}

// LocalLogPath is the embedded log store used when Server is LocalServer.
func (c *Config) LocalLogPath() string {
	return filepath.Join(c.DataDir, "log.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".roomchat"
	}
	return filepath.Join(home, ".roomchat")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
