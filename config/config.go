package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress      string `toml:"RPCAddress"`
	DataDir         string `toml:"DataDir"`
	AuditDBPath     string `toml:"AuditDBPath"`
	RPCAuthToken    string `toml:"RPCAuthToken"`
	CustodyAccount  string `toml:"CustodyAccount"`
	TreasuryAccount string `toml:"TreasuryAccount"`

	LedgerURL       string `toml:"LedgerURL"`
	LedgerAuthToken string `toml:"LedgerAuthToken"`
	LedgerTimeout   string `toml:"LedgerTimeout"`

	LogLevel   string `toml:"LogLevel"`
	LogFile    string `toml:"LogFile"`
	LogMaxSize int    `toml:"LogMaxSizeMB"`
	LogBackups int    `toml:"LogBackups"`

	EventLogCapacity uint64 `toml:"EventLogCapacity"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./htlc-data"
	}
	if strings.TrimSpace(c.AuditDBPath) == "" {
		c.AuditDBPath = filepath.Join(c.DataDir, "audit.db")
	}
	if strings.TrimSpace(c.CustodyAccount) == "" {
		c.CustodyAccount = "htlc-custody"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxSize <= 0 {
		c.LogMaxSize = 100
	}
	if c.LogBackups <= 0 {
		c.LogBackups = 3
	}
	if c.EventLogCapacity == 0 {
		c.EventLogCapacity = 1000
	}
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LedgerURL) == "" {
		return fmt.Errorf("config: LedgerURL is required")
	}
	if _, err := c.LedgerTimeoutDuration(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown LogLevel %q", c.LogLevel)
	}
	return nil
}

// LedgerTimeoutDuration parses the configured ledger call timeout, defaulting
// to fifteen seconds.
func (c *Config) LedgerTimeoutDuration() (time.Duration, error) {
	trimmed := strings.TrimSpace(c.LedgerTimeout)
	if trimmed == "" {
		return 15 * time.Second, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("config: malformed LedgerTimeout %q: %w", c.LedgerTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: LedgerTimeout must be positive")
	}
	return d, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:     ":8080",
		DataDir:        "./htlc-data",
		CustodyAccount: "htlc-custody",
		LedgerURL:      "http://127.0.0.1:8551",
		LedgerTimeout:  "15s",
		LogLevel:       "info",
	}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
