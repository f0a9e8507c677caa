package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/slopmail/mailsync/pkg/types"
)

// EnvConfigPath overrides the config file location when set.
const EnvConfigPath = "MAILSYNC_CONFIG"

// Config holds the daemon configuration loaded from the TOML config file.
type Config struct {
	// StorePath is the SQLite database location.
	StorePath string `toml:"store_path"`

	// CredentialDir is the fallback directory for the encrypted-file keyring
	// backend on platforms without a native secret service.
	CredentialDir string `toml:"credential_dir"`

	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`

	// PageSize is the per-request fetch page size during sync.
	PageSize int `toml:"page_size"`

	// FolderFanout bounds how many folders of one account sync concurrently.
	FolderFanout int `toml:"folder_fanout"`

	// PollInterval is the pause between periodic sync passes.
	PollInterval duration `toml:"poll_interval"`

	// Accounts seeds accounts on startup; existing accounts with the same
	// name are left untouched.
	Accounts []AccountSeed `toml:"accounts"`
}

// AccountSeed is one [[accounts]] entry. The credential reference must point
// at an already-vaulted secret; the config file never carries plaintext.
type AccountSeed struct {
	Name     string `toml:"name"`
	Address  string `toml:"address"`
	Protocol string `toml:"protocol"`

	Host string `toml:"host"`
	Port int    `toml:"port"`
	TLS  bool   `toml:"tls"`

	JMAPURL string `toml:"jmap_url"`

	SMTPHost string `toml:"smtp_host"`
	SMTPPort int    `toml:"smtp_port"`
	SMTPTLS  bool   `toml:"smtp_tls"`

	Username      string `toml:"username"`
	CredentialRef string `toml:"credential_ref"`
}

// duration wraps time.Duration for TOML string values like "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// ToAccount converts the seed entry into the canonical account shape.
func (s *AccountSeed) ToAccount() *types.Account {
	account := &types.Account{
		Name:          s.Name,
		Address:       s.Address,
		Protocol:      types.Protocol(s.Protocol),
		JMAPURL:       s.JMAPURL,
		Username:      s.Username,
		CredentialRef: s.CredentialRef,
	}
	if s.Host != "" {
		account.Mailbox = &types.Endpoint{Host: s.Host, Port: s.Port, TLS: s.TLS}
	}
	if s.SMTPHost != "" {
		account.Submission = &types.Endpoint{Host: s.SMTPHost, Port: s.SMTPPort, TLS: s.SMTPTLS}
	}
	return account
}

// DefaultPath returns the config file location, honoring the env override.
func DefaultPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "mailsync.toml"
	}
	return filepath.Join(home, ".config", "mailsync", "mailsync.toml")
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	cfg := &Config{
		LogLevel:     "info",
		PageSize:     50,
		FolderFanout: 3,
		PollInterval: duration{5 * time.Minute},
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	if cfg.StorePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("store_path is not set and no home directory: %w", err)
		}
		cfg.StorePath = filepath.Join(home, ".local", "share", "mailsync", "mailsync.db")
	}
	if cfg.CredentialDir == "" {
		cfg.CredentialDir = filepath.Join(filepath.Dir(cfg.StorePath), "credentials")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.PageSize < 1 {
		return fmt.Errorf("page_size must be at least 1")
	}
	if c.FolderFanout < 1 {
		return fmt.Errorf("folder_fanout must be at least 1")
	}
	if c.PollInterval.Duration < time.Second {
		return fmt.Errorf("poll_interval must be at least 1s")
	}
	for i := range c.Accounts {
		if err := c.Accounts[i].ToAccount().Validate(); err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		if c.Accounts[i].CredentialRef == "" {
			return fmt.Errorf("accounts[%d]: credential_ref is required", i)
		}
	}
	return nil
}
