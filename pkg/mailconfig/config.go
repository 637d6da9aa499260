// Package mailconfig provides layered configuration for the mail index.
// Precedence, lowest to highest: compiled defaults, an optional maildex.yaml
// discovered by walking up from the working directory, and APPLE_MAIL_*
// environment variables.
package mailconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by the CLI and the server.
type Config struct {
	Index  IndexConfig  `yaml:"index"`
	Mail   MailConfig   `yaml:"mail"`
	Bridge BridgeConfig `yaml:"bridge"`
}

// IndexConfig controls the local search index.
type IndexConfig struct {
	// Path is the SQLite index file. Created 0600 on first open.
	Path string `yaml:"path" env:"APPLE_MAIL_INDEX_PATH"`
	// MaxPerScope caps indexed messages per (account, mailbox) pair.
	MaxPerScope int `yaml:"max_per_scope" env:"APPLE_MAIL_INDEX_MAX_EMAILS"`
	// ExcludeMailboxes are skipped during scans, compared by exact name.
	ExcludeMailboxes []string `yaml:"exclude_mailboxes" env:"APPLE_MAIL_INDEX_EXCLUDE_MAILBOXES" envSeparator:","`
	// StalenessHours is the age after which the index counts as stale.
	StalenessHours float64 `yaml:"staleness_hours" env:"APPLE_MAIL_INDEX_STALENESS_HOURS"`
}

// MailConfig locates the on-disk mail store and the bridge-side defaults.
type MailConfig struct {
	// Root overrides auto-discovery of the versioned mail directory.
	Root           string `yaml:"root" env:"APPLE_MAIL_ROOT"`
	DefaultAccount string `yaml:"default_account" env:"APPLE_MAIL_DEFAULT_ACCOUNT"`
	DefaultMailbox string `yaml:"default_mailbox" env:"APPLE_MAIL_DEFAULT_MAILBOX"`
}

// BridgeConfig controls the scripting-bridge executor.
type BridgeConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds" env:"APPLE_MAIL_BRIDGE_TIMEOUT"`
}

// Default returns the default configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Index: IndexConfig{
			Path:             filepath.Join(home, ".maildex", "index.db"),
			MaxPerScope:      5000,
			ExcludeMailboxes: []string{"Drafts"},
			StalenessHours:   24,
		},
		Mail: MailConfig{
			DefaultMailbox: "INBOX",
		},
		Bridge: BridgeConfig{
			TimeoutSeconds: 120,
		},
	}
}

// Load reads configuration from a YAML file, layered over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadFromDir looks for maildex.yaml in the given directory or parent directories.
func LoadFromDir(dir string) (*Config, error) {
	current := dir
	for {
		path := filepath.Join(current, "maildex.yaml")
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(current)
		if parent == current {
			break // Reached root
		}
		current = parent
	}

	return nil, fmt.Errorf("maildex.yaml not found in %s or parent directories", dir)
}

// LoadOrDefault tries to load from maildex.yaml, falls back to defaults.
func LoadOrDefault(dir string) *Config {
	cfg, err := LoadFromDir(dir)
	if err != nil {
		return Default()
	}
	return cfg
}

// ApplyEnv overlays APPLE_MAIL_* environment variables onto the config and
// expands a leading "~" in path fields. Unset variables leave fields alone.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	c.Index.Path = expandHome(c.Index.Path)
	c.Mail.Root = expandHome(c.Mail.Root)
	return nil
}

// ExcludedSet returns the excluded mailbox names as a lookup set.
func (c *Config) ExcludedSet() map[string]bool {
	set := make(map[string]bool, len(c.Index.ExcludeMailboxes))
	for _, name := range c.Index.ExcludeMailboxes {
		name = strings.TrimSpace(name)
		if name != "" {
			set[name] = true
		}
	}
	return set
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
		}
	}
	return p
}
