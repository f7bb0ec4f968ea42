// Package config defines the TOML configuration surface of the adapter:
// the channels.xmpp block, per-account overrides and room settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DM and group policy values.
const (
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"
	DMPolicyOpen      = "open"
	DMPolicyDisabled  = "disabled"

	GroupPolicyAllowlist = "allowlist"
	GroupPolicyOpen      = "open"
	GroupPolicyDisabled  = "disabled"
)

// Config is the root configuration.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Storage  StorageConfig  `toml:"storage"`
	Agent    AgentConfig    `toml:"agent"`
	Channels ChannelsConfig `toml:"channels"`
}

// LoggingConfig mirrors the sink settings of the logging package.
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig points at the sqlite database backing the pairing store,
// session store, routing table and activity ledger.
type StorageConfig struct {
	Path string `toml:"path"`
}

// AgentConfig selects the agent runtime. When Plugin is empty the built-in
// echo runtime is used.
type AgentConfig struct {
	Plugin string `toml:"plugin"`
}

// ChannelsConfig holds per-channel blocks. Only xmpp is defined here.
type ChannelsConfig struct {
	XMPP XMPPConfig `toml:"xmpp"`
}

// XMPPConfig is channels.xmpp: base account settings plus named accounts
// that override them.
type XMPPConfig struct {
	AccountConfig
	Accounts map[string]AccountConfig `toml:"accounts"`
}

// AccountConfig configures one XMPP account. Zero fields inherit from the
// channel base when merged.
type AccountConfig struct {
	JID          string `toml:"jid"`
	Password     string `toml:"password"`
	PasswordFile string `toml:"password_file"`
	Resource     string `toml:"resource"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	TLS          *bool  `toml:"tls"`
	Enabled      *bool  `toml:"enabled"`

	DMPolicy       string   `toml:"dm_policy"`
	AllowFrom      []string `toml:"allow_from"`
	GroupPolicy    string   `toml:"group_policy"`
	GroupAllowFrom []string `toml:"group_allow_from"`

	Rooms           map[string]RoomConfig `toml:"rooms"`
	AutoJoinRooms   []string              `toml:"auto_join_rooms"`
	MentionPatterns []string              `toml:"mention_patterns"`

	Markdown        *bool  `toml:"markdown"`
	HistoryLimit    int    `toml:"history_limit"`
	ResponsePrefix  string `toml:"response_prefix"`
	BlockStreaming  *bool  `toml:"block_streaming"`
}

// RoomConfig configures one MUC room, or the "*" wildcard.
type RoomConfig struct {
	RequireMention *bool               `toml:"require_mention"`
	Enabled        *bool               `toml:"enabled"`
	AllowFrom      []string            `toml:"allow_from"`
	Tools          []string            `toml:"tools"`
	ToolsBySender  map[string][]string `toml:"tools_by_sender"`
	Skills         []string            `toml:"skills"`
	SystemPrompt   string              `toml:"system_prompt"`
}

// Merge overlays an account over the channel base; account fields win.
func Merge(base, acct AccountConfig) AccountConfig {
	out := base
	if acct.JID != "" {
		out.JID = acct.JID
	}
	if acct.Password != "" {
		out.Password = acct.Password
	}
	if acct.PasswordFile != "" {
		out.PasswordFile = acct.PasswordFile
	}
	if acct.Resource != "" {
		out.Resource = acct.Resource
	}
	if acct.Host != "" {
		out.Host = acct.Host
	}
	if acct.Port != 0 {
		out.Port = acct.Port
	}
	if acct.TLS != nil {
		out.TLS = acct.TLS
	}
	if acct.Enabled != nil {
		out.Enabled = acct.Enabled
	}
	if acct.DMPolicy != "" {
		out.DMPolicy = acct.DMPolicy
	}
	if acct.AllowFrom != nil {
		out.AllowFrom = acct.AllowFrom
	}
	if acct.GroupPolicy != "" {
		out.GroupPolicy = acct.GroupPolicy
	}
	if acct.GroupAllowFrom != nil {
		out.GroupAllowFrom = acct.GroupAllowFrom
	}
	if acct.Rooms != nil {
		out.Rooms = acct.Rooms
	}
	if acct.AutoJoinRooms != nil {
		out.AutoJoinRooms = acct.AutoJoinRooms
	}
	if acct.MentionPatterns != nil {
		out.MentionPatterns = acct.MentionPatterns
	}
	if acct.Markdown != nil {
		out.Markdown = acct.Markdown
	}
	if acct.HistoryLimit != 0 {
		out.HistoryLimit = acct.HistoryLimit
	}
	if acct.ResponsePrefix != "" {
		out.ResponsePrefix = acct.ResponsePrefix
	}
	if acct.BlockStreaming != nil {
		out.BlockStreaming = acct.BlockStreaming
	}
	return out
}

// DefaultConfig returns the defaults used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Paths holds the XDG locations used when no explicit paths are given.
type Paths struct {
	ConfigDir string
	DataDir   string
}

// GetPaths returns the XDG-compliant paths for the adapter.
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "xmppgate")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "xmppgate")

	return &Paths{ConfigDir: configDir, DataDir: dataDir}, nil
}

// EnsureDirectories creates the config and data directories.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DefaultConfigPath is where Load looks when no path is given.
func DefaultConfigPath() (string, error) {
	paths, err := GetPaths()
	if err != nil {
		return "", err
	}
	return filepath.Join(paths.ConfigDir, "config.toml"), nil
}

// Load reads the configuration from path, falling back to the XDG config
// file and then to defaults. The result is always validated.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Storage.Path != "" {
		cfg.Storage.Path = expandPath(cfg.Storage.Path)
	}
	if cfg.Logging.File != "" {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate enforces the config invariants: known policy values, and
// dm_policy "open" requiring a wildcard allowlist.
func Validate(cfg *Config) error {
	check := func(path string, ac AccountConfig) error {
		switch ac.DMPolicy {
		case "", DMPolicyPairing, DMPolicyAllowlist, DMPolicyOpen, DMPolicyDisabled:
		default:
			return fmt.Errorf("%s.dm_policy: unknown policy %q", path, ac.DMPolicy)
		}
		switch ac.GroupPolicy {
		case "", GroupPolicyAllowlist, GroupPolicyOpen, GroupPolicyDisabled:
		default:
			return fmt.Errorf("%s.group_policy: unknown policy %q", path, ac.GroupPolicy)
		}
		if ac.DMPolicy == DMPolicyOpen && !containsWildcard(ac.AllowFrom) {
			return fmt.Errorf(`%s.allow_from: dm_policy "open" requires "*" in allow_from`, path)
		}
		return nil
	}

	base := cfg.Channels.XMPP.AccountConfig
	if err := check("channels.xmpp", base); err != nil {
		return err
	}
	for id, ac := range cfg.Channels.XMPP.Accounts {
		merged := Merge(base, ac)
		if err := check("channels.xmpp.accounts."+id, merged); err != nil {
			return err
		}
	}
	return nil
}

func containsWildcard(entries []string) bool {
	for _, e := range entries {
		if strings.TrimSpace(e) == "*" {
			return true
		}
	}
	return false
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
