// Package account resolves effective XMPP accounts from configuration and
// environment.
package account

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/meszmate/xmppgate/internal/config"
	"github.com/meszmate/xmppgate/internal/jidutil"
)

// DefaultID is the synthetic account used when no accounts are declared,
// and the only account that honors environment overrides.
const DefaultID = "default"

// Environment overrides (default account only).
const (
	EnvJID      = "XMPP_JID"
	EnvPassword = "XMPP_PASSWORD"
	EnvHost     = "XMPP_HOST"
	EnvPort     = "XMPP_PORT"
	EnvTLS      = "XMPP_TLS"
	EnvRooms    = "XMPP_ROOMS"
)

// PasswordSource records where the resolved password came from.
type PasswordSource string

const (
	SourceEnv          PasswordSource = "env"
	SourcePasswordFile PasswordSource = "passwordFile"
	SourceConfig       PasswordSource = "config"
	SourceNone         PasswordSource = "none"
)

// ErrNotConfigured is returned when a resolved account is missing its JID
// or password.
var ErrNotConfigured = errors.New("account is not configured")

// Account is a fully resolved account.
type Account struct {
	ID             string
	JID            string // full, as configured
	BareJID        string
	Resource       string
	Host           string
	Port           int
	TLS            bool
	Password       string
	PasswordSource PasswordSource
	Enabled        bool
	Configured     bool
	Config         config.AccountConfig
}

// List returns the declared account IDs, sorted; a single default ID when
// none are declared.
func List(cfg *config.Config) []string {
	accounts := cfg.Channels.XMPP.Accounts
	if len(accounts) == 0 {
		return []string{DefaultID}
	}
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NormalizeID trims and lowercases an account ID, defaulting empties.
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return DefaultID
	}
	return id
}

// Resolve computes the effective account for the given ID. The ID is a
// hint: when the resolved account is not configured, the default
// resolution is returned if that one is usable. Callers that must not
// fall back use ResolvePinned.
func Resolve(cfg *config.Config, accountID string) (Account, error) {
	id := NormalizeID(accountID)

	acct := resolveOne(cfg, id)
	if !acct.Configured && id != DefaultID {
		if def := resolveOne(cfg, DefaultID); def.Configured {
			return def, nil
		}
	}
	return acct, nil
}

// ResolvePinned resolves exactly the requested account with no fallback.
func ResolvePinned(cfg *config.Config, accountID string) (Account, error) {
	return resolveOne(cfg, NormalizeID(accountID)), nil
}

// ResolveEnabled resolves every declared account and keeps the enabled,
// configured ones.
func ResolveEnabled(cfg *config.Config) []Account {
	var out []Account
	for _, id := range List(cfg) {
		acct := resolveOne(cfg, id)
		if acct.Configured && acct.Enabled {
			out = append(out, acct)
		}
	}
	return out
}

func resolveOne(cfg *config.Config, id string) Account {
	base := cfg.Channels.XMPP.AccountConfig
	merged := base
	if per, ok := cfg.Channels.XMPP.Accounts[id]; ok {
		merged = config.Merge(base, per)
	}

	isDefault := id == DefaultID

	jidStr := merged.JID
	if isDefault {
		if v := os.Getenv(EnvJID); v != "" {
			jidStr = v
		}
		if v := os.Getenv(EnvHost); v != "" {
			merged.Host = v
		}
		if v := os.Getenv(EnvPort); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				merged.Port = p
			}
		}
		if v := os.Getenv(EnvTLS); v != "" {
			b := v != "false" && v != "0"
			merged.TLS = &b
		}
		if v := os.Getenv(EnvRooms); v != "" {
			var rooms []string
			for _, r := range strings.Split(v, ",") {
				if r = strings.TrimSpace(r); r != "" {
					rooms = append(rooms, r)
				}
			}
			merged.AutoJoinRooms = rooms
		}
	}

	password, source := resolvePassword(merged, isDefault)

	acct := Account{
		ID:             id,
		JID:            jidStr,
		Resource:       merged.Resource,
		Host:           merged.Host,
		Port:           merged.Port,
		Password:       password,
		PasswordSource: source,
		Config:         merged,
	}
	if acct.Resource == "" {
		acct.Resource = defaultResource
	}
	if acct.Port == 0 {
		acct.Port = 5222
	}
	acct.TLS = merged.TLS == nil || *merged.TLS
	acct.Enabled = merged.Enabled == nil || *merged.Enabled
	acct.Config.JID = jidStr

	if bare, ok := jidutil.Normalize(jidStr); ok {
		acct.BareJID = bare
		if acct.Host == "" {
			acct.Host = jidutil.Domainpart(bare)
		}
	}

	acct.Configured = acct.BareJID != "" && acct.Password != ""
	return acct
}

// defaultResource mirrors the client's product identifier.
const defaultResource = "xmppgate"

// resolvePassword applies the password precedence: env (default account
// only), password file, inline config.
func resolvePassword(ac config.AccountConfig, isDefault bool) (string, PasswordSource) {
	if isDefault {
		if v := os.Getenv(EnvPassword); v != "" {
			return v, SourceEnv
		}
	}
	if ac.PasswordFile != "" {
		data, err := os.ReadFile(ac.PasswordFile)
		if err == nil {
			if pw := strings.TrimSpace(string(data)); pw != "" {
				return pw, SourcePasswordFile
			}
		}
	}
	if ac.Password != "" {
		return ac.Password, SourceConfig
	}
	return "", SourceNone
}

// Require returns the account or an error when it is unusable.
func Require(cfg *config.Config, accountID string) (Account, error) {
	acct, err := Resolve(cfg, accountID)
	if err != nil {
		return Account{}, err
	}
	if !acct.Configured {
		return acct, fmt.Errorf("%w: %s (jid and password are required)", ErrNotConfigured, acct.ID)
	}
	return acct, nil
}
