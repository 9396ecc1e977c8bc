// Package config reads the settings of the votation commands from flags,
// environment variables and an optional .env file, in this order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/luca-patrignani/code-votation/domain/code"
)

const (
	RelayKey         = "relay"
	ListenKey        = "addr"
	SessionIDKey     = "session-id"
	SessionNameKey   = "session-name"
	TypesKey         = "types"
	DatabaseTypeKey  = "db-type"
	DatabaseURLKey   = "db"
	UpstreamURLKey   = "upstream"
	RulesKey         = "rules"
	SearchTimeoutKey = "search-timeout"
	VerdictGraceKey  = "verdict-grace"
	MetricsKey       = "metrics"
	DiscoveryPortKey = "discovery-port"
	IdentityKey      = "identity"
	LedgerKey        = "ledger"
	DebugKey         = "debug"
)

var envNames = map[string]string{
	RelayKey:         "VOTATION_RELAY_URL",
	ListenKey:        "VOTATION_LISTEN",
	SessionIDKey:     "VOTATION_SESSION_ID",
	SessionNameKey:   "VOTATION_SESSION_NAME",
	TypesKey:         "VOTATION_TYPES",
	DatabaseTypeKey:  "DATABASE_TYPE",
	DatabaseURLKey:   "DATABASE_URL",
	UpstreamURLKey:   "UPSTREAM_DATABASE_URL",
	RulesKey:         "VOTATION_RULES",
	SearchTimeoutKey: "VOTATION_SEARCH_TIMEOUT",
	VerdictGraceKey:  "VOTATION_VERDICT_GRACE",
	MetricsKey:       "VOTATION_METRICS_ADDR",
	DiscoveryPortKey: "VOTATION_DISCOVERY_PORT",
	IdentityKey:      "VOTATION_IDENTITY",
	LedgerKey:        "VOTATION_LEDGER",
	DebugKey:         "VOTATION_DEBUG",
}

var (
	ErrMissingSession = errors.New("session id required (use --session-id or VOTATION_SESSION_ID)")
	ErrMissingTypes   = errors.New("collection types required (use --types or VOTATION_TYPES)")
)

// Config holds every setting of the votation commands.
type Config struct {
	RelayURL      string
	Listen        string
	Session       code.Session
	Types         []code.Type
	DatabaseType  string
	DatabaseURL   string
	UpstreamURL   string
	RulesFile     string
	SearchTimeout time.Duration
	VerdictGrace  time.Duration
	MetricsAddr   string
	DiscoveryPort uint16
	IdentityKey   string
	LedgerFile    string
	Debug         bool
}

// AddFlags registers the flags of every setting on flags.
func AddFlags(flags *pflag.FlagSet) {
	flags.String(RelayKey, "", "Relay URL, discovered on the local network when empty")
	flags.String(ListenKey, ":8080", "Address the relay listens on")
	flags.String(SessionIDKey, "", "Session id")
	flags.String(SessionNameKey, "", "Session name")
	flags.String(TypesKey, "", "Collection types as comma separated <id>:<name> pairs")
	flags.String(DatabaseTypeKey, "sqlite", "Local database type (sqlite or postgres)")
	flags.String(DatabaseURLKey, "votation.db", "Local database URL")
	flags.String(UpstreamURLKey, "", "Postgres URL collections are synced from")
	flags.String(RulesKey, "", "YAML verification policy, the default rejects codes already validated")
	flags.Duration(SearchTimeoutKey, 3*time.Second, "How long to wait for a node to claim an unknown code")
	flags.Duration(VerdictGraceKey, 500*time.Millisecond, "How long to wait for a verdict carrying a code")
	flags.String(MetricsKey, "", "Address serving /metrics, disabled when empty")
	flags.Uint16(DiscoveryPortKey, 53552, "UDP port of relay announcements")
	flags.String(IdentityKey, "", "Hex private key of this node, generated when empty")
	flags.String(LedgerKey, "", "File the audit ledger is exported to on exit")
	flags.Bool(DebugKey, false, "Enable debug logging")
}

// LoadEnv loads the given .env files into the environment, or ".env" when
// none is given. Missing files are ignored, variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ParseFlags builds the configuration from parsed flags. A flag left unset
// takes the value of its environment variable, if any.
func ParseFlags(flags *pflag.FlagSet) (Config, error) {
	var cfg Config
	var err error
	str := func(key string) string {
		if err != nil {
			return ""
		}
		var v string
		v, err = lookup(flags, key)
		return v
	}

	cfg.RelayURL = str(RelayKey)
	cfg.Listen = str(ListenKey)
	cfg.Session.ID = str(SessionIDKey)
	cfg.Session.Name = str(SessionNameKey)
	types := str(TypesKey)
	cfg.DatabaseType = str(DatabaseTypeKey)
	cfg.DatabaseURL = str(DatabaseURLKey)
	cfg.UpstreamURL = str(UpstreamURLKey)
	cfg.RulesFile = str(RulesKey)
	searchTimeout := str(SearchTimeoutKey)
	verdictGrace := str(VerdictGraceKey)
	cfg.MetricsAddr = str(MetricsKey)
	discoveryPort := str(DiscoveryPortKey)
	cfg.IdentityKey = str(IdentityKey)
	cfg.LedgerFile = str(LedgerKey)
	debug := str(DebugKey)
	if err != nil {
		return Config{}, err
	}

	if cfg.Types, err = ParseTypes(types); err != nil {
		return Config{}, err
	}
	if cfg.SearchTimeout, err = time.ParseDuration(searchTimeout); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", SearchTimeoutKey, err)
	}
	if cfg.VerdictGrace, err = time.ParseDuration(verdictGrace); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", VerdictGraceKey, err)
	}
	port, err := strconv.ParseUint(discoveryPort, 10, 16)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", DiscoveryPortKey, err)
	}
	cfg.DiscoveryPort = uint16(port)
	if cfg.Debug, err = strconv.ParseBool(debug); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", DebugKey, err)
	}

	switch cfg.DatabaseType {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid %s %q: expected sqlite or postgres", DatabaseTypeKey, cfg.DatabaseType)
	}
	if cfg.Session.Name == "" {
		cfg.Session.Name = cfg.Session.ID
	}
	return cfg, nil
}

// lookup returns the flag value when set on the command line, then the
// environment value, then the flag default.
func lookup(flags *pflag.FlagSet, key string) (string, error) {
	f := flags.Lookup(key)
	if f == nil {
		return "", fmt.Errorf("unknown flag %q", key)
	}
	if f.Changed {
		return f.Value.String(), nil
	}
	if v, ok := os.LookupEnv(envNames[key]); ok && v != "" {
		return v, nil
	}
	return f.Value.String(), nil
}

// ParseTypes parses a comma separated list of <id>:<name> pairs.
func ParseTypes(s string) ([]code.Type, error) {
	var types []code.Type
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := code.ParseType(part)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// RequireSession checks the settings needed to join a session.
func (c Config) RequireSession() error {
	var errs []error
	if c.Session.ID == "" {
		errs = append(errs, ErrMissingSession)
	}
	if len(c.Types) == 0 {
		errs = append(errs, ErrMissingTypes)
	}
	return errors.Join(errs...)
}
