// Package config loads process configuration the way Seednode-partybox's
// command wiring does: pflag-backed flags with environment-variable
// fallbacks bound through viper, plus an optional .env file loaded ahead
// of flag parsing for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// HostConfig is the process configuration for cmd/host.
type HostConfig struct {
	Bind             string
	Port             int
	OriginPatterns   []string
	DisplayName      string
	RequiresRequest  bool
	GameID           string
	AuditDatabaseURL string
	Verbose          bool
}

func (c *HostConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("INVALID_CONFIG: port must be between 1-65535, got %d", c.Port)
	}
	if c.DisplayName == "" {
		return fmt.Errorf("INVALID_CONFIG: display name is required")
	}
	return nil
}

// LoadHostConfig parses flags bound to ARCADEMESH_-prefixed environment
// variables. A .env file in the working directory, if present, is loaded
// first so its values participate as if they were ordinary env vars.
func LoadHostConfig(args []string) (*HostConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ARCADEMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := &HostConfig{}
	fs := pflag.NewFlagSet("host", pflag.ContinueOnError)
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: ARCADEMESH_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", 8080, "port to listen on (env: ARCADEMESH_PORT)")
	var origins []string
	fs.StringSliceVar(&origins, "origin", []string{"*"}, "allowed websocket origin pattern, may be repeated (env: ARCADEMESH_ORIGIN)")
	fs.StringVar(&cfg.DisplayName, "name", "", "host player's display name (env: ARCADEMESH_NAME)")
	fs.BoolVar(&cfg.RequiresRequest, "requires-request", false, "gate admission behind host approval (env: ARCADEMESH_REQUIRES_REQUEST)")
	fs.StringVar(&cfg.GameID, "game", "tictactoe", "game id to select on startup (env: ARCADEMESH_GAME)")
	fs.StringVar(&cfg.AuditDatabaseURL, "audit-database-url", "", "postgres DSN for match history, empty disables auditing (env: ARCADEMESH_AUDIT_DATABASE_URL)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "display additional output (env: ARCADEMESH_VERBOSE)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("CONFIG_PARSE_FAILED: %w", err)
	}

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
	cfg.OriginPatterns = origins

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GuestConfig is the process configuration for cmd/guest.
type GuestConfig struct {
	HostURL     string
	DisplayName string
	Verbose     bool
}

func (c *GuestConfig) validate() error {
	if c.HostURL == "" {
		return fmt.Errorf("INVALID_CONFIG: --host-url (or a lobby code/URL argument) is required")
	}
	if c.DisplayName == "" {
		return fmt.Errorf("INVALID_CONFIG: display name is required")
	}
	return nil
}

// LoadGuestConfig mirrors LoadHostConfig's flag/env precedence for the
// guest entrypoint.
func LoadGuestConfig(args []string) (*GuestConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ARCADEMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := &GuestConfig{}
	fs := pflag.NewFlagSet("guest", pflag.ContinueOnError)
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.HostURL, "host-url", "", "websocket URL of the host to join (env: ARCADEMESH_HOST_URL)")
	fs.StringVar(&cfg.DisplayName, "name", "", "this player's display name (env: ARCADEMESH_NAME)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "display additional output (env: ARCADEMESH_VERBOSE)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("CONFIG_PARSE_FAILED: %w", err)
	}

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConnectTimeout and the two connect retry counts mirror spec.md's cancellation
// table; kept here so both entrypoints share one source of truth instead
// of hardcoding the numbers twice.
const (
	ConnectTimeout           = 5 * time.Second
	OrdinaryConnectRetries   = 3
	ReconnectAttemptRetries  = 10
)
