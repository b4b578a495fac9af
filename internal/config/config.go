// Package config loads mingled's configuration from the environment, with
// an optional TOML file underneath for deployments that prefer files.
// Environment variables always win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultListen is the default HTTP listen address.
const DefaultListen = ":8080"

// Config is the top-level configuration for mingled.
type Config struct {
	// StoreURL locates the shared state store. Required. Either a Redis
	// URL ("redis://host:6379/0") or "memory://local" for a
	// single-instance in-process store.
	StoreURL string `toml:"store_url"`

	// Listen is the HTTP listen address (default ":8080").
	Listen string `toml:"listen"`

	// AdminSecret gates the /admin endpoints. When empty, the admin
	// surface is disabled entirely.
	AdminSecret string `toml:"admin_secret"`

	// Origins lists the allowed WebSocket origin patterns. Empty means
	// same-origin only, per the WebSocket accept defaults.
	Origins []string `toml:"origins"`

	// STUNServers is the STUN URI list handed to clients via /ice.
	STUNServers []string `toml:"stun_servers"`

	// TURNURL is an optional TURN server URI for clients behind
	// restrictive NATs.
	TURNURL string `toml:"turn_url"`

	// TURNSecret derives time-limited TURN credentials. Required when
	// TURNURL is set.
	TURNSecret string `toml:"turn_secret"`
}

// Environment variable names. Each overrides the corresponding file value.
const (
	EnvStoreURL    = "MINGLE_STORE_URL"
	EnvListen      = "MINGLE_LISTEN"
	EnvAdminSecret = "MINGLE_ADMIN_SECRET"
	EnvOrigins     = "MINGLE_ORIGINS"
	EnvSTUNServers = "MINGLE_STUN_SERVERS"
	EnvTURNURL     = "MINGLE_TURN_URL"
	EnvTURNSecret  = "MINGLE_TURN_SECRET"
)

// Load builds the configuration: defaults, then the optional TOML file at
// path (skipped when path is empty), then environment overrides. It
// returns an error when the store URL is missing or the result is
// otherwise unusable; the caller exits non-zero on that.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Listen:      DefaultListen,
		STUNServers: append([]string(nil), DefaultSTUNServers...),
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overwrites cfg fields from the environment. List-valued
// variables are comma-separated.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvStoreURL); v != "" {
		cfg.StoreURL = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv(EnvAdminSecret); v != "" {
		cfg.AdminSecret = v
	}
	if v := os.Getenv(EnvOrigins); v != "" {
		cfg.Origins = splitList(v)
	}
	if v := os.Getenv(EnvSTUNServers); v != "" {
		cfg.STUNServers = splitList(v)
	}
	if v := os.Getenv(EnvTURNURL); v != "" {
		cfg.TURNURL = v
	}
	if v := os.Getenv(EnvTURNSecret); v != "" {
		cfg.TURNSecret = v
	}
}

func (cfg *Config) validate() error {
	if cfg.StoreURL == "" {
		return errors.New("store URL is required (set " + EnvStoreURL + ")")
	}
	if cfg.TURNURL != "" && cfg.TURNSecret == "" {
		return errors.New("turn_secret is required when turn_url is set")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
