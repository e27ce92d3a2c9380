// Package config loads the server configuration from a TOML file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Realm        string `toml:"realm"`
	ReuseAddress bool   `toml:"reuse_address"`
	Compression  bool   `toml:"compression"`
	LogLevel     string `toml:"log_level"`

	// CachePath is the directory of the server's own key-value store
	// (locks, revision maps, content caches). Empty selects an in-memory
	// store that does not survive restarts.
	CachePath string `toml:"cache_path"`

	// IdleTimeoutSeconds closes connections silent for this long; zero
	// disables the timeout. AuthTimeoutSeconds bounds the authentication
	// exchange.
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
	AuthTimeoutSeconds int `toml:"auth_timeout_seconds"`

	// ShutdownGraceSeconds is how long a stopping server waits for active
	// sessions before closing their sockets.
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`

	// HookEnv lists environment variable names passed through to hook
	// subprocesses when hooks are enabled.
	HookEnv []string `toml:"hook_env"`

	Repositories []RepositoryConfig `toml:"repository"`
	Users        []UserConfig       `toml:"user"`
}

// RepositoryConfig maps a URL path onto an object database.
type RepositoryConfig struct {
	// Path is the URL prefix clients address the repository by.
	Path string `toml:"path"`
	// UUID identifies the repository to clients; generated when empty.
	UUID string `toml:"uuid"`
	// Branches lists the exposed branches; the alphabetically first name
	// serves URLs that select no branch.
	Branches []string `toml:"branches"`
	// RenameDetection enables copy-from synthesis.
	RenameDetection bool `toml:"rename_detection"`
	// AnonymousRead admits unauthenticated read-only sessions.
	AnonymousRead bool `toml:"anonymous_read"`
}

// UserConfig is one entry of the static user database.
type UserConfig struct {
	Name     string `toml:"name"`
	Password string `toml:"password"`
	Email    string `toml:"email"`
	RealName string `toml:"real_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:                 "0.0.0.0",
		Port:                 3690,
		Realm:                "git-as-svn realm",
		Compression:          true,
		LogLevel:             "info",
		IdleTimeoutSeconds:   0,
		AuthTimeoutSeconds:   30,
		ShutdownGraceSeconds: 5,
	}
}

// Load reads a TOML configuration file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if len(cfg.Repositories) == 0 {
		return cfg, fmt.Errorf("no repositories configured")
	}
	for i, repo := range cfg.Repositories {
		if len(repo.Branches) == 0 {
			cfg.Repositories[i].Branches = []string{"master"}
		}
	}
	return cfg, nil
}
