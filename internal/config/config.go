// Package config loads runtime configuration. The environment is
// authoritative; an optional YAML file supplies server defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/buffquant/buffrun/internal/apperr"
)

// Environment variable names.
const (
	EnvRunsRoot    = "RUNS_ROOT"
	EnvDefaultUser = "BUFF_DEFAULT_USER"
	EnvHMACSecret  = "BUFF_USER_HMAC_SECRET"
	EnvDevUIPort   = "DEV_UI_PORT"
	EnvHTTPPort    = "HTTP_PORT"
)

// killSwitchPrefix matches any KILL_SWITCH_* variable.
const killSwitchPrefix = "KILL_SWITCH_"

// Config is the resolved runtime configuration.
type Config struct {
	RunsRoot    string
	RepoRoot    string
	DefaultUser string
	HMACSecret  string
	DevUIPort   string
	HTTPPort    string

	Server Server
}

// Server holds the YAML-configurable HTTP server settings.
type Server struct {
	Addr            string  `yaml:"addr"`
	ReadTimeoutSec  int     `yaml:"read_timeout_sec"`
	WriteTimeoutSec int     `yaml:"write_timeout_sec"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
}

// DefaultServer is used when no YAML file is present.
func DefaultServer() Server {
	return Server{
		Addr:            ":8080",
		ReadTimeoutSec:  30,
		WriteTimeoutSec: 60,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// Load reads the environment and, if configPath is non-empty, merges the
// YAML server section. RUNS_ROOT problems are reported lazily by
// ValidateRunsRoot so read-only endpoints can still answer.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		RunsRoot:    os.Getenv(EnvRunsRoot),
		RepoRoot:    mustGetwd(),
		DefaultUser: os.Getenv(EnvDefaultUser),
		HMACSecret:  os.Getenv(EnvHMACSecret),
		DevUIPort:   os.Getenv(EnvDevUIPort),
		HTTPPort:    os.Getenv(EnvHTTPPort),
		Server:      DefaultServer(),
	}
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		var file struct {
			Server Server `yaml:"server"`
		}
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
		mergeServer(&cfg.Server, file.Server)
	}
	if cfg.HTTPPort != "" {
		cfg.Server.Addr = ":" + cfg.HTTPPort
	}
	return cfg, nil
}

func mergeServer(dst *Server, src Server) {
	if src.Addr != "" {
		dst.Addr = src.Addr
	}
	if src.ReadTimeoutSec > 0 {
		dst.ReadTimeoutSec = src.ReadTimeoutSec
	}
	if src.WriteTimeoutSec > 0 {
		dst.WriteTimeoutSec = src.WriteTimeoutSec
	}
	if src.RateLimitRPS > 0 {
		dst.RateLimitRPS = src.RateLimitRPS
	}
	if src.RateLimitBurst > 0 {
		dst.RateLimitBurst = src.RateLimitBurst
	}
}

// ValidateRunsRoot checks the configured runs root is usable right now.
// Errors carry the 503 codes the run APIs surface.
func (c *Config) ValidateRunsRoot() error {
	if c.RunsRoot == "" {
		return apperr.New(apperr.CodeRunsRootUnset, 503, "RUNS_ROOT is not set")
	}
	if !filepath.IsAbs(c.RunsRoot) {
		return apperr.Newf(apperr.CodeRunsRootInvalid, 503, "RUNS_ROOT %q must be an absolute path", c.RunsRoot)
	}
	info, err := os.Stat(c.RunsRoot)
	if os.IsNotExist(err) {
		return apperr.Newf(apperr.CodeRunsRootMissing, 503, "RUNS_ROOT %q does not exist", c.RunsRoot)
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeRunsRootInvalid, 503, "RUNS_ROOT is not accessible", err)
	}
	if !info.IsDir() {
		return apperr.Newf(apperr.CodeRunsRootInvalid, 503, "RUNS_ROOT %q is not a directory", c.RunsRoot)
	}
	probe, err := os.CreateTemp(c.RunsRoot, ".probe_*")
	if err != nil {
		return apperr.Wrap(apperr.CodeRunsRootNotWritable, 503, "RUNS_ROOT is not writable", err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// KillSwitchActive reports whether any KILL_SWITCH_* variable is set truthy
// and returns the variable name that tripped it.
func KillSwitchActive() (string, bool) {
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, killSwitchPrefix) {
			continue
		}
		if truthy(value) {
			return key, true
		}
	}
	return "", false
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "enabled":
		return true
	}
	return false
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
