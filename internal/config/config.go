// Package config loads gateway settings from YAML, the environment and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file.
const (
	EnvNativeAddr   = "BROP_NATIVE_ADDR"
	EnvCDPAddr      = "BROP_CDP_ADDR"
	EnvUpstreamAddr = "BROP_UPSTREAM_ADDR"
	EnvLogLevel     = "BROP_LOG_LEVEL"
	EnvLogFormat    = "BROP_LOG_FORMAT"
)

type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Log      LogConfig      `yaml:"log"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Browser  BrowserConfig  `yaml:"browser"`
}

type ListenConfig struct {
	Native   string `yaml:"native"`
	CDP      string `yaml:"cdp"`
	Upstream string `yaml:"upstream"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type UpstreamConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
}

// BrowserConfig is the identity reported to CDP clients.
type BrowserConfig struct {
	Version         string `yaml:"version"`
	ProtocolVersion string `yaml:"protocol_version"`
	UserAgent       string `yaml:"user_agent"`
}

// ${VAR} or ${VAR:-default}
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv substitutes ${VAR} and ${VAR:-default} references.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		return parts[2]
	})
}

// LoadFromBytes parses YAML with environment variable expansion on top of the
// defaults.
func LoadFromBytes(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// Load reads path, applies environment overrides and validates. A missing
// file at an empty path yields the defaults.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config %s: %w", path, err)
		}
		if c, err = LoadFromBytes(data); err != nil {
			return c, err
		}
	}
	c.ApplyEnv()
	return c, c.Validate()
}

// ApplyEnv overlays the BROP_* environment variables.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Listen.Native, EnvNativeAddr)
	set(&c.Listen.CDP, EnvCDPAddr)
	set(&c.Listen.Upstream, EnvUpstreamAddr)
	set(&c.Log.Level, EnvLogLevel)
	set(&c.Log.Format, EnvLogFormat)
}

// Validate checks that the listeners are set and distinct.
func (c Config) Validate() error {
	var errs []error
	addrs := map[string]string{
		"native":   c.Listen.Native,
		"cdp":      c.Listen.CDP,
		"upstream": c.Listen.Upstream,
	}
	seen := make(map[string]string, len(addrs))
	for _, name := range []string{"native", "cdp", "upstream"} {
		addr := addrs[name]
		if addr == "" {
			errs = append(errs, fmt.Errorf("listen.%s is empty", name))
			continue
		}
		if other, dup := seen[addr]; dup {
			errs = append(errs, fmt.Errorf("listen.%s and listen.%s share %s", other, name, addr))
		}
		seen[addr] = name
	}
	if c.Upstream.PingInterval < 0 {
		errs = append(errs, errors.New("upstream.ping_interval must not be negative"))
	}
	return errors.Join(errs...)
}
