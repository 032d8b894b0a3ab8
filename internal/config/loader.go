package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/ansible-api/internal/signature"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ANSIBLE_API_"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from configPath, then applies environment
// overrides. An empty configPath loads from the environment alone.
//
// A .env file next to the config file, and one in the working directory, are
// loaded first. Variables already set in the process win.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		if info.IsDir() {
			absPath = filepath.Join(absPath, "config.yaml")
		}

		if err := loadDotEnv(filepath.Dir(absPath)); err != nil {
			return nil, err
		}
		if err := loadConfigFile(absPath, cfg); err != nil {
			return nil, err
		}
		fingerprint, err := ComputeBlake3Hash(absPath)
		if err != nil {
			return nil, err
		}
		cfg.SourcePath = absPath
		cfg.Fingerprint = fingerprint
	} else if err := loadDotEnv(""); err != nil {
		return nil, err
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	cfg = applyConfigDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads .env from dir and from the working directory, if present.
func loadDotEnv(dir string) error {
	candidates := []string{".env"}
	if dir != "" {
		candidates = append([]string{filepath.Join(dir, ".env")}, candidates...)
	}
	seen := make(map[string]bool)
	for _, path := range candidates {
		abs, err := filepath.Abs(path)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if err := godotenv.Load(abs); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", abs, err)
		}
	}
	return nil
}

// loadConfigFile parses path over cfg. Keys absent from the file keep their
// current values.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyConfigDefaults restores defaults for keys explicitly set to zero.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxBodySize == 0 {
		cfg.API.MaxBodySize = defaults.API.MaxBodySize
	}

	if cfg.Auth.Algorithm == "" {
		cfg.Auth.Algorithm = defaults.Auth.Algorithm
	}

	if cfg.Dispatch.ThreadPoolSize == 0 {
		cfg.Dispatch.ThreadPoolSize = defaults.Dispatch.ThreadPoolSize
	}

	if cfg.Runner.AnsibleBin == "" {
		cfg.Runner.AnsibleBin = defaults.Runner.AnsibleBin
	}
	if cfg.Runner.PlaybookBin == "" {
		cfg.Runner.PlaybookBin = defaults.Runner.PlaybookBin
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate performs basic validation on the configuration.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Auth.SignKey == "" {
		return fmt.Errorf("auth.sign_key is required")
	}
	if err := checkUnresolved("auth.sign_key", cfg.Auth.SignKey); err != nil {
		return err
	}
	if _, err := signature.ParseAlgorithm(cfg.Auth.Algorithm); err != nil {
		return fmt.Errorf("auth.algorithm: %w", err)
	}

	if cfg.API.MaxBodySize < 0 {
		return fmt.Errorf("api.max_body_size must not be negative")
	}
	for i, entry := range cfg.API.AllowIP {
		if _, err := ParseAllowEntry(entry); err != nil {
			return fmt.Errorf("api.allow_ip[%d]: %w", i, err)
		}
	}
	for i, entry := range cfg.API.TrustedProxies {
		if _, err := ParseAllowEntry(entry); err != nil {
			return fmt.Errorf("api.trusted_proxies[%d]: %w", i, err)
		}
	}

	if cfg.Dispatch.ThreadPoolSize < 0 || cfg.Dispatch.AsyncPoolSize < 0 || cfg.Dispatch.SyncPoolSize < 0 {
		return fmt.Errorf("dispatch pool sizes must not be negative")
	}
	if cfg.Dispatch.AsyncSize() < 1 || cfg.Dispatch.SyncSize() < 1 {
		return fmt.Errorf("dispatch.thread_pool_size must be positive")
	}
	if cfg.Dispatch.MaxQueue < 0 {
		return fmt.Errorf("dispatch.max_queue must not be negative")
	}
	if cfg.Dispatch.JobTimeout < 0 {
		return fmt.Errorf("dispatch.job_timeout must not be negative")
	}

	if cfg.Dirs.Script == "" {
		return fmt.Errorf("dirs.script is required")
	}
	if cfg.Dirs.Playbook == "" {
		return fmt.Errorf("dirs.playbook is required")
	}

	if cfg.State.Retention < 0 {
		return fmt.Errorf("state.retention must not be negative")
	}

	for key, value := range cfg.Runner.Env {
		if err := checkUnresolved("runner.env."+key, value); err != nil {
			return err
		}
	}
	return nil
}

// ParseAllowEntry parses an allow_ip entry: a single address or a CIDR prefix.
func ParseAllowEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func checkUnresolved(key, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", key, matches[1])
	}
	return nil
}
