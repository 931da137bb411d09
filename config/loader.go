package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variable overrides.
// Nested keys use a double underscore, e.g. MEMORIC_STORAGE__BACKEND.
const EnvPrefix = "MEMORIC_"

// LoadOptions controls how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit path to a YAML or JSON config file.
	// When empty, the default candidate paths are probed.
	ConfigFile string

	// EnvPrefix overrides the default environment variable prefix.
	EnvPrefix string

	// Overrides are applied last, on top of file and environment values.
	Overrides map[string]any

	// SkipValidation skips validation after loading.
	SkipValidation bool
}

// Load loads configuration with the priority:
// defaults < config file < environment variables < overrides.
func Load(opts *LoadOptions) (*Config, error) {
	if opts == nil {
		opts = &LoadOptions{}
	}
	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = EnvPrefix
	}

	k := koanf.New(".")

	if opts.ConfigFile != "" {
		if err := loadFile(k, opts.ConfigFile); err != nil {
			return nil, err
		}
	} else if err := loadDefaultFiles(k); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider(prefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, prefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if len(opts.Overrides) > 0 {
		if err := k.Load(confmap.Provider(opts.Overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if !opts.SkipValidation {
		if err := Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	return Load(&LoadOptions{ConfigFile: path})
}

// LoadFromEnv loads configuration from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return Load(&LoadOptions{})
}

func loadFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file not found: %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	case ".json":
		if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}
	return nil
}

// loadDefaultFiles probes the conventional config locations and loads
// the first file that exists.
func loadDefaultFiles(k *koanf.Koanf) error {
	candidates := []string{
		"memoric.yaml",
		"memoric.yml",
		"memoric.json",
		"config/memoric.yaml",
		"config/memoric.yml",
		"config/memoric.json",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return loadFile(k, path)
		}
	}
	return nil
}
