package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "SIGNALKIT_"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
	// envSectionSep separates the section from the key in environment variable names.
	envSectionSep = "__"
)

// Loader handles configuration loading from various sources.
type Loader struct {
	mu sync.RWMutex
	k  *koanf.Koanf
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		k: koanf.New(Delimiter),
	}
}

// Load loads configuration from all sources with the following priority:
// 1. Overrides (highest)
// 2. Environment variables
// 3. Configuration files
// 4. Defaults (lowest)
//
// Every call starts from a clean state so a reload drops keys removed from the file.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	k := koanf.New(Delimiter)

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig(), ""), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := loadFile(k, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		loadDefaultFiles(k)
	}

	if err := loadEnv(k); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "mapstructure",
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.k = k
	l.mu.Unlock()

	return &cfg, nil
}

// loadFile loads configuration from a file.
func loadFile(k *koanf.Koanf, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser

	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", path)
	}

	return k.Load(file.Provider(path), parser)
}

// loadDefaultFiles tries to load config from standard locations.
func loadDefaultFiles(k *koanf.Koanf) {
	candidates := []string{
		"signalkit.yaml",
		"signalkit.yml",
		"signalkit.json",
		"configs/signalkit.yaml",
		"/etc/signalkit/signalkit.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = loadFile(k, path)
			return
		}
	}
}

// loadEnv loads configuration from environment variables.
// SIGNALKIT_SIGNAL__LOG_LEVEL maps to signal.log_level.
func loadEnv(k *koanf.Koanf) error {
	return k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil)
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, envSectionSep, Delimiter)
}

// Print renders the effective configuration one key per line in key order.
// Tracing header values are masked.
func (l *Loader) Print() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := l.k.Keys()
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		val := l.k.Get(key)
		if strings.HasPrefix(key, "tracing.headers"+Delimiter) {
			val = "******"
		}
		fmt.Fprintf(&b, "%s = %v\n", key, val)
	}
	return b.String()
}

// structToMap flattens a struct into dot-separated keys using mapstructure tags.
func structToMap(v interface{}, prefix string) map[string]interface{} {
	result := make(map[string]interface{})
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return result
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		fieldVal := val.Field(i)
		if !field.IsExported() {
			continue
		}

		key := field.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + Delimiter + key
		}

		switch fieldVal.Kind() {
		case reflect.Struct:
			for k, v := range structToMap(fieldVal.Interface(), key) {
				result[k] = v
			}
		case reflect.Map:
			if !fieldVal.IsNil() {
				result[key] = fieldVal.Interface()
			}
		default:
			result[key] = fieldVal.Interface()
		}
	}
	return result
}

// Load is a convenience function to load configuration.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}
