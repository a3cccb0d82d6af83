package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "CONFIG_PATH"

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{"config.yaml", "config.yml", "/etc/marketflow/config.yaml"}

// envMappings maps flat environment names onto koanf paths. Names not listed
// fall through to the MARKETFLOW_SECTION_FIELD convention.
var envMappings = map[string]string{
	"database_url":       "database.url",
	"auto_migrate":       "database.auto_migrate",
	"jwt_secret":         "auth.jwt_secret",
	"backend_base_url":   "backend.base_url",
	"backend_api_key":    "backend.api_key",
	"supabase_url":       "backend.base_url",
	"supabase_anon_key":  "backend.api_key",
	"http_addr":          "server.addr",
	"log_level":          "logging.level",
	"log_format":         "logging.format",
	"nats_url":           "events.nats_url",
	"store_path":         "storage.path",
	"store_encrypt_key":  "storage.encryption_key",
	"health_interval":    "health.interval",
	"grace_window":       "backend.grace_window",
	"request_timeout":    "backend.request_timeout",
	"refresh_horizon":    "backend.refresh_horizon",
	"events_driver":      "events.driver",
	"server_rate_limit":  "server.rate_limit",
	"server_cors_origin": "server.cors_origins",
}

var sliceKeys = []string{"server.cors_origins", "auth.roles"}

// Load reads .env (if present), defaults, the config file and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return LoadFrom(findConfigFile())
}

// LoadFrom is Load with an explicit file path; an empty path skips the file layer.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps an environment variable name to a koanf path. Returning "" drops
// the variable.
func envKey(key string) string {
	key = strings.ToLower(key)
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	if rest, ok := strings.CutPrefix(key, "marketflow_"); ok {
		section, field, found := strings.Cut(rest, "_")
		if !found {
			return ""
		}
		return section + "." + field
	}
	return ""
}

// splitSlices turns comma separated env values into slices.
func splitSlices(k *koanf.Koanf) error {
	for _, path := range sliceKeys {
		raw, ok := k.Get(path).(string)
		if !ok || raw == "" {
			continue
		}
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("config: set %s: %w", path, err)
		}
	}
	return nil
}
