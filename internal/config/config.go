// Package config loads Harrier configuration from defaults, an optional YAML
// file and HARRIER_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/opensource-finance/harrier/internal/domain"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "HARRIER_"

// Load builds the configuration. The tier, read from the file or environment,
// selects the default set before overrides are applied. An empty path skips
// the file layer.
func Load(path string) (*domain.Config, error) {
	tier, err := peekTier(path)
	if err != nil {
		return nil, err
	}

	defaults := domain.DefaultConfig()
	if tier == domain.TierPro {
		defaults = domain.ProConfig()
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyMapper(k.Keys())), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// peekTier reads only the tier so the right defaults can be layered first.
func peekTier(path string) (domain.Tier, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return "", fmt.Errorf("loading config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return "", fmt.Errorf("loading environment variables: %w", err)
	}
	return domain.Tier(strings.ToLower(k.String("tier"))), nil
}

// envKeyMapper resolves HARRIER_SECTION_SOME_KEY to the known key
// section.some_key. Unknown names split at the first underscore.
func envKeyMapper(known []string) func(string) string {
	lookup := make(map[string]string, len(known))
	for _, key := range known {
		lookup[strings.ReplaceAll(key, ".", "_")] = key
	}
	return func(s string) string {
		name := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		if key, ok := lookup[name]; ok {
			return key
		}
		return strings.Replace(name, "_", ".", 1)
	}
}

// Validate fails fast on configuration the engine or its collaborators cannot run with.
func Validate(cfg *domain.Config) error {
	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		return fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidConfig, cfg.Tier)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", domain.ErrInvalidConfig, cfg.Server.Port)
	}

	switch cfg.Repository.Driver {
	case "memory":
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			return fmt.Errorf("%w: repository.sqlite_path is required", domain.ErrInvalidConfig)
		}
	case "postgres":
		if cfg.Repository.PostgresHost == "" || cfg.Repository.PostgresDB == "" {
			return fmt.Errorf("%w: repository.postgres_host and postgres_db are required", domain.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown repository driver %q", domain.ErrInvalidConfig, cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			return fmt.Errorf("%w: cache.redis_addr is required", domain.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown cache type %q", domain.ErrInvalidConfig, cfg.Cache.Type)
	}

	switch cfg.EventBus.Type {
	case "channel":
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			return fmt.Errorf("%w: eventbus.nats_url is required", domain.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown event bus type %q", domain.ErrInvalidConfig, cfg.EventBus.Type)
	}

	if cfg.Worker.Interval < 0 || cfg.Worker.LookbackHours < 0 {
		return fmt.Errorf("%w: worker interval and lookback must not be negative", domain.ErrInvalidConfig)
	}

	if err := cfg.Detection.Validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}
	return nil
}
