package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/internal/cluster"
	"github.com/10yihang/gridcache/internal/cluster/discovery"
	"github.com/10yihang/gridcache/internal/logging"
	"github.com/10yihang/gridcache/internal/metrics"
	"github.com/10yihang/gridcache/internal/protocol"
	"github.com/10yihang/gridcache/internal/transport"
)

const envPrefix = "GRIDCACHE_"

type StorageConfig struct {
	// Type is "memory" or "badger".
	Type string `koanf:"type"`
	// Path is the badger directory. Empty runs badger in memory.
	Path string `koanf:"path"`
}

func (c *StorageConfig) SetDefaults() {
	c.Type = "memory"
}

func (c *StorageConfig) Validate() error {
	switch c.Type {
	case "memory", "badger":
		return nil
	default:
		return fmt.Errorf("unknown storage type %q", c.Type)
	}
}

type Config struct {
	Logger    logging.Config   `koanf:"logger"`
	Cluster   cluster.Config   `koanf:"cluster"`
	Transport transport.Config `koanf:"transport"`
	Discovery discovery.Config `koanf:"discovery"`
	Storage   StorageConfig    `koanf:"storage"`
	Admin     protocol.Config  `koanf:"admin"`
	Metrics   metrics.Config   `koanf:"metrics"`
}

func (c *Config) SetDefaults() {
	c.Logger.SetDefaults()
	c.Cluster.SetDefaults()
	c.Transport.SetDefaults()
	c.Discovery.SetDefaults()
	c.Storage.SetDefaults()
	c.Admin.SetDefaults()
	c.Metrics.SetDefaults()
}

func (c *Config) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("failed to validate logger config: %w", err)
	}
	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("failed to validate cluster config: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("failed to validate transport config: %w", err)
	}
	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("failed to validate discovery config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("failed to validate storage config: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("failed to validate admin config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("failed to validate metrics config: %w", err)
	}
	return nil
}

// newConfig loads defaults, then the YAML file at path (or CONFIG_FILEPATH),
// then GRIDCACHE_ prefixed environment variables.
func newConfig(path string, logger *zap.Logger) (Config, error) {
	k := koanf.New(".")
	var cfg Config
	cfg.SetDefaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILEPATH")
	}
	if path == "" {
		logger.Info("no config file given, using defaults and environment")
	} else if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Unknown keys are an error in the file but not in the environment.
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(",")),
			Result:           &cfg,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		},
	})
	if err != nil {
		return Config{}, err
	}

	// Environment keys are lower case; map them onto the keys the file used.
	known := make(map[string]string)
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	err = k.Load(env.ProviderWithValue(envPrefix, ".", func(s string, v string) (string, interface{}) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
		if original, ok := known[key]; ok {
			key = original
		}
		if strings.Contains(v, ",") {
			return key, strings.Split(v, ",")
		}
		return key, v
	}), nil)
	if err != nil {
		return Config{}, err
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("failed to validate config: %w", err)
	}
	return cfg, nil
}
