package logging

import (
	"fmt"

	"go.uber.org/zap"
)

type Config struct {
	Level string `koanf:"level"`
	// Format is either "json" or "console".
	Format string `koanf:"format"`
}

func (c *Config) SetDefaults() {
	c.Level = "info"
	c.Format = "json"
}

func (c *Config) Validate() error {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return fmt.Errorf("failed to parse logger level: %w", err)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logger format %q", c.Format)
	}
	return nil
}
