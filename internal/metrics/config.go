package metrics

import "fmt"

type Config struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	// Namespace prefixes the log message counters.
	Namespace string `koanf:"namespace"`
}

func (c *Config) SetDefaults() {
	c.Enabled = true
	c.Addr = "0.0.0.0:9121"
	c.Namespace = namespace
}

func (c *Config) Validate() error {
	if c.Enabled && c.Addr == "" {
		return fmt.Errorf("metrics address must be set when metrics are enabled")
	}
	return nil
}
