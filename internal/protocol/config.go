package protocol

import "fmt"

type Config struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

func (c *Config) SetDefaults() {
	c.Enabled = true
	c.Addr = "127.0.0.1:7000"
}

func (c *Config) Validate() error {
	if c.Enabled && c.Addr == "" {
		return fmt.Errorf("admin address must be set when the admin endpoint is enabled")
	}
	return nil
}
