package transport

import (
	"fmt"
	"time"
)

type Config struct {
	// BindAddr is the host:port the cluster listener binds to.
	BindAddr string `koanf:"bindAddr"`
	// AdvertiseAddr is announced to peers. Defaults to the bound address.
	AdvertiseAddr string        `koanf:"advertiseAddr"`
	DialTimeout   time.Duration `koanf:"dialTimeout"`
	WriteTimeout  time.Duration `koanf:"writeTimeout"`
	MaxFrameSize  int           `koanf:"maxFrameSize"`
}

func (c *Config) SetDefaults() {
	c.BindAddr = "0.0.0.0:7946"
	c.DialTimeout = 2 * time.Second
	c.WriteTimeout = 5 * time.Second
	c.MaxFrameSize = 16 << 20
}

func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("transport bind address must be set")
	}
	if c.DialTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("transport timeouts must be positive")
	}
	if c.MaxFrameSize < 1024 {
		return fmt.Errorf("transport max frame size %d is too small", c.MaxFrameSize)
	}
	return nil
}
