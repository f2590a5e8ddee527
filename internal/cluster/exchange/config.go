package exchange

import (
	"fmt"
	"time"
)

type Config struct {
	// Timeout bounds every wait of one exchange attempt: singles and acks on
	// the coordinator, the full map on every other node.
	Timeout time.Duration `koanf:"timeout"`

	// BufferLimit caps messages held for topology versions not seen yet.
	BufferLimit int `koanf:"bufferLimit"`
}

func (c *Config) SetDefaults() {
	c.Timeout = 10 * time.Second
	c.BufferLimit = 1024
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("exchange timeout must be positive, got %v", c.Timeout)
	}
	if c.BufferLimit <= 0 {
		return fmt.Errorf("exchange buffer limit must be positive, got %d", c.BufferLimit)
	}
	return nil
}
