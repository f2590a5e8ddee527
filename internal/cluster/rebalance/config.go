package rebalance

import (
	"fmt"
	"time"
)

type Config struct {
	// Concurrency bounds the partitions transferred at once by the demander.
	Concurrency int `koanf:"concurrency"`
	// BatchSize is the number of entries a supplier sends per batch.
	BatchSize      int           `koanf:"batchSize"`
	MaxRetries     uint64        `koanf:"maxRetries"`
	InitialBackoff time.Duration `koanf:"initialBackoff"`
	MaxBackoff     time.Duration `koanf:"maxBackoff"`
	// DemandTimeout is how long the demander waits for one batch before it
	// gives up on the supplier.
	DemandTimeout time.Duration `koanf:"demandTimeout"`

	SupplyConcurrency int           `koanf:"supplyConcurrency"`
	SessionTTL        time.Duration `koanf:"sessionTTL"`
}

func (c *Config) SetDefaults() {
	c.Concurrency = 4
	c.BatchSize = 256
	c.MaxRetries = 3
	c.InitialBackoff = 100 * time.Millisecond
	c.MaxBackoff = 2 * time.Second
	c.DemandTimeout = 5 * time.Second
	c.SupplyConcurrency = 2
	c.SessionTTL = 30 * time.Second
}

func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("rebalance concurrency must be positive, got %d", c.Concurrency)
	}
	if c.SupplyConcurrency <= 0 {
		return fmt.Errorf("rebalance supply concurrency must be positive, got %d", c.SupplyConcurrency)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("rebalance batch size must be positive, got %d", c.BatchSize)
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("rebalance backoff must satisfy 0 < initialBackoff <= maxBackoff")
	}
	if c.DemandTimeout <= 0 || c.SessionTTL <= 0 {
		return fmt.Errorf("rebalance timeouts must be positive")
	}
	return nil
}
