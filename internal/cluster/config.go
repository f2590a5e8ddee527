package cluster

import (
	"fmt"

	"github.com/10yihang/gridcache/internal/cluster/exchange"
	"github.com/10yihang/gridcache/internal/cluster/rebalance"
)

type Config struct {
	// Partitions is fixed for the lifetime of the cluster.
	Partitions int `koanf:"partitions"`
	Backups    int `koanf:"backups"`

	Exchange  exchange.Config  `koanf:"exchange"`
	Rebalance rebalance.Config `koanf:"rebalance"`
}

func (c *Config) SetDefaults() {
	c.Partitions = 64
	c.Backups = 1
	c.Exchange.SetDefaults()
	c.Rebalance.SetDefaults()
}

func (c *Config) Validate() error {
	if c.Partitions <= 0 {
		return fmt.Errorf("partition count must be positive, got %d", c.Partitions)
	}
	if c.Backups < 0 {
		return fmt.Errorf("backup count must not be negative, got %d", c.Backups)
	}
	if err := c.Exchange.Validate(); err != nil {
		return fmt.Errorf("failed to validate exchange config: %w", err)
	}
	if err := c.Rebalance.Validate(); err != nil {
		return fmt.Errorf("failed to validate rebalance config: %w", err)
	}
	return nil
}
