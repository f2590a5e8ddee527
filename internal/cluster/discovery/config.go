package discovery

import (
	"fmt"
	"time"
)

type Config struct {
	// Seeds are cluster addresses tried in order when joining. An empty list
	// bootstraps a new cluster.
	Seeds             []string      `koanf:"seeds"`
	HeartbeatInterval time.Duration `koanf:"heartbeatInterval"`
	// NodeTimeout is how long a peer may stay silent before it is suspected.
	NodeTimeout time.Duration `koanf:"nodeTimeout"`
	// JoinTimeout bounds the wait for an admission per seed round.
	JoinTimeout time.Duration `koanf:"joinTimeout"`
	JoinRetries uint64        `koanf:"joinRetries"`
}

func (c *Config) SetDefaults() {
	c.HeartbeatInterval = time.Second
	c.NodeTimeout = 5 * time.Second
	c.JoinTimeout = 3 * time.Second
	c.JoinRetries = 5
}

func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("discovery heartbeat interval must be positive")
	}
	if c.NodeTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("discovery node timeout %v must exceed heartbeat interval %v", c.NodeTimeout, c.HeartbeatInterval)
	}
	if c.JoinTimeout <= 0 {
		return fmt.Errorf("discovery join timeout must be positive")
	}
	return nil
}
