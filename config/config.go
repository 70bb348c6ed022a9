// Package config loads the daemon's static YAML configuration: address
// pools, port range, data directory, default TTL, and the declarative
// list of tunnels to reconcile at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peridio/peridio-rat/alloc"
	"github.com/peridio/peridio-rat/ipcidr"
)

// Config is the daemon's on-disk configuration document.
type Config struct {
	DataDir        string        `yaml:"data_dir"`
	AddressPools   []string      `yaml:"address_pools"`
	PortRangeStart int           `yaml:"port_range_start"`
	PortRangeEnd   int           `yaml:"port_range_end"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	StaleShutdown  bool          `yaml:"stale_shutdown"`
	ReservedPorts  []int         `yaml:"reserved_ports_exempt"`
	Driver         string        `yaml:"driver"` // "exec" (default) or "netlink"
	Tunnels        []Tunnel      `yaml:"tunnels"`
}

// Tunnel is one entry of the declarative "tunnels that should exist"
// list reconciled at startup.
type Tunnel struct {
	ID                  string `yaml:"id"`
	PeerEndpoint        string `yaml:"peer_endpoint"`
	PeerPort            int    `yaml:"peer_port"`
	PeerPublicKey       string `yaml:"peer_public_key"`
	PersistentKeepalive int    `yaml:"persistent_keepalive"`
}

// Load reads and parses path, applying defaults for anything left
// unset, and fails fast on a malformed document rather than starting
// with a partially-valid configuration.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = os.TempDir()
	}
	if len(c.AddressPools) == 0 {
		for _, p := range alloc.DefaultPrivatePool() {
			c.AddressPools = append(c.AddressPools, p.String())
		}
	}
	if c.PortRangeStart == 0 && c.PortRangeEnd == 0 {
		def := alloc.DefaultPortRange()
		c.PortRangeStart, c.PortRangeEnd = def.Start, def.End
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = time.Hour
	}
	if c.Driver == "" {
		c.Driver = "exec"
	}
}

// AddressPoolCIDRs parses AddressPools into CIDR blocks.
func (c Config) AddressPoolCIDRs() ([]ipcidr.CIDR, error) {
	pool := make([]ipcidr.CIDR, 0, len(c.AddressPools))
	for _, s := range c.AddressPools {
		cidr, err := ipcidr.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("config: address_pools: %w", err)
		}
		pool = append(pool, cidr)
	}
	return pool, nil
}

// PortRange returns the configured dynamic port range.
func (c Config) PortRange() alloc.PortRange {
	return alloc.PortRange{Start: c.PortRangeStart, End: c.PortRangeEnd}
}
