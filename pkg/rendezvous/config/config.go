// Package config assembles the flat, flag/file-friendly configuration
// surface of a rendezvous node into the typed sub-configs each component
// package actually wants, mirroring how criticalstack-e2d's pkg/manager
// explodes a single Config into client/gossip/discovery configuration.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"

	"github.com/criticalstack/rendezvous/pkg/rendezvous/discovery"
	"github.com/criticalstack/rendezvous/pkg/rendezvous/membership"
	"github.com/criticalstack/rendezvous/pkg/rendezvous/storeclient"
	netutil "github.com/criticalstack/rendezvous/pkg/util/net"
)

// Config is the flat configuration of a rendezvous node, as loaded from
// flags/environment/file by cmd/rdvd. Call Validate before use; it fills
// in derived fields (Host, GossipHost, GossipPort) and defaults.
type Config struct {
	// Name uniquely identifies this node in the gossip network. A random
	// name is generated if left empty.
	Name string

	// Host, if set, overrides address detection for any address below
	// left unspecified (e.g. "0.0.0.0:7980").
	Host string

	// StoreEndpoints lists the rendezvous store's client URLs.
	StoreEndpoints []string
	StoreSecurity  storeclient.SecurityConfig
	StoreTimeout   time.Duration

	// GossipAddr is this node's own gossip listen address.
	GossipAddr string
	GossipHost string
	GossipPort int

	// CAKeyFile, if set, derives the gossip network's shared secret key,
	// mirroring how criticalstack-e2d derives memberlist's SecretKey from
	// the cluster's CA key rather than a separately managed value.
	CAKeyFile string

	// EtcdPath roots the rendezvous namespace; LeaderPath and SeedsPath
	// are nested under it unless given absolute paths of their own.
	EtcdPath   string
	LeaderPath string
	SeedsPath  string

	LeaderEntryTTL        time.Duration
	LeaderRefreshInterval time.Duration
	EtcdRetryDelay        time.Duration
	ElectionRetryDelay    time.Duration
	SeedsFetchTimeout     time.Duration

	LogLevel zapcore.Level
}

// Validate fills in derived/default fields and returns an error if the
// configuration is unusable as given.
func (c *Config) Validate() error {
	if c.Host == "" {
		host, err := netutil.DetectHostIPv4()
		if err != nil {
			return errors.Wrap(err, "cannot detect host address")
		}
		c.Host = host
	}

	if c.GossipAddr == "" {
		c.GossipAddr = fmt.Sprintf(":%d", membership.DefaultPort)
	}
	gaddr, err := netutil.ParseAddr(c.GossipAddr)
	if err != nil {
		return errors.Wrapf(err, "cannot parse GossipAddr: %#v", c.GossipAddr)
	}
	if gaddr.IsUnspecified() {
		gaddr.Host = c.Host
	}
	if gaddr.Port == 0 {
		gaddr.Port = membership.DefaultPort
	}
	c.GossipAddr = gaddr.String()
	c.GossipHost, c.GossipPort, err = netutil.SplitHostPort(c.GossipAddr)
	if err != nil {
		return errors.Wrapf(err, "cannot split GossipAddr: %#v", c.GossipAddr)
	}

	if len(c.StoreEndpoints) == 0 {
		c.StoreEndpoints = []string{"http://127.0.0.1:2379"}
	}

	if c.EtcdPath == "" {
		c.EtcdPath = "/rendezvous"
	}
	if c.LeaderPath == "" {
		c.LeaderPath = c.EtcdPath + "/leader"
	}
	if c.SeedsPath == "" {
		c.SeedsPath = c.EtcdPath + "/seeds"
	}

	if c.Name == "" {
		c.Name = uuid.New().String()
	}

	return nil
}

// StoreClientConfig builds the storeclient.Config for this node.
func (c *Config) StoreClientConfig() storeclient.Config {
	return storeclient.Config{
		Endpoints: c.StoreEndpoints,
		Security:  c.StoreSecurity,
		Timeout:   c.StoreTimeout,
	}
}

// MembershipConfig builds the membership.Config for this node.
func (c *Config) MembershipConfig() (membership.Config, error) {
	cfg := membership.Config{
		Name:     c.Name,
		BindAddr: c.GossipHost,
		BindPort: c.GossipPort,
		LogLevel: c.LogLevel,
	}
	if c.CAKeyFile != "" {
		key, err := deriveSecretKey(c.CAKeyFile)
		if err != nil {
			return cfg, errors.Wrap(err, "cannot derive gossip secret key")
		}
		cfg.SecretKey = key
	}
	return cfg, nil
}

// DiscoveryConfig builds the discovery.Config for this node.
func (c *Config) DiscoveryConfig() discovery.Config {
	return discovery.Config{
		EtcdPath:              c.EtcdPath,
		LeaderPath:            c.LeaderPath,
		SeedsPath:             c.SeedsPath,
		LeaderEntryTTL:        c.LeaderEntryTTL,
		LeaderRefreshInterval: c.LeaderRefreshInterval,
		EtcdRetryDelay:        c.EtcdRetryDelay,
		ElectionRetryDelay:    c.ElectionRetryDelay,
		SeedsFetchTimeout:     c.SeedsFetchTimeout,
	}
}
