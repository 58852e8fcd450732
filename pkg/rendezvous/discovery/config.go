package discovery

import (
	"time"

	"github.com/pkg/errors"
)

// Config holds the tunables of the discovery protocol. Durations left at
// their zero value are replaced with sensible defaults by validate.
type Config struct {
	// EtcdPath is the directory that must exist before the election can
	// begin; it roots both LeaderPath and SeedsPath.
	EtcdPath string

	// LeaderPath is the single key contended for during an election.
	LeaderPath string

	// SeedsPath is the directory the Seed-list FSM mirrors membership
	// into, and that a follower fetches to join through.
	SeedsPath string

	// LeaderEntryTTL is the lease duration attached to the leader key.
	// It must be strictly greater than LeaderRefreshInterval or a
	// momentary scheduling delay could let the key expire while the
	// leader is still alive.
	LeaderEntryTTL time.Duration

	// LeaderRefreshInterval is how often the leader refreshes its lease.
	LeaderRefreshInterval time.Duration

	// EtcdRetryDelay is the back-off before redelivering a message to
	// self after a transient store failure outside the election phase.
	EtcdRetryDelay time.Duration

	// ElectionRetryDelay is the back-off before re-bidding after a
	// transient (non-NodeExists) failure of the election CAS.
	ElectionRetryDelay time.Duration

	// SeedsFetchTimeout bounds how long a follower waits on the
	// recursive get(seedsPath) issued after losing an election.
	SeedsFetchTimeout time.Duration
}

func (c *Config) validate() error {
	if c.EtcdPath == "" {
		return errors.New("discovery: EtcdPath must not be empty")
	}
	if c.LeaderPath == "" {
		return errors.New("discovery: LeaderPath must not be empty")
	}
	if c.SeedsPath == "" {
		return errors.New("discovery: SeedsPath must not be empty")
	}
	if c.LeaderEntryTTL == 0 {
		c.LeaderEntryTTL = 10 * time.Second
	}
	if c.LeaderRefreshInterval == 0 {
		c.LeaderRefreshInterval = 3 * time.Second
	}
	if c.LeaderRefreshInterval >= c.LeaderEntryTTL {
		return errors.New("discovery: LeaderRefreshInterval must be less than LeaderEntryTTL")
	}
	if c.EtcdRetryDelay == 0 {
		c.EtcdRetryDelay = 2 * time.Second
	}
	if c.ElectionRetryDelay == 0 {
		c.ElectionRetryDelay = 2 * time.Second
	}
	if c.SeedsFetchTimeout == 0 {
		c.SeedsFetchTimeout = 5 * time.Second
	}
	return nil
}
