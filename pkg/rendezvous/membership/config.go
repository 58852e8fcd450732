package membership

import (
	"go.uber.org/zap/zapcore"

	"github.com/pkg/errors"
)

// DefaultPort is used to fill in a seed address that a peer advertised
// without an explicit gossip port.
const DefaultPort = 7980

// Config configures the gossip-based membership adapter.
type Config struct {
	// Name uniquely identifies this node within the gossip network.
	Name string

	// BindAddr/BindPort is the local address the gossip transport listens
	// on.
	BindAddr string
	BindPort int

	// SecretKey, if set, is used to encrypt gossip traffic. It must be
	// 16, 24 or 32 bytes.
	SecretKey []byte

	// LogLevel controls the verbosity of the adapted memberlist logger.
	LogLevel zapcore.Level
}

func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("membership: Name must not be empty")
	}
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0"
	}
	if c.BindPort == 0 {
		c.BindPort = DefaultPort
	}
	switch len(c.SecretKey) {
	case 0, 16, 24, 32:
	default:
		return errors.New("membership: SecretKey must be 16, 24 or 32 bytes")
	}
	return nil
}
