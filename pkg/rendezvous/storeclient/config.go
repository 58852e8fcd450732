package storeclient

import (
	"time"

	"go.etcd.io/etcd/pkg/transport"
)

// Config configures the connection to the external etcd rendezvous store.
type Config struct {
	Endpoints []string
	Security  SecurityConfig
	Timeout   time.Duration
}

func (c *Config) validate() error {
	if len(c.Endpoints) == 0 {
		c.Endpoints = []string{"http://127.0.0.1:2379"}
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Second
	}
	return nil
}

// SecurityConfig configures transport security for the store connection.
// It is accepted but not produced by this package: certificate issuance is
// an external-store concern.
type SecurityConfig struct {
	CertFile      string
	KeyFile       string
	CertAuth      bool
	TrustedCAFile string
}

func (sc SecurityConfig) Enabled() bool {
	return sc.CertFile != "" || sc.KeyFile != "" || sc.CertAuth || sc.TrustedCAFile != ""
}

func (sc SecurityConfig) TLSInfo() transport.TLSInfo {
	return transport.TLSInfo{
		CertFile:       sc.CertFile,
		KeyFile:        sc.KeyFile,
		ClientCertAuth: sc.CertAuth,
		TrustedCAFile:  sc.TrustedCAFile,
	}
}
