package config

import (
	"bytes"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"
)

// deriveSecretKey turns the cluster CA key into the 32-byte secret gossip
// traffic is encrypted with, so that only nodes holding the CA key can join
// the gossip network. This mirrors criticalstack-e2d's pkg/manager, which
// derives both its memberlist secret and its snapshot encryption key from
// the same CA key; only the gossip-secret half applies here.
func deriveSecretKey(caKeyFile string) ([]byte, error) {
	data, err := ioutil.ReadFile(caKeyFile)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("cannot decode PEM block: %#v", caKeyFile)
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		return nil, errors.Wrapf(err, "cannot parse ca key file: %#v", caKeyFile)
	}
	h := sha512.New512_256()
	if _, err := h.Write(block.Bytes); err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(bytes.NewReader(h.Sum(nil)), key); err != nil {
		return nil, err
	}
	return key, nil
}
