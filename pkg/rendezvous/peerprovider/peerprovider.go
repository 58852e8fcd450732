// Package peerprovider discovers the endpoints of an already-running
// rendezvous store from cloud-provider inventory, for nodes that are not
// configured with a fixed endpoint list. It does not run, snapshot or
// provision a store; it only answers "who else is out there".
package peerprovider

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	e2daws "github.com/criticalstack/rendezvous/pkg/rendezvous/peerprovider/aws"
	e2ddo "github.com/criticalstack/rendezvous/pkg/rendezvous/peerprovider/digitalocean"
)

// Provider discovers the network addresses of sibling nodes.
type Provider interface {
	GetAddrs(ctx context.Context) ([]string, error)
}

// NoopProvider never discovers any peers, for setups where the operator
// supplies endpoints directly.
type NoopProvider struct{}

func (*NoopProvider) GetAddrs(ctx context.Context) ([]string, error) {
	return nil, nil
}

// Endpoints resolves p's discovered addresses into full store client URLs
// by applying scheme and port, e.g. "10.0.1.4" -> "https://10.0.1.4:2379".
func Endpoints(ctx context.Context, p Provider, scheme string, port int) ([]string, error) {
	addrs, err := p.GetAddrs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "cannot discover peer addresses")
	}
	endpoints := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		endpoints = append(endpoints, fmt.Sprintf("%s://%s:%d", scheme, addr, port))
	}
	return endpoints, nil
}

// KeyValue is an EC2/droplet tag key/value pair used to scope discovery.
type KeyValue struct {
	Key, Value string
}

// AutoScalingGroupProvider discovers the other instances in the calling
// node's own EC2 Auto Scaling group.
type AutoScalingGroupProvider struct {
	*e2daws.Client
}

func NewAutoScalingGroupProvider() (*AutoScalingGroupProvider, error) {
	cfg, err := e2daws.NewConfig()
	if err != nil {
		return nil, err
	}
	client, err := e2daws.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &AutoScalingGroupProvider{client}, nil
}

func (p *AutoScalingGroupProvider) GetAddrs(ctx context.Context) ([]string, error) {
	return p.GetAutoScalingGroupAddresses(ctx)
}

// InstanceTagProvider discovers EC2 instances carrying the configured set
// of tags.
type InstanceTagProvider struct {
	*e2daws.Client
	tags map[string]string
}

func NewInstanceTagProvider(kvs []KeyValue) (*InstanceTagProvider, error) {
	if len(kvs) == 0 {
		return nil, errors.New("peerprovider: must provide at least 1 tag key/value")
	}
	cfg, err := e2daws.NewConfig()
	if err != nil {
		return nil, err
	}
	client, err := e2daws.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		tags[kv.Key] = kv.Value
	}
	return &InstanceTagProvider{Client: client, tags: tags}, nil
}

func (p *InstanceTagProvider) GetAddrs(ctx context.Context) ([]string, error) {
	return p.GetAddressesByTag(ctx, p.tags)
}

// DigitalOceanConfig configures DigitalOceanTagProvider.
type DigitalOceanConfig struct {
	AccessToken string
	TagValue    string
}

// DigitalOceanTagProvider discovers droplets carrying the configured tag.
type DigitalOceanTagProvider struct {
	*e2ddo.Client
	tag string
}

func NewDigitalOceanTagProvider(cfg *DigitalOceanConfig) (*DigitalOceanTagProvider, error) {
	client, err := e2ddo.NewClient(&e2ddo.Config{AccessToken: cfg.AccessToken})
	if err != nil {
		return nil, err
	}
	return &DigitalOceanTagProvider{Client: client, tag: cfg.TagValue}, nil
}

func (p *DigitalOceanTagProvider) GetAddrs(ctx context.Context) ([]string, error) {
	return p.GetAddrsByTag(ctx, p.tag)
}

var (
	_ Provider = (*NoopProvider)(nil)
	_ Provider = (*AutoScalingGroupProvider)(nil)
	_ Provider = (*InstanceTagProvider)(nil)
	_ Provider = (*DigitalOceanTagProvider)(nil)
)
