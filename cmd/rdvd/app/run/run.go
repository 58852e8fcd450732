package run

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/criticalstack/rendezvous/pkg/log"
	"github.com/criticalstack/rendezvous/pkg/rendezvous/config"
	"github.com/criticalstack/rendezvous/pkg/rendezvous/discovery"
	"github.com/criticalstack/rendezvous/pkg/rendezvous/membership"
	"github.com/criticalstack/rendezvous/pkg/rendezvous/peerprovider"
	"github.com/criticalstack/rendezvous/pkg/rendezvous/storeclient"
)

var opts struct {
	Name           string
	Host           string
	StoreEndpoints []string
	GossipAddr     string
	CAKeyFile      string
	EtcdPath       string
	CloudProvider  string
	Tags           []string
	DOToken        string
	DOTag          string
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "run",
		Short:         "join or bootstrap a rendezvous cluster",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "node name (default random)")
	cmd.Flags().StringVar(&opts.Host, "host", "", "address used to derive any unspecified address")
	cmd.Flags().StringSliceVar(&opts.StoreEndpoints, "store-endpoints", nil, "rendezvous store client endpoints")
	cmd.Flags().StringVar(&opts.GossipAddr, "gossip-addr", "", "gossip network listen address")
	cmd.Flags().StringVar(&opts.CAKeyFile, "ca-key-file", "", "CA key used to derive the gossip network's shared secret")
	cmd.Flags().StringVar(&opts.EtcdPath, "etcd-path", "/rendezvous", "rendezvous namespace root in the store")
	cmd.Flags().StringVar(&opts.CloudProvider, "cloud-provider", "none", "peer discovery provider: none, aws-asg, aws-tag, digitalocean-tag")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "key=value tag for aws-tag peer discovery (repeatable)")
	cmd.Flags().StringVar(&opts.DOToken, "do-token", "", "DigitalOcean API token, for digitalocean-tag peer discovery")
	cmd.Flags().StringVar(&opts.DOTag, "do-tag", "", "droplet tag, for digitalocean-tag peer discovery")
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		log.Fatal(err)
	}
	return cmd
}

func run() error {
	endpoints, err := discoverStoreEndpoints()
	if err != nil {
		return errors.Wrap(err, "cannot discover store endpoints")
	}

	cfg := &config.Config{
		Name:           viper.GetString("name"),
		Host:           viper.GetString("host"),
		StoreEndpoints: append(viper.GetStringSlice("store-endpoints"), endpoints...),
		GossipAddr:     viper.GetString("gossip-addr"),
		CAKeyFile:      viper.GetString("ca-key-file"),
		EtcdPath:       viper.GetString("etcd-path"),
		LogLevel:       zapcore.InfoLevel,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	storeCfg := cfg.StoreClientConfig()
	store, err := storeclient.New(&storeCfg)
	if err != nil {
		return errors.Wrap(err, "cannot create store client")
	}

	membershipCfg, err := cfg.MembershipConfig()
	if err != nil {
		return err
	}
	adapter, err := membership.New(&membershipCfg)
	if err != nil {
		return errors.Wrap(err, "cannot create membership adapter")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fsm, err := discovery.New(ctx, store, adapter, adapter.Events(), cfg.DiscoveryConfig())
	if err != nil {
		return err
	}
	fsm.Start()
	fsm.Send(discovery.Start{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("received signal %v, shutting down", sig)
	case <-fsm.Done():
		log.Warn("discovery FSM exited unexpectedly")
	}

	cancel()
	<-fsm.Done()
	return adapter.Shutdown()
}

func discoverStoreEndpoints() ([]string, error) {
	var provider peerprovider.Provider
	switch opts.CloudProvider {
	case "", "none":
		return nil, nil
	case "aws-asg":
		p, err := peerprovider.NewAutoScalingGroupProvider()
		if err != nil {
			return nil, err
		}
		provider = p
	case "aws-tag":
		kvs, err := parseTags(opts.Tags)
		if err != nil {
			return nil, err
		}
		p, err := peerprovider.NewInstanceTagProvider(kvs)
		if err != nil {
			return nil, err
		}
		provider = p
	case "digitalocean-tag":
		p, err := peerprovider.NewDigitalOceanTagProvider(&peerprovider.DigitalOceanConfig{
			AccessToken: opts.DOToken,
			TagValue:    opts.DOTag,
		})
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return nil, errors.Errorf("unknown cloud provider: %q", opts.CloudProvider)
	}
	return peerprovider.Endpoints(context.Background(), provider, "http", 2379)
}

func parseTags(raw []string) ([]peerprovider.KeyValue, error) {
	kvs := make([]peerprovider.KeyValue, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("invalid tag, expected key=value: %q", r)
		}
		kvs = append(kvs, peerprovider.KeyValue{Key: parts[0], Value: parts[1]})
	}
	return kvs, nil
}
