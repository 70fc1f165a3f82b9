package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryandielhenn/xanadu/discovery"
	"github.com/ryandielhenn/xanadu/internal/config"
	"github.com/ryandielhenn/xanadu/pkg/relay"
)

var (
	relaysCmd = &cobra.Command{
		Use:   "relays",
		Short: "Inspect or publish the shared relay list in etcd",
	}
	listRelaysCmd = &cobra.Command{
		Use:   "list",
		Short: "Print the relays registered in etcd",
		Args:  cobra.NoArgs,
		RunE:  runListRelays,
	}
	registerRelayCmd = &cobra.Command{
		Use:   "register <name> <url>",
		Short: "Register a relay in etcd and keep its lease alive until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE:  runRegisterRelay,
	}
)

func init() {
	rootCmd.AddCommand(relaysCmd)
	relaysCmd.AddCommand(listRelaysCmd)
	relaysCmd.AddCommand(registerRelayCmd)
}

func etcdConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if !cfg.DiscoveryEnabled() {
		return nil, fmt.Errorf("ETCD_ENDPOINTS is not set")
	}
	return cfg, nil
}

func runListRelays(cmd *cobra.Command, _ []string) error {
	cfg, err := etcdConfig()
	if err != nil {
		return err
	}
	cli, err := discovery.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	urls, err := discovery.ListRelays(ctx, cli)
	if err != nil {
		return err
	}
	for _, u := range urls {
		fmt.Fprintln(cmd.OutOrStdout(), u)
	}
	return nil
}

func runRegisterRelay(cmd *cobra.Command, args []string) error {
	cfg, err := etcdConfig()
	if err != nil {
		return err
	}
	cli, err := discovery.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		return err
	}
	defer cli.Close()

	name, url := args[0], relay.NormalizeURL(args[1])
	ctx := cmd.Context()
	lease, err := discovery.RegisterRelay(ctx, cli, name, url, cfg.EtcdLeaseTTL)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "registered %s -> %s (lease %x), Ctrl-C to withdraw\n", name, url, lease)

	<-ctx.Done()
	revokeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = cli.Revoke(revokeCtx, lease)
	return err
}
