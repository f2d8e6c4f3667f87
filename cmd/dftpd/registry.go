package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dftp/dftp/internal/registry"
	"github.com/dftp/dftp/internal/wire"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Run a membership-registry node",
	RunE:  runRegistry,
}

func init() {
	flags := registryCmd.Flags()
	flags.Duration("evict-timeout", 30*time.Second, "how long a member can go without a heartbeat before it's evicted")
	flags.Duration("evict-interval", 10*time.Second, "how often the eviction sweep runs")
	mustBindFlags(flags)
	rootCmd.AddCommand(registryCmd)
}

func runRegistry(cmd *cobra.Command, args []string) error {
	b, err := bindNode("REGISTRY")
	if err != nil {
		return err
	}
	loc := b.newLocator("REGISTRY")

	n := registry.NewNode(b.name, b.advertiseAddr, loc, b.logger, viper.GetDuration("evict-timeout"))
	n.Gossip.Metrics = b.metrics

	server := wire.NewServer(b.controlAddr, b.logger)
	n.RegisterHandlers(server)

	evictInterval := viper.GetDuration("evict-interval")
	return b.run(cmd, server,
		func(ctx context.Context) { loc.Run(ctx) },
		func(ctx context.Context) { n.Gossip.Run(ctx) },
		func(ctx context.Context) { n.RunCleaner(ctx, evictInterval) },
	)
}
