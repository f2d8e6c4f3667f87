package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dftp/dftp/internal/routing"
	"github.com/dftp/dftp/internal/wire"
)

var routingCmd = &cobra.Command{
	Use:   "routing",
	Short: "Run an FTP-facing routing node",
	RunE:  runRouting,
}

func init() {
	flags := routingCmd.Flags()
	flags.String("ftp-listen", "127.0.0.1:2121", "address the FTP control port binds to (use a privileged port like :21 when run as root)")
	flags.Int("max-connections", 0, "maximum concurrent FTP control connections (0 disables the limit)")
	flags.Int("max-connections-per-ip", 0, "maximum concurrent FTP control connections from one client IP (0 disables the limit)")
	flags.Duration("max-idle-time", 5*time.Minute, "idle read timeout on an FTP control connection")
	mustBindFlags(flags)
	rootCmd.AddCommand(routingCmd)
}

func runRouting(cmd *cobra.Command, args []string) error {
	b, err := bindNode("ROUTING")
	if err != nil {
		return err
	}
	loc := b.newLocator("ROUTING")

	cfg := routing.Config{
		ListenAddr:          viper.GetString("ftp-listen"),
		MaxConnections:      viper.GetInt("max-connections"),
		MaxConnectionsPerIP: viper.GetInt("max-connections-per-ip"),
		MaxIdleTime:         viper.GetDuration("max-idle-time"),
	}
	n := routing.NewNode(b.name, b.advertiseAddr, loc, b.logger, cfg)
	n.Metrics = b.metrics
	n.Gossip.Metrics = b.metrics

	server := wire.NewServer(b.controlAddr, b.logger)
	n.RegisterHandlers(server)

	return b.run(cmd, server,
		func(ctx context.Context) { loc.Run(ctx) },
		func(ctx context.Context) { n.Gossip.Run(ctx) },
		func(ctx context.Context) {
			if err := n.ListenAndServe(ctx); err != nil && !errors.Is(err, routing.ErrServerClosed) {
				b.logger.Error("routing: ftp listener stopped", "err", err)
			}
		},
	)
}
