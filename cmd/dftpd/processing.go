package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dftp/dftp/internal/processing"
	"github.com/dftp/dftp/internal/wire"
)

var processingCmd = &cobra.Command{
	Use:   "processing",
	Short: "Run a stateless FTP-command processing node",
	RunE:  runProcessing,
}

func init() {
	rootCmd.AddCommand(processingCmd)
}

func runProcessing(cmd *cobra.Command, args []string) error {
	b, err := bindNode("PROCESSING")
	if err != nil {
		return err
	}
	loc := b.newLocator("PROCESSING")

	cfg := processing.Config{ReplicationK: viper.GetInt("replication-k")}
	n := processing.NewNode(b.name, b.advertiseAddr, loc, b.logger, cfg)

	server := wire.NewServer(b.controlAddr, b.logger)
	// PROCESS_FTP_COMMAND blocks until the storage node finishes the data
	// transfer it triggers, so the connection deadline must outlast one.
	server.ConnDeadline = 6 * time.Minute
	n.RegisterHandlers(server)

	return b.run(cmd, server,
		func(ctx context.Context) { loc.Run(ctx) },
	)
}
