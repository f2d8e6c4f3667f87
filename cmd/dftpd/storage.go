package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dftp/dftp/internal/storage"
	"github.com/dftp/dftp/internal/wire"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Run a file-storage (data) node",
	RunE:  runStorage,
}

func init() {
	flags := storageCmd.Flags()
	flags.String("data-dir", "", "filesystem root for stored files (defaults to ./data/<name>/files)")
	flags.String("metadata-path", "", "path to the persisted metadata.json (defaults to ./data/<name>/metadata.json)")
	flags.Int64("bandwidth-bytes-sec", 0, "per-transfer bandwidth cap in bytes/sec (0 disables limiting)")
	flags.Duration("heal-interval", 30*time.Second, "how often to scan for and pull missing replicated files")
	mustBindFlags(flags)
	rootCmd.AddCommand(storageCmd)
}

func runStorage(cmd *cobra.Command, args []string) error {
	b, err := bindNode("DATA")
	if err != nil {
		return err
	}
	loc := b.newLocator("DATA")

	dataDir := viper.GetString("data-dir")
	if dataDir == "" {
		dataDir = fmt.Sprintf("./data/%s/files", b.name)
	}
	metadataPath := viper.GetString("metadata-path")
	if metadataPath == "" {
		metadataPath = fmt.Sprintf("./data/%s/metadata.json", b.name)
	}

	fs, err := storage.NewFSManager(dataDir)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	meta, err := storage.NewMetadataTable(metadataPath)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	cfg := storage.Config{
		ReplicationK:      viper.GetInt("replication-k"),
		BandwidthBytesSec: viper.GetInt64("bandwidth-bytes-sec"),
	}
	n := storage.NewNode(b.name, b.advertiseAddr, fs, meta, loc, b.logger, cfg)
	n.Metrics = b.metrics
	n.Gossip.Metrics = b.metrics

	server := wire.NewServer(b.controlAddr, b.logger)
	// DATA_STORE_FILE/DATA_RETR_FILE hold their inbound connection open for
	// the whole transfer; the default 30s connection deadline is far too short.
	server.ConnDeadline = 10 * time.Minute
	n.RegisterHandlers(server)

	healInterval := viper.GetDuration("heal-interval")
	return b.run(cmd, server,
		func(ctx context.Context) { loc.Run(ctx) },
		func(ctx context.Context) { n.Gossip.Run(ctx) },
		func(ctx context.Context) { n.RunHealer(ctx, healInterval) },
	)
}
