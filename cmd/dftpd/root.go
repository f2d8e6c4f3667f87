package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "dftpd",
	Short: "Run a node of a distributed FTP cluster",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if err := level.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
			return fmt.Errorf("invalid log.level: %w", err)
		}
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		slog.SetDefault(slog.New(handler))
		return nil
	},
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("name", "", "node name advertised to the cluster (defaults to hostname-pid)")
	flags.String("listen", "127.0.0.1:0", "address this node's wire-protocol control port binds to")
	flags.String("advertise", "", "address advertised to peers for this node (defaults to the resolved listen address)")
	flags.String("subnet", "127.0.0.1/32", "CIDR subnet swept to discover registry nodes")
	flags.Int("discovery.control-port", 9000, "control port probed on every host in subnet during discovery")
	flags.Duration("discovery.heartbeat-interval", 0, "interval between discovery heartbeat sweeps (role default if 0)")
	flags.Duration("discovery.probe-timeout", 0, "per-host dial timeout during a discovery sweep (role default if 0)")
	flags.String("metrics-addr", "127.0.0.1:0", "address the Prometheus /metrics endpoint binds to")
	flags.String("log.level", "info", "log level: debug, info, warn, or error")
	flags.Int("replication-k", 2, "number of replica copies kept per file (storage and processing nodes)")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}

func initConfig() {
	viper.SetConfigName("dftpd")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/dftpd")

	viper.SetEnvPrefix("DFTP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// DATA_NODE_REPLICATION_K is the deployment-facing name for the
	// replication factor; accept it alongside the DFTP_-prefixed form.
	_ = viper.BindEnv("replication-k", "DFTP_REPLICATION_K", "DATA_NODE_REPLICATION_K")

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
