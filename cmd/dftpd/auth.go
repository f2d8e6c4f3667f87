package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dftp/dftp/internal/authnode"
	"github.com/dftp/dftp/internal/wire"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Run a credential-validation node",
	RunE:  runAuth,
}

func init() {
	flags := authCmd.Flags()
	flags.String("users-path", "", "path to the persisted users.json (defaults to ./data/<name>/users.json)")
	mustBindFlags(flags)
	rootCmd.AddCommand(authCmd)
}

func runAuth(cmd *cobra.Command, args []string) error {
	b, err := bindNode("AUTH")
	if err != nil {
		return err
	}
	loc := b.newLocator("AUTH")

	usersPath := viper.GetString("users-path")
	if usersPath == "" {
		usersPath = fmt.Sprintf("./data/%s/users.json", b.name)
	}

	n, err := authnode.NewNode(b.name, b.advertiseAddr, usersPath, loc, b.logger)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	n.Gossip.Metrics = b.metrics

	server := wire.NewServer(b.controlAddr, b.logger)
	n.RegisterHandlers(server)

	return b.run(cmd, server,
		func(ctx context.Context) { loc.Run(ctx) },
		func(ctx context.Context) { n.Gossip.Run(ctx) },
	)
}
