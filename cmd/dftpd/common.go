package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/dftp/dftp/internal/locator"
	"github.com/dftp/dftp/internal/metrics"
	"github.com/dftp/dftp/internal/wire"
)

// boundNode is the listener and resolved addresses every role needs before
// it can construct its node type: the control listener must be bound first
// so an ephemeral "host:0" listen address resolves to a concrete port that
// can be advertised to the rest of the cluster.
type boundNode struct {
	name          string
	listener      net.Listener
	controlAddr   string // address this node listens on
	advertiseAddr string // address this node tells the cluster to dial
	logger        *slog.Logger
	metrics       *metrics.Registry
}

// mustBindFlags registers a subcommand's own flag set with viper so the
// flag/env/config-file layering applies to role-specific settings the same
// way it does to the persistent root flags.
func mustBindFlags(flags *pflag.FlagSet) {
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}

// bindNode resolves a node's name, opens its control listener, and picks the
// address advertised to peers (the explicit --advertise flag if set, else
// the listener's own resolved address — the right default when
// --listen binds a routable interface, and good enough for the
// single-host integration scenarios this binary also supports).
func bindNode(role string) (*boundNode, error) {
	name := viper.GetString("name")
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "node"
		}
		name = fmt.Sprintf("%s-%s-%d", role, host, os.Getpid())
	}

	l, err := net.Listen("tcp", viper.GetString("listen"))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	advertise := viper.GetString("advertise")
	if advertise == "" {
		advertise = l.Addr().String()
	}

	logger := slog.Default().With("component", role, "node", name)
	return &boundNode{
		name:          name,
		listener:      l,
		controlAddr:   l.Addr().String(),
		advertiseAddr: advertise,
		logger:        logger,
		metrics:       metrics.New(role, name),
	}, nil
}

// newLocator builds the discovery mixin every role mixes in to find peer
// registries (and, for non-registry roles, to answer same-role peer
// queries on the locator's behalf).
func (b *boundNode) newLocator(role string) *locator.Locator {
	cfg := locator.Config{
		Subnet:            viper.GetString("subnet"),
		ControlPort:       viper.GetInt("discovery.control-port"),
		HeartbeatInterval: viper.GetDuration("discovery.heartbeat-interval"),
		ProbeTimeout:      viper.GetDuration("discovery.probe-timeout"),
	}
	return locator.New(b.name, b.advertiseAddr, role, cfg, b.logger)
}

// run serves server on the already-bound listener alongside a metrics HTTP
// listener and any number of background loops, all under one errgroup, and
// blocks until SIGINT/SIGTERM triggers a graceful shutdown of everything.
func (b *boundNode) run(cmd *cobra.Command, server *wire.Server, background ...func(context.Context)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server.Addr = b.controlAddr
	server.OnRequest = b.metrics.ObserveWireRequest

	metricsSrv, err := metrics.NewServer(viper.GetString("metrics-addr"))
	if err != nil {
		b.listener.Close()
		return err
	}

	b.logger.Info("dftpd starting", "control_addr", b.controlAddr, "advertise_addr", b.advertiseAddr, "metrics_addr", metricsSrv.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, b.listener) })
	g.Go(func() error { return metricsSrv.Serve() })
	for _, fn := range background {
		fn := fn
		g.Go(func() error { fn(gctx); return nil })
	}

	<-gctx.Done()
	b.logger.Info("dftpd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	return g.Wait()
}
