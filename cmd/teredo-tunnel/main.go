// Command teredo-tunnel runs a Teredo relay or client tunnel engine.
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

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/teredo-go/teredo/internal/discovery"
	"github.com/teredo-go/teredo/internal/maintenance"
	"github.com/teredo-go/teredo/internal/tunnel"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	bindAddr       string
	bindPort       uint16
	role           string
	primaryServer  string
	coneFlag       bool
	coneSupport    bool
	localDiscovery bool
	verbose        bool
)

func main() {
	root := &cobra.Command{
		Use:   "teredo-tunnel",
		Short: "Run a Teredo relay or client tunnel engine",
		RunE:  run,
	}
	flags := root.Flags()
	flags.StringVar(&bindAddr, "bind-addr", "0.0.0.0", "IPv4 address to bind the UDP socket to")
	flags.Uint16Var(&bindPort, "bind-port", 3544, "UDP port to bind to")
	flags.StringVar(&role, "role", "relay", "tunnel role: relay or client")
	flags.StringVar(&primaryServer, "server", "", "primary Teredo server IPv4 (client mode)")
	flags.BoolVar(&coneFlag, "cone", false, "relay-only: believe we sit behind a cone NAT")
	flags.BoolVar(&coneSupport, "cone-support", true, "trust cone Teredo peers immediately, skipping hole-punching")
	flags.BoolVar(&localDiscovery, "local-discovery", false, "client-only: enable local-peer discovery")
	flags.BoolVar(&verbose, "verbose", false, "enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("teredo-tunnel %s (%s, built %s)\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))

	cfg := tunnel.Config{
		BindIPv4:    net.ParseIP(bindAddr),
		BindPort:    bindPort,
		ConeFlag:    coneFlag,
		ConeSupport: coneSupport,
		Logger:      logger,
		Registry:    prometheus.NewRegistry(),
		OnRecv: func(ip6 []byte) {
			logger.Debug("received inner ipv6 packet", "bytes", len(ip6))
		},
		OnICMPv6: func(icmp6 []byte, target net.IP) {
			logger.Debug("would emit icmpv6", "target", target, "bytes", len(icmp6))
		},
		OnStateUp: func(addr net.IP, mtu uint16) {
			logger.Info("qualified", "addr", addr, "mtu", mtu)
		},
		OnStateDown: func() {
			logger.Warn("lost qualification")
		},
	}

	if role == "client" {
		if primaryServer == "" {
			return fmt.Errorf("client mode requires --server")
		}
		cfg.Role = tunnel.RoleClient
		cfg.PrimaryServer = net.ParseIP(primaryServer)
		cfg.LocalDiscovery = localDiscovery
	}

	tu, err := tunnel.New(cfg)
	if err != nil {
		return fmt.Errorf("creating tunnel: %w", err)
	}
	defer tu.Destroy()

	if role == "client" {
		hs, err := maintenance.New(maintenance.Config{
			PrimaryServer: cfg.PrimaryServer,
			Logger:        logger,
			Send:          tu.RawSend,
			OnQualified: func(addr net.IP, mtu uint16, cone bool) {
				logger.Info("maintenance: qualified", "addr", addr, "mtu", mtu, "cone", cone)
				tu.NotifyQualified(addr, mtu, cone)
			},
			OnLost: func() {
				logger.Warn("maintenance: qualification lost")
				tu.NotifyLost()
			},
		})
		if err != nil {
			return fmt.Errorf("constructing maintenance: %w", err)
		}
		if err := tu.SetClientMode(cfg.PrimaryServer, cfg.SecondaryServer, hs); err != nil {
			return fmt.Errorf("setting client mode: %w", err)
		}

		if localDiscovery {
			ann, err := discovery.New(discovery.Config{Logger: logger})
			if err != nil {
				return fmt.Errorf("constructing discovery: %w", err)
			}
			if err := tu.SetLocalDiscovery(true, ann); err != nil {
				return fmt.Errorf("enabling local discovery: %w", err)
			}
		}
	}

	if err := tu.RunAsync(); err != nil {
		return fmt.Errorf("starting tunnel: %w", err)
	}
	logger.Info("tunnel running", "role", role, "addr", tu.LocalAddr())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-tu.Err():
		if err != nil {
			logger.Error("tunnel error", "error", err)
		}
	}
	return nil
}
