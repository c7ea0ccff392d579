// Command tundnsd is the IP-over-DNS tunnel server.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nogoegst/tundnsd/internal/config"
	"github.com/nogoegst/tundnsd/internal/logging"
	"github.com/nogoegst/tundnsd/internal/server"
	"github.com/nogoegst/tundnsd/internal/session"
	"github.com/nogoegst/tundnsd/internal/tunio"
)

func run() error {
	cfg := config.ParseOrExit()

	log, err := logging.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	table := session.NewTable(session.MaxUsers)

	tun, err := tunio.Open(cfg.TunName, cfg.Session.MTU)
	if err != nil {
		return fmt.Errorf("opening tun device: %w", err)
	}
	defer tun.Close()

	prefixLen, _ := cfg.Session.Netmask.Size()
	if err := tunio.Configure(tun.Name(), cfg.Session.MyIP, cfg.Session.TunNetwork, prefixLen); err != nil {
		return fmt.Errorf("configuring tun device: %w", err)
	}
	log.Info("tun device ready", zap.String("name", tun.Name()))

	dnsV4, err := net.ListenPacket("udp4", cfg.ListenV4)
	if err != nil {
		return fmt.Errorf("listening for DNS on %s: %w", cfg.ListenV4, err)
	}
	defer dnsV4.Close()

	var dnsV6 net.PacketConn
	if cfg.ListenV6 != "" {
		dnsV6, err = net.ListenPacket("udp6", cfg.ListenV6)
		if err != nil {
			return fmt.Errorf("listening for DNS on %s: %w", cfg.ListenV6, err)
		}
		defer dnsV6.Close()
	}

	var fwdConn net.PacketConn
	if cfg.BindPort != 0 {
		fwdConn, err = net.ListenPacket("udp4", ":0")
		if err != nil {
			return fmt.Errorf("opening forwarder socket: %w", err)
		}
		defer fwdConn.Close()
	}

	srv := server.New(cfg, log, table, tun, dnsV4, dnsV6, fwdConn)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("tundnsd ready",
		zap.String("listen", cfg.ListenV4),
		zap.String("topdomain", cfg.Session.Topdomain.String()),
	)
	return srv.Run(ctx)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
