// Package config parses the server's command-line configuration, the
// external interface spec §6 names: topdomain, password, tunnel
// addressing, the DNS listen addresses, the optional forwarder and NS
// settings, and the debug/idle-timeout knobs.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/nogoegst/tundnsd/internal/dnscodec"
	"github.com/nogoegst/tundnsd/internal/session"
)

// Config is the fully parsed, validated server configuration.
type Config struct {
	Session session.Config

	ListenV4 string
	ListenV6 string

	// BindPort, if non-zero, enables the forwarder: non-tunnel queries
	// are relayed to a resolver listening on 127.0.0.1:BindPort.
	BindPort int

	MaxIdleTime time.Duration
	Debug       int

	TunName string
}

// Parse parses args (normally os.Args[1:]) into a Config, using its own
// flag.NewFlagSet with ContinueOnError so that a parse failure comes
// back as an error instead of exiting.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("tundnsd", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: tundnsd [options] TOPDOMAIN\n")
		fs.PrintDefaults()
	}

	password := fs.String("password", "", "shared tunnel password (required)")
	myIP := fs.String("my-ip", "", "server's address inside the tunnel subnet (required)")
	tunNet := fs.String("tun-net", "", "tunnel subnet network address (required)")
	netmaskBits := fs.Int("netmask", 27, "tunnel subnet prefix length")
	mtu := fs.Int("mtu", 1130, "MTU advertised to clients")
	nsIP := fs.String("ns-ip", "", "address returned for direct NS queries against topdomain (optional)")
	checkIP := fs.Bool("check-ip", true, "reject requests whose source address changed since login")
	listenV4 := fs.String("listen", ":53", "UDP address to listen on for DNS over IPv4")
	listenV6 := fs.String("listen6", "", "UDP address to listen on for DNS over IPv6 (optional)")
	bindPort := fs.Int("bind-port", 0, "forward non-tunnel queries to a resolver on 127.0.0.1:PORT (0 disables)")
	maxIdle := fs.Duration("max-idle-time", 0, "stop the server after this long with no active user (0 disables)")
	debug := fs.Int("debug", 0, "debug verbosity (0-3)")
	tunName := fs.String("tun-name", "", "TUN device name (platform default if empty)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, fmt.Errorf("config: expected exactly one TOPDOMAIN argument")
	}
	topdomain := fs.Arg(0)

	if *password == "" {
		return nil, fmt.Errorf("config: -password is required")
	}
	if len(*password) > 32 {
		return nil, fmt.Errorf("config: password must be at most 32 bytes")
	}

	myIPAddr := net.ParseIP(*myIP).To4()
	if myIPAddr == nil {
		return nil, fmt.Errorf("config: -my-ip %q is not a valid IPv4 address", *myIP)
	}
	tunNetAddr := net.ParseIP(*tunNet).To4()
	if tunNetAddr == nil {
		return nil, fmt.Errorf("config: -tun-net %q is not a valid IPv4 address", *tunNet)
	}
	if *netmaskBits < 0 || *netmaskBits > 32 {
		return nil, fmt.Errorf("config: -netmask %d out of range", *netmaskBits)
	}

	var nsAddr net.IP
	if *nsIP != "" {
		nsAddr = net.ParseIP(*nsIP)
		if nsAddr == nil {
			return nil, fmt.Errorf("config: -ns-ip %q is not a valid address", *nsIP)
		}
	}

	cfg := &Config{
		Session: session.Config{
			Topdomain:  dnscodec.ParseName(topdomain),
			Password:   *password,
			MyIP:       myIPAddr,
			TunNetwork: tunNetAddr,
			Netmask:    net.CIDRMask(*netmaskBits, 32),
			MTU:        *mtu,
			NSIP:       nsAddr,
			CheckIP:    *checkIP,
		},
		ListenV4:    *listenV4,
		ListenV6:    *listenV6,
		BindPort:    *bindPort,
		MaxIdleTime: *maxIdle,
		Debug:       *debug,
		TunName:     *tunName,
	}
	return cfg, nil
}

// ParseOrExit is the entry point main calls: it parses os.Args[1:] and,
// on failure, prints the error to stderr and exits with status 1,
// matching the teacher's top-level error handling in main.
func ParseOrExit() *Config {
	cfg, err := Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}
