package session

import "net"

// Config holds the protocol-level settings Dispatch needs: the values
// spec §6 calls out as external configuration, minus the pieces (CLI
// parsing, privilege dropping, daemonization) that stay out of scope.
type Config struct {
	Topdomain Name
	Password  string

	// MyIP is the server's own address inside the tunnel subnet.
	MyIP net.IP
	// TunNetwork is the tunnel subnet's network address, used to derive
	// each user's assigned tun_ip via TunIPForSlot.
	TunNetwork net.IP
	Netmask    net.IPMask
	MTU        int

	// NSIP, if set, is the address returned for a direct NS query
	// against the topdomain itself (the "fake DNS server" behavior).
	NSIP net.IP

	CheckIP bool
}
