//go:build linux

// Package tunio owns the server's tun device: creating it, bringing it
// up with the tunnel's address and routed subnet, and reading/writing
// raw IPv4 packets to and from it.
package tunio

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/tun"
)

// Device wraps a wireguard-go tun.Device with the IP/route
// configuration a tunnel server needs on top of it.
type Device struct {
	dev  tun.Device
	name string
	mtu  int

	bufs  [][]byte
	sizes []int
}

// Open creates a tun device named name (platform-assigned if empty),
// with the given MTU.
func Open(name string, mtu int) (*Device, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tunio: create tun device: %w", err)
	}
	actualName, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("tunio: get tun device name: %w", err)
	}
	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, mtu+32)
	}
	return &Device{
		dev:   dev,
		name:  actualName,
		mtu:   mtu,
		bufs:  bufs,
		sizes: make([]int, batch),
	}, nil
}

// Name returns the device's actual (kernel-assigned) name.
func (d *Device) Name() string { return d.name }

// Close tears the device down.
func (d *Device) Close() error { return d.dev.Close() }

// Events exposes the underlying tun.Device's event channel (link up,
// link down, MTU change).
func (d *Device) Events() <-chan tun.Event { return d.dev.Events() }

// ReadPacket reads one raw IPv4 packet from the device into buf,
// returning its length.
func (d *Device) ReadPacket(buf []byte) (int, error) {
	bufs := d.bufs[:1]
	bufs[0] = buf
	n, err := d.dev.Read(bufs, d.sizes[:1], 0)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return d.sizes[0], nil
}

// WritePacket writes one raw IPv4 packet to the device.
func (d *Device) WritePacket(packet []byte) error {
	bufs := d.bufs[:1]
	bufs[0] = packet
	_, err := d.dev.Write(bufs, 0)
	return err
}

// Configure assigns addr/prefixLen to the device, brings it up, and
// routes network/prefixLen through it — the same
// LinkByName/AddrAdd/LinkSetUp/RouteAdd sequence used to bring up a
// client-side tun device, applied here to the server's end of the
// tunnel subnet.
func Configure(name string, addr net.IP, network net.IP, prefixLen int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("tunio: link %q not found: %w", name, err)
	}

	addrNet := &net.IPNet{IP: addr, Mask: net.CIDRMask(prefixLen, 32)}
	nlAddr := &netlink.Addr{IPNet: addrNet}
	if err := netlink.AddrAdd(link, nlAddr); err != nil {
		return fmt.Errorf("tunio: assign address to %q: %w", name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("tunio: bring up %q: %w", name, err)
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       &net.IPNet{IP: network, Mask: net.CIDRMask(prefixLen, 32)},
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("tunio: add route for %q: %w", name, err)
	}
	return nil
}
