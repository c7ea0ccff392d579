// Package ipstack inspects the IPv4 packets flowing between the tun
// device and the tunnel's users: it finds a packet's destination so the
// event loop can route it to the right user's tun_ip (spec §4.J design
// note, inter-client routing scenario F), and reports malformed packets
// rather than letting a short read panic downstream.
package ipstack

import (
	"errors"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var ErrNotIPv4 = errors.New("ipstack: packet is not IPv4")

// DestinationIPv4 parses a raw IPv4 packet (as read from, or about to be
// written to, tun — with no additional link-layer framing) and returns
// its destination address.
func DestinationIPv4(packet []byte) (net.IP, error) {
	if len(packet) == 0 || packet[0]>>4 != 4 {
		return nil, ErrNotIPv4
	}
	p := gopacket.NewPacket(packet, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := p.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		if el := p.ErrorLayer(); el != nil {
			return nil, el.Error()
		}
		return nil, ErrNotIPv4
	}
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return nil, ErrNotIPv4
	}
	return ip.DstIP, nil
}

// SourceIPv4 returns a raw IPv4 packet's source address. The event loop
// does not call it: upstream packets are written to tun without a
// source-address check.
func SourceIPv4(packet []byte) (net.IP, error) {
	if len(packet) == 0 || packet[0]>>4 != 4 {
		return nil, ErrNotIPv4
	}
	p := gopacket.NewPacket(packet, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := p.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		if el := p.ErrorLayer(); el != nil {
			return nil, el.Error()
		}
		return nil, ErrNotIPv4
	}
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return nil, ErrNotIPv4
	}
	return ip.SrcIP, nil
}
