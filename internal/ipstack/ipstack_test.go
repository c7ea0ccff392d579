package ipstack

import (
	"net"
	"testing"
)

// buildIPv4Packet constructs a minimal, valid IPv4 header (no options,
// no payload) with the given source/destination addresses.
func buildIPv4Packet(src, dst net.IP) []byte {
	packet := make([]byte, 20)
	packet[0] = 0x45 // version 4, IHL 5 (20 bytes)
	packet[2] = 0    // total length high byte
	packet[3] = 20   // total length low byte: header only, no payload
	packet[8] = 64   // TTL
	packet[9] = 17   // protocol: UDP
	copy(packet[12:16], src.To4())
	copy(packet[16:20], dst.To4())
	return packet
}

func TestDestinationIPv4(t *testing.T) {
	src := net.IPv4(10, 10, 0, 2)
	dst := net.IPv4(10, 10, 0, 3)
	packet := buildIPv4Packet(src, dst)

	got, err := DestinationIPv4(packet)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(dst) {
		t.Fatalf("got %v, want %v", got, dst)
	}
}

func TestSourceIPv4(t *testing.T) {
	src := net.IPv4(10, 10, 0, 2)
	dst := net.IPv4(10, 10, 0, 3)
	packet := buildIPv4Packet(src, dst)

	got, err := SourceIPv4(packet)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(src) {
		t.Fatalf("got %v, want %v", got, src)
	}
}

func TestDestinationIPv4RejectsNonIPv4(t *testing.T) {
	if _, err := DestinationIPv4([]byte{0x60, 0, 0, 0}); err != ErrNotIPv4 {
		t.Fatalf("got %v, want ErrNotIPv4", err)
	}
}

func TestDestinationIPv4RejectsEmpty(t *testing.T) {
	if _, err := DestinationIPv4(nil); err != ErrNotIPv4 {
		t.Fatalf("got %v, want ErrNotIPv4", err)
	}
}
