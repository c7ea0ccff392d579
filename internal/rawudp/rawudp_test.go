package rawudp

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/nogoegst/tundnsd/internal/session"
)

func testConfig() *session.Config {
	return &session.Config{
		Topdomain:  session.Name{"t"},
		Password:   "hunter2",
		MyIP:       []byte{10, 10, 0, 1},
		TunNetwork: []byte{10, 10, 0, 0},
		Netmask:    []byte{255, 255, 255, 0},
		MTU:        1130,
		CheckIP:    true,
	}
}

func TestBuildAndParsePacketRoundTrip(t *testing.T) {
	built := BuildPacket(CmdData, 5, []byte("payload"))

	cmd, uid, payload, err := ParsePacket(built)
	if err != nil {
		t.Fatal(err)
	}
	if cmd != CmdData {
		t.Fatalf("got cmd %v, want CmdData", cmd)
	}
	if uid != 5 {
		t.Fatalf("got uid %d, want 5", uid)
	}
	if !bytes.Equal(payload, []byte("payload")) {
		t.Fatalf("got payload %q, want %q", payload, "payload")
	}
}

func TestParsePacketRejectsShortPacket(t *testing.T) {
	if _, _, _, err := ParsePacket([]byte{0x73, 0x73}); err != ErrTooShort {
		t.Fatalf("got %v, want ErrTooShort", err)
	}
}

func TestParsePacketRejectsBadMagic(t *testing.T) {
	bad := append([]byte{0, 0, 0, 0}, 0x00)
	if _, _, _, err := ParsePacket(bad); err != ErrBadMagic {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
}

func TestDispatchUnknownUser(t *testing.T) {
	table := session.NewTable(4)
	cfg := testConfig()
	packet := BuildPacket(CmdPing, 0, nil)
	addr := netip.MustParseAddrPort("198.51.100.1:12345")

	if _, err := Dispatch(table, cfg, packet, addr, time.Now()); err != ErrUnknownUser {
		t.Fatalf("got %v, want ErrUnknownUser", err)
	}
}

func TestDispatchLoginRequiresDNSAuthenticatedUser(t *testing.T) {
	table := session.NewTable(4)
	cfg := testConfig()
	addr := netip.MustParseAddrPort("198.51.100.1:12345")

	u, ok := table.Allocate(addr.Addr(), 1234, 'T')
	if !ok {
		t.Fatal("expected allocation to succeed")
	}

	reply := rawLoginHash(cfg.Password, u.Seed+1)
	packet := BuildPacket(CmdLogin, u.Slot, reply[:])

	// The user is only Versioned, not yet Authenticated: LOGIN must be
	// silently ignored rather than accepted.
	res, err := Dispatch(table, cfg, packet, addr, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatalf("expected nil result for an unauthenticated user, got %+v", res)
	}
	if u.AuthenticatedRaw {
		t.Fatal("AuthenticatedRaw must not be set before DNS authentication")
	}
}

func TestDispatchLoginThenData(t *testing.T) {
	table := session.NewTable(4)
	cfg := testConfig()
	addr := netip.MustParseAddrPort("198.51.100.1:12345")

	u, ok := table.Allocate(addr.Addr(), 1234, 'T')
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	table.Authenticate(u, session.TunIPForSlot(cfg.TunNetwork, u.Slot))

	reply := rawLoginHash(cfg.Password, u.Seed+1)
	loginPacket := BuildPacket(CmdLogin, u.Slot, reply[:])
	res, err := Dispatch(table, cfg, loginPacket, addr, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.Answer == nil {
		t.Fatal("expected a LOGIN reply")
	}
	if !u.AuthenticatedRaw {
		t.Fatal("expected AuthenticatedRaw to be set")
	}
	if u.RawAddr != addr.Addr() {
		t.Fatalf("got RawAddr %v, want %v", u.RawAddr, addr.Addr())
	}

	dataPacket := BuildPacket(CmdData, u.Slot, []byte("compressed-ip-packet"))
	res, err = Dispatch(table, cfg, dataPacket, addr, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || !bytes.Equal(res.Packet, []byte("compressed-ip-packet")) || !res.PacketCompressed {
		t.Fatalf("got %+v, want a compressed packet result", res)
	}
}

func TestDispatchDataRequiresRawLogin(t *testing.T) {
	table := session.NewTable(4)
	cfg := testConfig()
	addr := netip.MustParseAddrPort("198.51.100.1:12345")

	u, ok := table.Allocate(addr.Addr(), 1234, 'T')
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	table.Authenticate(u, session.TunIPForSlot(cfg.TunNetwork, u.Slot))

	dataPacket := BuildPacket(CmdData, u.Slot, []byte("x"))
	res, err := Dispatch(table, cfg, dataPacket, addr, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatalf("expected nil result before raw LOGIN, got %+v", res)
	}
}
