// Package rawudp implements the tunnel's raw-UDP fallback transport
// (spec §4.I): once a client has authenticated over DNS, it may switch
// to exchanging un-encapsulated UDP datagrams with the server directly,
// avoiding DNS's framing and round-trip overhead entirely.
package rawudp

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"net/netip"
	"time"

	"github.com/nogoegst/tundnsd/internal/session"
)

// Magic is the 4-byte identifier prefixed to every raw-UDP packet,
// distinguishing it from stray traffic on the same listening socket.
var Magic = [4]byte{0x73, 0x73, 0x30, 0xD5}

// HeaderLen is Magic's length plus the one byte packing cmd and uid.
const HeaderLen = len(Magic) + 1

// Cmd identifies a raw-UDP command, packed into the high nibble of the
// header's fifth byte. The three commands are assigned in the order
// they appear in original_source's dispatch switch; their exact wire
// values aren't specified beyond that ordering.
type Cmd byte

const (
	CmdLogin Cmd = 0
	CmdData  Cmd = 1
	CmdPing  Cmd = 2
)

var (
	ErrTooShort    = errors.New("rawudp: packet shorter than the header")
	ErrBadMagic    = errors.New("rawudp: magic bytes do not match")
	ErrUnknownUser = errors.New("rawudp: uid names no user")
)

// ParsePacket splits a raw-UDP datagram into its command, uid, and
// payload, after validating the magic prefix.
func ParsePacket(packet []byte) (cmd Cmd, uid int, payload []byte, err error) {
	if len(packet) < HeaderLen {
		return 0, 0, nil, ErrTooShort
	}
	if !bytes.Equal(packet[:len(Magic)], Magic[:]) {
		return 0, 0, nil, ErrBadMagic
	}
	b := packet[len(Magic)]
	cmd = Cmd(b >> 4)
	uid = int(b & 0x0f)
	return cmd, uid, packet[HeaderLen:], nil
}

// BuildPacket assembles a raw-UDP datagram for cmd/uid/payload.
func BuildPacket(cmd Cmd, uid int, payload []byte) []byte {
	out := make([]byte, HeaderLen, HeaderLen+len(payload))
	copy(out, Magic[:])
	out[len(Magic)] = byte(cmd)<<4 | byte(uid&0x0f)
	return append(out, payload...)
}

// Result is what Dispatch produces for one incoming raw-UDP packet.
type Result struct {
	// Answer, if non-nil, is the raw-UDP datagram to send back.
	Answer []byte

	// Packet is set when a DATA command carried a full (always
	// compressed) upstream IP packet, ready for decompression and
	// routing by the event loop.
	Packet           []byte
	PacketCompressed bool
}

// authorizedForRaw reports whether u may be driven over the raw-UDP
// fallback from addr: it must already have completed a raw LOGIN, and
// addr must match RawAddr (the address that LOGIN or the most recent
// DATA/PING arrived from), not PeerAddr (the DNS-established address —
// these may legitimately differ once a client has switched transports).
// (This also fixes the spec-noted inversion in handle_raw_data, which
// called this check and returned *on success* rather than on failure:
// callers must early-return when this is false, not when it is true.)
func authorizedForRaw(u *session.User, addr netip.Addr) bool {
	return u != nil && u.State == session.StateAuthenticated && u.AuthenticatedRaw && u.RawAddr == addr
}

// Dispatch handles one parsed raw-UDP packet. addr is the packet's
// source on the raw socket, which — once authenticated_raw is set — is
// used directly for subsequent commands rather than the DNS-established
// peer_addr (spec §4.I).
func Dispatch(table *session.Table, cfg *session.Config, packet []byte, addr netip.AddrPort, now time.Time) (*Result, error) {
	cmd, uid, payload, err := ParsePacket(packet)
	if err != nil {
		return nil, err
	}
	u := table.Get(uid)
	if u == nil || u.State == session.StateFree {
		return nil, ErrUnknownUser
	}

	switch cmd {
	case CmdLogin:
		return dispatchLogin(u, cfg, addr, payload)
	default:
		// DATA and PING require an already-completed raw LOGIN, sent
		// from the address that LOGIN or the last DATA/PING came from.
		if !authorizedForRaw(u, addr.Addr()) {
			return nil, nil
		}
	}

	switch cmd {
	case CmdData:
		return dispatchData(u, addr, now, payload)
	case CmdPing:
		return dispatchPing(u, uid, addr, now)
	default:
		return nil, nil
	}
}

func dispatchLogin(u *session.User, cfg *session.Config, addr netip.AddrPort, payload []byte) (*Result, error) {
	if u.State != session.StateAuthenticated || u.PeerAddr != addr.Addr() {
		return nil, nil
	}
	if len(payload) < 16 {
		return nil, nil
	}
	want := rawLoginHash(cfg.Password, u.Seed+1)
	if !bytes.Equal(payload[:16], want[:]) {
		return nil, nil
	}
	u.AuthenticatedRaw = true
	u.RawAddr = addr.Addr()
	u.Conn = session.ConnRawUDP
	u.Touch(time.Now())

	reply := rawLoginHash(cfg.Password, u.Seed-1)
	return &Result{Answer: BuildPacket(CmdLogin, u.Slot, reply[:])}, nil
}

func dispatchPing(u *session.User, uid int, addr netip.AddrPort, now time.Time) (*Result, error) {
	u.RawAddr = addr.Addr()
	u.Touch(now)
	return &Result{Answer: BuildPacket(CmdPing, uid, nil)}, nil
}

func dispatchData(u *session.User, addr netip.AddrPort, now time.Time, payload []byte) (*Result, error) {
	u.RawAddr = addr.Addr()
	u.Touch(now)
	if len(payload) == 0 {
		return &Result{}, nil
	}
	return &Result{
		Packet:           append([]byte(nil), payload...),
		PacketCompressed: true,
	}, nil
}

// rawLoginHash computes the raw-UDP LOGIN challenge value over seed,
// matching the same password/seed construction as the DNS channel's
// login hash (see internal/session's loginHash), applied to seed+1 for
// the client's presented value and seed-1 for the server's reply.
func rawLoginHash(password string, seed uint32) [16]byte {
	h := md5.New()
	h.Write([]byte(password))
	var seedBytes [4]byte
	binary.BigEndian.PutUint32(seedBytes[:], seed)
	h.Write(seedBytes[:])
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}
