// Package session implements the per-user session state machine and
// command dispatch: the user table (component D) and the session
// protocol (component G).
package session

import (
	"net"
	"net/netip"
	"time"

	"github.com/nogoegst/tundnsd/internal/answercache"
	"github.com/nogoegst/tundnsd/internal/encoding"
	"github.com/nogoegst/tundnsd/internal/fragment"
	"github.com/nogoegst/tundnsd/internal/qmem"
)

// State is a user session's position in the handshake state machine.
type State int

const (
	StateFree State = iota
	StateVersioned
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateVersioned:
		return "versioned"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// ConnKind identifies which transport a user's downstream traffic
// currently rides on.
type ConnKind int

const (
	ConnNone ConnKind = iota
	ConnDNSNull
	ConnRawUDP
)

// User holds all per-session state for one tunnel client, slot-indexed
// inside a Table.
type User struct {
	Slot int

	State            State
	Conn             ConnKind
	AuthenticatedRaw bool

	// PeerAddr is the address observed during the last accepted DNS
	// query; RawAddr is the peer's address on the raw-UDP fallback,
	// which may differ.
	PeerAddr netip.Addr
	RawAddr  netip.Addr

	TunIP net.IP

	Seed uint32

	UpstreamCodec      encoding.Codec
	DownstreamEncoding encoding.DownEnc
	DownCompression    bool
	Lazy               bool

	FragSize uint16

	Incoming *fragment.IncomingBuffer
	Outgoing *fragment.Buffer

	NextUpstreamAck int16
	SendPingNext    bool

	DNSTimeout time.Duration
	LastPkt    time.Time

	QMem        *qmem.Ring
	AnswerCache *answercache.Cache

	// downCMC is the rotating 10-bit collision-mitigation counter
	// embedded in hostname-encoded downstream answers, so a caching
	// resolver never sees two genuinely different answers under what
	// looks like the same name.
	downCMC uint16
}

// nextCMC returns the next 10-bit collision-mitigation counter value,
// wrapping mod 1024.
func (u *User) nextCMC() uint16 {
	v := u.downCMC
	u.downCMC = (u.downCMC + 1) % 1024
	return v
}

// newUser initializes a slot in its FREE state. The two window buffers
// are allocated once and reused (via reset); the qmem ring and answer
// cache are allocated by activateVersioned on each new session.
func newUser(slot int) *User {
	return &User{
		Slot:     slot,
		Incoming: fragment.NewIncomingBuffer(WindowBufferCapacity, DefaultWindowSize),
		Outgoing: fragment.NewBuffer(WindowBufferCapacity, DefaultWindowSize),
	}
}

// reset returns u to its FREE state, clearing every field an
// authenticated session had set, matching login_calculate's teardown
// path in the original server: the window buffers are cleared and kept,
// while the qmem ring and answer cache are dropped (set to nil).
func (u *User) reset() {
	slot := u.Slot
	incoming := u.Incoming
	outgoing := u.Outgoing
	incoming.Clear()
	outgoing.Clear()
	*u = User{
		Slot:     slot,
		Incoming: incoming,
		Outgoing: outgoing,
	}
}

// activateVersioned transitions a freshly allocated slot into
// VERSIONED, assigning its challenge seed and default negotiation
// state.
func (u *User) activateVersioned(peerAddr netip.Addr, seed uint32, downEnc encoding.DownEnc) {
	u.State = StateVersioned
	u.Conn = ConnDNSNull
	u.PeerAddr = peerAddr
	u.Seed = seed
	u.UpstreamCodec = encoding.Base32Codec
	u.DownstreamEncoding = downEnc
	u.FragSize = DefaultFragSize
	u.Lazy = true
	u.DNSTimeout = DefaultDNSTimeout
	u.NextUpstreamAck = -1
	u.QMem = qmem.NewRing(QMemLen)
	u.AnswerCache = answercache.NewCache(DNSCacheLen)
	u.Outgoing.SetWindowsize(DefaultWindowSize)
	u.Incoming.SetWindowsize(DefaultWindowSize)
}

// MaxFragLen computes the maximum payload bytes carried per downstream
// fragment, reserving room for a ping header so a ping response never
// overflows whatever the fragment size was negotiated to.
func (u *User) MaxFragLen() int {
	n := int(u.FragSize)*u.DownstreamEncoding.Bits()/8 - DownstreamPingHdr
	if n < 1 {
		n = 1
	}
	return n
}

// Touch refreshes LastPkt, keeping the user alive against idle reaping.
func (u *User) Touch(now time.Time) {
	u.LastPkt = now
}
