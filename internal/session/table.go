package session

import (
	"encoding/binary"
	"net"
	"net/netip"
	"time"

	"github.com/nogoegst/tundnsd/internal/encoding"
)

// Table is the fixed-capacity slot array of user sessions, indexed by
// slot id and by the two additional keys the spec's uniqueness
// invariants need on the hot path: tun_ip and authenticated peer_addr.
type Table struct {
	users       []User
	byTunIP     map[[4]byte]int
	byPeerAddr  map[netip.Addr]int
	createdUsers int
}

// NewTable creates a Table with the given slot capacity.
func NewTable(size int) *Table {
	t := &Table{
		users:      make([]User, size),
		byTunIP:    make(map[[4]byte]int, size),
		byPeerAddr: make(map[netip.Addr]int, size),
	}
	for i := range t.users {
		t.users[i] = *newUser(i)
	}
	return t
}

// Get returns the user occupying slot, or nil if slot is out of range.
func (t *Table) Get(slot int) *User {
	if slot < 0 || slot >= len(t.users) {
		return nil
	}
	return &t.users[slot]
}

// Len reports the table's fixed slot capacity.
func (t *Table) Len() int { return len(t.users) }

// CreatedUsers reports how many Version requests have ever been granted
// a slot, the count echoed back in a VFUL reply.
func (t *Table) CreatedUsers() int { return t.createdUsers }

// Allocate finds a FREE slot for a new Version request, transitions it
// to VERSIONED, and returns it. It fails if every slot is occupied.
func (t *Table) Allocate(peerAddr netip.Addr, seed uint32, downEnc encoding.DownEnc) (*User, bool) {
	for i := range t.users {
		u := &t.users[i]
		if u.State == StateFree {
			u.activateVersioned(peerAddr, seed, downEnc)
			t.createdUsers++
			return u, true
		}
	}
	return nil, false
}

// Authenticate promotes u to AUTHENTICATED and assigns its tunnel IP,
// indexing the table by both tun_ip and peer_addr per the uniqueness
// invariants.
func (t *Table) Authenticate(u *User, tunIP net.IP) {
	u.State = StateAuthenticated
	u.TunIP = tunIP
	var key [4]byte
	copy(key[:], tunIP.To4())
	t.byTunIP[key] = u.Slot
	t.byPeerAddr[u.PeerAddr] = u.Slot
}

// RebindPeerAddr updates the peer_addr index when check_ip is disabled
// and a user roams to a new source address.
func (t *Table) RebindPeerAddr(u *User, addr netip.Addr) {
	if u.State == StateAuthenticated {
		delete(t.byPeerAddr, u.PeerAddr)
		t.byPeerAddr[addr] = u.Slot
	}
	u.PeerAddr = addr
}

// LookupByTunIP returns the authenticated user assigned ip, if any.
func (t *Table) LookupByTunIP(ip net.IP) (*User, bool) {
	var key [4]byte
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, false
	}
	copy(key[:], ip4)
	slot, ok := t.byTunIP[key]
	if !ok {
		return nil, false
	}
	return &t.users[slot], true
}

// LookupByPeerAddr returns the authenticated user last seen at addr, if
// any.
func (t *Table) LookupByPeerAddr(addr netip.Addr) (*User, bool) {
	slot, ok := t.byPeerAddr[addr]
	if !ok {
		return nil, false
	}
	return &t.users[slot], true
}

// Free tears a user's session down: window buffers, qmem, and cache are
// cleared and the slot is freed, matching the spec's "timeout or
// teardown" lifecycle transition.
func (t *Table) Free(slot int) {
	u := t.Get(slot)
	if u == nil {
		return
	}
	if u.State == StateAuthenticated {
		var key [4]byte
		copy(key[:], u.TunIP.To4())
		delete(t.byTunIP, key)
		delete(t.byPeerAddr, u.PeerAddr)
	}
	u.reset()
}

// ReapIdle frees every slot whose last recognized packet is older than
// idleBound, returning the freed slot ids.
func (t *Table) ReapIdle(now time.Time, idleBound time.Duration) []int {
	var freed []int
	for i := range t.users {
		u := &t.users[i]
		if u.State == StateFree {
			continue
		}
		if now.Sub(u.LastPkt) > idleBound {
			freed = append(freed, i)
			t.Free(i)
		}
	}
	return freed
}

// Each calls fn for every non-FREE user in the table, in slot order.
// fn must not free or reauthenticate users, since that would invalidate
// the indices Each is iterating.
func (t *Table) Each(fn func(*User)) {
	for i := range t.users {
		if t.users[i].State != StateFree {
			fn(&t.users[i])
		}
	}
}

// AnyRoomLeft reports whether at least one slot is FREE, i.e. whether a
// new Version request could still be granted a slot. The event loop
// does not consult it; tun is read whatever the table's occupancy.
func (t *Table) AnyRoomLeft() bool {
	for i := range t.users {
		if t.users[i].State == StateFree {
			return true
		}
	}
	return false
}

// TunIPForSlot computes the tunnel IP assigned to slot under the
// tunnel's network address, matching original_source's allocation
// strategy: base address + slot index + 2, reserving +1 for the
// server's own address inside the subnet and skipping the network
// address itself (+0).
func TunIPForSlot(network net.IP, slot int) net.IP {
	ip := make(net.IP, 4)
	copy(ip, network.To4())
	v := binary.BigEndian.Uint32(ip) + uint32(slot) + 2
	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}
