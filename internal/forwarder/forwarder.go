// Package forwarder relays DNS queries whose name falls outside the
// tunnel's topdomain to a local resolver, and splices the resolver's
// reply back to the real client (spec §4.J). It mirrors the server's
// own "outside topdomain" path: original_source's forward_query stashes
// the client's address under the query's wire ID in a small table
// (fw_query_put/fw_query_get) so the untouched resolver reply can later
// be routed back to whoever actually asked.
package forwarder

import (
	"net/netip"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

// MessageID extracts the wire ID from a raw DNS message, the value
// Stash/Resolve key on.
func MessageID(packet []byte) (uint16, bool) {
	var p dnsmessage.Parser
	h, err := p.Start(packet)
	if err != nil {
		return 0, false
	}
	return h.ID, true
}

// DefaultTTL bounds how long a stashed query waits for its resolver
// reply before being discarded, per spec §4.J's "entries older than a
// bounded interval are discarded".
const DefaultTTL = 10 * time.Second

// entry is one stashed forwarded query.
type entry struct {
	addr    netip.AddrPort
	len     int
	stashed time.Time
	valid   bool
}

// Table maps a forwarded query's wire ID back to the client address
// that sent it, so the resolver's reply — which carries the same ID —
// can be spliced to the right place. Capacity is fixed, matching the
// rest of the session package's fixed-size tables; the oldest entry at
// a colliding ID slot is simply overwritten, same as qmem/answercache.
type Table struct {
	entries [entriesLen]entry
	ttl     time.Duration
}

const entriesLen = 64

// NewTable builds a forwarding table with the given entry lifetime. A
// zero ttl uses DefaultTTL.
func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{ttl: ttl}
}

func (t *Table) slot(id uint16) int {
	return int(id) % entriesLen
}

// Stash records that a query with the given wire ID, of length n, was
// forwarded on behalf of addr at now.
func (t *Table) Stash(id uint16, addr netip.AddrPort, n int, now time.Time) {
	e := &t.entries[t.slot(id)]
	*e = entry{addr: addr, len: n, stashed: now, valid: true}
}

// Resolve looks up and consumes the stash entry for id, returning the
// original client address and the forwarded query's length. ok is
// false if no live (unexpired, matching) entry exists — either nothing
// was ever stashed at that slot, a newer stash overwrote it, or it aged
// out past the table's ttl.
func (t *Table) Resolve(id uint16, now time.Time) (addr netip.AddrPort, n int, ok bool) {
	e := &t.entries[t.slot(id)]
	if !e.valid {
		return netip.AddrPort{}, 0, false
	}
	if now.Sub(e.stashed) > t.ttl {
		e.valid = false
		return netip.AddrPort{}, 0, false
	}
	addr, n = e.addr, e.len
	e.valid = false
	return addr, n, true
}
