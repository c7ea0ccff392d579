// Package qmem implements the per-user query memory ring: deduplication
// of retransmitted queries, per-query timeouts, and deferred-answer
// selection for lazy mode.
package qmem

import (
	"net/netip"
	"time"
)

// Query identifies an inbound DNS query for dedup and deferred-answer
// purposes. Addr carries the socket address to reply to; it plays no
// part in dedup, which is keyed only on ID/Type/Name as the protocol
// specifies.
type Query struct {
	ID   uint16
	Type uint16
	Name string

	RecvTime time.Time
	Addr     netip.AddrPort
}

type entry struct {
	q        Query
	occupied bool
	answered bool
}

// Ring is a per-user ring buffer of size Len, with three cursors: start,
// startPending, and end, each in [0, Len). length is the number of
// occupied entries and numPending the number of those not yet answered.
type Ring struct {
	entries      []entry
	start        int
	startPending int
	end          int
	length       int
	numPending   int
}

// NewRing creates a Ring holding up to size queries.
func NewRing(size int) *Ring {
	return &Ring{entries: make([]entry, size)}
}

func (r *Ring) idx(i int) int { return i % len(r.entries) }

// NumPending reports the number of appended-but-unanswered queries.
func (r *Ring) NumPending() int { return r.numPending }

// Len reports the number of entries currently held (pending or answered).
func (r *Ring) Len() int { return r.length }

// Append records q. If an entry in the ring already has the same
// (ID, Type, Name), the query is a duplicate retransmission: Append
// returns (false, true) to tell the caller to send the "illegal answer"
// and not enqueue anything. If the ring is already full of pending
// queries, Append silently refuses: (false, false). Otherwise q is
// appended and Append returns (true, false); if the ring was full of
// answered queries, the oldest one is evicted to make room.
func (r *Ring) Append(q Query) (appended bool, duplicate bool) {
	for i := r.start; i != r.end; i = r.idx(i + 1) {
		e := &r.entries[r.idx(i)]
		if e.occupied && e.q.ID == q.ID && e.q.Type == q.Type && e.q.Name == q.Name {
			return false, true
		}
	}
	if r.numPending >= len(r.entries) {
		return false, false
	}
	if r.length >= len(r.entries) {
		// Ring full of answered queries: evict the oldest to make room.
		r.entries[r.start] = entry{}
		r.start = r.idx(r.start + 1)
		r.length--
	}
	slot := r.idx(r.end)
	r.entries[slot] = entry{q: q, occupied: true}
	r.end = r.idx(r.end + 1)
	r.length++
	r.numPending++
	return true, false
}

// Answered marks the oldest pending query as answered and advances
// startPending. It must be called exactly once per downstream packet
// sent in response to a pending query.
func (r *Ring) Answered() {
	if r.numPending == 0 {
		return
	}
	slot := r.idx(r.startPending)
	r.entries[slot].answered = true
	r.startPending = r.idx(r.startPending + 1)
	r.numPending--
}

// NextResponse returns the oldest pending query without advancing any
// cursor, or false if there is none.
func (r *Ring) NextResponse() (Query, bool) {
	if r.numPending == 0 {
		return Query{}, false
	}
	return r.entries[r.idx(r.startPending)].q, true
}

// Pending calls fn for every currently pending query, oldest first, in
// ring order. fn may not mutate the ring.
func (r *Ring) Pending(fn func(Query)) {
	i := r.startPending
	for n := 0; n < r.numPending; n++ {
		fn(r.entries[r.idx(i)].q)
		i = r.idx(i + 1)
	}
}
