// Package fragment implements the reliable sliding-window fragmentation
// layer that carries a byte stream over the unreliable, request/response
// shaped DNS channel. One Buffer exists per direction per user.
package fragment

import (
	"errors"
	"time"
)

// ErrWindowFull is returned by AddOutgoingData when there is no room left
// in the ring for the fragments the call would produce.
var ErrWindowFull = errors.New("fragment: window buffer full")

// RetransmitInterval is how long a sent-but-unacked fragment waits before
// NextSendingFragment will offer it again.
const RetransmitInterval = 1 * time.Second

// Fragment is the unit of the sliding window.
type Fragment struct {
	SeqID      uint8
	Data       []byte
	Start      bool
	End        bool
	Compressed bool
	// AckOther piggybacks the cumulative ACK for the opposite direction;
	// -1 means "no ACK to report."
	AckOther int16

	occupied bool
	acked    bool
	sent     bool
	lastSent time.Time
	retries  int
}

// Buffer is a per-direction ring of up to Capacity fragments, indexed by
// seqID mod Capacity.
type Buffer struct {
	slots      []Fragment
	windowsize int

	// StartSeqID is the oldest seqID still live in the window: for an
	// outgoing buffer, the oldest unacknowledged fragment; for an
	// incoming buffer, the next seqID expected to complete a packet.
	StartSeqID uint8
	nextSeqID  uint8
	length     int // number of occupied slots
}

// NewBuffer creates a Buffer with the given ring capacity and sliding
// window size (windowsize must be <= capacity).
func NewBuffer(capacity, windowsize int) *Buffer {
	return &Buffer{
		slots:      make([]Fragment, capacity),
		windowsize: windowsize,
	}
}

// Windowsize returns the configured sliding window size.
func (b *Buffer) Windowsize() int { return b.windowsize }

// SetWindowsize updates the sliding window size, e.g. in response to a
// client-negotiated value on login.
func (b *Buffer) SetWindowsize(n int) { b.windowsize = n }

func (b *Buffer) slot(seq uint8) *Fragment {
	return &b.slots[int(seq)%len(b.slots)]
}

// Clear empties the buffer, as done on login / reconnection.
func (b *Buffer) Clear() {
	for i := range b.slots {
		b.slots[i] = Fragment{}
	}
	b.StartSeqID = 0
	b.nextSeqID = 0
	b.length = 0
}

// AddOutgoingData splits data into fragments of at most maxfraglen bytes
// and appends them to the ring, returning the number of fragments queued.
// It fails with ErrWindowFull if there isn't room for all of them.
func (b *Buffer) AddOutgoingData(data []byte, compressed bool, maxfraglen int) (int, error) {
	if maxfraglen <= 0 {
		maxfraglen = 1
	}
	n := (len(data) + maxfraglen - 1) / maxfraglen
	if n == 0 {
		n = 1 // zero-length packets still occupy one fragment, start=end=1
	}
	if b.length+n > len(b.slots) {
		return 0, ErrWindowFull
	}
	for i := 0; i < n; i++ {
		lo := i * maxfraglen
		hi := lo + maxfraglen
		if hi > len(data) {
			hi = len(data)
		}
		seq := b.nextSeqID
		b.nextSeqID++
		f := b.slot(seq)
		*f = Fragment{
			SeqID:      seq,
			Data:       append([]byte(nil), data[lo:hi]...),
			Start:      i == 0,
			End:        i == n-1,
			Compressed: compressed,
			AckOther:   -1,
			occupied:   true,
		}
		b.length++
	}
	return n, nil
}

// NextSendingFragment returns the oldest fragment in the window that is
// either unsent or overdue for retransmission, piggybacking
// *nextUpstreamAck into the fragment's AckOther field and resetting it to
// -1. It returns nil if no fragment is currently eligible.
func (b *Buffer) NextSendingFragment(nextUpstreamAck *int16) *Fragment {
	now := time.Now()
	for i := 0; i < b.windowsize && i < b.length; i++ {
		seq := b.StartSeqID + uint8(i)
		f := b.slot(seq)
		if !f.occupied || f.acked {
			continue
		}
		if f.sent && now.Sub(f.lastSent) < RetransmitInterval {
			continue
		}
		f.sent = true
		f.lastSent = now
		f.retries++
		f.AckOther = -1
		if nextUpstreamAck != nil && *nextUpstreamAck >= 0 {
			f.AckOther = *nextUpstreamAck
			*nextUpstreamAck = -1
		}
		return f
	}
	return nil
}

// SendableCount reports how many fragments in the window are currently
// eligible for NextSendingFragment (unsent, or overdue for
// retransmission), without mutating any of them.
func (b *Buffer) SendableCount() int {
	now := time.Now()
	n := 0
	for i := 0; i < b.windowsize && i < b.length; i++ {
		seq := b.StartSeqID + uint8(i)
		f := b.slot(seq)
		if !f.occupied || f.acked {
			continue
		}
		if f.sent && now.Sub(f.lastSent) < RetransmitInterval {
			continue
		}
		n++
	}
	return n
}

// Ack marks every fragment with seqID in (StartSeqID-1, seq] as
// acknowledged and slides StartSeqID past the longest acknowledged prefix.
func (b *Buffer) Ack(seq int16) {
	if seq < 0 {
		return
	}
	s := uint8(seq)
	for i := 0; i < b.windowsize && i < b.length; i++ {
		cand := b.StartSeqID + uint8(i)
		if seqDelta(cand, s) > 0 {
			break
		}
		f := b.slot(cand)
		if f.occupied {
			f.acked = true
		}
	}
	for b.length > 0 {
		f := b.slot(b.StartSeqID)
		if !f.occupied || !f.acked {
			break
		}
		*f = Fragment{}
		b.StartSeqID++
		b.length--
	}
}

// Tick advances time-based retransmit bookkeeping. It has nothing to do
// beyond what NextSendingFragment checks lazily, and the event loop does
// not call it.
func (b *Buffer) Tick() {}

// Len reports how many fragments currently occupy the ring.
func (b *Buffer) Len() int { return b.length }

// IncomingBuffer wraps Buffer with the accounting needed to reassemble a
// single logical upstream packet out of received fragments, which may
// arrive out of order or duplicated.
type IncomingBuffer struct {
	*Buffer
	lastAck int16
}

// NewIncomingBuffer creates an IncomingBuffer with the given ring capacity
// and window size.
func NewIncomingBuffer(capacity, windowsize int) *IncomingBuffer {
	return &IncomingBuffer{Buffer: NewBuffer(capacity, windowsize), lastAck: -1}
}

// Clear resets the buffer, including reassembly bookkeeping.
func (b *IncomingBuffer) Clear() {
	b.Buffer.Clear()
	b.lastAck = -1
}

// ProcessIncomingFragment inserts f (dropping it if it's a duplicate
// already behind StartSeqID) and returns the highest contiguous seqID
// accepted so far, to be echoed back as the cumulative ACK. Returns -1 if
// nothing is yet acceptable to acknowledge. The window does not move to
// meet the first fragment: it starts at StartSeqID (0 after Clear), and
// a fragment outside it is dropped.
func (b *IncomingBuffer) ProcessIncomingFragment(f Fragment) int16 {
	if seqDelta(f.SeqID, b.StartSeqID) < 0 {
		// Already consumed / behind the window: duplicate, drop.
		return b.lastAck
	}
	if !inWindow(f.SeqID, b.StartSeqID, len(b.slots)) {
		// Out of range entirely; ignore rather than corrupt the ring.
		return b.lastAck
	}
	slot := b.slot(f.SeqID)
	if !slot.occupied {
		*slot = f
		slot.occupied = true
		b.length++
	}
	// Compute the highest contiguous seqID accepted starting at
	// StartSeqID.
	ack := b.lastAck
	for i := 0; i < len(b.slots); i++ {
		cand := b.StartSeqID + uint8(i)
		s := b.slot(cand)
		if !s.occupied {
			break
		}
		ack = int16(cand)
	}
	b.lastAck = ack
	return ack
}

// ReassembleData copies out the contiguous run of fragments from a
// Start fragment at StartSeqID through the next End fragment, if one is
// fully present, and clears those slots out of the ring. It returns 0 if
// no complete run currently sits at the head of the window.
func (b *IncomingBuffer) ReassembleData(buf []byte) (n int, compressed bool) {
	first := b.slot(b.StartSeqID)
	if !first.occupied || !first.Start {
		return 0, false
	}
	// Find the End fragment, verifying every slot in between is present.
	var end uint8
	found := false
	for i := 0; i < len(b.slots); i++ {
		cand := b.StartSeqID + uint8(i)
		s := b.slot(cand)
		if !s.occupied {
			return 0, false
		}
		if s.End {
			end = cand
			found = true
			break
		}
	}
	if !found {
		return 0, false
	}
	compressed = first.Compressed
	total := 0
	for cand := b.StartSeqID; ; cand++ {
		s := b.slot(cand)
		total += copy(buf[total:], s.Data)
		*s = Fragment{}
		b.length--
		if cand == end {
			break
		}
	}
	b.StartSeqID = end + 1
	return total, compressed
}
