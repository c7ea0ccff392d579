package session

import "time"

// ProtocolVersion is compared byte-exact against a client's Version
// request.
const ProtocolVersion uint32 = 0x00000502

const (
	// MaxUsers is the fixed slot-array capacity of a Table.
	MaxUsers = 16

	// QMemLen is the per-user query memory ring size; must be >= the
	// largest window size a user can negotiate.
	QMemLen = 16

	// DNSCacheLen is the per-user answer cache ring size, kept at or
	// below half the 5-bit data collision-mitigation-counter space (32)
	// so a full cache sweep can't alias a live CMC value.
	DNSCacheLen = 16

	// WindowBufferCapacity is the ring capacity backing each direction's
	// fragment.Buffer; the negotiable sliding windowsize must not exceed
	// it.
	WindowBufferCapacity = 64

	// DefaultWindowSize is the sliding window size new users start with,
	// before any 'O' options negotiation.
	DefaultWindowSize = 8

	// DefaultFragSize is the downstream fragment size (encoded bytes per
	// downstream answer, the value the 'N' command sets) a new user
	// starts with.
	DefaultFragSize = 200

	// MinFragSize and MaxFragSize bound a fragsize accepted by the 'N'
	// command; outside this range the server answers BADFRAG.
	MinFragSize = 2
	MaxFragSize = 2047

	// DownstreamPingHdr is the number of extra bytes a ping downstream
	// packet carries beyond the base seqID|ack_other|flags header
	// (out_winsize, in_winsize, out_start_seq, in_start_seq), reserved
	// up front when computing maxfraglen so a ping never overflows a
	// fragment-sized answer.
	DownstreamPingHdr = 4

	// DefaultDNSTimeout is a new user's initial dns_timeout, used by
	// lazy-mode deferral until overridden by a 'P' ping request.
	DefaultDNSTimeout = 5 * time.Second

	// MaxDNSTimeout caps max_wait's reported deadline, so a stalled
	// resolver is never kept waiting indefinitely.
	MaxDNSTimeout = 10 * time.Second

	// IdleBound is how long a user may go without a recognized packet
	// before the table reaps its slot.
	IdleBound = 60 * time.Second
)
