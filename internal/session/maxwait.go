package session

import (
	"net/netip"
	"time"

	"github.com/nogoegst/tundnsd/internal/answercache"
	"github.com/nogoegst/tundnsd/internal/dnscodec"
	"github.com/nogoegst/tundnsd/internal/qmem"
)

// PendingAnswer is a downstream DNS answer produced by MaxWait for a
// query that was deferred under lazy mode and has now become eligible.
type PendingAnswer struct {
	Addr netip.AddrPort
	Data []byte
}

// MaxWait implements the cross-user query-memory scan of spec §4.E: it
// drains every currently-eligible pending query (up to a per-user
// budget) into a response, and reports how long the event loop may wait
// before the soonest remaining deadline needs re-checking, along with
// the slot of the user that owns it.
func MaxWait(table *Table, cfg *Config, now time.Time) (wait time.Duration, soonestSlot int, answers []PendingAnswer) {
	best := MaxDNSTimeout
	soonestSlot = -1

	table.Each(func(u *User) {
		if u.State != StateAuthenticated || !u.Lazy {
			// Non-lazy users are answered synchronously at append time
			// in Dispatch and never contribute a deferred deadline.
			return
		}
		budget := u.Outgoing.SendableCount()
		if extra := u.QMem.NumPending() - u.Outgoing.Windowsize(); extra > budget {
			budget = extra
		}
		if budget < 1 {
			budget = 1
		}

		for sent := 0; sent < budget; sent++ {
			q, ok := u.QMem.NextResponse()
			if !ok {
				break
			}
			deadline := q.RecvTime.Add(u.DNSTimeout)
			eligible := !now.Before(deadline) ||
				u.Outgoing.SendableCount() > 0 ||
				u.NextUpstreamAck >= 0 ||
				u.SendPingNext ||
				u.QMem.NumPending() > u.Outgoing.Windowsize()
			if !eligible {
				if remain := deadline.Sub(now); remain < best {
					best = remain
					soonestSlot = u.Slot
				}
				break
			}
			answer, err := buildResponseForQuery(u, cfg, q)
			if err == nil {
				answers = append(answers, PendingAnswer{Addr: q.Addr, Data: answer})
			}
			u.QMem.Answered()
		}
	})

	if best > MaxDNSTimeout {
		best = MaxDNSTimeout
	}
	if best < 0 {
		best = 0
	}
	return best, soonestSlot, answers
}

// buildResponseForQuery assembles the downstream datagram answering q:
// the next sendable outgoing fragment (or a bare ping/ack if none is
// ready), encoded per u's negotiated downstream record type and
// encoding, and records it in the answer cache for resolver retransmit
// tolerance.
func buildResponseForQuery(u *User, cfg *Config, q qmem.Query) ([]byte, error) {
	f := u.Outgoing.NextSendingFragment(&u.NextUpstreamAck)

	var ackOther int16 = -1
	if f != nil {
		ackOther = f.AckOther
	} else if u.NextUpstreamAck >= 0 {
		ackOther = u.NextUpstreamAck
		u.NextUpstreamAck = -1
	}

	var ping *pingInfo
	if u.SendPingNext {
		ping = &pingInfo{
			outWinsize:  byte(u.Outgoing.Windowsize()),
			inWinsize:   byte(u.Incoming.Windowsize()),
			outStartSeq: u.Outgoing.StartSeqID,
			inStartSeq:  u.Incoming.StartSeqID,
		}
		u.SendPingNext = false
	}

	var body []byte
	if f != nil {
		body = f.Data
	}
	packet := buildDownstreamPacket(f, ping, body, ackOther)

	name := dnscodec.ParseName(q.Name)
	qtype := dnscodec.RRType(q.Type)
	cmc := u.nextCMC()
	answer, err := encodeDownstreamAnswer(q.ID, name, cfg.Topdomain, qtype, u.DownstreamEncoding, cmc, packet)
	if err != nil {
		return nil, err
	}
	u.AnswerCache.Save(q.ID, answercache.Query{Type: q.Type, Name: q.Name}, answer)
	return answer, nil
}
