package session

import (
	"github.com/nogoegst/tundnsd/internal/dnscodec"
	"github.com/nogoegst/tundnsd/internal/encoding"
	"github.com/nogoegst/tundnsd/internal/fragment"
)

// Downstream packet header flag bits, shared between the downstream
// direction (server->client, documented in spec §4.G) and the upstream
// fragment header this implementation mirrors it with for symmetry
// (see dispatchData in dispatch.go).
const (
	flagImmediate  = 1 << 5
	flagPing       = 1 << 4
	flagAckValid   = 1 << 3
	flagCompressed = 1 << 2
	flagStart      = 1 << 1
	flagEnd        = 1 << 0
)

// pingInfo carries the four extra bytes a ping downstream packet
// appends after the base header.
type pingInfo struct {
	outWinsize  byte
	inWinsize   byte
	outStartSeq byte
	inStartSeq  byte
}

// buildDownstreamPacket assembles the raw bytes of one downstream
// datagram: the 3-byte header, an optional 4-byte ping block, and the
// fragment body. ackOther carries the upstream ack to piggyback (-1 if
// there is none), independent of whether a data fragment f is also
// being sent: a bare ping/ack response (f == nil) must still be able to
// embed a pending ack, matching original_source's send_data_or_ping
// else-branch.
func buildDownstreamPacket(f *fragment.Fragment, ping *pingInfo, body []byte, ackOther int16) []byte {
	var flags byte
	ackValid := ackOther >= 0
	if ackValid {
		flags |= flagAckValid
	}
	if ping != nil {
		flags |= flagPing
	}
	if f != nil {
		if f.Compressed {
			flags |= flagCompressed
		}
		if f.Start {
			flags |= flagStart
		}
		if f.End {
			flags |= flagEnd
		}
	}

	var seqID, ackByte byte
	if f != nil {
		seqID = f.SeqID
	}
	if ackValid {
		ackByte = byte(ackOther)
	}

	out := make([]byte, 0, 3+4+len(body))
	out = append(out, seqID, ackByte, flags)
	if ping != nil {
		out = append(out, ping.outWinsize, ping.inWinsize, ping.outStartSeq, ping.inStartSeq)
	}
	out = append(out, body...)
	return out
}

const cmcAlphabet = "abcdefghijklmnopqrstuvwxyz234567"

// encodeCMC renders a 10-bit collision-mitigation counter as two
// alphabet characters, independent of whichever downstream codec is
// negotiated, so the prefix is always exactly 2 label-safe characters.
func encodeCMC(v uint16) string {
	v &= 0x3ff
	return string([]byte{cmcAlphabet[v>>5], cmcAlphabet[v&0x1f]})
}

// encodeDownstreamAnswer wraps a fully-assembled downstream packet in
// the wire shape dictated by the query's record type, matching
// write_dns's per-type dispatch (spec §4.G "Downstream packet format").
func encodeDownstreamAnswer(id uint16, name Name, topdomain Name, qtype dnscodec.RRType, downEnc encoding.DownEnc, cmc uint16, packet []byte) ([]byte, error) {
	switch qtype {
	case dnscodec.TypeCNAME, dnscodec.TypeA:
		codec := downEnc.Codec()
		if codec == nil || downEnc == encoding.DownR {
			return nil, dnscodec.ErrUnsupportedRRType
		}
		text := string(codec.Tag()) + encodeCMC(cmc) + codec.Encode(packet)
		return dnscodec.EncodeHostnameAnswer(id, name, qtype, dnscodec.ChunkedName(text, topdomain))

	case dnscodec.TypeMX, dnscodec.TypeSRV:
		codec := downEnc.Codec()
		if codec == nil || downEnc == encoding.DownR {
			return nil, dnscodec.ErrUnsupportedRRType
		}
		text := string(codec.Tag()) + encodeCMC(cmc) + codec.Encode(packet)
		const chunkSize = 200
		var targets []Name
		for len(text) > 0 {
			n := chunkSize
			if n > len(text) {
				n = len(text)
			}
			targets = append(targets, dnscodec.ChunkedName(text[:n], topdomain))
			text = text[n:]
		}
		if qtype == dnscodec.TypeMX {
			return dnscodec.EncodeMXAnswer(id, name, targets, 10)
		}
		return dnscodec.EncodeSRVAnswer(id, name, targets, 10, 10, 1)

	case dnscodec.TypeTXT:
		codec := downEnc.Codec()
		if codec == nil {
			return nil, dnscodec.ErrUnsupportedRRType
		}
		text := string(downEnc) + codec.Encode(packet)
		return dnscodec.EncodeTXTAnswer(id, name, text)

	case dnscodec.TypeNULL, dnscodec.TypePRIVATE:
		return dnscodec.EncodeRawAnswer(id, name, qtype, packet)

	default:
		return nil, dnscodec.ErrUnsupportedRRType
	}
}

// encodeIllegalAnswer builds the one-byte 'x' "illegal answer" sent for
// a duplicate query in qmem: the same record type as the request, but
// always under downenc 'T' regardless of the user's negotiated
// downstream encoding (spec Design Notes: "Preserve exactly"), and with
// no fragment header — it carries no seqID or ACK, just the raw marker
// byte.
func encodeIllegalAnswer(id uint16, name Name, topdomain Name, qtype dnscodec.RRType) ([]byte, error) {
	return encodeDownstreamAnswer(id, name, topdomain, qtype, encoding.DownT, 0, []byte("x"))
}
