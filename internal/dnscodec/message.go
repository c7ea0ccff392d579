// Package dnscodec parses tunnel DNS queries and assembles answer
// datagrams of the record types the tunnel protocol speaks: CNAME, A,
// MX, SRV, TXT, NULL, and PRIVATE. Wire-level parsing and the five
// well-known-type builders are delegated to golang.org/x/net/dns/dnsmessage;
// DNS wire parsing/encoding is treated as an external primitive the core
// only calls into (see spec §1), and NULL/PRIVATE records (which that
// package has no typed builder for) are appended as raw bytes with the
// header's answer count patched in place.
package dnscodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/dns/dnsmessage"
)

// RRType is a DNS resource record type. It is a distinct type from
// dnsmessage.Type so this package can name NULL and PRIVATE, which that
// package does not define.
type RRType uint16

const (
	TypeA       RRType = 1
	TypeNS      RRType = 2
	TypeCNAME   RRType = 5
	TypeNULL    RRType = 10
	TypeMX      RRType = 15
	TypeTXT     RRType = 16
	TypeAAAA    RRType = 28
	TypeSRV     RRType = 33
	TypePRIVATE RRType = 65399
)

func (t RRType) String() string {
	switch t {
	case TypeA:
		return "A"
	case TypeNS:
		return "NS"
	case TypeCNAME:
		return "CNAME"
	case TypeNULL:
		return "NULL"
	case TypeMX:
		return "MX"
	case TypeTXT:
		return "TXT"
	case TypeAAAA:
		return "AAAA"
	case TypeSRV:
		return "SRV"
	case TypePRIVATE:
		return "PRIVATE"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}

var (
	ErrNotAQuery           = errors.New("dnscodec: message is a response, not a query")
	ErrUnsupportedOpcode   = errors.New("dnscodec: unsupported opcode")
	ErrMultipleQuestions   = errors.New("dnscodec: more than one question")
	ErrNoQuestion          = errors.New("dnscodec: no question section")
	ErrUnsupportedRRType   = errors.New("dnscodec: unsupported resource record type for this encoding")
)

// Query is a parsed incoming DNS query.
type Query struct {
	ID   uint16
	Type RRType
	Name Name
}

// ParseQuery parses a wire-format DNS datagram into a Query. It rejects
// responses, non-QUERY opcodes, and messages with other than exactly one
// question, matching the teacher's responseFor validation sequence.
func ParseQuery(packet []byte) (Query, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(packet)
	if err != nil {
		return Query{}, err
	}
	if hdr.Response {
		return Query{}, ErrNotAQuery
	}
	if hdr.OpCode != 0 {
		return Query{}, ErrUnsupportedOpcode
	}
	q, err := p.Question()
	if err != nil {
		return Query{}, ErrNoQuestion
	}
	if _, err := p.Question(); err != dnsmessage.ErrSectionDone {
		return Query{}, ErrMultipleQuestions
	}
	return Query{
		ID:   hdr.ID,
		Type: RRType(q.Type),
		Name: ParseName(q.Name.String()),
	}, nil
}

const answerTTL = 60

func mustWireName(n Name) (dnsmessage.Name, error) {
	s := n.String()
	if s == "" {
		s = "."
	} else {
		s += "."
	}
	return dnsmessage.NewName(s)
}

func header(id uint16) dnsmessage.Header {
	return dnsmessage.Header{
		ID:            id,
		Response:      true,
		Authoritative: true,
	}
}

func newBuilder(id uint16, name Name, qtype RRType) (dnsmessage.Builder, error) {
	b := dnsmessage.NewBuilder(nil, header(id))
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return b, err
	}
	wn, err := mustWireName(name)
	if err != nil {
		return b, err
	}
	if err := b.Question(dnsmessage.Question{
		Name:  wn,
		Type:  dnsmessage.Type(qtype),
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return b, err
	}
	if err := b.StartAnswers(); err != nil {
		return b, err
	}
	return b, nil
}

func resourceHeader(wn dnsmessage.Name, rrtype RRType) dnsmessage.ResourceHeader {
	return dnsmessage.ResourceHeader{
		Name:  wn,
		Type:  dnsmessage.Type(rrtype),
		Class: dnsmessage.ClassINET,
		TTL:   answerTTL,
	}
}

// EncodeEmptyAnswer builds a NOERROR response to a query with no answer
// records, used for query types the tunnel protocol does not carry data
// over (e.g. stray AAAA probes from a prefetching resolver).
func EncodeEmptyAnswer(id uint16, name Name, qtype RRType) ([]byte, error) {
	b, err := newBuilder(id, name, qtype)
	if err != nil {
		return nil, err
	}
	return b.Finish()
}

// EncodeHostnameAnswer builds a CNAME-answer response to a query of
// type qtype (CNAME or A — the question section echoes whichever was
// actually asked), whose answer RR target is target. An A query
// receives this same CNAME-shaped answer rather
// than a literal 4-byte address, since the payload is an arbitrary-
// length encoded hostname that cannot fit in an A record's RDATA; any
// resolver forwarding the answer along treats it exactly as it would
// any other CNAME pointing at a name it won't resolve further.
func EncodeHostnameAnswer(id uint16, name Name, qtype RRType, target Name) ([]byte, error) {
	b, err := newBuilder(id, name, qtype)
	if err != nil {
		return nil, err
	}
	wn, err := mustWireName(name)
	if err != nil {
		return nil, err
	}
	wt, err := mustWireName(target)
	if err != nil {
		return nil, err
	}
	if err := b.CNAMEResource(resourceHeader(wn, TypeCNAME), dnsmessage.CNAMEResource{CNAME: wt}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// EncodeMXAnswer builds one MX answer RR per target, each with the given
// preference, chaining multiple records to carry more data than a single
// 255-byte hostname could hold.
func EncodeMXAnswer(id uint16, name Name, targets []Name, pref uint16) ([]byte, error) {
	b, err := newBuilder(id, name, TypeMX)
	if err != nil {
		return nil, err
	}
	wn, err := mustWireName(name)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		wt, err := mustWireName(t)
		if err != nil {
			return nil, err
		}
		if err := b.MXResource(resourceHeader(wn, TypeMX), dnsmessage.MXResource{Pref: pref, MX: wt}); err != nil {
			return nil, err
		}
	}
	return b.Finish()
}

// EncodeSRVAnswer builds one SRV answer RR per target.
func EncodeSRVAnswer(id uint16, name Name, targets []Name, priority, weight, port uint16) ([]byte, error) {
	b, err := newBuilder(id, name, TypeSRV)
	if err != nil {
		return nil, err
	}
	wn, err := mustWireName(name)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		wt, err := mustWireName(t)
		if err != nil {
			return nil, err
		}
		if err := b.SRVResource(resourceHeader(wn, TypeSRV), dnsmessage.SRVResource{
			Priority: priority, Weight: weight, Port: port, Target: wt,
		}); err != nil {
			return nil, err
		}
	}
	return b.Finish()
}

// EncodeTXTAnswer builds a single-string TXT answer.
func EncodeTXTAnswer(id uint16, name Name, text string) ([]byte, error) {
	b, err := newBuilder(id, name, TypeTXT)
	if err != nil {
		return nil, err
	}
	wn, err := mustWireName(name)
	if err != nil {
		return nil, err
	}
	// TXT character-strings are limited to 255 bytes; split accordingly.
	var strs []string
	for len(text) > 255 {
		strs = append(strs, text[:255])
		text = text[255:]
	}
	strs = append(strs, text)
	if err := b.TXTResource(resourceHeader(wn, TypeTXT), dnsmessage.TXTResource{TXT: strs}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// EncodeARecordAnswer builds a literal A answer carrying ip verbatim as
// its 4-byte RDATA, used for the "fake DNS server" responses to a
// direct query against the topdomain itself, which carry no tunnel
// payload and so need a real address rather than a hostname-encoded
// CNAME.
func EncodeARecordAnswer(id uint16, name Name, ip [4]byte) ([]byte, error) {
	b, err := newBuilder(id, name, TypeA)
	if err != nil {
		return nil, err
	}
	wn, err := mustWireName(name)
	if err != nil {
		return nil, err
	}
	if err := b.AResource(resourceHeader(wn, TypeA), dnsmessage.AResource{A: ip}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// SelfARecord answers a direct A query against the topdomain itself
// (not a `<data>.topdomain` tunnel query) with the server's own
// address, matching the original server's handle_a_request behavior so
// a stray `dig A tunnel.example.com` gets a sane reply instead of
// silence.
func SelfARecord(id uint16, name Name, serverIP net.IP) ([]byte, error) {
	ip4 := serverIP.To4()
	if ip4 == nil {
		return nil, ErrUnsupportedRRType
	}
	var a [4]byte
	copy(a[:], ip4)
	return EncodeARecordAnswer(id, name, a)
}

// SelfNSRecord answers a direct NS query against the topdomain itself
// with ns as the authoritative name server, matching the original
// server's handle_ns_request.
func SelfNSRecord(id uint16, name Name, ns Name) ([]byte, error) {
	b, err := newBuilder(id, name, TypeNS)
	if err != nil {
		return nil, err
	}
	wn, err := mustWireName(name)
	if err != nil {
		return nil, err
	}
	wns, err := mustWireName(ns)
	if err != nil {
		return nil, err
	}
	if err := b.NSResource(resourceHeader(wn, TypeNS), dnsmessage.NSResource{NS: wns}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// EncodeRawAnswer builds a NULL or PRIVATE answer carrying data verbatim
// as RDATA. dnsmessage has no typed builder for either type, so the
// question section is built normally and the answer RR is appended by
// hand, with the header's answer count patched in place afterwards.
func EncodeRawAnswer(id uint16, name Name, qtype RRType, data []byte) ([]byte, error) {
	if qtype != TypeNULL && qtype != TypePRIVATE {
		return nil, ErrUnsupportedRRType
	}
	b := dnsmessage.NewBuilder(nil, header(id))
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	wn, err := mustWireName(name)
	if err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{
		Name:  wn,
		Type:  dnsmessage.Type(qtype),
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return nil, err
	}
	packed, err := b.Finish()
	if err != nil {
		return nil, err
	}
	packed = appendRawResource(packed, wn, qtype, data)
	return packed, nil
}

// appendRawResource appends one answer resource record with an arbitrary
// RR type and raw RDATA to an already-finished message, and increments
// the header's ANCOUNT field (bytes 6-7, big-endian) to match.
func appendRawResource(packed []byte, name dnsmessage.Name, rrtype RRType, data []byte) []byte {
	nameBytes := packName(name)
	packed = append(packed, nameBytes...)
	var hdr [10]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(rrtype))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(dnsmessage.ClassINET))
	binary.BigEndian.PutUint32(hdr[4:8], answerTTL)
	binary.BigEndian.PutUint16(hdr[8:10], uint16(len(data)))
	packed = append(packed, hdr[:]...)
	packed = append(packed, data...)

	ancount := binary.BigEndian.Uint16(packed[6:8])
	binary.BigEndian.PutUint16(packed[6:8], ancount+1)
	return packed
}

// packName renders name as wire-format labels with no compression, since
// it's being appended after the message has already been finished and we
// have no compression table to point into.
func packName(name dnsmessage.Name) []byte {
	s := name.String()
	if s == "." {
		return []byte{0}
	}
	labels := splitLabels(s)
	var out []byte
	for _, l := range labels {
		out = append(out, byte(len(l)))
		out = append(out, l...)
	}
	out = append(out, 0)
	return out
}

func splitLabels(s string) []string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	if s == "" {
		return nil
	}
	var labels []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			labels = append(labels, s[start:i])
			start = i + 1
		}
	}
	labels = append(labels, s[start:])
	return labels
}
