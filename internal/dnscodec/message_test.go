package dnscodec

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/net/dns/dnsmessage"
)

func buildQuery(t *testing.T, id uint16, name string, qtype dnsmessage.Type) []byte {
	t.Helper()
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: id, RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		t.Fatal(err)
	}
	wn, err := dnsmessage.NewName(name)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Question(dnsmessage.Question{Name: wn, Type: qtype, Class: dnsmessage.ClassINET}); err != nil {
		t.Fatal(err)
	}
	packed, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	return packed
}

func TestParseQuery(t *testing.T) {
	packet := buildQuery(t, 1234, "habcdef.tunnel.example.com.", dnsmessage.TypeCNAME)
	q, err := ParseQuery(packet)
	if err != nil {
		t.Fatal(err)
	}
	if q.ID != 1234 || q.Type != TypeCNAME {
		t.Fatalf("unexpected query: %+v", q)
	}
	if got := q.Name.String(); !strings.EqualFold(got, "habcdef.tunnel.example.com") {
		t.Fatalf("unexpected name: %q", got)
	}
}

func TestParseQueryRejectsResponse(t *testing.T) {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: 1, Response: true})
	b.StartQuestions()
	packed, _ := b.Finish()
	if _, err := ParseQuery(packed); err != ErrNotAQuery {
		t.Fatalf("expected ErrNotAQuery, got %v", err)
	}
}

func parseAnswerCount(t *testing.T, packet []byte) int {
	t.Helper()
	var p dnsmessage.Parser
	hdr, err := p.Start(packet)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SkipAllQuestions(); err != nil {
		t.Fatal(err)
	}
	n := 0
	for {
		_, err := p.AnswerHeader()
		if err == dnsmessage.ErrSectionDone {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if err := p.SkipAnswer(); err != nil {
			t.Fatal(err)
		}
		n++
	}
	_ = hdr
	return n
}

func TestEncodeHostnameAnswer(t *testing.T) {
	name := ParseName("habcdef.tunnel.example.com")
	target := ParseName("0aXYZ.tunnel.example.com")
	packet, err := EncodeHostnameAnswer(1234, name, TypeCNAME, target)
	if err != nil {
		t.Fatal(err)
	}
	if n := parseAnswerCount(t, packet); n != 1 {
		t.Fatalf("expected 1 answer, got %d", n)
	}
}

func TestEncodeTXTAnswerSplitsLongStrings(t *testing.T) {
	name := ParseName("t-abc.tunnel.example.com")
	text := strings.Repeat("x", 600)
	packet, err := EncodeTXTAnswer(1, name, text)
	if err != nil {
		t.Fatal(err)
	}
	var p dnsmessage.Parser
	if _, err := p.Start(packet); err != nil {
		t.Fatal(err)
	}
	p.SkipAllQuestions()
	ah, err := p.AnswerHeader()
	if err != nil {
		t.Fatal(err)
	}
	if ah.Type != dnsmessage.TypeTXT {
		t.Fatalf("expected TXT answer, got %v", ah.Type)
	}
	txt, err := p.TXTResource()
	if err != nil {
		t.Fatal(err)
	}
	var joined string
	for _, s := range txt.TXT {
		if len(s) > 255 {
			t.Fatalf("character-string too long: %d", len(s))
		}
		joined += s
	}
	if joined != text {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(joined), len(text))
	}
}

func TestEncodeRawAnswerNullAndPrivate(t *testing.T) {
	name := ParseName("r-abcdef.tunnel.example.com")
	data := []byte{0x01, 0x00, 0xff, 0x80, 0x7f}

	for _, qtype := range []RRType{TypeNULL, TypePRIVATE} {
		packet, err := EncodeRawAnswer(55, name, qtype, data)
		if err != nil {
			t.Fatalf("type %v: %v", qtype, err)
		}
		if n := parseAnswerCount(t, packet); n != 1 {
			t.Fatalf("type %v: expected 1 answer, got %d", qtype, n)
		}
		// ANCOUNT must read back as 1.
		anc := uint16(packet[6])<<8 | uint16(packet[7])
		if anc != 1 {
			t.Fatalf("type %v: ANCOUNT = %d, want 1", qtype, anc)
		}
		// The raw RDATA must appear verbatim somewhere in the tail of the
		// packet, since it is appended byte-for-byte with no escaping.
		if !bytes.Contains(packet, data) {
			t.Fatalf("type %v: raw rdata not found in packet", qtype)
		}
	}
}

func TestEncodeRawAnswerRejectsOtherTypes(t *testing.T) {
	name := ParseName("x.tunnel.example.com")
	if _, err := EncodeRawAnswer(1, name, TypeA, []byte("x")); err != ErrUnsupportedRRType {
		t.Fatalf("expected ErrUnsupportedRRType, got %v", err)
	}
}

func TestEncodeMXAnswerChainsTargets(t *testing.T) {
	name := ParseName("mx-abc.tunnel.example.com")
	targets := []Name{
		ParseName("chunk0.tunnel.example.com"),
		ParseName("chunk1.tunnel.example.com"),
		ParseName("chunk2.tunnel.example.com"),
	}
	packet, err := EncodeMXAnswer(1, name, targets, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n := parseAnswerCount(t, packet); n != len(targets) {
		t.Fatalf("expected %d answers, got %d", len(targets), n)
	}
}
