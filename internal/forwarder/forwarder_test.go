package forwarder

import (
	"net/netip"
	"testing"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

func buildQuery(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: id, RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		t.Fatal(err)
	}
	n, err := dnsmessage.NewName(name)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Question(dnsmessage.Question{
		Name:  n,
		Type:  dnsmessage.TypeA,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		t.Fatal(err)
	}
	packet, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	return packet
}

func TestMessageID(t *testing.T) {
	packet := buildQuery(t, 0x1234, "example.com.")
	id, ok := MessageID(packet)
	if !ok {
		t.Fatal("expected to parse ID")
	}
	if id != 0x1234 {
		t.Fatalf("got id %#x, want %#x", id, 0x1234)
	}
}

func TestMessageIDRejectsGarbage(t *testing.T) {
	if _, ok := MessageID([]byte{0x01}); ok {
		t.Fatal("expected failure on truncated packet")
	}
}

func TestStashAndResolve(t *testing.T) {
	table := NewTable(time.Minute)
	addr := netip.MustParseAddrPort("203.0.113.9:40000")
	now := time.Now()

	table.Stash(42, addr, 37, now)

	got, n, ok := table.Resolve(42, now.Add(time.Second))
	if !ok {
		t.Fatal("expected a resolved stash entry")
	}
	if got != addr {
		t.Fatalf("got addr %v, want %v", got, addr)
	}
	if n != 37 {
		t.Fatalf("got len %d, want 37", n)
	}

	// A second resolve for the same ID must miss: the entry is consumed.
	if _, _, ok := table.Resolve(42, now.Add(time.Second)); ok {
		t.Fatal("expected second resolve to miss")
	}
}

func TestResolveExpiresAfterTTL(t *testing.T) {
	table := NewTable(5 * time.Second)
	addr := netip.MustParseAddrPort("203.0.113.9:40000")
	now := time.Now()

	table.Stash(7, addr, 12, now)

	if _, _, ok := table.Resolve(7, now.Add(10*time.Second)); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestResolveMissingID(t *testing.T) {
	table := NewTable(time.Minute)
	if _, _, ok := table.Resolve(99, time.Now()); ok {
		t.Fatal("expected miss for an ID that was never stashed")
	}
}
