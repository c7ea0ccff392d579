package session

import (
	"strings"

	"github.com/nogoegst/tundnsd/internal/dnscodec"
	"github.com/nogoegst/tundnsd/internal/encoding"
)

// Name is an alias for dnscodec.Name, so session code can work with
// qname labels without importing dnscodec under a second name.
type Name = dnscodec.Name

// CommandKind identifies which of the protocol's command rows a query
// selects, per the first character of its first qname label.
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdVersion
	CmdLogin
	CmdIPQuery
	CmdProbe
	CmdSwitchCodec
	CmdOptions
	CmdDownstreamCodecCheck
	CmdFragsizeProbe
	CmdFragsizeSet
	CmdPing
	CmdData
)

// Command is a tagged-variant parse of a tunnel query's payload,
// preferred over a branching if/else chain per the session protocol's
// "dispatch on first byte of qname" design note: parsing happens once,
// up front, and each variant already carries its decoded parameters.
type Command struct {
	Kind CommandKind

	// HasUID reports whether UID was parsed from a leading hex digit;
	// false for Version/Probe/DownstreamCodecCheck, which precede or
	// bypass per-user state.
	HasUID bool
	UID    int

	// Payload is the command's parameter text, left undecoded here.
	// Dispatch decodes it: for Version with the fixed base32 codec (no
	// user yet exists to carry a negotiated one), for uid-bearing
	// commands with that user's currently-negotiated upstream codec,
	// since decoding requires knowing which user first.
	Payload string

	// Raw is the full first-label text as received, before the leading
	// command/uid characters are stripped; used by the Z probe, which
	// echoes the qname verbatim.
	Raw string
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	}
	return 0, false
}

// ParseCommand reads the command byte (and, for uid-bearing commands,
// the uid nibble that follows it) out of a tunnel query's unqualified
// labels (the portion of the name before the topdomain, already joined
// back into one string by Name.Join).
func ParseCommand(first Name) Command {
	raw := first.Join()
	if raw == "" {
		return Command{Kind: CmdUnknown, Raw: raw}
	}
	c0 := raw[0]

	// A bare hex digit as the very first character names a data
	// fragment from that uid; there is no separate command letter.
	if uid, ok := hexVal(c0); ok {
		return Command{Kind: CmdData, HasUID: true, UID: uid, Payload: raw[1:], Raw: raw}
	}

	kind := kindForLetter(c0)
	if kind == CmdUnknown {
		return Command{Kind: CmdUnknown, Raw: raw}
	}

	rest := raw[1:]
	switch kind {
	case CmdVersion, CmdProbe, CmdDownstreamCodecCheck:
		return Command{Kind: kind, Payload: rest, Raw: raw}
	default:
		if rest == "" {
			return Command{Kind: kind, Raw: raw}
		}
		uid, ok := hexVal(rest[0])
		if !ok {
			return Command{Kind: CmdUnknown, Raw: raw}
		}
		return Command{Kind: kind, HasUID: true, UID: uid, Payload: rest[1:], Raw: raw}
	}
}

func kindForLetter(c byte) CommandKind {
	switch c {
	case 'v', 'V':
		return CmdVersion
	case 'l', 'L':
		return CmdLogin
	case 'i', 'I':
		return CmdIPQuery
	case 'z', 'Z':
		return CmdProbe
	case 's', 'S':
		return CmdSwitchCodec
	case 'o', 'O':
		return CmdOptions
	case 'y', 'Y':
		return CmdDownstreamCodecCheck
	case 'r', 'R':
		return CmdFragsizeProbe
	case 'n', 'N':
		return CmdFragsizeSet
	case 'p', 'P':
		return CmdPing
	default:
		return CmdUnknown
	}
}

// decodeWith decodes s, which may have been split across several DNS
// labels by the client to respect the 63-octet label limit and is
// already rejoined by the time it reaches here, with codec.
func decodeWith(codec encoding.Codec, s string) ([]byte, error) {
	return codec.Decode(strings.TrimSuffix(s, "."))
}

// splitTunnelQuery splits the full incoming qname into the tunnel-specific
// leading label text (joined across however many labels the payload
// spans) and confirms it belongs to topdomain.
func splitTunnelQuery(q dnscodec.Query, topdomain Name) (Name, bool) {
	rest, ok := q.Name.TrimSuffix(topdomain)
	if !ok || len(rest) == 0 {
		return nil, false
	}
	return rest, true
}

// equalFoldName reports whether a and b are the same name, comparing
// labels case-insensitively as DNS names are.
func equalFoldName(a, b Name) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
