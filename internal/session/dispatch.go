package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/nogoegst/tundnsd/internal/answercache"
	"github.com/nogoegst/tundnsd/internal/dnscodec"
	"github.com/nogoegst/tundnsd/internal/encoding"
	"github.com/nogoegst/tundnsd/internal/fragment"
	"github.com/nogoegst/tundnsd/internal/qmem"
)

// ErrBareTopdomain is returned by Dispatch when q's name is the
// topdomain itself rather than a `<data>.topdomain` tunnel query; the
// caller should answer it via dnscodec.SelfNSRecord/SelfARecord
// instead.
var ErrBareTopdomain = errors.New("session: query names the topdomain itself, not a tunnel subdomain")

// Result is what Dispatch produces for one incoming tunnel query.
type Result struct {
	// Answer is the datagram to send back immediately, or nil if there
	// is nothing to send yet (Deferred) or nothing to send at all
	// (Dropped).
	Answer   []byte
	Deferred bool

	// Packet is set when this query's data fragment completed
	// reassembly of a full upstream IP packet, ready for decompression
	// and routing by the event loop.
	Packet           []byte
	PacketCompressed bool
}

func defaultDownEnc(qtype dnscodec.RRType) encoding.DownEnc {
	if qtype == dnscodec.TypeNULL || qtype == dnscodec.TypePRIVATE {
		return encoding.DownR
	}
	return encoding.DownT
}

func respondRaw(q dnscodec.Query, cfg *Config, downEnc encoding.DownEnc, payload []byte) (*Result, error) {
	answer, err := encodeDownstreamAnswer(q.ID, q.Name, cfg.Topdomain, q.Type, downEnc, 0, payload)
	if err != nil {
		return nil, err
	}
	return &Result{Answer: answer}, nil
}

// Dispatch handles one parsed query. It checks the name itself: a name
// outside cfg.Topdomain yields (nil, nil), and the bare topdomain yields
// ErrBareTopdomain. now is the
// authoritative receipt time (RecvTime on any qmem entry this call
// creates) and addr is the query's source.
func Dispatch(table *Table, cfg *Config, q dnscodec.Query, addr netip.AddrPort, now time.Time) (*Result, error) {
	rest, ok := splitTunnelQuery(q, cfg.Topdomain)
	if !ok {
		if equalFoldName(q.Name, cfg.Topdomain) {
			return nil, ErrBareTopdomain
		}
		return nil, nil // neither a tunnel query nor the topdomain itself: not ours
	}
	cmd := ParseCommand(rest)

	switch cmd.Kind {
	case CmdVersion:
		return dispatchVersion(table, cfg, q, cmd, addr)
	case CmdProbe:
		return dispatchProbe(cfg, q, cmd)
	case CmdDownstreamCodecCheck:
		return dispatchDownstreamCodecCheck(cfg, q, cmd)
	case CmdLogin, CmdIPQuery, CmdSwitchCodec, CmdOptions, CmdFragsizeProbe, CmdFragsizeSet, CmdPing, CmdData:
		return dispatchUserCommand(table, cfg, q, cmd, addr, now)
	default:
		return nil, nil // malformed / unrecognized: drop, no response
	}
}

func dispatchVersion(table *Table, cfg *Config, q dnscodec.Query, cmd Command, addr netip.AddrPort) (*Result, error) {
	downEnc := defaultDownEnc(q.Type)
	raw, err := decodeWith(encoding.Base32Codec, cmd.Payload)
	if err != nil || len(raw) < 4 {
		return respondRaw(q, cfg, downEnc, []byte("BADLEN"))
	}
	clientVersion := binary.BigEndian.Uint32(raw[:4])
	if clientVersion != ProtocolVersion {
		payload := append([]byte("VNAK"), be32(ProtocolVersion)...)
		return respondRaw(q, cfg, downEnc, payload)
	}

	seed := uint32(addr.Port())<<16 ^ uint32(time.Now().UnixNano())
	u, ok := table.Allocate(addr.Addr(), seed, downEnc)
	if !ok {
		payload := append([]byte("VFUL"), be32(uint32(table.CreatedUsers()))...)
		return respondRaw(q, cfg, downEnc, payload)
	}
	u.Touch(time.Now())
	payload := append([]byte("VACK"), be32(u.Seed)...)
	payload = append(payload, byte(u.Slot))
	return respondRaw(q, cfg, downEnc, payload)
}

func be32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// dispatchProbe answers the 'Z' case/encoding probe: the qname is
// echoed back verbatim, always under downenc 'T' regardless of the
// query's actual record type or any user's negotiated encoding (spec
// Design Notes: one of the source's "likely bugs" to preserve
// intentionally rather than fix).
func dispatchProbe(cfg *Config, q dnscodec.Query, _ Command) (*Result, error) {
	full := q.Name.String()
	return respondRaw(q, cfg, encoding.DownT, []byte(full))
}

var yProbePattern = func() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}()

func dispatchDownstreamCodecCheck(cfg *Config, q dnscodec.Query, cmd Command) (*Result, error) {
	if len(cmd.Payload) < 2 {
		return respondRaw(q, cfg, defaultDownEnc(q.Type), []byte("BADCODEC"))
	}
	downEnc := encoding.DownEnc(cmd.Payload[1])
	if !downEnc.Valid() {
		return respondRaw(q, cfg, defaultDownEnc(q.Type), []byte("BADCODEC"))
	}
	return respondRaw(q, cfg, downEnc, yProbePattern)
}

// dispatchUserCommand handles every uid-bearing command row: it looks
// up the user, enforces the authentication/IP-check invariant, and
// dispatches to the command-specific handler.
func dispatchUserCommand(table *Table, cfg *Config, q dnscodec.Query, cmd Command, addr netip.AddrPort, now time.Time) (*Result, error) {
	if !cmd.HasUID {
		return respondRaw(q, cfg, defaultDownEnc(q.Type), []byte("BADLEN"))
	}
	u := table.Get(cmd.UID)
	if u == nil || u.State == StateFree {
		return respondRaw(q, cfg, defaultDownEnc(q.Type), []byte("BADIP"))
	}
	if cfg.CheckIP {
		if u.State == StateAuthenticated && u.PeerAddr != addr.Addr() {
			return respondRaw(q, cfg, u.DownstreamEncoding, []byte("BADIP"))
		}
	} else {
		table.RebindPeerAddr(u, addr.Addr())
	}

	switch cmd.Kind {
	case CmdLogin:
		return dispatchLogin(table, cfg, u, q, cmd)
	case CmdIPQuery:
		return dispatchIPQuery(cfg, u, q)
	case CmdSwitchCodec:
		return dispatchSwitchCodec(cfg, u, q, cmd)
	case CmdOptions:
		return dispatchOptions(cfg, u, q, cmd)
	case CmdFragsizeProbe:
		return dispatchFragsizeProbe(cfg, u, q, cmd)
	case CmdFragsizeSet:
		return dispatchFragsizeSet(cfg, u, q, cmd)
	case CmdPing:
		return dispatchPing(cfg, u, q, cmd, addr, now)
	case CmdData:
		return dispatchData(cfg, u, q, cmd, addr, now)
	default:
		return nil, nil
	}
}

func requireAuthenticated(u *User, cfg *Config, q dnscodec.Query) (*Result, bool) {
	if u.State != StateAuthenticated {
		r, _ := respondRaw(q, cfg, defaultDownEnc(q.Type), []byte("BADIP"))
		return r, false
	}
	return nil, true
}

func dispatchLogin(table *Table, cfg *Config, u *User, q dnscodec.Query, cmd Command) (*Result, error) {
	raw, err := decodeWith(u.UpstreamCodec, cmd.Payload)
	if err != nil || len(raw) < 16 {
		return respondRaw(q, cfg, defaultDownEnc(q.Type), []byte("BADLEN"))
	}
	var presented [16]byte
	copy(presented[:], raw[:16])
	if presented != loginHash(cfg.Password, u.Seed) {
		return respondRaw(q, cfg, u.DownstreamEncoding, []byte("LNAK"))
	}

	tunIP := TunIPForSlot(cfg.TunNetwork, u.Slot)
	table.Authenticate(u, tunIP)

	ones, _ := cfg.Netmask.Size()
	text := fmt.Sprintf("%s-%s-%d-%d", cfg.MyIP.String(), tunIP.String(), cfg.MTU, ones)
	return respondRaw(q, cfg, u.DownstreamEncoding, []byte(text))
}

func dispatchIPQuery(cfg *Config, u *User, q dnscodec.Query) (*Result, error) {
	if r, ok := requireAuthenticated(u, cfg, q); !ok {
		return r, nil
	}
	addrBytes := u.PeerAddr.AsSlice()
	payload := append([]byte("I"), addrBytes...)
	return respondRaw(q, cfg, u.DownstreamEncoding, payload)
}

func dispatchSwitchCodec(cfg *Config, u *User, q dnscodec.Query, cmd Command) (*Result, error) {
	if r, ok := requireAuthenticated(u, cfg, q); !ok {
		return r, nil
	}
	raw, err := decodeWith(u.UpstreamCodec, cmd.Payload)
	if err != nil || len(raw) < 1 {
		return respondRaw(q, cfg, u.DownstreamEncoding, []byte("BADCODEC"))
	}
	codec := encoding.ByID(encoding.ID(raw[0]))
	if codec == nil {
		return respondRaw(q, cfg, u.DownstreamEncoding, []byte("BADCODEC"))
	}
	u.UpstreamCodec = codec
	return respondRaw(q, cfg, u.DownstreamEncoding, []byte(codec.Name()))
}

// dispatchOptions applies 'O' options atomically: every character is
// validated before any of them are applied, matching original_source's
// validate-into-temporaries-then-commit sequence and its single
// BADCODEC short-circuit on the first unrecognized character.
func dispatchOptions(cfg *Config, u *User, q dnscodec.Query, cmd Command) (*Result, error) {
	if r, ok := requireAuthenticated(u, cfg, q); !ok {
		return r, nil
	}
	var downEnc encoding.DownEnc
	var haveDownEnc bool
	var lazy = u.Lazy
	var compression = u.DownCompression
	for i := 0; i < len(cmd.Payload); i++ {
		c := cmd.Payload[i]
		switch c {
		case 'T', 't':
			downEnc, haveDownEnc = encoding.DownT, true
		case 'S', 's':
			downEnc, haveDownEnc = encoding.DownS, true
		case 'U', 'u':
			downEnc, haveDownEnc = encoding.DownU, true
		case 'V', 'v':
			downEnc, haveDownEnc = encoding.DownV, true
		case 'R', 'r':
			downEnc, haveDownEnc = encoding.DownR, true
		case 'L':
			lazy = true
		case 'I':
			lazy = false
		case 'C':
			compression = true
		case 'D':
			compression = false
		default:
			return respondRaw(q, cfg, u.DownstreamEncoding, []byte("BADCODEC"))
		}
	}
	if haveDownEnc {
		u.DownstreamEncoding = downEnc
	}
	u.Lazy = lazy
	u.DownCompression = compression
	return respondRaw(q, cfg, u.DownstreamEncoding, []byte(cmd.Payload))
}

func dispatchFragsizeProbe(cfg *Config, u *User, q dnscodec.Query, cmd Command) (*Result, error) {
	if r, ok := requireAuthenticated(u, cfg, q); !ok {
		return r, nil
	}
	raw, err := decodeWith(u.UpstreamCodec, cmd.Payload)
	if err != nil || len(raw) < 2 {
		return respondRaw(q, cfg, u.DownstreamEncoding, []byte("BADFRAG"))
	}
	reqSize := binary.BigEndian.Uint16(raw[:2])
	if reqSize < MinFragSize || reqSize > MaxFragSize {
		return respondRaw(q, cfg, u.DownstreamEncoding, []byte("BADFRAG"))
	}
	pattern := make([]byte, reqSize)
	if len(pattern) > 0 {
		pattern[0] = raw[0]
	}
	if len(pattern) > 1 {
		pattern[1] = raw[1]
	}
	if len(pattern) > 2 {
		pattern[2] = 107
		for i := 3; i < len(pattern); i++ {
			pattern[i] = byte(int(pattern[i-1]) + 107)
		}
	}
	return respondRaw(q, cfg, u.DownstreamEncoding, pattern)
}

func dispatchFragsizeSet(cfg *Config, u *User, q dnscodec.Query, cmd Command) (*Result, error) {
	if r, ok := requireAuthenticated(u, cfg, q); !ok {
		return r, nil
	}
	raw, err := decodeWith(u.UpstreamCodec, cmd.Payload)
	if err != nil || len(raw) < 2 {
		return respondRaw(q, cfg, u.DownstreamEncoding, []byte("BADFRAG"))
	}
	fragsize := binary.BigEndian.Uint16(raw[:2])
	if fragsize < MinFragSize || fragsize > MaxFragSize {
		return respondRaw(q, cfg, u.DownstreamEncoding, []byte("BADFRAG"))
	}
	u.FragSize = fragsize
	return respondRaw(q, cfg, u.DownstreamEncoding, raw[:2])
}

const (
	pingFlagRespond       = 1 << 0
	pingFlagUpdateTimeout = 1 << 1
)

func dispatchPing(cfg *Config, u *User, q dnscodec.Query, cmd Command, addr netip.AddrPort, now time.Time) (*Result, error) {
	if r, ok := requireAuthenticated(u, cfg, q); !ok {
		return r, nil
	}
	raw, err := decodeWith(u.UpstreamCodec, cmd.Payload)
	if err != nil || len(raw) < 9 {
		return respondRaw(q, cfg, u.DownstreamEncoding, []byte("BADLEN"))
	}
	dnAck := int16(binary.BigEndian.Uint16(raw[0:2]))
	upWinsize := raw[2]
	dnWinsize := raw[3]
	timeoutMs := binary.BigEndian.Uint16(raw[6:8])
	flags := raw[8]

	if dnAck >= 0 {
		u.Outgoing.Ack(dnAck)
	}
	if upWinsize > 0 {
		u.Incoming.SetWindowsize(int(upWinsize))
	}
	if dnWinsize > 0 {
		u.Outgoing.SetWindowsize(int(dnWinsize))
	}
	if flags&pingFlagUpdateTimeout != 0 {
		u.DNSTimeout = time.Duration(timeoutMs) * time.Millisecond
	}
	if flags&pingFlagRespond != 0 {
		u.SendPingNext = true
	}
	u.Touch(now)

	return enqueueOrAnswer(u, cfg, q, addr, now)
}

func dispatchData(cfg *Config, u *User, q dnscodec.Query, cmd Command, addr netip.AddrPort, now time.Time) (*Result, error) {
	if r, ok := requireAuthenticated(u, cfg, q); !ok {
		return r, nil
	}
	raw, err := decodeWith(u.UpstreamCodec, cmd.Payload)
	if err != nil || len(raw) < 4 {
		return respondRaw(q, cfg, u.DownstreamEncoding, []byte("BADLEN"))
	}
	seqID := raw[1]
	ackOtherByte := raw[2]
	flags := raw[3]
	body := raw[4:]

	var ackOther int16 = -1
	if flags&flagAckValid != 0 {
		ackOther = int16(ackOtherByte)
	}
	f := fragment.Fragment{
		SeqID:      seqID,
		Data:       append([]byte(nil), body...),
		Start:      flags&flagStart != 0,
		End:        flags&flagEnd != 0,
		Compressed: flags&flagCompressed != 0,
		AckOther:   ackOther,
	}
	ack := u.Incoming.ProcessIncomingFragment(f)
	u.NextUpstreamAck = ack
	if ackOther >= 0 {
		u.Outgoing.Ack(ackOther)
	}
	u.Touch(now)

	result, err := enqueueOrAnswer(u, cfg, q, addr, now)
	if err != nil || result == nil {
		return result, err
	}

	buf := make([]byte, int(cfg.MTU)+64)
	n, compressed := u.Incoming.ReassembleData(buf)
	if n > 0 {
		result.Packet = append([]byte(nil), buf[:n]...)
		result.PacketCompressed = compressed
	}
	return result, nil
}

// enqueueOrAnswer implements the shared answer-cache/qmem pre-check
// used by both 'P' and data-fragment commands (spec §4.G: "Before
// processing P and data fragments, the server consults the answer
// cache ... and then appends to qmem").
func enqueueOrAnswer(u *User, cfg *Config, q dnscodec.Query, addr netip.AddrPort, now time.Time) (*Result, error) {
	cacheKey := answercache.Query{Type: uint16(q.Type), Name: q.Name.String()}
	if cached, ok := u.AnswerCache.Lookup(cacheKey); ok {
		return &Result{Answer: cached}, nil
	}

	mq := qmem.Query{ID: q.ID, Type: uint16(q.Type), Name: q.Name.String(), RecvTime: now, Addr: addr}
	appended, duplicate := u.QMem.Append(mq)
	if duplicate {
		answer, err := encodeIllegalAnswer(q.ID, q.Name, cfg.Topdomain, q.Type)
		if err != nil {
			return nil, err
		}
		return &Result{Answer: answer}, nil
	}
	if !appended {
		return &Result{}, nil // silently refused: ring full of pending queries
	}
	if u.Lazy {
		return &Result{Deferred: true}, nil
	}
	answer, err := buildResponseForQuery(u, cfg, mq)
	if err != nil {
		return nil, err
	}
	u.QMem.Answered()
	return &Result{Answer: answer}, nil
}
