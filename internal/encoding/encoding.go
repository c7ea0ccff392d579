// Package encoding implements the reversible byte<->text codecs used to
// carry tunnel payloads inside DNS label characters.
//
// Four alphabets are provided, one for each bit width iodine-style tunnels
// negotiate (5/6/6/7 bits per output character), plus a raw pass-through
// used for record types with no label-character restrictions.
package encoding

import (
	"encoding/base32"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrCorrupt is returned when Decode is given text that isn't valid for the
// codec's alphabet.
var ErrCorrupt = errors.New("encoding: corrupt input")

// ID identifies a codec by the wire value used in the 'S' (switch codec)
// command.
type ID int

const (
	Base32  ID = 5
	Base64  ID = 6
	Base64u ID = 26
	Base128 ID = 7
)

// Codec is a reversible mapping between arbitrary bytes and DNS-label-safe
// text. Implementations are stateless and safe for concurrent use.
type Codec interface {
	// Name is the human-readable codec name sent back on a successful 'S'
	// command, e.g. "Base32".
	Name() string
	// Tag is the single character prefixed to CNAME/A hostname-encoded
	// downstream fragments, or naming the TXT string's encoding.
	Tag() byte
	// Encode maps bytes to label-safe text with no length prefix.
	Encode(data []byte) string
	// Decode is the inverse of Encode. It returns ErrCorrupt on invalid
	// input rather than failing silently.
	Decode(s string) ([]byte, error)
}

var (
	base32Enc  = base32.StdEncoding.WithPadding(base32.NoPadding)
	base64Enc  = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+-").WithPadding(base64.NoPadding)
	base64uEnc = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_.").WithPadding(base64.NoPadding)
)

type base32Codec struct{}

func (base32Codec) Name() string { return "Base32" }
func (base32Codec) Tag() byte    { return 'h' }
func (base32Codec) Encode(data []byte) string {
	return strings.ToLower(base32Enc.EncodeToString(data))
}
func (base32Codec) Decode(s string) ([]byte, error) {
	buf, err := base32Enc.DecodeString(strings.ToUpper(s))
	if err != nil {
		return nil, ErrCorrupt
	}
	return buf, nil
}

// base64Codec is only valid on record types that preserve case (TXT, SRV,
// MX, NULL, PRIVATE); it must never be negotiated as the upstream encoder
// for a resolver known to lowercase names.
type base64Codec struct{}

func (base64Codec) Name() string { return "Base64" }
func (base64Codec) Tag() byte    { return 'i' }
func (base64Codec) Encode(data []byte) string {
	return base64Enc.EncodeToString(data)
}
func (base64Codec) Decode(s string) ([]byte, error) {
	buf, err := base64Enc.DecodeString(s)
	if err != nil {
		return nil, ErrCorrupt
	}
	return buf, nil
}

type base64uCodec struct{}

func (base64uCodec) Name() string { return "Base64u" }
func (base64uCodec) Tag() byte    { return 'j' }
func (base64uCodec) Encode(data []byte) string {
	return base64uEnc.EncodeToString(data)
}
func (base64uCodec) Decode(s string) ([]byte, error) {
	buf, err := base64uEnc.DecodeString(s)
	if err != nil {
		return nil, ErrCorrupt
	}
	return buf, nil
}

// base128Alphabet maps each 7-bit value to a distinct byte. '.' (the label
// separator) is the one value in [0x00, 0x80) excluded, replaced by 0x80 to
// keep the alphabet exactly 128 symbols wide.
var base128Alphabet = func() [128]byte {
	var a [128]byte
	n := 0
	for b := 0; b < 0x80; b++ {
		if b == '.' {
			continue
		}
		a[n] = byte(b)
		n++
	}
	a[n] = 0x80
	return a
}()

var base128Decode [256]int8

func init() {
	for i := range base128Decode {
		base128Decode[i] = -1
	}
	for i := 0; i < 128; i++ {
		base128Decode[base128Alphabet[i]] = int8(i)
	}
}

type base128Codec struct{}

func (base128Codec) Name() string { return "Base128" }
func (base128Codec) Tag() byte    { return 'k' }

// Encode emits one output character per 7 input bits, so len(data)*8
// bits produce ceil(len(data)*8/7) characters (7 input bytes become 8
// characters); a final partial group is zero-padded on the right.
func (base128Codec) Encode(data []byte) string {
	var sb strings.Builder
	var acc uint32
	var bits uint
	for _, b := range data {
		acc = (acc << 8) | uint32(b)
		bits += 8
		for bits >= 7 {
			bits -= 7
			idx := (acc >> bits) & 0x7f
			sb.WriteByte(base128Alphabet[idx])
		}
	}
	if bits > 0 {
		idx := (acc << (7 - bits)) & 0x7f
		sb.WriteByte(base128Alphabet[idx])
	}
	return sb.String()
}

func (base128Codec) Decode(s string) ([]byte, error) {
	var out []byte
	var acc uint32
	var bits uint
	for i := 0; i < len(s); i++ {
		v := base128Decode[s[i]]
		if v < 0 {
			return nil, ErrCorrupt
		}
		acc = (acc << 7) | uint32(v)
		bits += 7
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>bits))
		}
	}
	return out, nil
}

// rawCodec is the identity codec, used for record types (NULL, PRIVATE)
// whose RDATA has no label-character restrictions.
type rawCodec struct{}

func (rawCodec) Name() string                    { return "Raw" }
func (rawCodec) Tag() byte                       { return 'r' }
func (rawCodec) Encode(data []byte) string       { return string(data) }
func (rawCodec) Decode(s string) ([]byte, error) { return []byte(s), nil }

var (
	Base32Codec  Codec = base32Codec{}
	Base64Codec  Codec = base64Codec{}
	Base64uCodec Codec = base64uCodec{}
	Base128Codec Codec = base128Codec{}
	RawCodec     Codec = rawCodec{}
)

// ByID returns the upstream codec named by the wire codec identifier used
// in the 'S' command, or nil if id names no known codec.
func ByID(id ID) Codec {
	switch id {
	case Base32:
		return Base32Codec
	case Base64:
		return Base64Codec
	case Base64u:
		return Base64uCodec
	case Base128:
		return Base128Codec
	default:
		return nil
	}
}

// DownEnc identifies a downstream (server-to-client) record encoding by
// its single-character tag, as embedded in an 'O' options request or a TXT
// answer's leading byte.
type DownEnc byte

const (
	DownT DownEnc = 'T' // base32, via CNAME/A/MX/SRV/TXT
	DownS DownEnc = 'S' // base64
	DownU DownEnc = 'U' // base64u
	DownV DownEnc = 'V' // base128
	DownR DownEnc = 'R' // raw, via NULL/PRIVATE
)

// Bits returns the number of bits packed per wire byte for a downstream
// encoding, used to compute maxfraglen from fragsize.
func (e DownEnc) Bits() int {
	switch e {
	case DownT:
		return 5
	case DownS, DownU:
		return 6
	case DownV:
		return 7
	case DownR:
		return 8
	default:
		return 0
	}
}

// Codec returns the Codec implementing e, or nil for an unrecognized tag.
func (e DownEnc) Codec() Codec {
	switch e {
	case DownT:
		return Base32Codec
	case DownS:
		return Base64Codec
	case DownU:
		return Base64uCodec
	case DownV:
		return Base128Codec
	case DownR:
		return RawCodec
	default:
		return nil
	}
}

// Valid reports whether e is one of the five recognized downstream tags.
func (e DownEnc) Valid() bool {
	switch e {
	case DownT, DownS, DownU, DownV, DownR:
		return true
	default:
		return false
	}
}
