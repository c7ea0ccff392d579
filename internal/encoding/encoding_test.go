package encoding

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	codecs := []Codec{Base32Codec, Base64Codec, Base64uCodec, Base128Codec, RawCodec}
	inputs := [][]byte{
		{},
		{0},
		{1, 2, 3, 4, 5, 6, 7},
		[]byte("hello, world"),
		bytes.Repeat([]byte{0xff}, 37),
	}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		buf := make([]byte, r.Intn(300))
		r.Read(buf)
		inputs = append(inputs, buf)
	}

	for _, c := range codecs {
		for _, in := range inputs {
			enc := c.Encode(in)
			out, err := c.Decode(enc)
			if err != nil {
				t.Fatalf("%s: decode(%q) over input %v: %v", c.Name(), enc, in, err)
			}
			if !bytes.Equal(out, in) {
				t.Fatalf("%s: round trip mismatch: in=%v out=%v", c.Name(), in, out)
			}
		}
	}
}

func TestBase32CaseInsensitive(t *testing.T) {
	in := []byte("the quick brown fox")
	enc := Base32Codec.Encode(in)
	upper := []byte(enc)
	for i, c := range upper {
		if c >= 'a' && c <= 'z' {
			upper[i] = c - 'a' + 'A'
		}
	}
	out, err := Base32Codec.Decode(string(upper))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("case-folded decode mismatch: got %v want %v", out, in)
	}
}

func TestByID(t *testing.T) {
	if ByID(Base32) != Base32Codec {
		t.Error("ByID(Base32) mismatch")
	}
	if ByID(99) != nil {
		t.Error("ByID(99) should be nil")
	}
}

func TestDownEnc(t *testing.T) {
	for _, e := range []DownEnc{DownT, DownS, DownU, DownV, DownR} {
		if !e.Valid() {
			t.Errorf("%c should be valid", e)
		}
		if e.Bits() == 0 {
			t.Errorf("%c should have nonzero bits", e)
		}
		if e.Codec() == nil {
			t.Errorf("%c should have a codec", e)
		}
	}
	if DownEnc('X').Valid() {
		t.Error("X should not be valid")
	}
}
